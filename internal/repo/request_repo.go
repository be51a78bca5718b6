// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Request
// model — the single shared mutable resource of the pipeline.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a request is not found, functions return ErrNotFound
//     (an alias of gorm.ErrRecordNotFound).
//   - TransitionRequest returns ErrConflict when the stored status no longer
//     matches the expected status — another transition won the race. Callers
//     treat this as "already being handled", not as a failure to surface.
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// The conditional-update shape of TransitionRequest is what enforces the
// at-most-one-mutator-per-id invariant: mutation is a compare-and-swap on
// (id, expected_status), never a read-modify-write.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/uo277440/go-notify-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrConflict is returned by TransitionRequest when the stored status does
// not match the expected status, i.e. a concurrent transition already moved
// the request forward.
var ErrConflict = errors.New("conflicting status transition")

// CreateRequest inserts a new Request holding the raw user input, initialized
// to the queued state. The request ID is a randomly generated UUID (string),
// and CreatedAt is set to UTC.
//
// On success, it returns the persisted Request. On failure, it returns a DB error.
func CreateRequest(ctx context.Context, db *gorm.DB, userInput string) (*domain.Request, error) {
	r := &domain.Request{
		ID:        uuid.NewString(),
		UserInput: userInput,
		Status:    domain.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		return nil, err
	}
	return r, nil
}

// GetRequest fetches a single request by its ID. If the record does not
// exist, it returns ErrNotFound. On other DB errors, the raw error is
// returned.
func GetRequest(ctx context.Context, db *gorm.DB, id string) (*domain.Request, error) {
	var r domain.Request
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// TransitionRequest atomically moves a request from one status to another,
// optionally updating additional fields in the same statement.
//
// The update is conditional on the stored status still being `from`:
//
//	UPDATE requests SET status = <to>, ... WHERE id = <id> AND status = <from>
//
// When zero rows are affected the function disambiguates: a missing row
// yields ErrNotFound; an existing row whose status moved on yields
// ErrConflict. Transitions not allowed by the lifecycle graph are rejected
// up front with ErrConflict, so callers can never drive a terminal request
// backwards.
//
// fields may carry intent columns, provider id, or failure reason; the
// status key is always owned by this function and cannot be overridden.
func TransitionRequest(ctx context.Context, db *gorm.DB, id string, from, to domain.Status, fields map[string]any) error {
	if !domain.CanTransition(from, to) {
		return ErrConflict
	}

	updates := map[string]any{"status": to}
	for k, v := range fields {
		if k == "status" || k == "id" || k == "user_input" {
			continue
		}
		updates[k] = v
	}

	res := db.WithContext(ctx).
		Model(&domain.Request{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Either the row is gone or someone else transitioned it first.
		var count int64
		if err := db.WithContext(ctx).Model(&domain.Request{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// CountRequests returns the total number of stored requests.
// On DB error, it returns the error.
func CountRequests(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Request{}).
		Count(&total).Error
	return total, err
}

// ListRequestsPage returns a paginated slice of requests ordered by creation
// time descending. Use CountRequests to obtain the total for pagination
// metadata. On DB error, it returns the error.
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListRequestsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Request, error) {
	var out []domain.Request
	err := db.WithContext(ctx).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
