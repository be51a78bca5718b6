// Package services – RequestService
//
// This file implements RequestService, the application-level component that
// owns intake and querying of notification requests. It validates input,
// creates records in the queued state, and exposes read paths for the status
// and listing endpoints.
//
// Observability: all public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/uo277440/go-notify-backend/internal/domain"
	"github.com/uo277440/go-notify-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RequestService coordinates request intake and lookups.
type RequestService struct {
	DB *gorm.DB

	// Optional guard on user_input length, in runes. Zero disables it.
	MaxInputRunes int
}

// Create validates userInput and persists a new request in the queued state.
func (s *RequestService) Create(ctx context.Context, userInput string) (*domain.Request, error) {
	tr := otel.Tracer("services/RequestService")
	ctx, span := tr.Start(ctx, "Create")
	defer span.End()

	userInput = strings.TrimSpace(userInput)
	if userInput == "" {
		return nil, ErrEmptyInput
	}
	if s.MaxInputRunes > 0 && utf8.RuneCountInString(userInput) > s.MaxInputRunes {
		return nil, ErrTooLong
	}

	r, err := repo.CreateRequest(ctx, s.DB, userInput)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("request.id", r.ID))
	return r, nil
}

// Get returns a request by ID or ErrRequestNotFound.
func (s *RequestService) Get(ctx context.Context, id string) (*domain.Request, error) {
	tr := otel.Tracer("services/RequestService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(attribute.String("request.id", id)),
	)
	defer span.End()

	r, err := repo.GetRequest(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

// ListPage returns paginated requests, newest first, with the total count.
func (s *RequestService) ListPage(ctx context.Context, page, pageSize int) ([]domain.Request, int64, error) {
	tr := otel.Tracer("services/RequestService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountRequests(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Request{}, 0, nil
	}

	items, err := repo.ListRequestsPage(ctx, s.DB, offset, pageSize)
	return items, total, err
}

// Overview reports the per-status request counts plus total and the latest
// update timestamp (nil when the store is empty).
func (s *RequestService) Overview(ctx context.Context) (map[domain.Status]int64, int64, *time.Time, error) {
	tr := otel.Tracer("services/RequestService")
	ctx, span := tr.Start(ctx, "Overview")
	defer span.End()

	counts, err := repo.StatusCounts(ctx, s.DB)
	if err != nil {
		return nil, 0, nil, err
	}
	total, latest, err := repo.RequestsStats(ctx, s.DB)
	if err != nil {
		return nil, 0, nil, err
	}
	return counts, total, latest, nil
}
