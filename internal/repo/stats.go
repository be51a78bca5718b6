// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// for conditional responses (ETag generation) and the operational summary
// endpoint. Each function is context-aware and safe to call from services or
// handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/uo277440/go-notify-backend/internal/domain"
)

// RequestsStats returns aggregate metadata over all requests: the total
// number of rows and the maximum UpdatedAt timestamp among those rows.
//
// When the store is empty, the returned count is 0 and maxUpdatedAt is nil.
//
// Return values:
//   - count:        total stored requests
//   - maxUpdatedAt: pointer to the greatest UpdatedAt, or nil if no rows
//   - err:          database error, if any
func RequestsStats(ctx context.Context, db *gorm.DB) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Request{})

	// Count
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// StatusCounts returns the number of requests per lifecycle status. Statuses
// with no rows are present in the map with a zero value so consumers always
// see the full enumeration.
func StatusCounts(ctx context.Context, db *gorm.DB) (map[domain.Status]int64, error) {
	out := map[domain.Status]int64{
		domain.StatusQueued:     0,
		domain.StatusProcessing: 0,
		domain.StatusSent:       0,
		domain.StatusFailed:     0,
	}

	var rows []struct {
		Status domain.Status
		N      int64
	}
	err := db.WithContext(ctx).
		Model(&domain.Request{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
