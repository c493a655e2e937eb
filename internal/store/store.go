// Package store provides durable storage for cached security data.
package store

import (
	"context"
	"fmt"
	"time"

	apperrors "portfolio-screener/internal/errors"
	"portfolio-screener/internal/freshness"
	"portfolio-screener/internal/models"
)

// Store defines the cache persistence operations.
type Store interface {
	// Security records
	Get(ctx context.Context, identifier string, attributes []string) (*models.SecurityRecord, error)
	Upsert(ctx context.Context, identifier string, values models.Attributes, classes []freshness.Class, at time.Time) error

	// Historical rows
	CachedDates(ctx context.Context, identifier string) (map[models.Date]struct{}, error)
	Historical(ctx context.Context, identifier string, start, end models.Date) ([]models.HistoricalRow, error)
	InsertHistorical(ctx context.Context, identifier string, rows []models.HistoricalRow) (InsertReport, error)

	// Maintenance
	Stats(ctx context.Context) (*Stats, error)
	Delete(ctx context.Context, identifier string) error
	Wipe(ctx context.Context) error
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// InsertReport describes the outcome of a historical insert batch.
type InsertReport struct {
	Inserted   int
	Duplicates []models.Date
}

// Err returns ErrDuplicateHistoricalRow when any row was rejected.
func (r InsertReport) Err() error {
	if len(r.Duplicates) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d row(s), first %s", apperrors.ErrDuplicateHistoricalRow, len(r.Duplicates), r.Duplicates[0])
}

// Stats summarizes the store contents.
type Stats struct {
	Path           string      `json:"path"`
	Securities     int         `json:"securities"`
	HistoricalRows int         `json:"historical_rows"`
	OldestDate     models.Date `json:"oldest_date"`
	NewestDate     models.Date `json:"newest_date"`
	LastFetchedAt  time.Time   `json:"last_fetched_at"`
	SizeBytes      int64       `json:"size_bytes"`
}
