// Package fetcher retrieves security attributes and daily history from
// upstream market-data sources.
package fetcher

import (
	"context"

	"portfolio-screener/internal/models"
)

// Fetcher retrieves data for one identifier from an upstream source.
type Fetcher interface {
	// FetchAll returns every attribute the source knows for identifier.
	// Attributes it cannot provide are omitted.
	FetchAll(ctx context.Context, identifier string) (models.Attributes, error)
	// FetchRange returns daily rows for the given dates. Dates without
	// trading produce no row.
	FetchRange(ctx context.Context, identifier string, dates []models.Date) ([]models.HistoricalRow, error)
}

// Func adapts plain functions to Fetcher. A nil function fails with
// ErrUnsupportedSource.
type Func struct {
	All   func(ctx context.Context, identifier string) (models.Attributes, error)
	Range func(ctx context.Context, identifier string, dates []models.Date) ([]models.HistoricalRow, error)
}

// FetchAll calls f.All.
func (f Func) FetchAll(ctx context.Context, identifier string) (models.Attributes, error) {
	if f.All == nil {
		return nil, unsupported("func", identifier)
	}
	return f.All(ctx, identifier)
}

// FetchRange calls f.Range.
func (f Func) FetchRange(ctx context.Context, identifier string, dates []models.Date) ([]models.HistoricalRow, error) {
	if f.Range == nil {
		return nil, unsupported("func", identifier)
	}
	return f.Range(ctx, identifier, dates)
}
