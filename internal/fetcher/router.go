package fetcher

import (
	"context"
	"strings"

	apperrors "portfolio-screener/internal/errors"
	"portfolio-screener/internal/models"
	"portfolio-screener/pkg/utils"
)

// Source names used for routing, logging and circuit breakers.
const (
	SourceYahoo = "yahoo"
	SourceTASE  = "tase"
)

// Router sends each identifier to the source that can serve it. Numeric
// identifiers are TASE security numbers: they go to the Yahoo source when
// the symbol map names an international symbol for them, otherwise to the
// TASE source.
type Router struct {
	yahoo   Fetcher
	tase    Fetcher
	symbols map[string]string
}

// NewRouter creates a router. tase may be nil, in which case unmapped
// numeric identifiers fail with ErrUnsupportedSource.
func NewRouter(yahoo, tase Fetcher, symbols map[string]string) *Router {
	m := make(map[string]string, len(symbols))
	for k, v := range symbols {
		m[strings.TrimSpace(k)] = strings.ToUpper(strings.TrimSpace(v))
	}
	return &Router{yahoo: yahoo, tase: tase, symbols: m}
}

// Route returns the source name and the symbol to query it with.
func (r *Router) Route(identifier string) (source, symbol string) {
	if !utils.IsNumeric(identifier) {
		return SourceYahoo, identifier
	}
	if sym, ok := r.symbols[identifier]; ok && sym != "" {
		return SourceYahoo, sym
	}
	return SourceTASE, identifier
}

func (r *Router) pick(identifier string) (Fetcher, string, error) {
	source, symbol := r.Route(identifier)
	var f Fetcher
	switch source {
	case SourceYahoo:
		f = r.yahoo
	case SourceTASE:
		f = r.tase
	}
	if f == nil {
		return nil, "", unsupported(source, identifier)
	}
	return f, symbol, nil
}

// FetchAll fetches from the routed source.
func (r *Router) FetchAll(ctx context.Context, identifier string) (models.Attributes, error) {
	f, symbol, err := r.pick(identifier)
	if err != nil {
		return nil, err
	}
	return f.FetchAll(ctx, symbol)
}

// FetchRange fetches from the routed source.
func (r *Router) FetchRange(ctx context.Context, identifier string, dates []models.Date) ([]models.HistoricalRow, error) {
	f, symbol, err := r.pick(identifier)
	if err != nil {
		return nil, err
	}
	return f.FetchRange(ctx, symbol, dates)
}

func unsupported(source, identifier string) error {
	return apperrors.NewFetchError(source, identifier, apperrors.ErrUnsupportedSource)
}
