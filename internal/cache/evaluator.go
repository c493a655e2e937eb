// Package cache decides per attribute and per date whether stored data can
// be served, fetches what cannot, and writes fresh data back.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	apperrors "portfolio-screener/internal/errors"
	"portfolio-screener/internal/freshness"
	"portfolio-screener/internal/logging"
	"portfolio-screener/internal/models"
	"portfolio-screener/internal/store"
)

// Evaluation splits requested attributes into servable and stale sets.
type Evaluation struct {
	Servable models.Attributes
	// Stale lists attributes that must be fetched, in request order.
	Stale []string
	// Degraded is set when the store could not be read.
	Degraded bool
}

// RangeEvaluation splits a date range into cached rows and missing dates.
type RangeEvaluation struct {
	Cached   []models.HistoricalRow
	Missing  []models.Date
	Degraded bool
}

// Evaluator consults the store and the freshness policy.
type Evaluator struct {
	store      store.Store
	policy     *freshness.Policy
	tradingDay func(identifier string, d models.Date) bool
	log        zerolog.Logger
}

// NewEvaluator creates an evaluator. A nil store treats everything as stale.
func NewEvaluator(st store.Store, policy *freshness.Policy, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		store:  st,
		policy: policy,
		log:    logging.WithComponent(log, "evaluator"),
	}
}

// WithCalendar restricts range evaluation to dates for which tradingDay
// returns true. A nil tradingDay considers every calendar day.
func (e *Evaluator) WithCalendar(tradingDay func(identifier string, d models.Date) bool) *Evaluator {
	e.tradingDay = tradingDay
	return e
}

// tradingDates returns the dates in [start, end] the identifier's market
// trades on.
func (e *Evaluator) tradingDates(identifier string, start, end models.Date) []models.Date {
	all := models.DatesBetween(start, end)
	if e.tradingDay == nil {
		return all
	}
	out := all[:0]
	for _, d := range all {
		if e.tradingDay(identifier, d) {
			out = append(out, d)
		}
	}
	return out
}

// Classify validates attrs and returns their classes in order.
func (e *Evaluator) Classify(attrs []string) ([]freshness.Class, error) {
	classes := make([]freshness.Class, len(attrs))
	for i, a := range attrs {
		c, err := e.policy.Classify(a)
		if err != nil {
			return nil, apperrors.NewValidationError("attributes", a, "attribute has no freshness class", err)
		}
		classes[i] = c
	}
	return classes, nil
}

// Evaluate decides which of attrs can be served from the store as of asOf.
// Unknown attributes fail before the store is consulted.
func (e *Evaluator) Evaluate(ctx context.Context, identifier string, attrs []string, asOf time.Time) (Evaluation, error) {
	classes, err := e.Classify(attrs)
	if err != nil {
		return Evaluation{}, err
	}

	ev := Evaluation{Servable: models.Attributes{}}

	allStale := func() Evaluation {
		ev.Stale = append([]string(nil), attrs...)
		return ev
	}

	if e.store == nil {
		ev.Degraded = true
		return allStale(), nil
	}

	rec, err := e.store.Get(ctx, identifier, attrs)
	if err != nil {
		e.log.Warn().Err(err).Str("identifier", identifier).Msg("Cache read failed, treating as stale")
		ev.Degraded = true
		return allStale(), nil
	}
	if rec == nil {
		return allStale(), nil
	}

	for i, a := range attrs {
		v, present := rec.Attributes[a]
		if present && e.policy.IsFresh(classes[i], rec.ClassFetchedAt(classes[i]), asOf) {
			ev.Servable[a] = v
			continue
		}
		ev.Stale = append(ev.Stale, a)
	}

	logging.LogEvaluation(e.log, identifier, len(ev.Servable), len(ev.Stale))
	return ev, nil
}

// EvaluateRange diffs the trading dates in [start, end] against the stored
// dates. Cached rows are always servable.
func (e *Evaluator) EvaluateRange(ctx context.Context, identifier string, start, end models.Date) (RangeEvaluation, error) {
	if err := validateRange(start, end); err != nil {
		return RangeEvaluation{}, err
	}

	all := e.tradingDates(identifier, start, end)

	if e.store == nil {
		return RangeEvaluation{Missing: all, Degraded: true}, nil
	}

	cached, err := e.store.CachedDates(ctx, identifier)
	if err != nil {
		e.log.Warn().Err(err).Str("identifier", identifier).Msg("Cached dates unavailable, treating range as missing")
		return RangeEvaluation{Missing: all, Degraded: true}, nil
	}

	var re RangeEvaluation
	for _, d := range all {
		if _, ok := cached[d]; !ok {
			re.Missing = append(re.Missing, d)
		}
	}

	if len(all) == 0 || len(re.Missing) < len(all) {
		rows, err := e.store.Historical(ctx, identifier, start, end)
		if err != nil {
			e.log.Warn().Err(err).Str("identifier", identifier).Msg("History read failed, treating range as missing")
			return RangeEvaluation{Missing: all, Degraded: true}, nil
		}
		re.Cached = rows
	}

	return re, nil
}

func validateRange(start, end models.Date) error {
	if start.IsZero() || end.IsZero() {
		return apperrors.NewValidationError("range", "", "start and end dates are required", apperrors.ErrInvalidRange)
	}
	if start.After(end) {
		return apperrors.NewValidationError("range", start.String()+".."+end.String(), "start date must be <= end date", apperrors.ErrInvalidRange)
	}
	if start.Before(models.EarliestDate) || models.SpanDays(start, end) > models.MaxRangeDays {
		return apperrors.NewValidationError("range", start.String()+".."+end.String(),
			fmt.Sprintf("range must start on or after %s and span at most %d days", models.EarliestDate, models.MaxRangeDays),
			apperrors.ErrInvalidRange)
	}
	return nil
}
