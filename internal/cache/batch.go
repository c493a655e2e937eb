package cache

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"portfolio-screener/internal/logging"
	"portfolio-screener/internal/models"
)

// Batch serves several requests in parallel, at most Concurrency at a time.
// Every request is validated before any work starts; a validation error
// fails the whole batch. After that a failure for one identifier never
// affects the others: it is reported in that identifier's result.
// Results are returned in request order.
func (s *Service) Batch(ctx context.Context, reqs []models.Request) ([]*models.Result, error) {
	for _, req := range reqs {
		if err := s.Validate(req); err != nil {
			return nil, err
		}
	}

	base := s.log
	if l, ok := logging.LoggerFrom(ctx); ok {
		base = logging.WithComponent(l, "cache")
	}
	batchID := uuid.NewString()
	log := logging.WithBatchID(base, batchID)
	log.Debug().Int("requests", len(reqs)).Int("concurrency", s.concurrency).Msg("Batch started")

	results := make([]*models.Result, len(reqs))

	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			results[i] = s.isolated(ctx, req, log)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Failed {
			failed++
		}
	}
	log.Info().Int("requests", len(reqs)).Int("failed", failed).Msg("Batch completed")

	return results, nil
}

// isolated runs one request and turns errors and panics into a failed
// result.
func (s *Service) isolated(ctx context.Context, req models.Request, log zerolog.Logger) (result *models.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("identifier", req.Identifier).Interface("panic", r).Msg("Request panicked")
			result = failedResult(req, fmt.Errorf("internal error: %v", r))
		}
	}()

	res, err := s.fetch(ctx, req, log)
	if err != nil {
		return failedResult(req, err)
	}
	return res
}

func failedResult(req models.Request, err error) *models.Result {
	r := &models.Result{
		Identifier: req.Identifier,
		Attributes: models.Attributes{},
		Stale:      append([]string(nil), req.Attributes...),
	}
	if req.HasRange() {
		r.MissingDates = models.DatesBetween(req.Start, req.End)
	}
	markFailed(r, err)
	return r
}
