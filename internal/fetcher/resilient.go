package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	apperrors "portfolio-screener/internal/errors"
	"portfolio-screener/internal/logging"
	"portfolio-screener/internal/models"
	"portfolio-screener/internal/resilience"
	"portfolio-screener/pkg/utils"
)

// Resilient wraps a source with a circuit breaker, a shared rate limit and
// retry with backoff. Every failure it returns wraps ErrFetchFailed.
type Resilient struct {
	name    string
	next    Fetcher
	breaker *resilience.CircuitBreaker
	limiter *resilience.RateLimiter
	retry   utils.RetryConfig
	log     zerolog.Logger
}

// ResilientConfig configures a Resilient fetcher.
type ResilientConfig struct {
	Name     string
	Breakers *resilience.Breakers
	Limiter  *resilience.RateLimiter
	Retry    utils.RetryConfig
}

// NewResilient wraps next.
func NewResilient(next Fetcher, cfg ResilientConfig, log zerolog.Logger) *Resilient {
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	retry := cfg.Retry
	retry.Retryable = isRetryable
	return &Resilient{
		name:    cfg.Name,
		next:    next,
		breaker: breakers.Get(cfg.Name),
		limiter: cfg.Limiter,
		retry:   retry,
		log:     logging.WithComponent(log, "fetcher"),
	}
}

// isRetryable rejects failures another attempt cannot fix.
func isRetryable(err error) bool {
	switch {
	case errors.Is(err, apperrors.ErrUnsupportedSource),
		errors.Is(err, apperrors.ErrDataNotFound),
		errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// FetchAll fetches through the breaker, limiter and retry loop.
func (r *Resilient) FetchAll(ctx context.Context, identifier string) (models.Attributes, error) {
	return call(ctx, r, identifier, func(ctx context.Context) (models.Attributes, error) {
		return r.next.FetchAll(ctx, identifier)
	})
}

// FetchRange fetches through the breaker, limiter and retry loop.
func (r *Resilient) FetchRange(ctx context.Context, identifier string, dates []models.Date) ([]models.HistoricalRow, error) {
	if len(dates) == 0 {
		return nil, nil
	}
	return call(ctx, r, identifier, func(ctx context.Context) ([]models.HistoricalRow, error) {
		return r.next.FetchRange(ctx, identifier, dates)
	})
}

func call[T any](ctx context.Context, r *Resilient, identifier string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()

	result, err := utils.RetryWithResult(ctx, r.retry, func(ctx context.Context) (T, error) {
		var out T
		if err := r.limiter.Wait(ctx); err != nil {
			return out, err
		}
		err := r.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx)
			return err
		})
		return out, err
	})

	logging.LogFetch(r.log, r.name, identifier, time.Since(start), err)

	if err != nil {
		var zero T
		var fe *apperrors.FetchError
		if errors.As(err, &fe) {
			return zero, err
		}
		return zero, apperrors.NewFetchError(r.name, identifier, err)
	}
	return result, nil
}
