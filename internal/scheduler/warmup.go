package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"portfolio-screener/internal/logging"
	"portfolio-screener/internal/models"
	"portfolio-screener/internal/query"
)

// Batcher serves cache requests.
type Batcher interface {
	Batch(ctx context.Context, reqs []models.Request) ([]*models.Result, error)
}

// WarmupJob refreshes a fixed set of identifiers so that later reads are
// served from the cache.
type WarmupJob struct {
	batcher     Batcher
	identifiers []string
	attributes  []string
	timeout     time.Duration
	log         zerolog.Logger
}

// NewWarmupJob validates identifiers and attribute names up front.
func NewWarmupJob(b Batcher, identifiers, attributes []string, timeout time.Duration, log zerolog.Logger) (*WarmupJob, error) {
	ids := query.ParseIdentifiers(identifiers...)
	if len(ids) == 0 {
		return nil, fmt.Errorf("warmup: no identifiers")
	}
	for _, id := range ids {
		if err := query.ValidateIdentifier(id); err != nil {
			return nil, fmt.Errorf("warmup: %w", err)
		}
	}

	attrs, err := query.ParseAttributes(attributes...)
	if err != nil {
		return nil, fmt.Errorf("warmup: %w", err)
	}
	if len(attrs) == 0 {
		return nil, fmt.Errorf("warmup: no attributes")
	}

	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	return &WarmupJob{
		batcher:     b,
		identifiers: ids,
		attributes:  attrs,
		timeout:     timeout,
		log:         logging.WithOperation(log, "warmup"),
	}, nil
}

// Name implements Job.
func (j *WarmupJob) Name() string { return "cache_warmup" }

// Run implements Job. Per-identifier failures are logged; the job fails
// only when every identifier failed.
func (j *WarmupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	reqs := query.Query{Identifiers: j.identifiers, Attributes: j.attributes}.Requests()
	results, err := j.batcher.Batch(ctx, reqs)
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Failed {
			failed++
			j.log.Warn().Str("identifier", r.Identifier).Str("error", r.Error).Msg("Warm-up failed")
		}
	}

	j.log.Info().Int("identifiers", len(results)).Int("failed", failed).Msg("Warm-up finished")
	if failed > 0 && failed == len(results) {
		return fmt.Errorf("warmup: all %d identifiers failed", failed)
	}
	return nil
}
