package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	apperrors "portfolio-screener/internal/errors"
	"portfolio-screener/internal/fetcher"
	"portfolio-screener/internal/freshness"
	"portfolio-screener/internal/logging"
	"portfolio-screener/internal/models"
	"portfolio-screener/internal/performance"
	"portfolio-screener/internal/store"
	"portfolio-screener/pkg/utils"
)

// writeBackTimeout bounds a write-back that outlives the caller's context.
const writeBackTimeout = 10 * time.Second

// Options configures a Service.
type Options struct {
	// Enabled turns cache reads and write-backs on.
	Enabled bool
	// Concurrency bounds parallel identifiers in Batch.
	Concurrency int
	// Now returns the evaluation time. Defaults to time.Now.
	Now func() time.Time
	// Cutoff returns the first date whose row is not yet final for an
	// identifier. Defaults to the identifier's exchange calendar.
	Cutoff func(identifier string, now time.Time) models.Date
	// TradingDay reports whether an identifier's market trades on a date.
	// Other dates are never requested upstream. Defaults to the exchange's
	// trading weekdays.
	TradingDay func(identifier string, d models.Date) bool
}

// DefaultConcurrency is the fan-out used when Options.Concurrency is unset.
const DefaultConcurrency = 3

// Service serves requests from the store and the fetcher.
type Service struct {
	store     store.Store
	fetcher   fetcher.Fetcher
	policy    *freshness.Policy
	evaluator *Evaluator
	enabled   atomic.Bool
	counters  *performance.Counters

	concurrency int
	now         func() time.Time
	cutoff      func(identifier string, now time.Time) models.Date
	log         zerolog.Logger
}

// New creates a Service. A nil store runs in degraded mode: everything is
// fetched and nothing is written back.
func New(st store.Store, f fetcher.Fetcher, policy *freshness.Policy, opts Options, log zerolog.Logger) *Service {
	if policy == nil {
		policy = freshness.DefaultPolicy()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cutoff == nil {
		opts.Cutoff = func(identifier string, now time.Time) models.Date {
			return utils.ExchangeFor(identifier).SessionCutoff(now)
		}
	}
	if opts.TradingDay == nil {
		opts.TradingDay = func(identifier string, d models.Date) bool {
			return utils.ExchangeFor(identifier).IsTradingDay(d.Time().Weekday())
		}
	}

	log = logging.WithComponent(log, "cache")
	s := &Service{
		store:       st,
		fetcher:     f,
		policy:      policy,
		evaluator:   NewEvaluator(st, policy, log).WithCalendar(opts.TradingDay),
		counters:    performance.NewCounters(),
		concurrency: opts.Concurrency,
		now:         opts.Now,
		cutoff:      opts.Cutoff,
		log:         log,
	}
	s.enabled.Store(opts.Enabled)

	if st == nil && opts.Enabled {
		log.Warn().Msg("Cache store unavailable, running in degraded mode")
	}
	return s
}

// Toggle enables or disables the cache. Operations already running keep
// the setting they started with.
func (s *Service) Toggle(enabled bool) {
	s.enabled.Store(enabled)
	s.log.Info().Bool("enabled", enabled).Msg("Cache toggled")
}

// Enabled reports whether the cache is enabled.
func (s *Service) Enabled() bool {
	return s.enabled.Load()
}

// Degraded reports whether the service runs without a store.
func (s *Service) Degraded() bool {
	return s.store == nil
}

// Policy returns the freshness policy in use.
func (s *Service) Policy() *freshness.Policy {
	return s.policy
}

// Counters returns cache activity since the service was created.
func (s *Service) Counters() performance.Snapshot {
	return s.counters.Snapshot()
}

// Stats returns store statistics.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	if s.store == nil {
		return nil, apperrors.ErrStoreUnavailable
	}
	return s.store.Stats(ctx)
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	if s.store == nil {
		return apperrors.ErrStoreUnavailable
	}
	return s.store.Ping(ctx)
}

// Validate checks a request without touching the store or the network.
func (s *Service) Validate(req models.Request) error {
	if req.Identifier == "" {
		return apperrors.NewValidationError("identifier", "", "identifier is required", nil)
	}
	if _, err := s.evaluator.Classify(req.Attributes); err != nil {
		return err
	}
	if !req.Start.IsZero() || !req.End.IsZero() {
		if err := validateRange(req.Start, req.End); err != nil {
			return err
		}
	}
	if len(req.Attributes) == 0 && !req.HasRange() {
		return apperrors.NewValidationError("attributes", "", "attributes or a date range are required", nil)
	}
	return nil
}

// Fetch serves one request: attributes and, when a range is given,
// historical rows. Validation errors are returned; fetch failures are
// reported in the result.
func (s *Service) Fetch(ctx context.Context, req models.Request) (*models.Result, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	return s.fetch(ctx, req, s.log)
}

func (s *Service) fetch(ctx context.Context, req models.Request, log zerolog.Logger) (*models.Result, error) {
	log = logging.WithIdentifier(log, req.Identifier)
	enabled := s.Enabled()
	s.counters.Request()

	result := &models.Result{Identifier: req.Identifier, Attributes: models.Attributes{}}

	if len(req.Attributes) > 0 {
		if err := s.fillAttributes(ctx, req, enabled, result, log); err != nil {
			return nil, err
		}
	}
	if req.HasRange() {
		if err := s.fillHistory(ctx, req, enabled, result, log); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Get serves attributes for one identifier.
func (s *Service) Get(ctx context.Context, identifier string, attrs []string) (*models.Result, error) {
	return s.Fetch(ctx, models.Request{Identifier: identifier, Attributes: attrs})
}

// History serves daily rows for one identifier within [start, end].
func (s *Service) History(ctx context.Context, identifier string, start, end models.Date) (*models.Result, error) {
	return s.Fetch(ctx, models.Request{Identifier: identifier, Start: start, End: end})
}

func (s *Service) fillAttributes(ctx context.Context, req models.Request, enabled bool, result *models.Result, log zerolog.Logger) error {
	asOf := s.now()

	ev := Evaluation{Servable: models.Attributes{}, Stale: append([]string(nil), req.Attributes...)}
	if enabled {
		var err error
		ev, err = s.evaluator.Evaluate(ctx, req.Identifier, req.Attributes, asOf)
		if err != nil {
			return err
		}
	}

	defer func() {
		s.counters.Attributes(len(result.FromCache), len(req.Attributes)-len(result.FromCache))
	}()

	if len(ev.Stale) == 0 {
		result.Attributes = Merge(ev.Servable, nil, req.Attributes)
		result.FromCache = result.Attributes.Names()
		return nil
	}

	started := time.Now()
	fetched, err := s.fetcher.FetchAll(ctx, req.Identifier)
	s.counters.Upstream(time.Since(started), err)
	if err != nil {
		log.Warn().Err(err).Strs("stale", ev.Stale).Msg("Fetch failed, serving cached values only")
		result.Attributes = Merge(ev.Servable, nil, req.Attributes)
		result.FromCache = result.Attributes.Names()
		result.Stale = ev.Stale
		markFailed(result, err)
		return nil
	}

	result.Attributes = Merge(ev.Servable, fetched, req.Attributes)
	for _, a := range req.Attributes {
		switch {
		case hasAttr(fetched, a):
			result.Fetched = append(result.Fetched, a)
		case hasAttr(ev.Servable, a):
			result.FromCache = append(result.FromCache, a)
		default:
			result.Stale = append(result.Stale, a)
		}
	}

	if enabled {
		s.writeBack(ctx, req.Identifier, fetched, asOf, log)
	}
	return nil
}

func (s *Service) writeBack(ctx context.Context, identifier string, fetched models.Attributes, at time.Time, log zerolog.Logger) {
	if s.store == nil || len(fetched) == 0 {
		return
	}

	values := models.Attributes{}
	for name, v := range fetched {
		if _, err := s.policy.Classify(name); err == nil {
			values[name] = v
		}
	}
	classes := s.policy.ClassesOf(values.Names())

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
	defer cancel()

	if err := s.store.Upsert(wctx, identifier, values, classes, at); err != nil {
		s.counters.WriteBackFailed()
		logging.LogWriteBack(log, identifier, fmt.Errorf("%w: %v", apperrors.ErrWriteBackFailed, err))
	}
}

func (s *Service) fillHistory(ctx context.Context, req models.Request, enabled bool, result *models.Result, log zerolog.Logger) error {
	re := RangeEvaluation{Missing: s.evaluator.tradingDates(req.Identifier, req.Start, req.End)}
	if enabled {
		var err error
		re, err = s.evaluator.EvaluateRange(ctx, req.Identifier, req.Start, req.End)
		if err != nil {
			return err
		}
	}

	if len(re.Missing) == 0 {
		result.History = MergeRows(re.Cached, nil, req.Start, req.End)
		s.counters.Rows(len(re.Cached), 0)
		return nil
	}

	started := time.Now()
	fetched, err := s.fetcher.FetchRange(ctx, req.Identifier, re.Missing)
	s.counters.Upstream(time.Since(started), err)
	if err != nil {
		log.Warn().Err(err).Int("missing", len(re.Missing)).Msg("History fetch failed, serving cached rows only")
		result.History = MergeRows(re.Cached, nil, req.Start, req.End)
		result.MissingDates = re.Missing
		markFailed(result, err)
		return nil
	}

	result.History = MergeRows(re.Cached, fetched, req.Start, req.End)
	s.counters.Rows(len(re.Cached), len(fetched))

	if enabled {
		s.persistRows(ctx, req.Identifier, fetched, re.Missing, log)
	}
	return nil
}

func (s *Service) persistRows(ctx context.Context, identifier string, fetched []models.HistoricalRow, missing []models.Date, log zerolog.Logger) {
	if s.store == nil {
		return
	}
	rows := rowsToPersist(fetched, missing, s.cutoff(identifier, s.now()))
	if len(rows) == 0 {
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
	defer cancel()

	report, err := s.store.InsertHistorical(wctx, identifier, rows)
	if err != nil {
		s.counters.WriteBackFailed()
		logging.LogWriteBack(log, identifier, fmt.Errorf("%w: %v", apperrors.ErrWriteBackFailed, err))
		return
	}
	if dupErr := report.Err(); dupErr != nil {
		log.Debug().Err(dupErr).Msg("Rows stored concurrently were kept")
	}
	log.Debug().Int("inserted", report.Inserted).Msg("History cached")
}

func markFailed(result *models.Result, err error) {
	result.Failed = true
	if result.Error == "" {
		result.Error = err.Error()
	} else {
		result.Error += "; " + err.Error()
	}
}

func hasAttr(attrs models.Attributes, name string) bool {
	_, ok := attrs[name]
	return ok
}
