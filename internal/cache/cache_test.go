package cache

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "portfolio-screener/internal/errors"
	"portfolio-screener/internal/fetcher"
	"portfolio-screener/internal/freshness"
	"portfolio-screener/internal/logging"
	"portfolio-screener/internal/models"
	"portfolio-screener/internal/store"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeSource records calls and serves canned data.
type fakeSource struct {
	mu         sync.Mutex
	attrs      map[string]models.Attributes
	fail       map[string]error
	allCalls   []string
	rangeCalls [][]models.Date
}

func newFakeSource() *fakeSource {
	return &fakeSource{attrs: map[string]models.Attributes{}, fail: map[string]error{}}
}

func (f *fakeSource) fetcher() fetcher.Func {
	return fetcher.Func{
		All: func(ctx context.Context, id string) (models.Attributes, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.allCalls = append(f.allCalls, id)
			if err := f.fail[id]; err != nil {
				return nil, err
			}
			return f.attrs[id].Clone(), nil
		},
		Range: func(ctx context.Context, id string, dates []models.Date) ([]models.HistoricalRow, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.rangeCalls = append(f.rangeCalls, dates)
			if err := f.fail[id]; err != nil {
				return nil, err
			}
			rows := make([]models.HistoricalRow, len(dates))
			for i, d := range dates {
				rows[i] = models.HistoricalRow{Date: d, Close: models.Float(float64(100 + i))}
			}
			return rows, nil
		},
	}
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.allCalls) + len(f.rangeCalls)
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newService(st store.Store, src *fakeSource, cutoff models.Date) *Service {
	return New(st, src.fetcher(), freshness.DefaultPolicy(), Options{
		Enabled: true,
		Now:     func() time.Time { return testNow },
		Cutoff:  func(string, time.Time) models.Date { return cutoff },
	}, zerolog.Nop())
}

func TestInfiniteTTLIsNeverStale(t *testing.T) {
	st := newStore(t)
	src := newFakeSource()
	svc := newService(st, src, models.DateOf(testNow))

	longAgo := testNow.AddDate(-20, 0, 0)
	require.NoError(t, st.Upsert(context.Background(), "AAPL",
		models.Attributes{"name": models.String("Apple Inc.")}, []freshness.Class{freshness.Immutable}, longAgo))

	res, err := svc.Get(context.Background(), "AAPL", []string{"name"})
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc.", res.Attributes["name"].Str)
	assert.Equal(t, []string{"name"}, res.FromCache)
	assert.Zero(t, src.calls())
}

func TestCurrentClassIsAlwaysFetched(t *testing.T) {
	st := newStore(t)
	src := newFakeSource()
	src.attrs["AAPL"] = models.Attributes{"price": models.Number(190)}
	svc := newService(st, src, models.DateOf(testNow))

	for i := 0; i < 2; i++ {
		res, err := svc.Get(context.Background(), "AAPL", []string{"price"})
		require.NoError(t, err)
		assert.Equal(t, []string{"price"}, res.Fetched)
	}
	assert.Len(t, src.allCalls, 2)
}

func TestPartialMissFetchesFullSetAndNarrowsResponse(t *testing.T) {
	st := newStore(t)
	src := newFakeSource()
	src.attrs["AAPL"] = models.Attributes{
		"name":       models.String("Apple Inc."),
		"price":      models.Number(190),
		"industry":   models.String("Consumer Electronics"),
		"trailingPE": models.Number(30),
	}
	svc := newService(st, src, models.DateOf(testNow))
	ctx := context.Background()

	res, err := svc.Get(ctx, "AAPL", []string{"name", "price"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"name", "price"}, res.Attributes.Names())
	assert.Equal(t, []string{"name", "price"}, res.Fetched)
	assert.False(t, res.Failed)

	rec, err := st.Get(ctx, "AAPL", nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Consumer Electronics", rec.Attributes["industry"].Str)
	assert.Equal(t, 30.0, rec.Attributes["trailingPE"].Num)
	assert.True(t, rec.ClassFetchedAt(freshness.Longterm).Equal(testNow))
	assert.True(t, rec.ClassFetchedAt(freshness.Short).IsZero())

	// The second request is served from the write-back.
	res, err = svc.Get(ctx, "AAPL", []string{"industry", "trailingPE"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"industry", "trailingPE"}, res.FromCache)
	assert.Len(t, src.allCalls, 1)
}

func TestExpiredClassIsRefetched(t *testing.T) {
	st := newStore(t)
	src := newFakeSource()
	src.attrs["AAPL"] = models.Attributes{"trailingPE": models.Number(31)}
	svc := newService(st, src, models.DateOf(testNow))
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, "AAPL", models.Attributes{"trailingPE": models.Number(25)},
		[]freshness.Class{freshness.Medium}, testNow.AddDate(0, 0, -91)))

	res, err := svc.Get(ctx, "AAPL", []string{"trailingPE"})
	require.NoError(t, err)
	assert.Equal(t, 31.0, res.Attributes["trailingPE"].Num)
	assert.Equal(t, []string{"trailingPE"}, res.Fetched)
}

func TestHistoryGapFill(t *testing.T) {
	st := newStore(t)
	src := newFakeSource()
	svc := newService(st, src, models.DateOf(testNow))
	ctx := context.Background()

	var seeded []models.HistoricalRow
	for _, d := range models.DatesBetween(models.MustDate("2024-01-01"), models.MustDate("2024-06-30")) {
		seeded = append(seeded, models.HistoricalRow{Date: d, Close: models.Float(50)})
	}
	_, err := st.InsertHistorical(ctx, "AAPL", seeded)
	require.NoError(t, err)

	start, end := models.MustDate("2024-01-01"), models.MustDate("2025-01-01")
	res, err := svc.History(ctx, "AAPL", start, end)
	require.NoError(t, err)
	assert.False(t, res.Failed)

	require.Len(t, src.rangeCalls, 1)
	requested := weekdaysBetween(models.MustDate("2024-07-01"), end)
	assert.Equal(t, requested, src.rangeCalls[0])

	want := append(append([]models.Date(nil), datesOf(seeded)...), requested...)
	require.Len(t, res.History, len(want))
	for i, row := range res.History {
		assert.Equal(t, want[i], row.Date)
	}
	assert.Equal(t, 50.0, *res.History[0].Close)

	// Everything is cached now.
	res, err = svc.History(ctx, "AAPL", start, end)
	require.NoError(t, err)
	assert.Len(t, res.History, len(want))
	assert.Len(t, src.rangeCalls, 1)
}

func TestClosedDaysAreNotRefetched(t *testing.T) {
	st := newStore(t)
	src := newFakeSource()
	svc := newService(st, src, models.DateOf(testNow))
	ctx := context.Background()

	// Fri 2024-07-05 .. Mon 2024-07-08.
	start, end := models.MustDate("2024-07-05"), models.MustDate("2024-07-08")
	res, err := svc.History(ctx, "AAPL", start, end)
	require.NoError(t, err)
	require.Len(t, src.rangeCalls, 1)
	assert.Equal(t, []models.Date{start, end}, src.rangeCalls[0])
	assert.Len(t, res.History, 2)

	for i := 0; i < 2; i++ {
		res, err = svc.History(ctx, "AAPL", start, end)
		require.NoError(t, err)
		assert.Len(t, res.History, 2)
		assert.Empty(t, res.MissingDates)
	}
	assert.Len(t, src.rangeCalls, 1)

	_, err = svc.History(ctx, "AAPL", models.MustDate("2024-07-06"), models.MustDate("2024-07-07"))
	require.NoError(t, err)
	assert.Len(t, src.rangeCalls, 1)
}

func TestTradingDayOption(t *testing.T) {
	src := newFakeSource()
	svc := New(newStore(t), src.fetcher(), freshness.DefaultPolicy(), Options{
		Enabled:    true,
		Now:        func() time.Time { return testNow },
		Cutoff:     func(string, time.Time) models.Date { return models.DateOf(testNow) },
		TradingDay: func(string, models.Date) bool { return true },
	}, zerolog.Nop())

	res, err := svc.History(context.Background(), "AAPL", models.MustDate("2024-07-05"), models.MustDate("2024-07-08"))
	require.NoError(t, err)
	assert.Len(t, res.History, 4)
	require.Len(t, src.rangeCalls, 1)
	assert.Len(t, src.rangeCalls[0], 4)
}

func weekdaysBetween(start, end models.Date) []models.Date {
	var out []models.Date
	for _, d := range models.DatesBetween(start, end) {
		if wd := d.Time().Weekday(); wd != time.Saturday && wd != time.Sunday {
			out = append(out, d)
		}
	}
	return out
}

func datesOf(rows []models.HistoricalRow) []models.Date {
	out := make([]models.Date, len(rows))
	for i, r := range rows {
		out[i] = r.Date
	}
	return out
}

func TestHistoryPersistsOnlyFinalRows(t *testing.T) {
	st := newStore(t)
	src := newFakeSource()
	svc := newService(st, src, models.MustDate("2024-07-03"))
	ctx := context.Background()

	res, err := svc.History(ctx, "AAPL", models.MustDate("2024-07-01"), models.MustDate("2024-07-05"))
	require.NoError(t, err)
	assert.Len(t, res.History, 5)

	dates, err := st.CachedDates(ctx, "AAPL")
	require.NoError(t, err)
	assert.Len(t, dates, 2)
	assert.Contains(t, dates, models.MustDate("2024-07-01"))
	assert.Contains(t, dates, models.MustDate("2024-07-02"))
}

func TestHistoryFetchFailureServesCachedRows(t *testing.T) {
	st := newStore(t)
	src := newFakeSource()
	src.fail["AAPL"] = errors.New("timeout")
	svc := newService(st, src, models.DateOf(testNow))
	ctx := context.Background()

	_, err := st.InsertHistorical(ctx, "AAPL", []models.HistoricalRow{{Date: models.MustDate("2024-07-01"), Close: models.Float(1)}})
	require.NoError(t, err)

	res, err := svc.History(ctx, "AAPL", models.MustDate("2024-07-01"), models.MustDate("2024-07-03"))
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Len(t, res.History, 1)
	assert.Equal(t, []models.Date{models.MustDate("2024-07-02"), models.MustDate("2024-07-03")}, res.MissingDates)
}

func TestBatchIsolatesFailures(t *testing.T) {
	st := newStore(t)
	src := newFakeSource()
	src.attrs["AAPL"] = models.Attributes{"price": models.Number(1)}
	src.attrs["MSFT"] = models.Attributes{"price": models.Number(3)}
	src.fail["BAD"] = apperrors.NewFetchError("yahoo", "BAD", errors.New("404"))
	svc := newService(st, src, models.DateOf(testNow))

	reqs := []models.Request{
		{Identifier: "AAPL", Attributes: []string{"price"}},
		{Identifier: "BAD", Attributes: []string{"price"}},
		{Identifier: "MSFT", Attributes: []string{"price"}},
	}
	results, err := svc.Batch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "AAPL", results[0].Identifier)
	assert.Equal(t, 1.0, results[0].Attributes["price"].Num)
	assert.False(t, results[0].Failed)

	assert.Equal(t, "BAD", results[1].Identifier)
	assert.True(t, results[1].Failed)
	assert.Contains(t, results[1].Error, "404")
	assert.Equal(t, []string{"price"}, results[1].Stale)

	assert.Equal(t, "MSFT", results[2].Identifier)
	assert.Equal(t, 3.0, results[2].Attributes["price"].Num)
}

// panicStore panics on reads to exercise batch recovery.
type panicStore struct{ store.Store }

func (panicStore) Get(context.Context, string, []string) (*models.SecurityRecord, error) {
	panic("corrupt page")
}

func TestBatchRecoversPanics(t *testing.T) {
	src := newFakeSource()
	svc := newService(panicStore{newStore(t)}, src, models.DateOf(testNow))

	results, err := svc.Batch(context.Background(), []models.Request{{Identifier: "AAPL", Attributes: []string{"name"}}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed)
	assert.Contains(t, results[0].Error, "corrupt page")
}

func TestBatchValidatesBeforeFetching(t *testing.T) {
	src := newFakeSource()
	svc := newService(newStore(t), src, models.DateOf(testNow))

	_, err := svc.Batch(context.Background(), []models.Request{
		{Identifier: "AAPL", Attributes: []string{"price"}},
		{Identifier: "MSFT", Attributes: []string{"colour"}},
	})
	assert.ErrorIs(t, err, apperrors.ErrUnknownAttribute)
	assert.Zero(t, src.calls())
}

func TestUnknownAttributeFailsBeforeFetch(t *testing.T) {
	src := newFakeSource()
	svc := newService(newStore(t), src, models.DateOf(testNow))

	_, err := svc.Get(context.Background(), "AAPL", []string{"price", "colour"})
	assert.ErrorIs(t, err, apperrors.ErrUnknownAttribute)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	assert.Zero(t, src.calls())
}

func TestInvalidRange(t *testing.T) {
	svc := newService(newStore(t), newFakeSource(), models.DateOf(testNow))

	_, err := svc.History(context.Background(), "AAPL", models.MustDate("2024-02-01"), models.MustDate("2024-01-01"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidRange)

	_, err = svc.History(context.Background(), "AAPL", models.MustDate("1900-01-01"), models.MustDate("1900-01-31"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidRange)

	_, err = svc.History(context.Background(), "AAPL", models.EarliestDate, models.EarliestDate.AddDays(models.MaxRangeDays))
	assert.ErrorIs(t, err, apperrors.ErrInvalidRange)
}

func TestNullAttributeIsServedFromCache(t *testing.T) {
	st := newStore(t)
	src := newFakeSource()
	src.attrs["AAPL"] = models.Attributes{"name": models.String("Apple Inc."), "isin": models.Null()}
	svc := newService(st, src, models.DateOf(testNow))
	ctx := context.Background()

	res, err := svc.Get(ctx, "AAPL", []string{"isin"})
	require.NoError(t, err)
	assert.Equal(t, []string{"isin"}, res.Fetched)
	assert.True(t, res.Attributes["isin"].IsNull())

	res, err = svc.Get(ctx, "AAPL", []string{"isin"})
	require.NoError(t, err)
	assert.Equal(t, []string{"isin"}, res.FromCache)
	assert.True(t, res.Attributes["isin"].IsNull())
	assert.Len(t, src.allCalls, 1)
}

func TestStoreUnavailableFallsBackToFetch(t *testing.T) {
	closed := newStore(t)
	require.NoError(t, closed.Close())

	for name, st := range map[string]store.Store{"closed": closed, "nil": nil} {
		t.Run(name, func(t *testing.T) {
			src := newFakeSource()
			src.attrs["AAPL"] = models.Attributes{"name": models.String("Apple Inc.")}
			svc := newService(st, src, models.DateOf(testNow))

			res, err := svc.Get(context.Background(), "AAPL", []string{"name"})
			require.NoError(t, err)
			assert.False(t, res.Failed)
			assert.Equal(t, "Apple Inc.", res.Attributes["name"].Str)

			hist, err := svc.History(context.Background(), "AAPL", models.MustDate("2024-07-01"), models.MustDate("2024-07-02"))
			require.NoError(t, err)
			assert.Len(t, hist.History, 2)
		})
	}
}

func TestDegradedServiceReportsUnavailable(t *testing.T) {
	svc := newService(nil, newFakeSource(), models.DateOf(testNow))

	assert.True(t, svc.Degraded())
	assert.ErrorIs(t, svc.Ping(context.Background()), apperrors.ErrStoreUnavailable)
	_, err := svc.Stats(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
}

// failingWrites accepts reads and rejects every write.
type failingWrites struct{ store.Store }

func (failingWrites) Upsert(context.Context, string, models.Attributes, []freshness.Class, time.Time) error {
	return errors.New("disk full")
}

func (failingWrites) InsertHistorical(context.Context, string, []models.HistoricalRow) (store.InsertReport, error) {
	return store.InsertReport{}, errors.New("disk full")
}

func TestWriteBackFailureDoesNotAlterResult(t *testing.T) {
	src := newFakeSource()
	src.attrs["AAPL"] = models.Attributes{"name": models.String("Apple Inc."), "price": models.Number(190)}

	healthy, err := newService(newStore(t), src, models.DateOf(testNow)).Get(context.Background(), "AAPL", []string{"name", "price"})
	require.NoError(t, err)

	svc := newService(failingWrites{newStore(t)}, src, models.DateOf(testNow))
	res, err := svc.Get(context.Background(), "AAPL", []string{"name", "price"})
	require.NoError(t, err)
	assert.Equal(t, healthy, res)

	hist, err := svc.History(context.Background(), "AAPL", models.MustDate("2024-07-01"), models.MustDate("2024-07-03"))
	require.NoError(t, err)
	assert.False(t, hist.Failed)
	assert.Len(t, hist.History, 3)
}

func TestWriteBackSurvivesCancelledCaller(t *testing.T) {
	st := newStore(t)
	src := newFakeSource()
	src.attrs["AAPL"] = models.Attributes{"name": models.String("Apple Inc.")}

	ctx, cancel := context.WithCancel(context.Background())
	f := fetcher.Func{All: func(context.Context, string) (models.Attributes, error) {
		cancel()
		return src.attrs["AAPL"], nil
	}}
	svc := New(st, f, nil, Options{Enabled: true, Now: func() time.Time { return testNow }}, zerolog.Nop())

	_, err := svc.Get(ctx, "AAPL", []string{"name"})
	require.NoError(t, err)

	rec, err := st.Get(context.Background(), "AAPL", []string{"name"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Apple Inc.", rec.Attributes["name"].Str)
}

func TestToggleBypassesStore(t *testing.T) {
	st := newStore(t)
	src := newFakeSource()
	src.attrs["AAPL"] = models.Attributes{"name": models.String("Fetched")}
	svc := newService(st, src, models.DateOf(testNow))
	ctx := context.Background()

	require.NoError(t, st.Upsert(ctx, "AAPL", models.Attributes{"name": models.String("Cached")},
		[]freshness.Class{freshness.Immutable}, testNow))

	svc.Toggle(false)
	assert.False(t, svc.Enabled())

	res, err := svc.Get(ctx, "AAPL", []string{"name"})
	require.NoError(t, err)
	assert.Equal(t, "Fetched", res.Attributes["name"].Str)

	rec, err := st.Get(ctx, "AAPL", []string{"name"})
	require.NoError(t, err)
	assert.Equal(t, "Cached", rec.Attributes["name"].Str, "disabled cache must not write")

	svc.Toggle(true)
	res, err = svc.Get(ctx, "AAPL", []string{"name"})
	require.NoError(t, err)
	assert.Equal(t, "Cached", res.Attributes["name"].Str)
	assert.Len(t, src.allCalls, 1)
}

func TestMergeRowsPrefersCached(t *testing.T) {
	d := models.MustDate("2024-07-01")
	cached := []models.HistoricalRow{{Date: d, Close: models.Float(1)}}
	fetched := []models.HistoricalRow{
		{Date: d, Close: models.Float(2)},
		{Date: d.AddDays(1), Close: models.Float(3)},
		{Date: d.AddDays(5), Close: models.Float(4)},
	}

	rows := MergeRows(cached, fetched, d, d.AddDays(2))
	require.Len(t, rows, 2)
	assert.Equal(t, 1.0, *rows[0].Close)
	assert.Equal(t, 3.0, *rows[1].Close)
}

func TestRowsToPersist(t *testing.T) {
	d := models.MustDate("2024-07-01")
	fetched := []models.HistoricalRow{{Date: d}, {Date: d}, {Date: d.AddDays(1)}, {Date: d.AddDays(2)}}

	rows := rowsToPersist(fetched, []models.Date{d, d.AddDays(2)}, d.AddDays(2))
	require.Len(t, rows, 1)
	assert.Equal(t, d, rows[0].Date)
}

func TestCountersTrackHitsAndMisses(t *testing.T) {
	src := newFakeSource()
	src.attrs["AAPL"] = models.Attributes{"name": models.String("Apple Inc."), "price": models.Number(190)}
	svc := newService(newStore(t), src, models.DateOf(testNow))
	ctx := context.Background()

	_, err := svc.Get(ctx, "AAPL", []string{"name", "price"})
	require.NoError(t, err)
	_, err = svc.Get(ctx, "AAPL", []string{"name"})
	require.NoError(t, err)
	_, err = svc.History(ctx, "AAPL", models.MustDate("2024-01-01"), models.MustDate("2024-01-03"))
	require.NoError(t, err)
	_, err = svc.History(ctx, "AAPL", models.MustDate("2024-01-01"), models.MustDate("2024-01-03"))
	require.NoError(t, err)

	snap := svc.Counters()
	assert.EqualValues(t, 4, snap.Requests)
	assert.EqualValues(t, 1, snap.AttributeHits)
	assert.EqualValues(t, 2, snap.AttributeMisses)
	assert.EqualValues(t, 3, snap.RowsFetched)
	assert.EqualValues(t, 3, snap.RowsFromCache)
	assert.EqualValues(t, 2, snap.UpstreamCalls)
	assert.Zero(t, snap.UpstreamFailures)
}

func TestBatchLogsToRequestLogger(t *testing.T) {
	src := newFakeSource()
	src.attrs["AAPL"] = models.Attributes{"price": models.Number(190)}
	svc := newService(newStore(t), src, models.DateOf(testNow))

	var buf bytes.Buffer
	ctx := logging.WithLogger(context.Background(), zerolog.New(&buf).With().Str("request_id", "req-1").Logger())

	_, err := svc.Batch(ctx, []models.Request{{Identifier: "AAPL", Attributes: []string{"price"}}})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"request_id":"req-1"`)
	assert.Contains(t, buf.String(), `"batch_id"`)
	assert.Contains(t, buf.String(), `"component":"cache"`)
}
