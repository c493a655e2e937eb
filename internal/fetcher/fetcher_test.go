package fetcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "portfolio-screener/internal/errors"
	"portfolio-screener/internal/freshness"
	"portfolio-screener/internal/models"
	"portfolio-screener/internal/resilience"
	"portfolio-screener/pkg/utils"
)

func recordingFetcher(seen *[]string) Func {
	return Func{
		All: func(ctx context.Context, id string) (models.Attributes, error) {
			*seen = append(*seen, id)
			return models.Attributes{"name": models.String(id)}, nil
		},
		Range: func(ctx context.Context, id string, dates []models.Date) ([]models.HistoricalRow, error) {
			*seen = append(*seen, id)
			return nil, nil
		},
	}
}

func TestRouterRoutesByIdentifierShape(t *testing.T) {
	var yahooSeen, taseSeen []string
	r := NewRouter(recordingFetcher(&yahooSeen), recordingFetcher(&taseSeen), map[string]string{
		"1183441": " teva.ta ",
	})

	_, err := r.FetchAll(context.Background(), "AAPL")
	require.NoError(t, err)
	_, err = r.FetchAll(context.Background(), "1183441")
	require.NoError(t, err)
	_, err = r.FetchRange(context.Background(), "5130919", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL", "TEVA.TA"}, yahooSeen)
	assert.Equal(t, []string{"5130919"}, taseSeen)
}

func TestRouterWithoutTASESource(t *testing.T) {
	var seen []string
	r := NewRouter(recordingFetcher(&seen), nil, nil)

	_, err := r.FetchAll(context.Background(), "5130919")
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedSource)
	assert.ErrorIs(t, err, apperrors.ErrFetchFailed)
	assert.Empty(t, seen)
}

func TestFuncNilIsUnsupported(t *testing.T) {
	_, err := Func{}.FetchAll(context.Background(), "AAPL")
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedSource)
}

func TestNormalizeAttributesAgorot(t *testing.T) {
	attrs := models.Attributes{
		"currency":   models.String("ILA"),
		"price":      models.Number(12345),
		"low":        models.Number(12000),
		"market_cap": models.Number(5e9),
		"name":       models.String("Teva"),
	}

	out := NormalizeAttributes(attrs)
	assert.Equal(t, "ILS", out["currency"].Str)
	assert.InDelta(t, 123.45, out["price"].Num, 1e-9)
	assert.InDelta(t, 120.0, out["low"].Num, 1e-9)
	assert.Equal(t, 5e9, out["market_cap"].Num)
	assert.Equal(t, "ILA", attrs["currency"].Str, "input must not be mutated")

	usd := models.Attributes{"currency": models.String("USD"), "price": models.Number(10)}
	assert.Equal(t, 10.0, NormalizeAttributes(usd)["price"].Num)
}

func TestNormalizeRows(t *testing.T) {
	rows := []models.HistoricalRow{{Date: models.MustDate("2024-01-02"), Close: models.Float(1050), Volume: models.Float(7)}}

	out := NormalizeRows(rows, "ILA")
	assert.InDelta(t, 10.5, *out[0].Close, 1e-9)
	assert.Equal(t, 7.0, *out[0].Volume)
	assert.Nil(t, out[0].Open)
	assert.Equal(t, 1050.0, *rows[0].Close)
}

func TestSnapshotAttributes(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC) }
	bars := []bar{
		{date: day(2), open: 99, high: 101, low: 98, close: 100, volume: 1000},
		{date: day(3), open: 100, high: 106, low: 100, close: 105, volume: 2000},
	}

	attrs := snapshotAttributes(quoteSnapshot{
		shortName:  "Apple",
		quoteType:  "EQUITY",
		summary:    "Designs smartphones.",
		currency:   "USD",
		beta:       1.2,
		avgVolume:  5e7,
		trailingPE: 30,
		marketCap:  3e12,
	}, bars)

	assert.Equal(t, "Apple", attrs["name"].Str)
	assert.Equal(t, "Designs smartphones.", attrs["briefSummary"].Str)
	assert.Equal(t, "USD", attrs["currency"].Str)
	assert.Equal(t, 1.2, attrs["beta"].Num)
	assert.Equal(t, 5e7, attrs["avgDailyVolume3mnth"].Num)
	assert.Equal(t, 105.0, attrs["price"].Num)
	assert.Equal(t, 105.0, attrs["last"].Num)
	assert.Equal(t, 2000.0, attrs["volume"].Num)
	assert.InDelta(t, 5.0, attrs["change_pct"].Num, 1e-9)
	_, hasForward := attrs["forwardPE"]
	assert.False(t, hasForward, "zero values are not reported")

	markUnreported(attrs)
	assert.True(t, attrs["isin"].IsNull())
	assert.True(t, attrs["expense_rate"].IsNull())
}

func TestSnapshotAttributesCoverCatalogue(t *testing.T) {
	attrs := snapshotAttributes(quoteSnapshot{
		longName: "Apple Inc.", quoteType: "EQUITY", industry: "Consumer Electronics",
		country: "United States", exchange: "NMS", summary: "s", currency: "USD",
		beta: 1, avgVolume: 1, trailingPE: 1, forwardPE: 1, priceToBook: 1,
		dividendYield: 1, marketCap: 1, currentPrice: 1,
	}, []bar{{close: 1, open: 1, high: 1, low: 1, volume: 1}, {close: 2, open: 2, high: 2, low: 2, volume: 2}})
	markUnreported(attrs)

	for attr := range freshness.DefaultTable {
		assert.Contains(t, attrs, attr)
	}
}

func TestBarsToRowsKeepsWantedDates(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 7, d, 0, 0, 0, 0, time.UTC) }
	bars := []bar{
		{date: day(1), close: 100},
		{date: day(2), close: 110},
		{date: day(3), close: 99},
	}

	rows := barsToRows(bars, []models.Date{models.MustDate("2024-07-02"), models.MustDate("2024-07-06")})
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-07-02", rows[0].Date.String())
	assert.InDelta(t, 10.0, *rows[0].ChangePct, 1e-9)
}

func TestPeriodCovering(t *testing.T) {
	today := models.MustDate("2025-01-01")
	assert.Equal(t, "5d", periodCovering(models.MustDate("2024-12-30"), today))
	assert.Equal(t, "6mo", periodCovering(models.MustDate("2024-07-05"), today))
	assert.Equal(t, "1y", periodCovering(models.MustDate("2024-07-03"), today))
	assert.Equal(t, "1y", periodCovering(models.MustDate("2024-07-01"), today))
	assert.Equal(t, "max", periodCovering(models.MustDate("1990-01-01"), today))
}

func TestResolveCurrency(t *testing.T) {
	assert.Equal(t, "EUR", resolveCurrency("SAP.DE", "EUR", "EUR"))
	assert.Equal(t, "JPY", resolveCurrency("7203.T", "", "JPY"))
	assert.Equal(t, "CAD", resolveCurrency("SHOP.TO", " ", "", "CAD"))
	assert.Equal(t, "GBp", resolveCurrency("VOD.L", "GBp"))
	assert.Equal(t, "ILA", resolveCurrency("TEVA.TA"))
	assert.Equal(t, "GBX", resolveCurrency("VOD.L"))
	assert.Equal(t, "USD", resolveCurrency("AAPL"))
}

func TestNormalizeReportedCurrency(t *testing.T) {
	sap := NormalizeAttributes(models.Attributes{
		"currency": models.String(resolveCurrency("SAP.DE", "EUR")),
		"price":    models.Number(230.5),
	})
	assert.Equal(t, "EUR", sap["currency"].Str)
	assert.Equal(t, 230.5, sap["price"].Num)

	vod := NormalizeAttributes(models.Attributes{
		"currency": models.String(resolveCurrency("VOD.L", "GBp")),
		"price":    models.Number(7250),
	})
	assert.Equal(t, "GBP", vod["currency"].Str)
	assert.InDelta(t, 72.5, vod["price"].Num, 1e-9)

	rows := NormalizeRows([]models.HistoricalRow{{Close: models.Float(7250)}}, "GBp")
	assert.InDelta(t, 72.5, *rows[0].Close, 1e-9)
}

func fastRetry(attempts int) utils.RetryConfig {
	return utils.RetryConfig{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
}

func TestResilientRetriesTransientFailures(t *testing.T) {
	var calls int32
	flaky := Func{All: func(ctx context.Context, id string) (models.Attributes, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("503")
		}
		return models.Attributes{"price": models.Number(1)}, nil
	}}

	r := NewResilient(flaky, ResilientConfig{Name: "yahoo", Retry: fastRetry(3)}, zerolog.Nop())
	attrs, err := r.FetchAll(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 1.0, attrs["price"].Num)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestResilientWrapsFinalFailure(t *testing.T) {
	var calls int32
	down := Func{All: func(ctx context.Context, id string) (models.Attributes, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("connection refused")
	}}

	r := NewResilient(down, ResilientConfig{Name: "yahoo", Retry: fastRetry(3)}, zerolog.Nop())
	_, err := r.FetchAll(context.Background(), "AAPL")
	assert.ErrorIs(t, err, apperrors.ErrFetchFailed)

	var fe *apperrors.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "yahoo", fe.Source)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestResilientDoesNotRetryUnsupported(t *testing.T) {
	var calls int32
	f := Func{All: func(ctx context.Context, id string) (models.Attributes, error) {
		atomic.AddInt32(&calls, 1)
		return nil, unsupported("tase", id)
	}}

	r := NewResilient(f, ResilientConfig{Name: "tase", Retry: fastRetry(3)}, zerolog.Nop())
	_, err := r.FetchAll(context.Background(), "5130919")
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedSource)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestResilientOpenCircuitShortCircuits(t *testing.T) {
	var calls int32
	down := Func{Range: func(ctx context.Context, id string, dates []models.Date) ([]models.HistoricalRow, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("boom")
	}}

	breakers := resilience.NewBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour})
	r := NewResilient(down, ResilientConfig{Name: "yahoo", Breakers: breakers, Retry: fastRetry(5)}, zerolog.Nop())

	dates := []models.Date{models.MustDate("2024-01-02")}
	_, err := r.FetchRange(context.Background(), "AAPL", dates)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, resilience.CircuitOpen, breakers.Get("yahoo").State())

	rows, err := r.FetchRange(context.Background(), "AAPL", nil)
	require.NoError(t, err)
	assert.Nil(t, rows)
}
