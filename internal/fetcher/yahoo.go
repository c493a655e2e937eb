package fetcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnjoon/go-yfinance/pkg/models"
	"github.com/wnjoon/go-yfinance/pkg/ticker"

	apperrors "portfolio-screener/internal/errors"
	domain "portfolio-screener/internal/models"
)

// YahooFetcher implements Fetcher using go-yfinance.
type YahooFetcher struct {
	log zerolog.Logger
	now func() time.Time
}

// NewYahooFetcher creates a Yahoo Finance source.
func NewYahooFetcher(log zerolog.Logger) *YahooFetcher {
	return &YahooFetcher{
		log: log.With().Str("source", SourceYahoo).Logger(),
		now: time.Now,
	}
}

// quoteSnapshot holds the upstream fields mapped to cache attributes.
type quoteSnapshot struct {
	longName, shortName string
	quoteType           string
	industry            string
	country, exchange   string
	summary             string
	currency            string
	beta                float64
	avgVolume           float64
	trailingPE          float64
	forwardPE           float64
	priceToBook         float64
	dividendYield       float64
	marketCap           float64
	currentPrice        float64
	previousClose       float64
	regularMarketPrice  float64
}

// bar is one daily OHLCV bar.
type bar struct {
	date                   time.Time
	open, high, low, close float64
	volume                 float64
}

// FetchAll fetches info, quote and the last few daily bars for symbol.
func (y *YahooFetcher) FetchAll(ctx context.Context, symbol string) (domain.Attributes, error) {
	start := time.Now()

	t, err := ticker.New(symbol)
	if err != nil {
		return nil, apperrors.NewFetchError(SourceYahoo, symbol, fmt.Errorf("failed to create ticker: %w", err))
	}
	defer t.Close()

	var snap quoteSnapshot

	info, err := t.Info()
	if err != nil {
		return nil, apperrors.NewFetchError(SourceYahoo, symbol, fmt.Errorf("failed to get info: %w", err))
	}
	snap.longName = info.LongName
	snap.shortName = info.ShortName
	snap.quoteType = info.QuoteType
	snap.industry = info.Industry
	snap.country = info.Country
	snap.exchange = info.Exchange
	snap.summary = info.LongBusinessSummary
	snap.beta = info.Beta
	if snap.beta == 0 {
		snap.beta = info.Beta5Y
	}
	snap.avgVolume = float64(info.AverageVolume)
	snap.trailingPE = float64(info.TrailingPE)
	snap.forwardPE = float64(info.ForwardPE)
	snap.priceToBook = float64(info.PriceToBook)
	snap.dividendYield = float64(info.DividendYield)
	snap.marketCap = float64(info.MarketCap)
	snap.currentPrice = float64(info.CurrentPrice)
	snap.previousClose = float64(info.RegularMarketPreviousClose)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The quote endpoint is optional; info already carries a price.
	if quote, err := t.Quote(); err == nil {
		snap.regularMarketPrice = float64(quote.RegularMarketPrice)
	} else {
		y.log.Debug().Err(err).Str("symbol", symbol).Msg("Quote unavailable, using info price")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bars, chartCurrency, err := y.loadBars(symbol, "5d")
	if err != nil {
		y.log.Debug().Err(err).Str("symbol", symbol).Msg("Recent bars unavailable")
	}
	snap.currency = resolveCurrency(symbol, info.Currency, info.FinancialCurrency, chartCurrency)

	attrs := snapshotAttributes(snap, bars)
	// currency is always set
	if len(attrs) <= 1 {
		return nil, apperrors.NewFetchError(SourceYahoo, symbol, apperrors.ErrDataNotFound)
	}
	markUnreported(attrs)

	y.log.Debug().Str("symbol", symbol).Int("attributes", len(attrs)).Dur("duration", time.Since(start)).Msg("Fetched attributes")
	return NormalizeAttributes(attrs), nil
}

// FetchRange downloads enough daily history to cover dates and returns the
// rows for exactly those dates.
func (y *YahooFetcher) FetchRange(ctx context.Context, symbol string, dates []domain.Date) ([]domain.HistoricalRow, error) {
	if len(dates) == 0 {
		return nil, nil
	}

	earliest := dates[0]
	for _, d := range dates[1:] {
		if d.Before(earliest) {
			earliest = d
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bars, chartCurrency, err := y.loadBars(symbol, periodCovering(earliest, domain.DateOf(y.now().UTC())))
	if err != nil {
		return nil, apperrors.NewFetchError(SourceYahoo, symbol, err)
	}

	return NormalizeRows(barsToRows(bars, dates), resolveCurrency(symbol, chartCurrency)), nil
}

// loadBars downloads daily bars for period, oldest first, and the currency
// reported in the chart metadata.
func (y *YahooFetcher) loadBars(symbol, period string) ([]bar, string, error) {
	t, err := ticker.New(symbol)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create ticker: %w", err)
	}
	defer t.Close()

	raw, err := t.History(models.HistoryParams{
		Period:     period,
		Interval:   "1d",
		AutoAdjust: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get historical prices: %w", err)
	}

	out := make([]bar, 0, len(raw))
	for _, b := range raw {
		out = append(out, bar{
			date:   b.Date,
			open:   float64(b.Open),
			high:   float64(b.High),
			low:    float64(b.Low),
			close:  float64(b.Close),
			volume: float64(b.Volume),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].date.Before(out[j].date) })

	var currency string
	if meta := t.GetHistoryMetadata(); meta != nil {
		currency = meta.Currency
	}
	return out, currency, nil
}

// snapshotAttributes maps upstream fields to cache attributes. Zero values
// mean "not reported" and are omitted.
func snapshotAttributes(s quoteSnapshot, bars []bar) domain.Attributes {
	attrs := domain.Attributes{}

	setString := func(name, v string) {
		if v != "" {
			attrs[name] = domain.String(v)
		}
	}
	setNumber := func(name string, v float64) {
		if v != 0 {
			attrs[name] = domain.Number(v)
		}
	}

	name := s.longName
	if name == "" {
		name = s.shortName
	}
	setString("name", name)
	setString("quoteType", s.quoteType)
	setString("industry", s.industry)
	setString("country", s.country)
	setString("exchange", s.exchange)
	setString("briefSummary", s.summary)
	setString("currency", s.currency)

	setNumber("trailingPE", s.trailingPE)
	setNumber("forwardPE", s.forwardPE)
	setNumber("priceToBook", s.priceToBook)
	setNumber("dividendYield", s.dividendYield)
	setNumber("market_cap", s.marketCap)
	setNumber("beta", s.beta)
	setNumber("avgDailyVolume3mnth", s.avgVolume)

	price := s.regularMarketPrice
	if price == 0 {
		price = s.currentPrice
	}
	if price == 0 {
		price = s.previousClose
	}

	if n := len(bars); n > 0 {
		last := bars[n-1]
		if price == 0 {
			price = last.close
		}
		setNumber("open", last.open)
		setNumber("high", last.high)
		setNumber("low", last.low)
		setNumber("volume", last.volume)
		if n > 1 && bars[n-2].close != 0 {
			prev := bars[n-2].close
			attrs["change_pct"] = domain.Number((last.close - prev) / prev * 100)
		}
	}

	setNumber("price", price)
	setNumber("last", price)

	return attrs
}

// barsToRows keeps the bars whose date is wanted. change_pct is computed
// against the previous bar in the downloaded series.
func barsToRows(bars []bar, wanted []domain.Date) []domain.HistoricalRow {
	want := make(map[domain.Date]bool, len(wanted))
	for _, d := range wanted {
		want[d] = true
	}

	var rows []domain.HistoricalRow
	for i, b := range bars {
		d := domain.DateOf(b.date)
		if !want[d] {
			continue
		}
		row := domain.HistoricalRow{
			Date:   d,
			Open:   domain.Float(b.open),
			High:   domain.Float(b.high),
			Low:    domain.Float(b.low),
			Close:  domain.Float(b.close),
			Volume: domain.Float(b.volume),
		}
		if i > 0 && bars[i-1].close != 0 {
			row.ChangePct = domain.Float((b.close - bars[i-1].close) / bars[i-1].close * 100)
		}
		rows = append(rows, row)
	}
	return rows
}

// periodCovering returns the shortest Yahoo period reaching back to from.
func periodCovering(from, today domain.Date) string {
	days := int(today.Time().Sub(from.Time()).Hours()/24) + 1
	switch {
	case days <= 5:
		return "5d"
	case days <= 28:
		return "1mo"
	case days <= 89:
		return "3mo"
	case days <= 181:
		return "6mo"
	case days <= 365:
		return "1y"
	case days <= 730:
		return "2y"
	case days <= 1826:
		return "5y"
	case days <= 3652:
		return "10y"
	}
	return "max"
}

// unreported lists catalogue attributes the quote summary never carries.
var unreported = []string{"isin", "expense_rate"}

// markUnreported stores unreported attributes as null so they are served
// from the cache until their class expires.
func markUnreported(attrs domain.Attributes) {
	for _, name := range unreported {
		if _, ok := attrs[name]; !ok {
			attrs[name] = domain.Null()
		}
	}
}

// resolveCurrency returns the first currency Yahoo reported, falling back
// to the exchange suffix.
func resolveCurrency(symbol string, reported ...string) string {
	for _, c := range reported {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return currencyOf(symbol)
}

// currencyOf infers the quote currency from the exchange suffix. Tel Aviv
// listings are quoted in agorot.
func currencyOf(symbol string) string {
	switch {
	case strings.HasSuffix(symbol, ".TA"):
		return "ILA"
	case strings.HasSuffix(symbol, ".L"):
		return "GBX"
	}
	return "USD"
}
