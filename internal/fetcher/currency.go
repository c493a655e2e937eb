package fetcher

import (
	"github.com/shopspring/decimal"

	"portfolio-screener/internal/models"
)

// Minor currency units quoted by upstream sources, with their major unit
// and conversion factor.
var minorUnits = map[string]struct {
	major  string
	factor decimal.Decimal
}{
	"ILA": {"ILS", decimal.New(1, -2)},
	"GBX": {"GBP", decimal.New(1, -2)},
	"GBp": {"GBP", decimal.New(1, -2)},
	"ZAc": {"ZAR", decimal.New(1, -2)},
}

// priceAttributes are quoted in the security's trading currency.
var priceAttributes = []string{"price", "last", "open", "high", "low"}

// MajorCurrency returns the major unit and factor for a currency code. Codes
// that are already major return a factor of one.
func MajorCurrency(code string) (string, decimal.Decimal) {
	if m, ok := minorUnits[code]; ok {
		return m.major, m.factor
	}
	return code, decimal.New(1, 0)
}

// NormalizeAttributes converts price attributes quoted in a minor unit to
// the major unit and rewrites the currency attribute. Market cap is left as
// reported.
func NormalizeAttributes(attrs models.Attributes) models.Attributes {
	cur, ok := attrs["currency"]
	if !ok || cur.Kind != models.KindString {
		return attrs
	}
	major, factor := MajorCurrency(cur.Str)
	if major == cur.Str {
		return attrs
	}

	out := attrs.Clone()
	for _, name := range priceAttributes {
		v, ok := out[name]
		if !ok || v.Kind != models.KindNumber {
			continue
		}
		out[name] = models.Number(scale(v.Num, factor))
	}
	out["currency"] = models.String(major)
	return out
}

// NormalizeRows converts OHLC prices of rows quoted in currency to the
// major unit.
func NormalizeRows(rows []models.HistoricalRow, currency string) []models.HistoricalRow {
	major, factor := MajorCurrency(currency)
	if major == currency {
		return rows
	}

	out := make([]models.HistoricalRow, len(rows))
	for i, r := range rows {
		r.Open = scalePtr(r.Open, factor)
		r.High = scalePtr(r.High, factor)
		r.Low = scalePtr(r.Low, factor)
		r.Close = scalePtr(r.Close, factor)
		out[i] = r
	}
	return out
}

func scale(v float64, factor decimal.Decimal) float64 {
	f, _ := decimal.NewFromFloat(v).Mul(factor).Float64()
	return f
}

func scalePtr(v *float64, factor decimal.Decimal) *float64 {
	if v == nil {
		return nil
	}
	return models.Float(scale(*v, factor))
}
