package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "portfolio-screener/internal/errors"
	"portfolio-screener/internal/models"
)

var now = time.Date(2025, 1, 15, 13, 45, 0, 0, time.UTC)

func TestParseIdentifiers(t *testing.T) {
	got := ParseIdentifiers("aapl, msft  1183441", "AAPL", " ")
	assert.Equal(t, []string{"AAPL", "MSFT", "1183441"}, got)
}

func TestValidateIdentifier(t *testing.T) {
	for _, id := range []string{"AAPL", "TEVA.TA", "BRK-B", "^GSPC", "EURUSD=X", "1183441", "M&M.NS"} {
		assert.NoError(t, ValidateIdentifier(id), id)
	}
	for _, id := range []string{"", "AAPL;DROP", "A'B", ".TA", "ABCDEFGHIJKLMNOPQRSTU"} {
		assert.ErrorIs(t, ValidateIdentifier(id), apperrors.ErrInvalidRequest, id)
	}
}

func TestParseRejectsMalformedIdentifier(t *testing.T) {
	_, err := Parse(Params{Identifiers: []string{"AAPL,MS$FT"}, Attributes: []string{"price"}}, now)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestParseAttributesResolvesAliases(t *testing.T) {
	got, err := ParseAttributes("close, PE cap", "Change%", "name", "last")
	require.NoError(t, err)
	assert.Equal(t, []string{"last", "trailingPE", "market_cap", "change_pct", "name"}, got)
}

func TestParseAttributesAcceptsCatalogueNames(t *testing.T) {
	got, err := ParseAttributes("priceToBook,ISIN,avgDailyVolume3mnth")
	require.NoError(t, err)
	assert.Equal(t, []string{"priceToBook", "isin", "avgDailyVolume3mnth"}, got)
}

func TestParseAttributesUnknown(t *testing.T) {
	_, err := ParseAttributes("price,colour")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnknownAttribute)

	var ve *apperrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "colour", ve.Value)
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		period string
		start  string
	}{
		{"1d", "2025-01-14"},
		{"2w", "2025-01-01"},
		{" 1M ", "2024-12-16"},
		{"1y", "2024-01-16"},
	}

	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			s, e, err := ParsePeriod(tt.period, now)
			require.NoError(t, err)
			assert.Equal(t, tt.start, s.String())
			assert.Equal(t, "2025-01-15", e.String())
		})
	}

	_, _, err := ParsePeriod("1h", now)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRange)
}

func TestParsePeriodRejectsOversizedPeriods(t *testing.T) {
	for _, period := range []string{"20000y", "99999999y", "99999999999999999999d", "1300m", "36526d"} {
		t.Run(period, func(t *testing.T) {
			_, _, err := ParsePeriod(period, now)
			assert.ErrorIs(t, err, apperrors.ErrInvalidRange)
		})
	}

	s, _, err := ParsePeriod("50y", now)
	require.NoError(t, err)
	assert.False(t, s.Before(models.EarliestDate))
}

func TestCheckRange(t *testing.T) {
	assert.NoError(t, CheckRange(models.EarliestDate, models.EarliestDate.AddDays(models.MaxRangeDays-1)))
	assert.ErrorIs(t, CheckRange(models.EarliestDate, models.EarliestDate.AddDays(models.MaxRangeDays)), apperrors.ErrInvalidRange)
	assert.ErrorIs(t, CheckRange(models.EarliestDate.AddDays(-1), models.EarliestDate), apperrors.ErrInvalidRange)
}

func TestResolveRange(t *testing.T) {
	t.Run("period and bounds are exclusive", func(t *testing.T) {
		_, _, err := ResolveRange("1m", "2024-01-01", "", now)
		assert.ErrorIs(t, err, apperrors.ErrInvalidRange)
	})

	t.Run("start after end", func(t *testing.T) {
		_, _, err := ResolveRange("", "2024-02-01", "2024-01-01", now)
		assert.ErrorIs(t, err, apperrors.ErrInvalidRange)
	})

	t.Run("single bound defaults the other", func(t *testing.T) {
		s, e, err := ResolveRange("", "", "2024-06-30", now)
		require.NoError(t, err)
		assert.Equal(t, s, e)
		assert.Equal(t, "2024-06-30", s.String())
	})

	t.Run("rfc3339 accepted", func(t *testing.T) {
		s, _, err := ResolveRange("", "2024-07-01T22:00:00Z", "2025-01-01", now)
		require.NoError(t, err)
		assert.Equal(t, "2024-07-01", s.String())
	})

	t.Run("no range", func(t *testing.T) {
		s, e, err := ResolveRange("", "", "", now)
		require.NoError(t, err)
		assert.True(t, s.IsZero())
		assert.True(t, e.IsZero())
	})

	t.Run("start before 1970", func(t *testing.T) {
		_, _, err := ResolveRange("", "1900-01-01", "2024-01-01", now)
		assert.ErrorIs(t, err, apperrors.ErrInvalidRange)
	})

	t.Run("bad date", func(t *testing.T) {
		_, _, err := ResolveRange("", "yesterday", "", now)
		assert.ErrorIs(t, err, apperrors.ErrInvalidRange)
	})
}

func TestParse(t *testing.T) {
	q, err := Parse(Params{
		Identifiers: []string{"aapl,spy"},
		Attributes:  []string{"price,beta"},
		Start:       "2024-07-01",
		End:         "2025-01-01",
	}, now)
	require.NoError(t, err)

	reqs := q.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "SPY", reqs[1].Identifier)
	assert.Equal(t, []string{"price", "beta"}, reqs[1].Attributes)
	assert.True(t, reqs[0].HasRange())

	_, err = Parse(Params{Attributes: []string{"price"}}, now)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	_, err = Parse(Params{Identifiers: []string{"AAPL"}}, now)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)

	q, err = Parse(Params{Identifiers: []string{"AAPL"}, Period: "5d"}, now)
	require.NoError(t, err)
	assert.Empty(t, q.Attributes)
	assert.True(t, q.HasRange())
}
