// Package query parses user-facing request parameters (identifier lists,
// attribute names and aliases, relative periods, date ranges) into cache
// requests.
package query

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "portfolio-screener/internal/errors"
	"portfolio-screener/internal/freshness"
	"portfolio-screener/internal/models"
)

var splitter = regexp.MustCompile(`[,\s]+`)

var periodPattern = regexp.MustCompile(`^\s*(\d+)\s*([dwmy])\s*$`)

// Yahoo tickers, index and FX symbols (^GSPC, EURUSD=X, BRK-B, TEVA.TA) and
// numeric TASE ids.
var identifierPattern = regexp.MustCompile(`^[A-Z0-9^][A-Z0-9&.=^-]{0,19}$`)

// aliases maps lower-cased request names to canonical attribute names.
// Canonical names from the freshness table are added in init.
var aliases = map[string]string{
	"brief_summary":          "briefSummary",
	"summary":                "briefSummary",
	"quote_type":             "quoteType",
	"type":                   "quoteType",
	"close":                  "last",
	"vol":                    "volume",
	"avg_daily_volume_3mnth": "avgDailyVolume3mnth",
	"avgvolume":              "avgDailyVolume3mnth",
	"change%":                "change_pct",
	"change":                 "change_pct",
	"marketcap":              "market_cap",
	"cap":                    "market_cap",
	"expenserate":            "expense_rate",
	"expense":                "expense_rate",
	"dividend_yield":         "dividendYield",
	"dividend":               "dividendYield",
	"yield":                  "dividendYield",
	"trailing_pe":            "trailingPE",
	"pe":                     "trailingPE",
	"forward_pe":             "forwardPE",
	"price_to_book":          "priceToBook",
	"pb":                     "priceToBook",
}

func init() {
	for attr := range freshness.DefaultTable {
		aliases[strings.ToLower(attr)] = attr
	}
}

// Query is a parsed request for several identifiers.
type Query struct {
	Identifiers []string
	Attributes  []string
	Start       models.Date
	End         models.Date
}

// Requests expands the query into one cache request per identifier.
func (q Query) Requests() []models.Request {
	out := make([]models.Request, 0, len(q.Identifiers))
	for _, id := range q.Identifiers {
		out = append(out, models.Request{
			Identifier: id,
			Attributes: append([]string(nil), q.Attributes...),
			Start:      q.Start,
			End:        q.End,
		})
	}
	return out
}

// HasRange reports whether the query asks for historical rows.
func (q Query) HasRange() bool {
	return !q.Start.IsZero() && !q.End.IsZero()
}

// Params holds raw request parameters as received from the CLI or HTTP.
type Params struct {
	Identifiers []string
	Attributes  []string
	Period      string
	Start       string
	End         string
}

// Parse validates raw parameters into a Query. now anchors relative periods.
func Parse(p Params, now time.Time) (Query, error) {
	var q Query

	q.Identifiers = ParseIdentifiers(p.Identifiers...)
	if len(q.Identifiers) == 0 {
		return Query{}, apperrors.NewValidationError("indicators", "", "at least one identifier is required", nil)
	}
	for _, id := range q.Identifiers {
		if err := ValidateIdentifier(id); err != nil {
			return Query{}, err
		}
	}

	attrs, err := ParseAttributes(p.Attributes...)
	if err != nil {
		return Query{}, err
	}
	q.Attributes = attrs

	q.Start, q.End, err = ResolveRange(p.Period, p.Start, p.End, now)
	if err != nil {
		return Query{}, err
	}

	if len(q.Attributes) == 0 && !q.HasRange() {
		return Query{}, apperrors.NewValidationError("attributes", "", "attributes or a date range are required", nil)
	}

	return q, nil
}

// ParseIdentifiers splits comma or whitespace separated identifiers,
// upper-cases them and drops duplicates while keeping order.
func ParseIdentifiers(raw ...string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range raw {
		for _, part := range splitter.Split(r, -1) {
			id := strings.ToUpper(strings.TrimSpace(part))
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// ValidateIdentifier checks an upper-cased identifier.
func ValidateIdentifier(id string) error {
	if len(id) > 20 {
		return apperrors.NewValidationError("indicators", id, "identifier too long (max 20 characters)", nil)
	}
	if !identifierPattern.MatchString(id) {
		return apperrors.NewValidationError("indicators", id, "invalid identifier format", nil)
	}
	return nil
}

// ParseAttributes maps names and aliases to canonical attribute names.
// Unknown names fail with ErrUnknownAttribute.
func ParseAttributes(raw ...string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, r := range raw {
		for _, part := range splitter.Split(r, -1) {
			key := strings.ToLower(strings.TrimSpace(part))
			if key == "" {
				continue
			}
			canon, ok := aliases[key]
			if !ok {
				return nil, apperrors.NewValidationError("attributes", part,
					fmt.Sprintf("unsupported attribute, supported: %s", strings.Join(Supported(), ", ")),
					apperrors.ErrUnknownAttribute)
			}
			if !seen[canon] {
				seen[canon] = true
				out = append(out, canon)
			}
		}
	}
	return out, nil
}

// Supported returns every accepted attribute name and alias, sorted.
func Supported() []string {
	out := make([]string, 0, len(aliases))
	for k := range aliases {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParsePeriod parses a relative period like "1d", "3w", "2m" or "5y" into
// an inclusive date range ending today (UTC). Months count as 30 days and
// years as 365.
func ParsePeriod(period string, now time.Time) (models.Date, models.Date, error) {
	m := periodPattern.FindStringSubmatch(strings.ToLower(period))
	if m == nil {
		return models.Date{}, models.Date{}, apperrors.NewValidationError("period", period,
			"invalid period, use like '1d', '3w', '2m', '5y'", apperrors.ErrInvalidRange)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n > models.MaxRangeDays {
		return models.Date{}, models.Date{}, apperrors.NewValidationError("period", period, "period too large", apperrors.ErrInvalidRange)
	}

	days := n
	switch m[2] {
	case "w":
		days = 7 * n
	case "m":
		days = 30 * n
	case "y":
		days = 365 * n
	}

	end := models.DateOf(now.UTC())
	start := end.AddDays(-days)
	if err := CheckRange(start, end); err != nil {
		return models.Date{}, models.Date{}, err
	}
	return start, end, nil
}

// CheckRange rejects ranges starting before EarliestDate or spanning more
// than MaxRangeDays.
func CheckRange(start, end models.Date) error {
	value := start.String() + ".." + end.String()
	if start.Before(models.EarliestDate) {
		return apperrors.NewValidationError("range", value,
			fmt.Sprintf("start date must be on or after %s", models.EarliestDate), apperrors.ErrInvalidRange)
	}
	if models.SpanDays(start, end) > models.MaxRangeDays {
		return apperrors.NewValidationError("range", value,
			fmt.Sprintf("range must not exceed %d days", models.MaxRangeDays), apperrors.ErrInvalidRange)
	}
	return nil
}

// ResolveRange resolves a period or explicit start/end into a date range.
// Period and start/end are mutually exclusive. A single bound defaults the
// other to the same day. Both zero means no range.
func ResolveRange(period, start, end string, now time.Time) (models.Date, models.Date, error) {
	period, start, end = strings.TrimSpace(period), strings.TrimSpace(start), strings.TrimSpace(end)

	if period != "" && (start != "" || end != "") {
		return models.Date{}, models.Date{}, apperrors.NewValidationError("period", period,
			"provide either period or start/end, not both", apperrors.ErrInvalidRange)
	}
	if period != "" {
		return ParsePeriod(period, now)
	}
	if start == "" && end == "" {
		return models.Date{}, models.Date{}, nil
	}

	var s, e models.Date
	var err error
	if start != "" {
		if s, err = parseDateLike(start); err != nil {
			return models.Date{}, models.Date{}, apperrors.NewValidationError("start", start, "invalid date", apperrors.ErrInvalidRange)
		}
	}
	if end != "" {
		if e, err = parseDateLike(end); err != nil {
			return models.Date{}, models.Date{}, apperrors.NewValidationError("end", end, "invalid date", apperrors.ErrInvalidRange)
		}
	}
	if s.IsZero() {
		s = e
	}
	if e.IsZero() {
		e = s
	}
	if s.After(e) {
		return models.Date{}, models.Date{}, apperrors.NewValidationError("start", start,
			"start date must be <= end date", apperrors.ErrInvalidRange)
	}
	if err := CheckRange(s, e); err != nil {
		return models.Date{}, models.Date{}, err
	}
	return s, e, nil
}

func parseDateLike(s string) (models.Date, error) {
	if d, err := models.ParseDate(s); err == nil {
		return d, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return models.Date{}, err
	}
	return models.DateOf(t.UTC()), nil
}
