// Package models provides domain models for the securities cache.
package models

import (
	"encoding/json"
	"time"

	"portfolio-screener/internal/freshness"
)

// SecurityRecord is the cached state of one identifier.
type SecurityRecord struct {
	Identifier         string
	Attributes         Attributes
	ImmutableFetchedAt *time.Time
	LongtermFetchedAt  *time.Time
	MediumFetchedAt    *time.Time
	ShortFetchedAt     *time.Time
	LastFetchedAt      time.Time
	CreatedAt          time.Time
}

// ClassFetchedAt returns when class c was last fetched. The zero time means
// never; current and historical classes carry no timestamp.
func (r *SecurityRecord) ClassFetchedAt(c freshness.Class) time.Time {
	var ts *time.Time
	switch c {
	case freshness.Immutable:
		ts = r.ImmutableFetchedAt
	case freshness.Longterm:
		ts = r.LongtermFetchedAt
	case freshness.Medium:
		ts = r.MediumFetchedAt
	case freshness.Short:
		ts = r.ShortFetchedAt
	}
	if ts == nil {
		return time.Time{}
	}
	return *ts
}

// HistoricalRow is one immutable per-date price record.
type HistoricalRow struct {
	Date      Date     `json:"date"`
	Open      *float64 `json:"open,omitempty"`
	High      *float64 `json:"high,omitempty"`
	Low       *float64 `json:"low,omitempty"`
	Close     *float64 `json:"close,omitempty"`
	Volume    *float64 `json:"volume,omitempty"`
	ChangePct *float64 `json:"change_pct,omitempty"`
	MarketCap *float64 `json:"market_cap,omitempty"`
}

// Float returns a pointer to f.
func Float(f float64) *float64 {
	return &f
}

// Request asks for attributes of one identifier, and optionally a date range
// of historical rows.
type Request struct {
	Identifier string
	Attributes []string
	Start      Date
	End        Date
}

// HasRange reports whether the request includes a historical range.
func (r Request) HasRange() bool {
	return !r.Start.IsZero() && !r.End.IsZero()
}

// Result is the merged response for one identifier.
type Result struct {
	Identifier   string          `json:"identifier"`
	Attributes   Attributes      `json:"-"`
	History      []HistoricalRow `json:"history,omitempty"`
	FromCache    []string        `json:"from_cache,omitempty"`
	Fetched      []string        `json:"fetched,omitempty"`
	Stale        []string        `json:"stale,omitempty"`
	MissingDates []Date          `json:"missing_dates,omitempty"`
	Failed       bool            `json:"failed"`
	Error        string          `json:"error,omitempty"`
}

// MarshalJSON renders attributes as plain values.
func (r Result) MarshalJSON() ([]byte, error) {
	type alias Result
	return json.Marshal(struct {
		alias
		Attributes map[string]interface{} `json:"attributes"`
	}{alias: alias(r), Attributes: r.Attributes.Plain()})
}
