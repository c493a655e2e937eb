package utils

import (
	"time"

	"portfolio-screener/internal/models"
)

// Exchange describes the regular trading session of a market.
type Exchange struct {
	Name     string
	Location *time.Location
	// Open and Close are minutes after local midnight.
	Open  int
	Close int
	// TradingDays lists the weekdays the market trades.
	TradingDays []time.Weekday
}

var weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

// Exchanges known to the calendar.
var (
	NYSE = Exchange{
		Name:        "NYSE",
		Location:    loadLocation("America/New_York", -5*60*60),
		Open:        9*60 + 30,
		Close:       16 * 60,
		TradingDays: weekdays,
	}
	TASE = Exchange{
		Name:        "TASE",
		Location:    loadLocation("Asia/Jerusalem", 2*60*60),
		Open:        10 * 60,
		Close:       17*60 + 25,
		TradingDays: weekdays,
	}
)

func loadLocation(name string, fallbackOffset int) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone(name, fallbackOffset)
	}
	return loc
}

// IsTradingDay reports whether d is a regular trading weekday. Holidays are
// not modelled.
func (e Exchange) IsTradingDay(d time.Weekday) bool {
	for _, td := range e.TradingDays {
		if td == d {
			return true
		}
	}
	return false
}

// IsOpen returns true if the market is in its regular session at now.
func (e Exchange) IsOpen(now time.Time) bool {
	local := now.In(e.Location)
	if !e.IsTradingDay(local.Weekday()) {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= e.Open && minutes < e.Close
}

// SessionCutoff returns the first date whose daily row may still change at
// now. Rows dated strictly before the cutoff are final.
func (e Exchange) SessionCutoff(now time.Time) models.Date {
	local := now.In(e.Location)
	today := models.NewDate(local.Year(), local.Month(), local.Day())
	minutes := local.Hour()*60 + local.Minute()
	if e.IsTradingDay(local.Weekday()) && minutes >= e.Close {
		return today.AddDays(1)
	}
	return today
}

// NextOpen returns the next session opening time after now.
func (e Exchange) NextOpen(now time.Time) time.Time {
	local := now.In(e.Location)
	next := time.Date(local.Year(), local.Month(), local.Day(), e.Open/60, e.Open%60, 0, 0, e.Location)
	if !local.Before(next) {
		next = next.AddDate(0, 0, 1)
	}
	for !e.IsTradingDay(next.Weekday()) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// ExchangeFor returns the calendar for an identifier. Numeric identifiers
// and ".TA" symbols trade on TASE; everything else follows NYSE hours.
func ExchangeFor(identifier string) Exchange {
	if IsNumeric(identifier) || hasSuffix(identifier, ".TA") {
		return TASE
	}
	return NYSE
}

// IsNumeric reports whether s is a non-empty string of ASCII digits.
func IsNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
