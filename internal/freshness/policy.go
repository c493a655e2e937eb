// Package freshness maps security attributes to staleness classes and TTLs.
package freshness

import (
	"fmt"
	"sort"
	"time"

	apperrors "portfolio-screener/internal/errors"
)

// Class is the staleness category of an attribute.
type Class string

const (
	Immutable  Class = "immutable"
	Longterm   Class = "longterm"
	Medium     Class = "medium"
	Short      Class = "short"
	Current    Class = "current"
	Historical Class = "historical"
)

// Infinite is the TTL of classes that never expire once fetched.
const Infinite time.Duration = -1

const day = 24 * time.Hour

// Default TTLs per class.
var defaultTTL = map[Class]time.Duration{
	Immutable:  Infinite,
	Longterm:   365 * day,
	Medium:     90 * day,
	Short:      7 * day,
	Current:    0,
	Historical: Infinite,
}

// DefaultTable is the static attribute to class mapping.
var DefaultTable = map[string]Class{
	"name":         Immutable,
	"quoteType":    Immutable,
	"isin":         Immutable,
	"exchange":     Immutable,
	"country":      Immutable,
	"briefSummary": Longterm,
	"industry":     Longterm,
	"currency":     Longterm,

	"expense_rate":  Medium,
	"dividendYield": Medium,
	"trailingPE":    Medium,
	"forwardPE":     Medium,
	"beta":          Medium,
	"priceToBook":   Medium,

	"avgDailyVolume3mnth": Short,

	"price":      Current,
	"last":       Current,
	"open":       Current,
	"high":       Current,
	"low":        Current,
	"volume":     Current,
	"change_pct": Current,
	"market_cap": Current,
}

// TimestampedClasses are the classes with a persisted fetch timestamp.
var TimestampedClasses = []Class{Immutable, Longterm, Medium, Short}

// Policy is an immutable attribute classification with per-class TTLs.
type Policy struct {
	table map[string]Class
	ttl   map[Class]time.Duration
}

// NewPolicy builds a policy from the default table and the given TTL overrides.
// Overrides for current and historical are rejected; their semantics are fixed.
func NewPolicy(overrides map[Class]time.Duration) (*Policy, error) {
	ttl := make(map[Class]time.Duration, len(defaultTTL))
	for c, d := range defaultTTL {
		ttl[c] = d
	}
	for c, d := range overrides {
		switch c {
		case Immutable, Longterm, Medium, Short:
		default:
			return nil, fmt.Errorf("%w: ttl override for class %q", apperrors.ErrConfigInvalid, c)
		}
		if d < 0 && d != Infinite {
			return nil, fmt.Errorf("%w: negative ttl for class %q", apperrors.ErrConfigInvalid, c)
		}
		ttl[c] = d
	}

	table := make(map[string]Class, len(DefaultTable))
	for k, v := range DefaultTable {
		table[k] = v
	}

	return &Policy{table: table, ttl: ttl}, nil
}

// DefaultPolicy returns the policy with no overrides.
func DefaultPolicy() *Policy {
	p, _ := NewPolicy(nil)
	return p
}

// Classify returns the class of attr.
func (p *Policy) Classify(attr string) (Class, error) {
	c, ok := p.table[attr]
	if !ok {
		return "", fmt.Errorf("%w: %q", apperrors.ErrUnknownAttribute, attr)
	}
	return c, nil
}

// TTL returns the time-to-live of class c. Infinite means never expires.
func (p *Policy) TTL(c Class) time.Duration {
	return p.ttl[c]
}

// IsFresh reports whether a value of class c fetched at fetchedAt is still
// usable at asOf. A zero fetchedAt means never fetched.
func (p *Policy) IsFresh(c Class, fetchedAt, asOf time.Time) bool {
	ttl := p.TTL(c)
	switch {
	case ttl == 0:
		return false
	case fetchedAt.IsZero():
		return false
	case ttl == Infinite:
		return true
	}
	return asOf.Sub(fetchedAt) <= ttl
}

// Attributes returns every registered attribute, sorted.
func (p *Policy) Attributes() []string {
	out := make([]string, 0, len(p.table))
	for k := range p.table {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ClassesOf returns the distinct timestamped classes among attrs. Unknown
// attributes and untimestamped classes are skipped.
func (p *Policy) ClassesOf(attrs []string) []Class {
	seen := make(map[Class]bool)
	for _, a := range attrs {
		if c, err := p.Classify(a); err == nil {
			seen[c] = true
		}
	}
	var out []Class
	for _, c := range TimestampedClasses {
		if seen[c] {
			out = append(out, c)
		}
	}
	return out
}

// ParseClass parses a class name.
func ParseClass(s string) (Class, error) {
	switch c := Class(s); c {
	case Immutable, Longterm, Medium, Short, Current, Historical:
		return c, nil
	}
	return "", fmt.Errorf("unknown freshness class %q", s)
}
