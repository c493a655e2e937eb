package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ValueKind tags the type held by a Value.
type ValueKind string

const (
	KindNull   ValueKind = "null"
	KindString ValueKind = "string"
	KindNumber ValueKind = "number"
	KindTime   ValueKind = "time"
)

// Value is a heterogeneous attribute value.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Time time.Time
}

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }

// Timestamp returns a time value.
func Timestamp(t time.Time) Value { return Value{Kind: KindTime, Time: t.UTC()} }

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// IsNull reports whether v holds no value.
func (v Value) IsNull() bool {
	return v.Kind == "" || v.Kind == KindNull
}

// Interface returns the plain Go value, for JSON responses and display.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindTime:
		return v.Time.Format(time.RFC3339)
	}
	return nil
}

// Equal reports whether two values hold the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.IsNull() || o.IsNull() {
		return v.IsNull() && o.IsNull()
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num
	case KindTime:
		return v.Time.Equal(o.Time)
	}
	return false
}

func (v Value) String() string {
	if v.IsNull() {
		return "-"
	}
	return fmt.Sprint(v.Interface())
}

type taggedValue struct {
	T ValueKind       `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON encodes the value with its kind tag so the blob round-trips.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsNull() {
		return json.Marshal(taggedValue{T: KindNull})
	}
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedValue{T: v.Kind, V: raw})
}

// UnmarshalJSON decodes a tagged value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var tv taggedValue
	if err := json.Unmarshal(data, &tv); err != nil {
		return err
	}
	switch tv.T {
	case KindNull, "":
		*v = Null()
	case KindString:
		var s string
		if err := json.Unmarshal(tv.V, &s); err != nil {
			return err
		}
		*v = String(s)
	case KindNumber:
		var f float64
		if err := json.Unmarshal(tv.V, &f); err != nil {
			return err
		}
		*v = Number(f)
	case KindTime:
		var s string
		if err := json.Unmarshal(tv.V, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
		*v = Timestamp(t)
	default:
		return fmt.Errorf("unknown value kind %q", tv.T)
	}
	return nil
}

// Attributes is an open mapping of attribute name to value.
type Attributes map[string]Value

// Narrow returns the subset of a restricted to names. Names missing from a
// are omitted.
func (a Attributes) Narrow(names []string) Attributes {
	out := make(Attributes, len(names))
	for _, n := range names {
		if v, ok := a[n]; ok {
			out[n] = v
		}
	}
	return out
}

// Clone returns a shallow copy.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Names returns the attribute names, sorted.
func (a Attributes) Names() []string {
	out := make([]string, 0, len(a))
	for k := range a {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Plain converts to a map of plain Go values.
func (a Attributes) Plain() map[string]interface{} {
	out := make(map[string]interface{}, len(a))
	for k, v := range a {
		out[k] = v.Interface()
	}
	return out
}
