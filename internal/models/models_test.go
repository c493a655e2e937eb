package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributesBlobKeepsKinds(t *testing.T) {
	listed := time.Date(1980, 12, 12, 0, 0, 0, 0, time.UTC)
	attrs := Attributes{
		"name":     String("Apple Inc."),
		"beta":     Number(1.2),
		"listedAt": Timestamp(listed),
		"isin":     Null(),
	}

	blob, err := json.Marshal(attrs)
	require.NoError(t, err)

	var decoded Attributes
	require.NoError(t, json.Unmarshal(blob, &decoded))

	require.Len(t, decoded, 4)
	for k, v := range attrs {
		assert.True(t, v.Equal(decoded[k]), "attribute %s changed: %v -> %v", k, v, decoded[k])
	}
	assert.Equal(t, KindTime, decoded["listedAt"].Kind)
	assert.True(t, decoded["isin"].IsNull())
}

func TestValueUnknownKind(t *testing.T) {
	var v Value
	err := json.Unmarshal([]byte(`{"t":"blob","v":1}`), &v)
	assert.Error(t, err)
}

func TestNarrow(t *testing.T) {
	attrs := Attributes{"a": Number(1), "b": Number(2), "c": Number(3)}
	got := attrs.Narrow([]string{"a", "c", "missing"})
	assert.Equal(t, []string{"a", "c"}, got.Names())
}

func TestDatesBetween(t *testing.T) {
	days := DatesBetween(MustDate("2024-02-27"), MustDate("2024-03-01"))
	require.Len(t, days, 4)
	assert.Equal(t, "2024-02-29", days[2].String())

	assert.Nil(t, DatesBetween(MustDate("2024-03-01"), MustDate("2024-02-01")))
}

func TestDateAsMapKey(t *testing.T) {
	set := map[Date]bool{MustDate("2024-01-05"): true}
	assert.True(t, set[NewDate(2024, time.January, 5)])
	assert.True(t, set[DateOf(time.Date(2024, 1, 5, 23, 59, 0, 0, time.UTC))])
}

func TestResultJSONPlainAttributes(t *testing.T) {
	r := Result{Identifier: "AAPL", Attributes: Attributes{"price": Number(150)}}
	blob, err := json.Marshal(r)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(blob, &out))
	assert.Equal(t, "AAPL", out["identifier"])
	assert.Equal(t, map[string]interface{}{"price": 150.0}, out["attributes"])
}
