package filter_test

import (
	"testing"

	"github.com/opendwn/core/pkg/filter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqual_TypePreserving(t *testing.T) {
	indexes := map[string]interface{}{"schema": "https://example.com/s"}
	f := filter.Filter{"schema": filter.Equal{Value: "https://example.com/s"}}
	assert.True(t, f.Matches(indexes))

	f2 := filter.Filter{"schema": filter.Equal{Value: "other"}}
	assert.False(t, f2.Matches(indexes))
}

func TestEqual_NumbersComparedAsNumbers(t *testing.T) {
	indexes := map[string]interface{}{"dataSize": int64(42)}
	f := filter.Filter{"dataSize": filter.Equal{Value: 42.0}}
	assert.True(t, f.Matches(indexes), "int64 42 should equal float64 42 under numeric comparison")
}

func TestOneOf(t *testing.T) {
	f := filter.Filter{"protocolPath": filter.OneOf{Values: []interface{}{"foo", "foo/bar"}}}
	assert.True(t, f.Matches(map[string]interface{}{"protocolPath": "foo/bar"}))
	assert.False(t, f.Matches(map[string]interface{}{"protocolPath": "baz"}))
}

func TestRange_Numeric(t *testing.T) {
	r, err := filter.NewRange(nil, 100.0, 10.0, nil)
	require.NoError(t, err)
	f := filter.Filter{"dataSize": r}

	assert.True(t, f.Matches(map[string]interface{}{"dataSize": 50.0}))
	assert.True(t, f.Matches(map[string]interface{}{"dataSize": 100.0})) // lte bound inclusive
	assert.False(t, f.Matches(map[string]interface{}{"dataSize": 10.0})) // gt bound exclusive
	assert.False(t, f.Matches(map[string]interface{}{"dataSize": 101.0}))
}

func TestRange_String(t *testing.T) {
	r, err := filter.NewRange(nil, nil, "2026-01-01", nil)
	require.NoError(t, err)
	f := filter.Filter{"messageTimestamp": r}

	assert.True(t, f.Matches(map[string]interface{}{"messageTimestamp": "2026-06-01"}))
	assert.False(t, f.Matches(map[string]interface{}{"messageTimestamp": "2025-06-01"}))
}

func TestRange_RejectsBooleans(t *testing.T) {
	_, err := filter.NewRange(nil, true, nil, nil)
	assert.Error(t, err)
}

func TestRange_RejectsMixedTypes(t *testing.T) {
	_, err := filter.NewRange(nil, "abc", 10.0, nil)
	assert.Error(t, err)
}

func TestFilter_MissingPropertyNeverMatches(t *testing.T) {
	f := filter.Filter{"recordId": filter.Equal{Value: "r1"}}
	assert.False(t, f.Matches(map[string]interface{}{"other": "x"}))
}

func TestMatchAny_IsOROfANDs(t *testing.T) {
	filters := []filter.Filter{
		{"published": filter.Equal{Value: true}},
		{"recipient": filter.Equal{Value: "did:example:bob"}},
	}

	assert.True(t, filter.MatchAny(map[string]interface{}{"published": true}, filters))
	assert.True(t, filter.MatchAny(map[string]interface{}{"published": false, "recipient": "did:example:bob"}, filters))
	assert.False(t, filter.MatchAny(map[string]interface{}{"published": false, "recipient": "did:example:alice"}, filters))
}

func TestMatchAny_EmptyFilterSetMatchesEverything(t *testing.T) {
	assert.True(t, filter.MatchAny(map[string]interface{}{}, nil))
}

func TestEncodeNumber_PreservesOrdering(t *testing.T) {
	values := []float64{-100, -1, 0, 1, 100, 9_000_000_000_000_000}
	var encoded []string
	for _, v := range values {
		encoded = append(encoded, filter.EncodeNumber(v))
	}
	for i := 1; i < len(encoded); i++ {
		assert.Less(t, encoded[i-1], encoded[i], "encoding of %v should sort before %v", values[i-1], values[i])
	}
}

func TestEncodeString_Delimits(t *testing.T) {
	assert.Equal(t, `"abc"`, filter.EncodeString("abc"))
}
