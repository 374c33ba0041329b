// Package filter implements the DWN filter engine (spec §4.2): equality,
// one-of, and range matching over an item's indexed key-values, plus a
// query-planning reduction that narrows a set of user filters to the
// smaller set a store's secondary indexes can execute directly.
package filter

import "fmt"

// Operator is a single-property predicate evaluated against an indexed
// value. Implementations must be total and side-effect-free (spec §4.2).
type Operator interface {
	// Match reports whether value satisfies this operator. value is
	// always present — absence is handled by the caller before Match
	// is invoked, per spec §4.2 ("every property present in the indexes").
	Match(value interface{}) bool
}

// Equal matches primitive equality, comparing strings as strings and
// numbers as numbers (spec §4.2). Equal does not itself coerce types:
// an int64 Value never equals a string value even if their textual form
// matches, mirroring "type-preserving comparison".
type Equal struct {
	Value interface{}
}

func (e Equal) Match(value interface{}) bool {
	return primitiveEqual(e.Value, value)
}

// OneOf matches if value equals any of Values — the disjunction of Equal
// filters (spec §4.2).
type OneOf struct {
	Values []interface{}
}

func (o OneOf) Match(value interface{}) bool {
	for _, v := range o.Values {
		if primitiveEqual(v, value) {
			return true
		}
	}
	return false
}

// Range matches any combination of {LT, LTE, GT, GTE} over strings or
// numbers. Constructing a Range over booleans is rejected by NewRange
// (spec §4.2: "Range over booleans is rejected").
type Range struct {
	LT, LTE, GT, GTE interface{}
}

// NewRange validates bound types before returning a usable Range: every
// non-nil bound must be a string or a number, and all bounds must share
// the same kind (all-string or all-numeric).
func NewRange(lt, lte, gt, gte interface{}) (Range, error) {
	r := Range{LT: lt, LTE: lte, GT: gt, GTE: gte}
	var kind string
	for _, b := range []interface{}{lt, lte, gt, gte} {
		if b == nil {
			continue
		}
		k, err := kindOf(b)
		if err != nil {
			return Range{}, err
		}
		if kind == "" {
			kind = k
		} else if kind != k {
			return Range{}, fmt.Errorf("filter: range bounds must share a type, got %s and %s", kind, k)
		}
	}
	return r, nil
}

func kindOf(v interface{}) (string, error) {
	switch v.(type) {
	case string:
		return "string", nil
	case int, int64, float64:
		return "number", nil
	case bool:
		return "", fmt.Errorf("filter: range over booleans is rejected")
	default:
		return "", fmt.Errorf("filter: unsupported range bound type %T", v)
	}
}

func (r Range) Match(value interface{}) bool {
	if r.LT != nil && !less(value, r.LT) {
		return false
	}
	if r.LTE != nil && !lessOrEqual(value, r.LTE) {
		return false
	}
	if r.GT != nil && !less(r.GT, value) {
		return false
	}
	if r.GTE != nil && !lessOrEqual(r.GTE, value) {
		return false
	}
	return true
}

// Filter is an AND of per-property operators (spec §4.2).
type Filter map[string]Operator

// Matches reports whether every property in f is present in indexes and
// passes its operator.
func (f Filter) Matches(indexes map[string]interface{}) bool {
	for prop, op := range f {
		value, ok := indexes[prop]
		if !ok {
			return false
		}
		if !op.Match(value) {
			return false
		}
	}
	return true
}

// MatchAny reports whether any of filters matches indexes — filters are
// interpreted as OR, each an AND of its properties (spec §4.2).
func MatchAny(indexes map[string]interface{}, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(indexes) {
			return true
		}
	}
	return false
}

func primitiveEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case int:
		return numEqual(float64(av), b)
	case int64:
		return numEqual(float64(av), b)
	case float64:
		return numEqual(av, b)
	default:
		return false
	}
}

func numEqual(a float64, b interface{}) bool {
	switch bv := b.(type) {
	case int:
		return a == float64(bv)
	case int64:
		return a == float64(bv)
	case float64:
		return a == bv
	default:
		return false
	}
}

// less reports a < b for two values of the same filterable kind.
func less(a, b interface{}) bool {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as < bs
		}
		return false
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return aok && bok && af < bf
}

func lessOrEqual(a, b interface{}) bool {
	return less(a, b) || primitiveEqual(a, b)
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}
