package filter

// priorityProperties is the spec §4.2 query-planning priority order:
// prefer the most selective indexed property a filter constrains, so a
// store can execute a narrower secondary-index lookup.
var priorityProperties = []string{
	"recordId",
	"attester",
	"parentId",
	"recipient",
	"contextId",
	"protocolPath",
	"schema",
	"protocol",
}

// Reduced is a narrowed filter set: Filters is safe to execute directly
// against a store's secondary indexes, and IsExact reports whether the
// reduction is lossless (the caller can skip in-memory re-filtering) or
// only a superset narrowing (the caller MUST re-filter in memory).
type Reduced struct {
	Filters []Filter
	IsExact bool
}

// Reduce narrows filters for query planning (spec §4.2): "a correctness-
// preserving narrowing — the narrowed query MUST be a superset of the
// original's true matches". When a cursor is present, or the caller has
// requested a particular sort property, reduction is disabled entirely
// (a full scan via the sort index is used instead) because a narrowed
// index lookup cannot, in general, preserve cursor-resumable ordering.
func Reduce(filters []Filter, hasCursor bool, sortProperty string) Reduced {
	if hasCursor || sortProperty != "" {
		return Reduced{Filters: filters, IsExact: true}
	}

	reduced := make([]Filter, 0, len(filters))
	allExact := true
	for _, f := range filters {
		prop, op, ok := pickPriorityEquality(f)
		if !ok {
			// No reducible equality found in this OR-branch; keep it
			// whole (still a correct, just less selective, superset).
			reduced = append(reduced, f)
			allExact = false
			continue
		}
		reduced = append(reduced, Filter{prop: op})
		if len(f) > 1 {
			allExact = false
		}
	}
	return Reduced{Filters: reduced, IsExact: allExact}
}

// pickPriorityEquality returns the single highest-priority Equal/OneOf
// operator present in f, per priorityProperties order, falling back to
// any remaining equality-shaped operator (spec: "then any remaining
// equality"). Range operators are never chosen for reduction: a range
// predicate isn't coarsenable into a cheaper equality lookup.
func pickPriorityEquality(f Filter) (string, Operator, bool) {
	for _, prop := range priorityProperties {
		if op, ok := f[prop]; ok && isEqualityShaped(op) {
			return prop, op, true
		}
	}
	for prop, op := range f {
		if isEqualityShaped(op) {
			return prop, op, true
		}
	}
	return "", nil, false
}

func isEqualityShaped(op Operator) bool {
	switch op.(type) {
	case Equal, OneOf:
		return true
	default:
		return false
	}
}
