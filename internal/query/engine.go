// Package query implements a restricted MongoDB-style filter algebra
// evaluated over in-memory document sets: $eq/$gt/$lt, $and/$or nested at
// any subquery level, dot-path field access, and MongoDB "contains" array
// semantics for $eq, gated by a validation pipeline for structure, depth,
// and operator support.
package query

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidQuery is wrapped by every validation/matching failure this
// package returns; callers (the root blobdoc package) translate it to
// KindInvalidQuery.
var ErrInvalidQuery = errors.New("invalid query")

// Config bounds the grammar the validation pipeline accepts.
type Config struct {
	MaxDepth           int
	SupportedOperators map[string]bool
	LogicalOperators   map[string]bool
}

func isOperatorKey(k string) bool {
	return len(k) > 0 && k[0] == '$'
}

// Validate runs the validation pipeline: input typing, depth, and operator
// inventory (operator value shape is folded into the inventory pass since
// both are structural checks over the same recursive walk).
func Validate(filter map[string]any, cfg Config) error {
	if filter == nil {
		return fmt.Errorf("%w: filter must be a non-null mapping", ErrInvalidQuery)
	}
	return validateNode(filter, cfg, 0)
}

func validateNode(node map[string]any, cfg Config, depth int) error {
	if cfg.MaxDepth > 0 && depth > cfg.MaxDepth {
		return fmt.Errorf("%w: filter nesting exceeds max depth %d", ErrInvalidQuery, cfg.MaxDepth)
	}
	for key, val := range node {
		if cfg.LogicalOperators[key] {
			list, ok := val.([]any)
			if !ok {
				return fmt.Errorf("%w: %s requires a sequence of subqueries", ErrInvalidQuery, key)
			}
			for _, item := range list {
				sub, ok := item.(map[string]any)
				if !ok {
					return fmt.Errorf("%w: %s element must be an object", ErrInvalidQuery, key)
				}
				if err := validateNode(sub, cfg, depth+1); err != nil {
					return err
				}
			}
			continue
		}
		if isOperatorKey(key) {
			return fmt.Errorf("%w: unsupported top-level operator %s", ErrInvalidQuery, key)
		}
		if opMap, ok := operatorObject(val); ok {
			for op := range opMap {
				if !cfg.SupportedOperators[op] {
					return fmt.Errorf("%w: unsupported operator %s", ErrInvalidQuery, op)
				}
				if cfg.LogicalOperators[op] {
					return fmt.Errorf("%w: logical operator %s not valid as a field operator", ErrInvalidQuery, op)
				}
			}
			if err := validateDepthOnly(opMap, cfg, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateDepthOnly recurses purely to enforce the depth bound inside
// operator-value objects (which are not themselves subqueries, so they
// don't re-enter validateNode's operator-inventory checks).
func validateDepthOnly(v map[string]any, cfg Config, depth int) error {
	if cfg.MaxDepth > 0 && depth > cfg.MaxDepth {
		return fmt.Errorf("%w: filter nesting exceeds max depth %d", ErrInvalidQuery, cfg.MaxDepth)
	}
	for _, val := range v {
		if m, ok := val.(map[string]any); ok {
			if err := validateDepthOnly(m, cfg, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// operatorObject reports whether v is a "plain" map whose keys all begin
// with "$" -- i.e. an operator object as opposed to a literal value to
// compare for equality. A Date or []any value is never treated as an
// operator object even if (implausibly) shaped like one.
func operatorObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !isOperatorKey(k) {
			return nil, false
		}
	}
	return m, true
}

// Match reports whether doc satisfies filter. Callers must call Validate
// first; Match does not re-validate. Top-level logical operators are
// evaluated first, remaining keys as an implicit conjunction of field
// clauses, short-circuiting on the first failed clause, matching MongoDB's
// own semantics.
func Match(doc map[string]any, filter map[string]any) bool {
	if val, ok := filter["$and"]; ok {
		for _, item := range val.([]any) {
			if !Match(doc, item.(map[string]any)) {
				return false
			}
		}
	}
	if val, ok := filter["$or"]; ok {
		matched := false
		for _, item := range val.([]any) {
			if Match(doc, item.(map[string]any)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for key, val := range filter {
		if key == "$and" || key == "$or" {
			continue
		}
		if !matchField(doc, key, val) {
			return false
		}
	}
	return true
}

func matchField(doc map[string]any, path string, clause any) bool {
	actual, exists := getPath(doc, path)
	if opMap, ok := operatorObject(clause); ok {
		for op, expected := range opMap {
			if !matchOperator(actual, exists, op, expected) {
				return false
			}
		}
		return true
	}
	// Implicit $eq.
	if !exists {
		return false
	}
	return valuesEqual(actual, clause)
}

func matchOperator(actual any, exists bool, op string, expected any) bool {
	switch op {
	case "$eq":
		return exists && valuesEqual(actual, expected)
	case "$gt":
		return exists && actual != nil && expected != nil && compareOrdered(actual, expected) > 0
	case "$lt":
		return exists && actual != nil && expected != nil && compareOrdered(actual, expected) < 0
	default:
		return false
	}
}

// valuesEqual implements $eq's pairwise semantics.
func valuesEqual(actual, expected any) bool {
	if actual == nil && expected == nil {
		return true
	}
	if at, ok := actual.(time.Time); ok {
		if et, ok := expected.(time.Time); ok {
			return at.UnixMilli() == et.UnixMilli()
		}
		return false
	}
	if arr, ok := actual.([]any); ok {
		if _, expectedIsArray := expected.([]any); !expectedIsArray {
			// MongoDB "contains" semantics: array field matches a scalar
			// query value if any element equals it.
			for _, elem := range arr {
				if valuesEqual(elem, expected) {
					return true
				}
			}
			return false
		}
		earr := expected.([]any)
		if len(arr) != len(earr) {
			return false
		}
		for i := range arr {
			if !valuesEqual(arr[i], earr[i]) {
				return false
			}
		}
		return true
	}
	if am, ok := actual.(map[string]any); ok {
		em, ok := expected.(map[string]any)
		if !ok || len(am) != len(em) {
			return false
		}
		for k, v := range am {
			ev, ok := em[k]
			if !ok || !valuesEqual(v, ev) {
				return false
			}
		}
		return true
	}
	if af, ok := toFloat64(actual); ok {
		if ef, ok := toFloat64(expected); ok {
			return af == ef
		}
		return false
	}
	return actual == expected
}

// compareOrdered implements $gt/$lt's ordering rules: same-typed primitives
// by native ordering, Date vs Date by epoch, cross-type always
// incomparable (treated as 0, which both $gt and $lt interpret as false).
func compareOrdered(a, b any) int {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.After(bt):
				return 1
			case at.Before(bt):
				return -1
			default:
				return 0
			}
		}
		return 0
	}
	if af, ok := toFloat64(a); ok {
		if bf, ok := toFloat64(b); ok {
			switch {
			case af > bf:
				return 1
			case af < bf:
				return -1
			default:
				return 0
			}
		}
		return 0
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			switch {
			case as > bs:
				return 1
			case as < bs:
				return -1
			default:
				return 0
			}
		}
		return 0
	}
	return 0
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// getPath resolves a dot-path (e.g. "a.b.c") against doc, returning the
// value and whether it was present.
func getPath(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			segment := path[start:i]
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			v, exists := m[segment]
			if !exists {
				return nil, false
			}
			cur = v
			start = i + 1
		}
	}
	return cur, true
}

// Compare exposes compareOrdered's ordering rules for callers outside this
// package (the update engine's $min/$max share the same ordering as $lt/
// $gt).
func Compare(a, b any) int { return compareOrdered(a, b) }

// ValuesEqual exposes valuesEqual's $eq pairwise semantics for callers
// outside this package (the update engine's $addToSet dedup and $pull
// scalar predicate).
func ValuesEqual(a, b any) bool { return valuesEqual(a, b) }

// MatchAll filters docs by filter, preserving input order. Callers must
// validate filter beforehand.
func MatchAll(docs []map[string]any, filter map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		if Match(d, filter) {
			out = append(out, d)
		}
	}
	return out
}

// SortByField orders docs by the value at field (dot-path supported),
// ascending unless desc is true. Missing values sort last. Values that
// compareOrdered cannot order against each other (cross-type pairs, nil,
// bools) are treated as equal rather than moved last.
func SortByField(docs []map[string]any, field string, desc bool) {
	sort.SliceStable(docs, func(i, j int) bool {
		vi, oki := getPath(docs[i], field)
		vj, okj := getPath(docs[j], field)
		if !oki && !okj {
			return false
		}
		if !oki {
			return false
		}
		if !okj {
			return true
		}
		cmp := compareOrdered(vi, vj)
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
}
