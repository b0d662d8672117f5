// Package update implements a restricted MongoDB-style update-operator set
// ($set/$unset/$inc/$mul/$min/$max/$push/$pull/$addToSet) that mutates
// documents with dot-path semantics. An update is applied to a clone of
// the target document; the stored document is only ever replaced on full
// success.
package update

import (
	"errors"
	"fmt"
)

// ErrInvalidUpdate is wrapped by every operator failure; the root blobdoc
// package translates it to KindInvalidQuery.
var ErrInvalidUpdate = errors.New("invalid update")

// MatchFunc evaluates a QueryEngine-style subquery against a single value,
// used by $pull's mapping-shaped predicate form. Supplied by the caller to
// avoid a package import cycle with internal/query (both query and update
// are leaves imported only by the root package).
type MatchFunc func(doc map[string]any, filter map[string]any) bool

// CompareFunc reports -1/0/1 ordering between two values, used by $min/$max
// and by $pull's operator-object predicate form. Supplied by the caller so
// both engines share one ordering definition.
type CompareFunc func(a, b any) int

// EqualFunc reports deep equality, used by $addToSet and $pull's scalar
// predicate form.
type EqualFunc func(a, b any) bool

// Engine applies update-operator documents to target documents.
type Engine struct {
	Match   MatchFunc
	Compare CompareFunc
	Equal   EqualFunc
}

var protectedSegments = map[string]bool{"__proto__": true, "constructor": true, "prototype": true}

// Apply applies the operator document to a deep clone of doc, returning
// the mutated clone. On any per-operator
// failure it returns an error and the caller must discard the clone --
// Apply never returns a partially-mutated document alongside an error.
func (e Engine) Apply(doc map[string]any, ops map[string]any, clone func(map[string]any) map[string]any) (map[string]any, error) {
	out := clone(doc)
	for opName, operand := range ops {
		fields, ok := operand.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: operator %s requires a mapping operand", ErrInvalidUpdate, opName)
		}
		var err error
		switch opName {
		case "$set":
			err = e.applySet(out, fields)
		case "$unset":
			err = e.applyUnset(out, fields)
		case "$inc":
			err = e.applyArith(out, fields, func(cur, delta float64) float64 { return cur + delta })
		case "$mul":
			err = e.applyMul(out, fields)
		case "$min":
			err = e.applyMinMax(out, fields, true)
		case "$max":
			err = e.applyMinMax(out, fields, false)
		case "$push":
			err = e.applyPush(out, fields)
		case "$pull":
			err = e.applyPull(out, fields)
		case "$addToSet":
			err = e.applyAddToSet(out, fields)
		default:
			err = fmt.Errorf("%w: unsupported operator %s", ErrInvalidUpdate, opName)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func validatePath(path string) ([]string, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidUpdate)
	}
	if segs[0] == "_id" {
		return nil, fmt.Errorf("%w: _id is immutable", ErrInvalidUpdate)
	}
	for _, s := range segs {
		if protectedSegments[s] {
			return nil, fmt.Errorf("%w: path segment %q is not allowed", ErrInvalidUpdate, s)
		}
	}
	return segs, nil
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	return segs
}

// getAtPath reads the value at the dot-path, returning ok=false if any
// intermediate segment is missing or not a map.
func getAtPath(doc map[string]any, segs []string) (any, bool) {
	var cur any = doc
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, exists := m[s]
		if !exists {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// setAtPath writes value at the dot-path, creating intermediate maps as
// needed.
func setAtPath(doc map[string]any, segs []string, value any) {
	cur := doc
	for i, s := range segs {
		if i == len(segs)-1 {
			cur[s] = value
			return
		}
		next, ok := cur[s].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[s] = next
		}
		cur = next
	}
}

// unsetAtPath deletes the value at the dot-path; a no-op if any
// intermediate segment is absent.
func unsetAtPath(doc map[string]any, segs []string) {
	cur := doc
	for i, s := range segs {
		if i == len(segs)-1 {
			delete(cur, s)
			return
		}
		next, ok := cur[s].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
}

func (e Engine) applySet(doc map[string]any, fields map[string]any) error {
	for path, value := range fields {
		segs, err := validatePath(path)
		if err != nil {
			return err
		}
		setAtPath(doc, segs, value)
	}
	return nil
}

func (e Engine) applyUnset(doc map[string]any, fields map[string]any) error {
	for path := range fields {
		segs, err := validatePath(path)
		if err != nil {
			return err
		}
		unsetAtPath(doc, segs)
	}
	return nil
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

func (e Engine) applyArith(doc map[string]any, fields map[string]any, combine func(cur, delta float64) float64) error {
	for path, operand := range fields {
		segs, err := validatePath(path)
		if err != nil {
			return err
		}
		delta, ok := toFloat64(operand)
		if !ok {
			return fmt.Errorf("%w: $inc/$mul operand at %s must be numeric", ErrInvalidUpdate, path)
		}
		cur := 0.0
		if existing, ok := getAtPath(doc, segs); ok {
			curF, ok := toFloat64(existing)
			if !ok {
				return fmt.Errorf("%w: target at %s is not numeric", ErrInvalidUpdate, path)
			}
			cur = curF
		}
		setAtPath(doc, segs, combine(cur, delta))
	}
	return nil
}

func (e Engine) applyMul(doc map[string]any, fields map[string]any) error {
	for path, operand := range fields {
		segs, err := validatePath(path)
		if err != nil {
			return err
		}
		factor, ok := toFloat64(operand)
		if !ok {
			return fmt.Errorf("%w: $mul operand at %s must be numeric", ErrInvalidUpdate, path)
		}
		cur := 0.0
		if existing, ok := getAtPath(doc, segs); ok {
			curF, ok := toFloat64(existing)
			if !ok {
				return fmt.Errorf("%w: target at %s is not numeric", ErrInvalidUpdate, path)
			}
			cur = curF
		}
		setAtPath(doc, segs, cur*factor)
	}
	return nil
}

func (e Engine) applyMinMax(doc map[string]any, fields map[string]any, isMin bool) error {
	for path, operand := range fields {
		segs, err := validatePath(path)
		if err != nil {
			return err
		}
		existing, ok := getAtPath(doc, segs)
		if !ok {
			setAtPath(doc, segs, operand)
			continue
		}
		cmp := e.Compare(operand, existing)
		if (isMin && cmp < 0) || (!isMin && cmp > 0) {
			setAtPath(doc, segs, operand)
		}
	}
	return nil
}

func (e Engine) applyPush(doc map[string]any, fields map[string]any) error {
	for path, operand := range fields {
		segs, err := validatePath(path)
		if err != nil {
			return err
		}
		var toAppend []any
		if eachWrapper, ok := operand.(map[string]any); ok {
			if eachVal, hasEach := eachWrapper["$each"]; hasEach {
				list, ok := eachVal.([]any)
				if !ok {
					return fmt.Errorf("%w: $each operand at %s must be a sequence", ErrInvalidUpdate, path)
				}
				toAppend = list
			} else {
				toAppend = []any{operand}
			}
		} else {
			toAppend = []any{operand}
		}

		existing, ok := getAtPath(doc, segs)
		var arr []any
		if ok {
			a, isArr := existing.([]any)
			if !isArr {
				return fmt.Errorf("%w: $push target at %s is not an array", ErrInvalidUpdate, path)
			}
			arr = a
		}
		arr = append(append([]any{}, arr...), toAppend...)
		setAtPath(doc, segs, arr)
	}
	return nil
}

func (e Engine) applyPull(doc map[string]any, fields map[string]any) error {
	for path, predicate := range fields {
		segs, err := validatePath(path)
		if err != nil {
			return err
		}
		existing, ok := getAtPath(doc, segs)
		if !ok {
			continue
		}
		arr, isArr := existing.([]any)
		if !isArr {
			return fmt.Errorf("%w: $pull target at %s is not an array", ErrInvalidUpdate, path)
		}
		pred := e.pullPredicate(predicate)
		kept := make([]any, 0, len(arr))
		for _, elem := range arr {
			if !pred(elem) {
				kept = append(kept, elem)
			}
		}
		setAtPath(doc, segs, kept)
	}
	return nil
}

// pullPredicate builds the element-matches test for $pull: a scalar
// predicate (strict equality), a mapping predicate (subquery against the
// element), or an operator object (comparison operators against the
// element).
func (e Engine) pullPredicate(predicate any) func(elem any) bool {
	if opMap, ok := predicate.(map[string]any); ok {
		allOps := true
		for k := range opMap {
			if len(k) == 0 || k[0] != '$' {
				allOps = false
				break
			}
		}
		if allOps && len(opMap) > 0 {
			return func(elem any) bool {
				for op, expected := range opMap {
					switch op {
					case "$eq":
						if !e.Equal(elem, expected) {
							return false
						}
					case "$gt":
						if e.Compare(elem, expected) <= 0 {
							return false
						}
					case "$lt":
						if e.Compare(elem, expected) >= 0 {
							return false
						}
					default:
						return false
					}
				}
				return true
			}
		}
		return func(elem any) bool {
			elemDoc, ok := elem.(map[string]any)
			if !ok {
				return false
			}
			return e.Match(elemDoc, opMap)
		}
	}
	return func(elem any) bool { return e.Equal(elem, predicate) }
}

func (e Engine) applyAddToSet(doc map[string]any, fields map[string]any) error {
	for path, operand := range fields {
		segs, err := validatePath(path)
		if err != nil {
			return err
		}
		var toAdd []any
		if eachWrapper, ok := operand.(map[string]any); ok {
			if eachVal, hasEach := eachWrapper["$each"]; hasEach {
				list, ok := eachVal.([]any)
				if !ok {
					return fmt.Errorf("%w: $each operand at %s must be a sequence", ErrInvalidUpdate, path)
				}
				toAdd = list
			} else {
				toAdd = []any{operand}
			}
		} else {
			toAdd = []any{operand}
		}

		existing, ok := getAtPath(doc, segs)
		var arr []any
		if ok {
			a, isArr := existing.([]any)
			if !isArr {
				return fmt.Errorf("%w: $addToSet target at %s is not an array", ErrInvalidUpdate, path)
			}
			arr = a
		}
		for _, candidate := range toAdd {
			found := false
			for _, existingElem := range arr {
				if e.Equal(existingElem, candidate) {
					found = true
					break
				}
			}
			if !found {
				arr = append(arr, candidate)
			}
		}
		setAtPath(doc, segs, arr)
	}
	return nil
}
