package update

import (
	"testing"
)

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			out[k] = cloneMap(sub)
		} else if arr, ok := v.([]any); ok {
			cp := make([]any, len(arr))
			copy(cp, arr)
			out[k] = cp
		} else {
			out[k] = v
		}
	}
	return out
}

func compareNumbers(a, b any) int {
	af, _ := toFloat64(a)
	bf, _ := toFloat64(b)
	switch {
	case af > bf:
		return 1
	case af < bf:
		return -1
	default:
		return 0
	}
}

func equalValues(a, b any) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func newEngine() Engine {
	return Engine{
		Compare: compareNumbers,
		Equal:   equalValues,
		Match: func(doc map[string]any, filter map[string]any) bool {
			for k, v := range filter {
				if doc[k] != v {
					return false
				}
			}
			return true
		},
	}
}

func TestApplySet(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d1"}
	out, err := e.Apply(doc, map[string]any{"$set": map[string]any{"a.b": 1.0}}, cloneMap)
	if err != nil {
		t.Fatal(err)
	}
	nested := out["a"].(map[string]any)
	if nested["b"] != 1.0 {
		t.Fatalf("expected nested set, got %v", out)
	}
	if _, mutated := doc["a"]; mutated {
		t.Fatal("original document must not be mutated")
	}
}

func TestApplySetIDRejected(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d1"}
	_, err := e.Apply(doc, map[string]any{"$set": map[string]any{"_id": "d2"}}, cloneMap)
	if err == nil {
		t.Fatal("expected error when targeting _id")
	}
}

func TestApplyProtoPathRejected(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d1"}
	_, err := e.Apply(doc, map[string]any{"$set": map[string]any{"__proto__.x": 1.0}}, cloneMap)
	if err == nil {
		t.Fatal("expected error for __proto__ path segment")
	}
}

func TestApplyIncMissingTreatedAsZero(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d1"}
	out, err := e.Apply(doc, map[string]any{"$inc": map[string]any{"count": 5.0}}, cloneMap)
	if err != nil {
		t.Fatal(err)
	}
	if out["count"] != 5.0 {
		t.Fatalf("expected count=5, got %v", out["count"])
	}
}

func TestApplyIncNonNumericFails(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d1", "count": "not-a-number"}
	_, err := e.Apply(doc, map[string]any{"$inc": map[string]any{"count": 1.0}}, cloneMap)
	if err == nil {
		t.Fatal("expected error incrementing non-numeric field")
	}
}

func TestApplyPushWithEachOnMissingField(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d"}
	out, err := e.Apply(doc, map[string]any{"$push": map[string]any{"tags": map[string]any{"$each": []any{"x", "y"}}}}, cloneMap)
	if err != nil {
		t.Fatal(err)
	}
	tags := out["tags"].([]any)
	if len(tags) != 2 || tags[0] != "x" || tags[1] != "y" {
		t.Fatalf("unexpected tags: %v", tags)
	}
}

func TestApplyPushOnNonArrayFails(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d", "tags": "not-an-array"}
	_, err := e.Apply(doc, map[string]any{"$push": map[string]any{"tags": "z"}}, cloneMap)
	if err == nil {
		t.Fatal("expected error pushing onto non-array")
	}
}

func TestApplyAddToSetDedup(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d", "tags": []any{"x"}}
	out, err := e.Apply(doc, map[string]any{"$addToSet": map[string]any{"tags": "x"}}, cloneMap)
	if err != nil {
		t.Fatal(err)
	}
	if len(out["tags"].([]any)) != 1 {
		t.Fatalf("expected no duplicate insert, got %v", out["tags"])
	}
}

func TestApplyPullScalar(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d", "tags": []any{"x", "y", "x"}}
	out, err := e.Apply(doc, map[string]any{"$pull": map[string]any{"tags": "x"}}, cloneMap)
	if err != nil {
		t.Fatal(err)
	}
	tags := out["tags"].([]any)
	if len(tags) != 1 || tags[0] != "y" {
		t.Fatalf("unexpected tags after pull: %v", tags)
	}
}

func TestApplyUnsetMissingIsNoOp(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d", "keep": 1.0}
	out, err := e.Apply(doc, map[string]any{"$unset": map[string]any{"gone": 1.0, "a.b": 1.0}}, cloneMap)
	if err != nil {
		t.Fatal(err)
	}
	if out["keep"] != 1.0 || len(out) != 2 {
		t.Fatalf("unexpected document after no-op unset: %v", out)
	}
}

func TestApplyUnsetRemovesNestedField(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d", "a": map[string]any{"b": 1.0, "c": 2.0}}
	out, err := e.Apply(doc, map[string]any{"$unset": map[string]any{"a.b": 1.0}}, cloneMap)
	if err != nil {
		t.Fatal(err)
	}
	nested := out["a"].(map[string]any)
	if _, present := nested["b"]; present {
		t.Fatalf("expected a.b removed, got %v", nested)
	}
	if nested["c"] != 2.0 {
		t.Fatalf("sibling field must survive, got %v", nested)
	}
}

func TestApplyMulMissingYieldsZero(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d"}
	out, err := e.Apply(doc, map[string]any{"$mul": map[string]any{"n": 4.0}}, cloneMap)
	if err != nil {
		t.Fatal(err)
	}
	if out["n"] != 0.0 {
		t.Fatalf("expected missing $mul target to yield 0, got %v", out["n"])
	}
}

func TestApplyPushAppendsToExistingArray(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d", "tags": []any{"a"}}
	out, err := e.Apply(doc, map[string]any{"$push": map[string]any{"tags": "b"}}, cloneMap)
	if err != nil {
		t.Fatal(err)
	}
	tags := out["tags"].([]any)
	if len(tags) != 2 || tags[1] != "b" {
		t.Fatalf("unexpected tags: %v", tags)
	}
}

func TestApplyPullOperatorObject(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d", "scores": []any{1.0, 5.0, 9.0}}
	out, err := e.Apply(doc, map[string]any{"$pull": map[string]any{"scores": map[string]any{"$gt": 4.0}}}, cloneMap)
	if err != nil {
		t.Fatal(err)
	}
	scores := out["scores"].([]any)
	if len(scores) != 1 || scores[0] != 1.0 {
		t.Fatalf("expected only 1 to survive $pull $gt 4, got %v", scores)
	}
}

func TestApplyPullSubqueryPredicate(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d", "items": []any{
		map[string]any{"sku": "a", "qty": 1.0},
		map[string]any{"sku": "b", "qty": 2.0},
	}}
	out, err := e.Apply(doc, map[string]any{"$pull": map[string]any{"items": map[string]any{"sku": "a"}}}, cloneMap)
	if err != nil {
		t.Fatal(err)
	}
	items := out["items"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["sku"] != "b" {
		t.Fatalf("expected only sku b to survive, got %v", items)
	}
}

func TestApplyAddToSetWithEach(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d", "tags": []any{"x"}}
	out, err := e.Apply(doc, map[string]any{"$addToSet": map[string]any{"tags": map[string]any{"$each": []any{"x", "y"}}}}, cloneMap)
	if err != nil {
		t.Fatal(err)
	}
	tags := out["tags"].([]any)
	if len(tags) != 2 || tags[0] != "x" || tags[1] != "y" {
		t.Fatalf("expected [x y], got %v", tags)
	}
}

func TestApplyMinWritesOperandWhenMissing(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d"}
	out, err := e.Apply(doc, map[string]any{"$min": map[string]any{"score": 7.0}}, cloneMap)
	if err != nil {
		t.Fatal(err)
	}
	if out["score"] != 7.0 {
		t.Fatalf("expected $min on a missing field to write the operand, got %v", out["score"])
	}
}

func TestApplyFailureLeavesOriginalUntouched(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d", "n": 1.0, "tags": "not-an-array"}
	out, err := e.Apply(doc, map[string]any{
		"$inc":  map[string]any{"n": 1.0},
		"$push": map[string]any{"tags": "x"},
	}, cloneMap)
	if err == nil {
		t.Fatal("expected $push on a non-array to fail the whole apply")
	}
	if out != nil {
		t.Fatalf("a failed apply must not return a document, got %v", out)
	}
	if doc["n"] != 1.0 {
		t.Fatalf("original document must stay untouched on failure, got %v", doc["n"])
	}
}

func TestApplyMinMax(t *testing.T) {
	e := newEngine()
	doc := map[string]any{"_id": "d", "score": 10.0}
	out, err := e.Apply(doc, map[string]any{"$min": map[string]any{"score": 5.0}}, cloneMap)
	if err != nil {
		t.Fatal(err)
	}
	if out["score"] != 5.0 {
		t.Fatalf("expected $min to lower score to 5, got %v", out["score"])
	}

	out2, err := e.Apply(out, map[string]any{"$max": map[string]any{"score": 2.0}}, cloneMap)
	if err != nil {
		t.Fatal(err)
	}
	if out2["score"] != 5.0 {
		t.Fatalf("expected $max to leave score at 5, got %v", out2["score"])
	}
}
