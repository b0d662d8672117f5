package blobdoc

import (
	"strings"
	"testing"
	"time"
)

func TestDocumentCloneIsolation(t *testing.T) {
	original := Document{
		"_id":  "d1",
		"tags": []any{"a", "b"},
		"meta": Document{"depth": Document{"n": 1.0}},
	}
	clone := original.Clone()

	clone["tags"].([]any)[0] = "mutated"
	clone["meta"].(Document)["depth"].(Document)["n"] = 99.0
	clone["extra"] = true

	if original["tags"].([]any)[0] != "a" {
		t.Fatalf("array mutation leaked into original: %v", original["tags"])
	}
	if original["meta"].(Document)["depth"].(Document)["n"] != 1.0 {
		t.Fatalf("nested map mutation leaked into original: %v", original["meta"])
	}
	if _, ok := original["extra"]; ok {
		t.Fatalf("added key leaked into original")
	}
}

func TestDeepEqualNumericWidths(t *testing.T) {
	if !DeepEqual(Document{"n": 1}, Document{"n": 1.0}) {
		t.Fatal("int and float64 of equal magnitude should compare equal")
	}
	if DeepEqual(Document{"n": 1}, Document{"n": 2.0}) {
		t.Fatal("distinct magnitudes must not compare equal")
	}
}

func TestDeepEqualDatesByEpochMillisecond(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sameMilli := base.Add(200 * time.Microsecond)
	if !DeepEqual(base, sameMilli) {
		t.Fatal("dates within the same millisecond should compare equal")
	}
	if DeepEqual(base, base.Add(time.Millisecond)) {
		t.Fatal("dates a millisecond apart must not compare equal")
	}
}

func TestSerializeEmitsTrailingZDates(t *testing.T) {
	when := time.Date(2024, 3, 15, 12, 30, 0, 0, time.UTC)
	data, err := Document{"_id": "d1", "at": when}.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !strings.Contains(string(data), `"2024-03-15T12:30:00.000Z"`) {
		t.Fatalf("expected ISO-8601Z date string in output, got %s", data)
	}
}

func TestReviveDatesInsideArrays(t *testing.T) {
	doc, err := DeserializeDocument([]byte(`{"_id":"d1","seen":["2024-03-15T12:30:00.000Z","not a date"]}`))
	if err != nil {
		t.Fatalf("DeserializeDocument: %v", err)
	}
	seen := doc["seen"].([]any)
	if _, ok := seen[0].(time.Time); !ok {
		t.Fatalf("expected array element to revive as time.Time, got %T", seen[0])
	}
	if seen[1] != "not a date" {
		t.Fatalf("non-date string must pass through unchanged, got %v", seen[1])
	}
}

func TestDeserializeDocumentRejectsMalformedInput(t *testing.T) {
	if _, err := DeserializeDocument([]byte(`{truncated`)); !IsKind(err, KindOperationError) {
		t.Fatalf("expected KindOperationError, got %v", err)
	}
}
