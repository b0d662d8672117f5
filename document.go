package blobdoc

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"
)

// Document is a JSON-compatible associative value, always keyed by a
// string "_id" once inserted. Values are nil, bool, float64, string,
// time.Time, []any, or Document (map[string]any is treated identically).
type Document map[string]any

// GetID returns the document's _id field, if present and string-typed.
func (d Document) GetID() (string, bool) {
	v, ok := d["_id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// SetID sets the document's _id field.
func (d Document) SetID(id string) {
	d["_id"] = id
}

// Clone returns a deep copy of the document; the clone never shares
// mutable state with d.
func (d Document) Clone() Document {
	return deepCloneDocument(d).(Document)
}

func deepCloneValue(v any) any {
	switch val := v.(type) {
	case Document:
		return deepCloneDocument(val)
	case map[string]any:
		return deepCloneDocument(Document(val))
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCloneValue(item)
		}
		return cp
	case time.Time:
		return val
	default:
		// Primitives (string, number, bool, nil) copy by value.
		return val
	}
}

func deepCloneDocument(d Document) any {
	clone := make(Document, len(d))
	for k, v := range d {
		clone[k] = deepCloneValue(v)
	}
	return clone
}

// normalizeMap deep-copies m with every nested Document converted to a
// plain map[string]any. The query and update engines dispatch on exact map
// types, and callers freely nest Document literals inside filters, update
// documents, and inserted documents, so everything stored or evaluated goes
// through this one representation first.
func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case Document:
		return normalizeMap(val)
	case map[string]any:
		return normalizeMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = normalizeValue(item)
		}
		return cp
	default:
		return val
	}
}

// DeepEqual reports whether two arbitrary document values are structurally
// equal, treating time.Time by epoch-millisecond (see internal/query for
// the comparison semantics this mirrors) and numeric JSON values (float64,
// int, int64) as equal when they represent the same magnitude.
func DeepEqual(a, b any) bool {
	a = normalizeForEquality(a)
	b = normalizeForEquality(b)

	if af, aok := toFloat64(a); aok {
		bf, bok := toFloat64(b)
		return bok && af == bf
	}

	switch av := a.(type) {
	case Document:
		bv, ok := b.(Document)
		if !ok {
			return false
		}
		if len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bv2, ok := bv[k]
			if !ok || !DeepEqual(v, bv2) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !DeepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.UnixMilli() == bv.UnixMilli()
	default:
		return a == b
	}
}

func normalizeForEquality(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Document(val)
	default:
		return v
	}
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

// --- serialisation -----------------------------------------------------

// Buffer pooling for repeated Serialize calls.
var docBufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

func getBuffer() *bytes.Buffer {
	return docBufferPool.Get().(*bytes.Buffer)
}

func putBuffer(buf *bytes.Buffer) {
	buf.Reset()
	docBufferPool.Put(buf)
}

// dateLayout is the ISO-8601 trailing-"Z" format used for serialised
// timestamps.
const dateLayout = "2006-01-02T15:04:05.000Z"

// Serialize converts a document to JSON bytes, emitting any time.Time value
// (at any nesting depth) as an ISO-8601 "Z"-suffixed string.
func (d Document) Serialize() ([]byte, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	encoder := json.NewEncoder(buf)
	if err := encoder.Encode(marshalable(d)); err != nil {
		return nil, wrapErr(KindOperationError, "failed to serialize document", err)
	}

	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	result := make([]byte, len(b))
	copy(result, b)
	return result, nil
}

// marshalable converts time.Time leaves into ISO-8601 strings ahead of the
// standard encoder, without defining json.Marshal on Document itself
// (which would make in-memory Documents unable to hold live time.Time
// values for $gt/$lt comparisons).
func marshalable(v any) any {
	switch val := v.(type) {
	case Document:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = marshalable(v)
		}
		return out
	case map[string]any:
		return marshalable(Document(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = marshalable(item)
		}
		return out
	case time.Time:
		return val.UTC().Format(dateLayout)
	default:
		return val
	}
}

// DeserializeDocument parses JSON bytes into a Document, reviving
// ISO-8601Z-looking strings back into time.Time.
func DeserializeDocument(data []byte) (Document, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, wrapErr(KindOperationError, "failed to deserialize document", err)
	}
	return Document(reviveDates(raw).(map[string]any)), nil
}

// reviveDates walks a decoded JSON value and converts any string matching
// the ISO-8601Z layout into a time.Time.
func reviveDates(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			val[k] = reviveDates(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = reviveDates(inner)
		}
		return val
	case string:
		if t, ok := parseISODate(val); ok {
			return t
		}
		return val
	default:
		return val
	}
}

func parseISODate(s string) (time.Time, bool) {
	for _, layout := range []string{dateLayout, time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
