package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// ValueKind tags the variant held by a Value.
type ValueKind string

const (
	KindNull      ValueKind = "null"
	KindBool      ValueKind = "bool"
	KindInt       ValueKind = "int"
	KindFloat     ValueKind = "float"
	KindString    ValueKind = "string"
	KindTimestamp ValueKind = "timestamp"
	KindBytes     ValueKind = "bytes"
	KindNested    ValueKind = "nested"
)

// Value is a tagged-variant cell. Adapters convert native driver values
// into Values before handing rows to the aggregator, so downstream code
// never sees driver-specific types.
type Value struct {
	Kind   ValueKind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Time   time.Time
	Bytes  []byte
	Nested any // Maps, slices and anything else structural
}

func Null() Value                { return Value{Kind: KindNull} }
func BoolValue(v bool) Value     { return Value{Kind: KindBool, Bool: v} }
func IntValue(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }
func TimeValue(v time.Time) Value {
	return Value{Kind: KindTimestamp, Time: v}
}
func BytesValue(v []byte) Value { return Value{Kind: KindBytes, Bytes: v} }
func NestedValue(v any) Value   { return Value{Kind: KindNested, Nested: v} }

// FromAny converts an arbitrary driver value into a tagged Value.
// Unknown types fall through to the nested variant.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return BoolValue(t)
	case int:
		return IntValue(int64(t))
	case int32:
		return IntValue(int64(t))
	case int64:
		return IntValue(t)
	case float32:
		return FloatValue(float64(t))
	case float64:
		return FloatValue(t)
	case string:
		return StringValue(t)
	case time.Time:
		return TimeValue(t)
	case []byte:
		return BytesValue(t)
	case Value:
		return t
	default:
		return NestedValue(t)
	}
}

// Primitive returns the JSON-safe representation of the value:
// timestamps become ISO-8601 strings, bytes become base64, everything
// else its natural JSON form.
func (v Value) Primitive() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindTimestamp:
		return v.Time.UTC().Format(time.RFC3339Nano)
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.Bytes)
	case KindNested:
		return v.Nested
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Primitive())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = Null()
	case bool:
		*v = BoolValue(t)
	case float64:
		// JSON numbers arrive as float64; keep integral values as ints
		if t == float64(int64(t)) {
			*v = IntValue(int64(t))
		} else {
			*v = FloatValue(t)
		}
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			*v = TimeValue(ts)
		} else {
			*v = StringValue(t)
		}
	default:
		*v = NestedValue(t)
	}
	return nil
}

// Row is a single record returned by an adapter. Provenance keys
// (ProvenanceSourceKey, ProvenanceOpKey) are attached by the aggregator
// for cross-source results.
type Row map[string]Value

const (
	ProvenanceSourceKey = "_source_id"
	ProvenanceOpKey     = "_op_id"
)

// RowFromAny converts a generic map (e.g. an Arango document or a
// Typesense hit) into a Row.
func RowFromAny(m map[string]any) Row {
	row := make(Row, len(m))
	for k, v := range m {
		row[k] = FromAny(v)
	}
	return row
}
