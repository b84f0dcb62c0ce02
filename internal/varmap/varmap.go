// Package varmap implements the string-keyed, heterogeneous-valued maps used
// throughout the pipeline (source maps, channel maps, response maps, and
// custom connector metadata). Mirth's JavaScript engine lets scripts stash
// arbitrary values under arbitrary keys; here each value is a tagged variant
// so the store can serialize and round-trip it without reflection tricks.
package varmap

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which branch of Value is populated.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindBytes
	KindMap
)

// Value is a tagged union over the value types a pipeline variable may hold.
// Only one of the typed fields is meaningful, selected by Kind.
type Value struct {
	Kind   Kind
	Str    string
	Num    float64
	Bool   bool
	Bytes  []byte
	Nested Map
}

// Map is an ordered-by-insertion-irrelevant string-keyed collection of Values.
// It is the in-memory representation persisted as a JSON blob per content row.
type Map map[string]Value

func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func Bytes(b []byte) Value   { return Value{Kind: KindBytes, Bytes: b} }
func Nested(m Map) Value     { return Value{Kind: KindMap, Nested: m} }

// New builds a Map from plain Go values, coercing to the nearest Kind.
// Unsupported types produce a KindString holding fmt.Sprintf("%v", v).
func New(fields map[string]any) Map {
	m := make(Map, len(fields))
	for k, v := range fields {
		m[k] = coerce(v)
	}
	return m
}

func coerce(v any) Value {
	switch t := v.(type) {
	case nil:
		return Value{Kind: KindNull}
	case string:
		return String(t)
	case []byte:
		return Bytes(t)
	case bool:
		return Bool(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case float64:
		return Number(t)
	case map[string]any:
		return Nested(New(t))
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// jsonValue is the wire shape for a single Value.
type jsonValue struct {
	Kind  string          `json:"kind"`
	Str   string          `json:"str,omitempty"`
	Num   float64         `json:"num,omitempty"`
	Bool  bool            `json:"bool,omitempty"`
	Bytes []byte          `json:"bytes,omitempty"`
	Map   json.RawMessage `json:"map,omitempty"`
}

var kindNames = map[Kind]string{
	KindNull: "null", KindString: "string", KindNumber: "number",
	KindBool: "bool", KindBytes: "bytes", KindMap: "map",
}

func (v Value) MarshalJSON() ([]byte, error) {
	jv := jsonValue{Kind: kindNames[v.Kind]}
	switch v.Kind {
	case KindString:
		jv.Str = v.Str
	case KindNumber:
		jv.Num = v.Num
	case KindBool:
		jv.Bool = v.Bool
	case KindBytes:
		jv.Bytes = v.Bytes
	case KindMap:
		raw, err := json.Marshal(v.Nested)
		if err != nil {
			return nil, err
		}
		jv.Map = raw
	}
	return json.Marshal(jv)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}
	switch jv.Kind {
	case "string":
		*v = String(jv.Str)
	case "number":
		*v = Number(jv.Num)
	case "bool":
		*v = Bool(jv.Bool)
	case "bytes":
		*v = Bytes(jv.Bytes)
	case "map":
		var nested Map
		if len(jv.Map) > 0 {
			if err := json.Unmarshal(jv.Map, &nested); err != nil {
				return err
			}
		}
		*v = Nested(nested)
	default:
		*v = Value{Kind: KindNull}
	}
	return nil
}

// Encode serializes a Map to the JSON blob stored in a content row.
func Encode(m Map) ([]byte, error) {
	if m == nil {
		m = Map{}
	}
	return json.Marshal(m)
}

// Decode parses a content-row blob back into a Map. An empty payload decodes
// to an empty, non-nil Map.
func Decode(data []byte) (Map, error) {
	if len(data) == 0 {
		return Map{}, nil
	}
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("varmap: decode: %w", err)
	}
	return m, nil
}

// AsString returns the string form of a value regardless of Kind, for
// logging and script interop where a loose string coercion is expected.
func (v Value) AsString() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return fmt.Sprintf("%g", v.Num)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindBytes:
		return string(v.Bytes)
	case KindMap:
		raw, _ := json.Marshal(v.Nested)
		return string(raw)
	default:
		return ""
	}
}
