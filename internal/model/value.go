package model

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind identifies the type carried by a Value.
type Kind int

// Value kinds.
const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindList:
		return "list"
	default:
		return "null"
	}
}

// Value is an attribute value. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	list []Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// List returns a list value. Null elements are dropped.
func List(vs ...Value) Value {
	out := make([]Value, 0, len(vs))
	for _, v := range vs {
		if !v.IsNull() {
			out = append(out, v)
		}
	}
	return Value{kind: KindList, list: out}
}

// Kind returns the kind of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v carries no evidence.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string payload, or "" for non-string values.
func (v Value) Str() string { return v.str }

// Num returns the numeric payload and whether v is numeric.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Items returns the elements of a list value.
func (v Value) Items() []Value { return v.list }

// Len returns the rune length of a string, the number of list items, or 0.
func (v Value) Len() int {
	switch v.kind {
	case KindString:
		return utf8.RuneCountInString(v.str)
	case KindList:
		return len(v.list)
	default:
		return 0
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// String renders v canonically. Used for blocking keys and tabular export.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return strings.Join(parts, "|")
	default:
		return ""
	}
}

// Any converts v to a plain Go value (nil, string, float64 or []any).
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	default:
		return nil
	}
}

// FromAny converts a decoded JSON/YAML scalar or slice into a Value.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case string:
		return String(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case bool:
		return String(strconv.FormatBool(t))
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return Number(f)
		}
		return String(t.String())
	case []any:
		vs := make([]Value, len(t))
		for i, item := range t {
			vs[i] = FromAny(item)
		}
		return List(vs...)
	case []string:
		vs := make([]Value, len(t))
		for i, item := range t {
			vs[i] = String(item)
		}
		return List(vs...)
	default:
		return Null()
	}
}

// MarshalJSON encodes v as its plain Go equivalent.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// UnmarshalJSON decodes a JSON scalar, array or null.
func (v *Value) UnmarshalJSON(data []byte) error {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	*v = FromAny(x)
	return nil
}
