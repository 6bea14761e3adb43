package classad

import (
	"encoding/json"
	"math"
	"strconv"
)

// Kind identifies the type of an evaluation result.
type Kind int

const (
	UndefinedKind Kind = iota
	ErrorKind
	BooleanKind
	NumberKind
	StringKind
	ListKind
	AdKind
	NullKind
)

func (k Kind) String() string {
	switch k {
	case UndefinedKind:
		return "undefined"
	case ErrorKind:
		return "error"
	case BooleanKind:
		return "boolean"
	case NumberKind:
		return "number"
	case StringKind:
		return "string"
	case ListKind:
		return "list"
	case AdKind:
		return "ad"
	case NullKind:
		return "null"
	default:
		return "unknown"
	}
}

// Value is the result of evaluating an expression against an ad.
type Value struct {
	kind Kind
	raw  any
}

// Undefined is the value of a reference to a missing attribute.
func Undefined() Value { return Value{kind: UndefinedKind} }

// Error is the value of an expression that failed to evaluate.
func Error() Value { return Value{kind: ErrorKind} }

// NewValue wraps a Go value, normalising it onto the ad data model.
func NewValue(v any) Value {
	v = normalize(v)
	switch t := v.(type) {
	case nil:
		return Value{kind: NullKind}
	case bool:
		return Value{kind: BooleanKind, raw: t}
	case float64:
		return Value{kind: NumberKind, raw: t}
	case string:
		return Value{kind: StringKind, raw: t}
	case []any:
		return Value{kind: ListKind, raw: t}
	case Ad:
		return Value{kind: AdKind, raw: t}
	default:
		return Error()
	}
}

// Kind returns the type of the value.
func (v Value) Kind() Kind { return v.kind }

// IsUndefined reports whether the value is undefined.
func (v Value) IsUndefined() bool { return v.kind == UndefinedKind }

// IsError reports whether the value is an evaluation error.
func (v Value) IsError() bool { return v.kind == ErrorKind }

// Raw returns the underlying Go value.
func (v Value) Raw() any { return v.raw }

// CoerceToBool converts the value for predicate evaluation. Booleans convert
// as is and numbers are true when non-zero; everything else does not
// convert.
func (v Value) CoerceToBool() (bool, bool) {
	switch v.kind {
	case BooleanKind:
		return v.raw.(bool), true
	case NumberKind:
		return v.raw.(float64) != 0, true
	default:
		return false, false
	}
}

// CoerceToNumber converts the value for rank computation. Booleans map to
// 1 and 0; numeric strings are parsed.
func (v Value) CoerceToNumber() (float64, bool) {
	switch v.kind {
	case NumberKind:
		f := v.raw.(float64)
		if math.IsNaN(f) {
			return 0, false
		}
		return f, true
	case BooleanKind:
		if v.raw.(bool) {
			return 1, true
		}
		return 0, true
	case StringKind:
		f, err := strconv.ParseFloat(v.raw.(string), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// CoerceToString renders the value in the self-describing text form used
// for partition keys. Undefined and error values do not convert.
func (v Value) CoerceToString() (string, bool) {
	switch v.kind {
	case UndefinedKind, ErrorKind:
		return "", false
	case AdKind:
		return v.raw.(Ad).String(), true
	}
	data, err := json.Marshal(plainValue(v.raw))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (v Value) String() string {
	switch v.kind {
	case UndefinedKind:
		return "undefined"
	case ErrorKind:
		return "error"
	}
	s, _ := v.CoerceToString()
	return s
}
