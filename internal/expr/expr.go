// Package expr implements the condition language attached to annotations.
//
// An expression is one of Const, EventFieldReference or Eq. Conditions are
// decoded from JSON and evaluated against the fields of an event.
package expr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
)

// Expr is a node of the condition language.
type Expr interface {
	isExpr()
}

// Const evaluates to its literal value.
type Const struct {
	Value any
}

// EventFieldReference evaluates to the value of an event field, or Absent when
// the event does not carry the field.
type EventFieldReference struct {
	Name string
}

// Eq evaluates to true when both operands evaluate to equal values.
type Eq struct {
	Left  Expr
	Right Expr
}

func (Const) isExpr()               {}
func (EventFieldReference) isExpr() {}
func (Eq) isExpr()                  {}

// Getter exposes event fields to the evaluator.
type Getter interface {
	Get(name string) (any, bool)
}

type absent struct{}

func (absent) String() string { return "<absent>" }

// Absent is the value of a reference to a field the event does not carry.
// It differs from every concrete value, JSON null included.
var Absent any = absent{}

// Evaluate computes the value of e against ev.
func Evaluate(e Expr, ev Getter) any {
	switch n := e.(type) {
	case Const:
		return n.Value
	case EventFieldReference:
		if ev == nil {
			return Absent
		}
		v, ok := ev.Get(n.Name)
		if !ok {
			return Absent
		}
		return v
	case Eq:
		return Equal(Evaluate(n.Left, ev), Evaluate(n.Right, ev))
	default:
		panic(fmt.Sprintf("expr: unknown expression %T", e))
	}
}

// Equal compares two evaluated values without type coercion. Numbers compare
// by value whatever their Go representation.
func Equal(a, b any) bool {
	_, aAbsent := a.(absent)
	_, bAbsent := b.(absent)
	if aAbsent || bAbsent {
		return aAbsent && bAbsent
	}
	if x, ok := number(a); ok {
		y, ok := number(b)
		return ok && x.Cmp(y) == 0
	}
	if _, ok := number(b); ok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// Truthy reports the boolean interpretation of a value: Absent, null, false,
// zero, and empty strings, lists and objects are false.
func Truthy(v any) bool {
	switch x := v.(type) {
	case absent, nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	if n, ok := number(v); ok {
		return n.Sign() != 0
	}
	return true
}

func number(v any) (*big.Float, bool) {
	switch x := v.(type) {
	case json.Number:
		f, ok := new(big.Float).SetString(string(x))
		return f, ok
	case float64:
		return big.NewFloat(x), true
	case float32:
		return big.NewFloat(float64(x)), true
	case int:
		return new(big.Float).SetInt64(int64(x)), true
	case int64:
		return new(big.Float).SetInt64(x), true
	case int32:
		return new(big.Float).SetInt64(int64(x)), true
	case uint64:
		return new(big.Float).SetUint64(x), true
	}
	return nil, false
}

// DecodeError reports a condition that is not a valid expression.
type DecodeError struct {
	Msg string
}

func (e *DecodeError) Error() string { return e.Msg }

func decodeErrorf(format string, args ...any) error {
	return &DecodeError{Msg: fmt.Sprintf(format, args...)}
}

// Decode parses the JSON form of an expression.
func Decode(raw []byte) (Expr, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, decodeErrorf("invalid expression json: %v", err)
	}
	return FromValue(v)
}

// FromValue builds an expression from an already decoded JSON value.
// Strings and booleans become Const; lists are function applications.
func FromValue(v any) (Expr, error) {
	switch x := v.(type) {
	case string, bool:
		return Const{Value: x}, nil
	case []any:
		if len(x) < 1 {
			return nil, decodeErrorf("the list for an expression must have at least one element")
		}
		switch x[0] {
		case "eq":
			if len(x) != 3 {
				return nil, decodeErrorf("'eq' must have exactly two parameters")
			}
			left, err := FromValue(x[1])
			if err != nil {
				return nil, err
			}
			right, err := FromValue(x[2])
			if err != nil {
				return nil, err
			}
			return Eq{Left: left, Right: right}, nil
		case "event_field":
			if len(x) != 2 {
				return nil, decodeErrorf("'event_field' must have exactly 1 parameter")
			}
			name, ok := x[1].(string)
			if !ok {
				return nil, decodeErrorf("'event_field' must have a string as parameter, not %T", x[1])
			}
			return EventFieldReference{Name: name}, nil
		default:
			return nil, decodeErrorf("unknown expression function: %v", x[0])
		}
	default:
		return nil, decodeErrorf("unsupported expression %T", v)
	}
}

// Value returns the JSON form of e as a plain Go value.
func Value(e Expr) any {
	switch n := e.(type) {
	case Const:
		return n.Value
	case EventFieldReference:
		return []any{"event_field", n.Name}
	case Eq:
		return []any{"eq", Value(n.Left), Value(n.Right)}
	default:
		panic(fmt.Sprintf("expr: unknown expression %T", e))
	}
}

func (c Const) MarshalJSON() ([]byte, error)               { return json.Marshal(Value(c)) }
func (r EventFieldReference) MarshalJSON() ([]byte, error) { return json.Marshal(Value(r)) }
func (q Eq) MarshalJSON() ([]byte, error)                  { return json.Marshal(Value(q)) }
