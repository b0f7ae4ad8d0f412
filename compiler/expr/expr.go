// Package expr evaluates the conditional-expression language used by
// Conditional and Switch steps: a small tree of logical, comparison,
// string, collection, and utility operators over already-decoded JSON
// values (the same `any` shape produced by encoding/json.Unmarshal).
//
// No ecosystem expression library in the pack (gojq, cel-go, OPA) applies
// its own numeric-string coercion and epsilon-equality rules exactly the
// way this one does, so this package is hand-written rather than built on
// one of them (see DESIGN.md).
package expr

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Kind discriminates an Expr node.
type Kind string

const (
	KindOp      Kind = "op"
	KindRef     Kind = "ref"
	KindLiteral Kind = "literal"
)

// Op names a conditional operator.
type Op string

const (
	OpAnd        Op = "and"
	OpOr         Op = "or"
	OpNot        Op = "not"
	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpStartsWith Op = "startsWith"
	OpEndsWith   Op = "endsWith"
	OpContains   Op = "contains"
	OpIn         Op = "in"
	OpNotIn      Op = "notIn"
	OpLength     Op = "length"
	OpIsDefined  Op = "isDefined"
	OpIsNotEmpty Op = "isNotEmpty"
	OpIsEmpty    Op = "isEmpty"
)

// Expr is one node of a conditional expression tree. A node is exactly one
// of: a literal JSON value, a reference (resolved by Resolver at eval
// time), or an operator applied to Args.
type Expr struct {
	Kind    Kind   `json:"kind"`
	Op      Op     `json:"op,omitempty"`
	Args    []Expr `json:"args,omitempty"`
	Ref     string `json:"ref,omitempty"`
	Default any    `json:"default,omitempty"`
	Literal any    `json:"literal,omitempty"`
}

// Resolver resolves a dot-path reference against the caller's {data,
// variables, steps} source object, returning Default (possibly nil) if the
// path is missing. It is the same resolution function compiler.Reference
// uses for step input mappings, passed in here to keep this package free
// of a dependency on the graph/source types.
type Resolver func(path string, def any) any

const epsilon = 1e-9

// Eval evaluates e against resolve, returning the operator or literal
// result. The ordering operators (gt, gte, lt, lte) accept numbers and
// numeric strings, which are parsed as floats; any other operand (e.g. gt
// on two non-numeric strings) is returned as an error.
func Eval(e Expr, resolve Resolver) (any, error) {
	switch e.Kind {
	case KindLiteral, "":
		return e.Literal, nil
	case KindRef:
		return resolve(e.Ref, e.Default), nil
	case KindOp:
		return evalOp(e, resolve)
	default:
		return nil, fmt.Errorf("expr: unknown node kind %q", e.Kind)
	}
}

// EvalBool evaluates e and applies Truthy to the result, for Conditional
// steps and Switch comparator cases that must reduce to a single boolean.
func EvalBool(e Expr, resolve Resolver) (bool, error) {
	v, err := Eval(e, resolve)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func evalOp(e Expr, resolve Resolver) (any, error) {
	arg := func(i int) (any, error) {
		if i >= len(e.Args) {
			return nil, fmt.Errorf("expr: op %q missing argument %d", e.Op, i)
		}
		return Eval(e.Args[i], resolve)
	}

	switch e.Op {
	case OpAnd:
		for i := range e.Args {
			v, err := arg(i)
			if err != nil {
				return nil, err
			}
			if !Truthy(v) {
				return false, nil
			}
		}
		return true, nil
	case OpOr:
		for i := range e.Args {
			v, err := arg(i)
			if err != nil {
				return nil, err
			}
			if Truthy(v) {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		v, err := arg(0)
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	case OpEq:
		a, err := arg(0)
		if err != nil {
			return nil, err
		}
		b, err := arg(1)
		if err != nil {
			return nil, err
		}
		return Eq(a, b), nil
	case OpNe:
		a, err := arg(0)
		if err != nil {
			return nil, err
		}
		b, err := arg(1)
		if err != nil {
			return nil, err
		}
		return !Eq(a, b), nil
	case OpGt, OpGte, OpLt, OpLte:
		a, err := arg(0)
		if err != nil {
			return nil, err
		}
		b, err := arg(1)
		if err != nil {
			return nil, err
		}
		an, aOK := toNumber(a)
		bn, bOK := toNumber(b)
		if !aOK || !bOK {
			return nil, fmt.Errorf("expr: op %q requires numeric operands", e.Op)
		}
		switch e.Op {
		case OpGt:
			return an > bn, nil
		case OpGte:
			return an >= bn, nil
		case OpLt:
			return an < bn, nil
		default:
			return an <= bn, nil
		}
	case OpStartsWith, OpEndsWith:
		a, err := arg(0)
		if err != nil {
			return nil, err
		}
		b, err := arg(1)
		if err != nil {
			return nil, err
		}
		as, aOK := a.(string)
		bs, bOK := b.(string)
		if !aOK || !bOK {
			return nil, fmt.Errorf("expr: op %q requires string operands", e.Op)
		}
		if e.Op == OpStartsWith {
			return strings.HasPrefix(as, bs), nil
		}
		return strings.HasSuffix(as, bs), nil
	case OpContains:
		haystack, err := arg(0)
		if err != nil {
			return nil, err
		}
		needle, err := arg(1)
		if err != nil {
			return nil, err
		}
		return containsValue(haystack, needle), nil
	case OpIn, OpNotIn:
		val, err := arg(0)
		if err != nil {
			return nil, err
		}
		coll, err := arg(1)
		if err != nil {
			return nil, err
		}
		found := containsValue(coll, val)
		if e.Op == OpNotIn {
			return !found, nil
		}
		return found, nil
	case OpLength:
		v, err := arg(0)
		if err != nil {
			return nil, err
		}
		return float64(lengthOf(v)), nil
	case OpIsDefined:
		v, err := arg(0)
		if err != nil {
			return nil, err
		}
		return v != nil, nil
	case OpIsNotEmpty:
		v, err := arg(0)
		if err != nil {
			return nil, err
		}
		return !isEmptyValue(v), nil
	case OpIsEmpty:
		v, err := arg(0)
		if err != nil {
			return nil, err
		}
		return isEmptyValue(v), nil
	default:
		return nil, fmt.Errorf("expr: unknown operator %q", e.Op)
	}
}

// Eq implements the spec's non-standard equality coercion: two numbers
// compare within epsilon; a numeric string and a number parse and compare
// numerically; any other cross-type pairing is false; same-type strings,
// bools, and composite values compare structurally.
func Eq(a, b any) bool {
	if as, aIsStr := a.(string); aIsStr {
		if bs, bIsStr := b.(string); bIsStr {
			return as == bs
		}
	}
	an, aOK := toNumber(a)
	bn, bOK := toNumber(b)
	if aOK && bOK {
		return math.Abs(an-bn) < epsilon
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// Truthy implements the spec's JSON-value truthiness table:
// null|false|0|""|[]|{} are falsy, everything else truthy.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) != 0
	case map[string]any:
		return len(x) != 0
	default:
		return true
	}
}

func isEmptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}

func lengthOf(v any) int {
	switch x := v.(type) {
	case string:
		return len(x)
	case []any:
		return len(x)
	case map[string]any:
		return len(x)
	default:
		return 0
	}
}

func containsValue(coll any, needle any) bool {
	switch c := coll.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(c, s)
	case []any:
		for _, item := range c {
			if Eq(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
