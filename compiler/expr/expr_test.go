package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func noopResolve(string, any) any { return nil }

func TestTruthy(t *testing.T) {
	falsy := []any{nil, false, 0.0, "", []any{}, map[string]any{}}
	for _, v := range falsy {
		require.False(t, Truthy(v), "%#v should be falsy", v)
	}
	truthy := []any{true, 1.0, "x", []any{1}, map[string]any{"a": 1}, -1.0}
	for _, v := range truthy {
		require.True(t, Truthy(v), "%#v should be truthy", v)
	}
}

func TestEq_NumericEpsilon(t *testing.T) {
	require.True(t, Eq(1.0, 1.0000000001))
	require.False(t, Eq(1.0, 1.1))
}

func TestEq_NumericStringCoercion(t *testing.T) {
	require.True(t, Eq("5", 5.0))
	require.True(t, Eq(5.0, "5"))
	require.False(t, Eq("5", "5.0")) // string/string compares literally, no coercion
}

func TestEq_CrossTypeOtherwiseFalse(t *testing.T) {
	require.False(t, Eq(true, "true"))
	require.False(t, Eq(nil, 0.0))
	require.False(t, Eq(nil, false))
	require.True(t, Eq(nil, nil))
}

func TestEvalBool_AndOrNot(t *testing.T) {
	e := Expr{Kind: KindOp, Op: OpAnd, Args: []Expr{
		{Kind: KindLiteral, Literal: true},
		{Kind: KindOp, Op: OpNot, Args: []Expr{{Kind: KindLiteral, Literal: false}}},
	}}
	ok, err := EvalBool(e, noopResolve)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalBool_Comparisons(t *testing.T) {
	e := Expr{Kind: KindOp, Op: OpGte, Args: []Expr{
		{Kind: KindLiteral, Literal: 3.0},
		{Kind: KindLiteral, Literal: 3.0},
	}}
	ok, err := EvalBool(e, noopResolve)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEval_Ref_UsesDefaultWhenMissing(t *testing.T) {
	resolve := func(path string, def any) any {
		if path == "data.present" {
			return "yes"
		}
		return def
	}
	v, err := Eval(Expr{Kind: KindRef, Ref: "data.present"}, resolve)
	require.NoError(t, err)
	require.Equal(t, "yes", v)

	v2, err := Eval(Expr{Kind: KindRef, Ref: "data.missing", Default: "fallback"}, resolve)
	require.NoError(t, err)
	require.Equal(t, "fallback", v2)
}

func TestContainsInNotIn(t *testing.T) {
	haystack := Expr{Kind: KindLiteral, Literal: []any{"a", "b", "c"}}
	inExpr := Expr{Kind: KindOp, Op: OpIn, Args: []Expr{{Kind: KindLiteral, Literal: "b"}, haystack}}
	ok, err := EvalBool(inExpr, noopResolve)
	require.NoError(t, err)
	require.True(t, ok)

	notInExpr := Expr{Kind: KindOp, Op: OpNotIn, Args: []Expr{{Kind: KindLiteral, Literal: "z"}, haystack}}
	ok2, err := EvalBool(notInExpr, noopResolve)
	require.NoError(t, err)
	require.True(t, ok2)
}

func TestStartsEndsWith(t *testing.T) {
	e := Expr{Kind: KindOp, Op: OpStartsWith, Args: []Expr{
		{Kind: KindLiteral, Literal: "hello world"},
		{Kind: KindLiteral, Literal: "hello"},
	}}
	v, err := Eval(e, noopResolve)
	require.NoError(t, err)
	require.Equal(t, true, v)
}

func TestLengthIsDefinedIsEmpty(t *testing.T) {
	lenExpr := Expr{Kind: KindOp, Op: OpLength, Args: []Expr{{Kind: KindLiteral, Literal: []any{1, 2, 3}}}}
	v, err := Eval(lenExpr, noopResolve)
	require.NoError(t, err)
	require.Equal(t, float64(3), v)

	definedExpr := Expr{Kind: KindOp, Op: OpIsDefined, Args: []Expr{{Kind: KindLiteral, Literal: nil}}}
	v2, err := Eval(definedExpr, noopResolve)
	require.NoError(t, err)
	require.Equal(t, false, v2)

	emptyExpr := Expr{Kind: KindOp, Op: OpIsEmpty, Args: []Expr{{Kind: KindLiteral, Literal: ""}}}
	v3, err := Eval(emptyExpr, noopResolve)
	require.NoError(t, err)
	require.Equal(t, true, v3)
}

func TestComparison_NonNumericOperandsErrors(t *testing.T) {
	e := Expr{Kind: KindOp, Op: OpGt, Args: []Expr{
		{Kind: KindLiteral, Literal: "abc"},
		{Kind: KindLiteral, Literal: "def"},
	}}
	_, err := EvalBool(e, noopResolve)
	require.Error(t, err)
}

// Eq, Truthy, and toNumber must never panic regardless of input shape
// (spec.md §8 Invariant 6: "expression purity").
func TestExpressionPurity_NoPanics(t *testing.T) {
	weird := []any{
		nil, 0, "", []any{}, map[string]any{}, struct{}{}, make(chan int), []string{"a"},
	}
	for _, a := range weird {
		for _, b := range weird {
			require.NotPanics(t, func() { Eq(a, b) })
		}
		require.NotPanics(t, func() { Truthy(a) })
	}
}
