package interpreter

import (
	"fmt"

	"nyash-core/domain/ast"
	nyasherrors "nyash-core/domain/errors"
)

// evalBinaryOp evaluates every non-short-circuiting binary operator of
// spec §4.1 (`and`/`or` are short-circuited by the caller before reaching
// here; see evalExpr).
func evalBinaryOp(op ast.BinOpKind, l, r any) (any, error) {
	switch op {
	case ast.OpEq:
		return valuesEqual(l, r), nil
	case ast.OpNe:
		return !valuesEqual(l, r), nil
	}
	if op == ast.OpAdd {
		if ls, ok := l.(string); ok {
			return ls + stringify(r), nil
		}
	}
	switch op {
	case ast.OpLt, ast.OpGt, ast.OpLe, ast.OpGe:
		lf, lok := numeric(l)
		rf, rok := numeric(r)
		if !lok || !rok {
			return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("ordering comparison on non-numeric operands (%T, %T)", l, r)}
		}
		switch op {
		case ast.OpLt:
			return lf < rf, nil
		case ast.OpGt:
			return lf > rf, nil
		case ast.OpLe:
			return lf <= rf, nil
		default:
			return lf >= rf, nil
		}
	}
	lf, lok := numeric(l)
	rf, rok := numeric(r)
	if !lok || !rok {
		return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("arithmetic on non-numeric operands (%T, %T)", l, r)}
	}
	_, lInt := l.(int64)
	_, rInt := r.(int64)
	switch op {
	case ast.OpAdd:
		if lInt && rInt {
			return l.(int64) + r.(int64), nil
		}
		return lf + rf, nil
	case ast.OpSub:
		if lInt && rInt {
			return l.(int64) - r.(int64), nil
		}
		return lf - rf, nil
	case ast.OpMul:
		if lInt && rInt {
			return l.(int64) * r.(int64), nil
		}
		return lf * rf, nil
	case ast.OpDiv:
		if rf == 0 {
			return nil, &nyasherrors.RuntimeTypeError{Detail: "division by zero"}
		}
		if lInt && rInt {
			return l.(int64) / r.(int64), nil
		}
		return lf / rf, nil
	default:
		return nil, &nyasherrors.RuntimeTypeError{Detail: "unknown binary operator"}
	}
}

func evalUnaryOp(op ast.UnaryOpKind, v any) (any, error) {
	switch op {
	case ast.UnaryOpNot:
		return !truthy(v), nil
	case ast.UnaryOpNeg:
		switch n := v.(type) {
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		default:
			return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("cannot negate %T", v)}
		}
	default:
		return nil, &nyasherrors.RuntimeTypeError{Detail: "unknown unary operator"}
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	default:
		return true
	}
}

func valuesEqual(l, r any) bool {
	if lb, ok := l.(*Box); ok {
		rb, ok2 := r.(*Box)
		return ok2 && lb.Identity == rb.Identity
	}
	return l == r
}
