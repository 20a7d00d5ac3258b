package vm

import (
	"fmt"

	nyasherrors "nyash-core/domain/errors"
	"nyash-core/domain/mirtypes"
)

// Arithmetic/comparison evaluation mirrors infrastructure/interpreter's ops.go
// (the two backends are expected to agree bit-for-bit on every pure
// instruction per spec §5 "ordering guarantees"), duplicated here rather
// than imported since it closes over the VM's own *Box and stringify.

func evalBinOp(op mirtypes.BinOpKind, l, r any) (any, error) {
	switch op {
	case mirtypes.BinAnd:
		return truthy(l) && truthy(r), nil
	case mirtypes.BinOr:
		return truthy(l) || truthy(r), nil
	}
	if ls, ok := l.(string); ok && op == mirtypes.BinAdd {
		return ls + stringify(r), nil
	}
	lf, lok := numeric(l)
	rf, rok := numeric(r)
	if !lok || !rok {
		return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("arithmetic on non-numeric operands (%T, %T)", l, r)}
	}
	_, lInt := l.(int64)
	_, rInt := r.(int64)
	switch op {
	case mirtypes.BinAdd:
		if lInt && rInt {
			return l.(int64) + r.(int64), nil
		}
		return lf + rf, nil
	case mirtypes.BinSub:
		if lInt && rInt {
			return l.(int64) - r.(int64), nil
		}
		return lf - rf, nil
	case mirtypes.BinMul:
		if lInt && rInt {
			return l.(int64) * r.(int64), nil
		}
		return lf * rf, nil
	case mirtypes.BinDiv:
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

func evalUnaryOp(op mirtypes.UnaryOpKind, v any) (any, error) {
	switch op {
	case mirtypes.UnaryNot:
		return !truthy(v), nil
	case mirtypes.UnaryNeg:
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

func evalCompare(op mirtypes.CompareKind, l, r any) (any, error) {
	if op == mirtypes.CmpEq {
		return valuesEqual(l, r), nil
	}
	if op == mirtypes.CmpNe {
		return !valuesEqual(l, r), nil
	}
	lf, lok := numeric(l)
	rf, rok := numeric(r)
	if !lok || !rok {
		return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("ordering comparison on non-numeric operands (%T, %T)", l, r)}
	}
	switch op {
	case mirtypes.CmpLt:
		return lf < rf, nil
	case mirtypes.CmpGt:
		return lf > rf, nil
	case mirtypes.CmpLe:
		return lf <= rf, nil
	case mirtypes.CmpGe:
		return lf >= rf, nil
	default:
		return nil, &nyasherrors.RuntimeTypeError{Detail: "unknown comparison operator"}
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
		return ok2 && lb.identity == rb.identity
	}
	return l == r
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case *Box:
		return fmt.Sprintf("<%s#%d>", t.typeName, t.identity)
	default:
		return fmt.Sprintf("%v", t)
	}
}
