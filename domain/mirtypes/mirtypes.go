// Package mirtypes defines the value-type tags, instruction opcodes, and
// effect classes of the MIR instruction set shared by the VM and WASM
// backends.
package mirtypes

import "fmt"

// ValueKind tags the primitive type carried by an MIR SSA value.
type ValueKind int

const (
	KindVoid ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBox
	KindBoxRef
	KindWeak
	KindArray
	KindUnknown
)

func (k ValueKind) String() string {
	switch k {
	case KindVoid:
		return "Void"
	case KindBool:
		return "Bool"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindString:
		return "String"
	case KindBox:
		return "Box"
	case KindBoxRef:
		return "BoxRef"
	case KindWeak:
		return "Weak"
	case KindArray:
		return "Array"
	default:
		return "Unknown"
	}
}

// Type is a fully-formed MIR type: a ValueKind plus the optional Box/Weak/Array
// payload name (e.g. Box("Person"), Weak("Child"), Array(Int)).
type Type struct {
	Elem *Type
	Name string
	Kind ValueKind
}

func Void() Type            { return Type{Kind: KindVoid} }
func Bool() Type            { return Type{Kind: KindBool} }
func Int() Type             { return Type{Kind: KindInt} }
func Float() Type           { return Type{Kind: KindFloat} }
func String() Type          { return Type{Kind: KindString} }
func Unknown() Type         { return Type{Kind: KindUnknown} }
func BoxOf(name string) Type { return Type{Kind: KindBox, Name: name} }
func BoxRef() Type          { return Type{Kind: KindBoxRef} }
func WeakOf(name string) Type { return Type{Kind: KindWeak, Name: name} }
func ArrayOf(elem Type) Type { e := elem; return Type{Kind: KindArray, Elem: &e} }

func (t Type) String() string {
	switch t.Kind {
	case KindBox, KindWeak:
		return fmt.Sprintf("%s(%s)", t.Kind, t.Name)
	case KindArray:
		if t.Elem != nil {
			return fmt.Sprintf("Array(%s)", t.Elem.String())
		}
		return "Array(Unknown)"
	default:
		return t.Kind.String()
	}
}

// Op is an MIR instruction opcode. The set is the 26-instruction diet of
// spec §4.3: TypeCheck+Cast folded into TypeOp, WeakNew+WeakLoad(+WeakCheck)
// folded into WeakRef, BarrierRead+BarrierWrite folded into Barrier.
type Op int

const (
	// Tier 0 — pure or control.
	OpConst Op = iota
	OpCopy
	OpBinOp
	OpUnaryOp
	OpCompare
	OpBranch
	OpJump
	OpPhi
	OpReturn

	// Tier 1 — mut or pure.
	OpLoad
	OpStore
	OpCall
	OpBoxCall
	OpNewBox
	OpArrayGet
	OpArraySet
	OpRefNew
	OpRefGet
	OpRefSet
	OpWeakRef

	// Tier 2 — context-dependent.
	OpAwait
	OpPrint
	OpExternCall
	OpTypeOp
	OpBarrier

	// Additional lowering targets that are not canonical MIR instructions but
	// are produced by the builder for field access, which the spec separates
	// out explicitly (BoxFieldLoad/BoxFieldStore, §4.2).
	OpBoxFieldLoad
	OpBoxFieldStore
	OpThrow

	// OpCatchValue binds a try/catch handler's thrown payload to the SSA
	// value the catch block's first instruction names (mirbuild.lowerTryCatch,
	// spec §9 VM Throw/Catch decision). It is never evaluated as a normal
	// instruction: a backend entering a catch block via handler dispatch
	// overwrites the bound value's slot directly and skips past it instead
	// of running its (absent) semantics.
	OpCatchValue

	// opCount is not an instruction; it bounds the Op enum for table sizing.
	opCount
)

var opNames = [opCount]string{
	OpConst: "Const", OpCopy: "Copy", OpBinOp: "BinOp", OpUnaryOp: "UnaryOp",
	OpCompare: "Compare", OpBranch: "Branch", OpJump: "Jump", OpPhi: "Phi",
	OpReturn: "Return", OpLoad: "Load", OpStore: "Store", OpCall: "Call",
	OpBoxCall: "BoxCall", OpNewBox: "NewBox", OpArrayGet: "ArrayGet",
	OpArraySet: "ArraySet", OpRefNew: "RefNew", OpRefGet: "RefGet",
	OpRefSet: "RefSet", OpWeakRef: "WeakRef", OpAwait: "Await",
	OpPrint: "Print", OpExternCall: "ExternCall", OpTypeOp: "TypeOp",
	OpBarrier: "Barrier", OpBoxFieldLoad: "BoxFieldLoad",
	OpBoxFieldStore: "BoxFieldStore", OpThrow: "Throw",
	OpCatchValue: "CatchValue",
}

func (op Op) String() string {
	if op < 0 || int(op) >= len(opNames) || opNames[op] == "" {
		return "Unknown"
	}
	return opNames[op]
}

// Effect classifies an instruction's reordering permissions (spec §4.3).
type Effect int

const (
	EffectPure Effect = iota
	EffectMut
	EffectIo
	EffectControl
)

func (e Effect) String() string {
	switch e {
	case EffectPure:
		return "Pure"
	case EffectMut:
		return "Mut"
	case EffectIo:
		return "Io"
	default:
		return "Control"
	}
}

// EffectOf returns the canonical effect class for an opcode. ExternCall's
// effect is always Io regardless of the manifest-declared effect annotation:
// the manifest may further restrict what passes may assume, but never weaken
// ordering below Io (spec §4.3 "ExternCall carries effect annotations").
func EffectOf(op Op) Effect {
	switch op {
	case OpConst, OpCopy, OpBinOp, OpUnaryOp, OpCompare, OpPhi, OpArrayGet,
		OpRefGet, OpTypeOp:
		return EffectPure
	case OpStore, OpArraySet, OpRefNew, OpRefSet, OpWeakRef, OpBoxFieldLoad,
		OpBoxFieldStore:
		return EffectMut
	case OpLoad, OpCall, OpBoxCall, OpNewBox, OpAwait, OpPrint, OpExternCall,
		OpBarrier:
		return EffectIo
	case OpBranch, OpJump, OpReturn, OpThrow:
		return EffectControl
	case OpCatchValue:
		return EffectPure
	default:
		return EffectMut
	}
}

// TypeOpKind distinguishes the folded TypeOp instruction's two historical
// instructions (spec §4.3 fold-and-unify policy).
type TypeOpKind int

const (
	TypeOpCheck TypeOpKind = iota
	TypeOpCast
)

// WeakRefKind distinguishes the folded WeakRef instruction's operations.
type WeakRefKind int

const (
	WeakRefNew WeakRefKind = iota
	WeakRefLoad
	WeakRefCheck
)

// BarrierKind distinguishes the folded Barrier instruction's operations.
type BarrierKind int

const (
	BarrierRead BarrierKind = iota
	BarrierWrite
)

// BinOpKind enumerates the arithmetic/logical operators BinOp can carry.
type BinOpKind int

const (
	BinAdd BinOpKind = iota
	BinSub
	BinMul
	BinDiv
	BinAnd
	BinOr
)

// CompareKind enumerates the comparison operators Compare can carry.
type CompareKind int

const (
	CmpEq CompareKind = iota
	CmpNe
	CmpLt
	CmpGt
	CmpLe
	CmpGe
)

// UnaryOpKind enumerates unary operators.
type UnaryOpKind int

const (
	UnaryNeg UnaryOpKind = iota
	UnaryNot
)
