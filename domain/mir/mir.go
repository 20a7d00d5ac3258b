// Package mir defines the in-memory representation of the lowered MIR SSA
// form shared by the verifier and all three backends (spec §4.2-§4.4).
package mir

import (
	"fmt"

	"nyash-core/domain/boxmodel"
	"nyash-core/domain/mirtypes"
)

// ValueID names an SSA value, unique within its owning Function.
type ValueID int

// BlockID names a basic block, unique within its owning Function.
type BlockID int

// Module is a whole lowered compilation unit: one or more Box-method
// functions plus the field layout of every declared Box type.
type Module struct {
	Functions map[string]*Function
	Boxes     map[string]*BoxLayout
	EntryFunc string
}

// NewModule creates an empty Module.
func NewModule() *Module {
	return &Module{Functions: map[string]*Function{}, Boxes: map[string]*BoxLayout{}}
}

// BoxLayout records a declared Box type's parent and field order, the
// ownership-forest input the verifier walks (spec §3.4, §4.4).
type BoxLayout struct {
	Name   string
	Parent string
	Fields []boxmodel.FieldDecl
}

// Function is one lowered method or top-level function: `ClassName.method/arity`
// or a bare name for free functions (spec §4.2 naming convention).
type Function struct {
	Name       string
	Params     []ValueID
	ParamTypes []mirtypes.Type
	ReturnType mirtypes.Type
	Blocks     []*Block
	Entry      BlockID
	NextValue  ValueID
	ReceiverOf string // Box type name this method is defined on, "" for free functions.

	// Handlers records try/catch protected regions as block-ID ranges rather
	// than a dedicated MIR opcode (spec §9 "Open question: exception unwind
	// in VM" resolved as unwind-with-handler-stack; the push/pop-handler
	// bookkeeping is backend-internal, not one of the 26 canonical
	// instructions). A block belongs to a Handler's protected region when
	// its ID falls in [Start, End).
	Handlers []Handler
}

// Handler is one try/catch's protected region (spec §9 VM Throw/Catch
// decision). Start/End bound the block-ID range covered by the try body
// (blocks are allocated sequentially, so a contiguous ID range exactly
// captures a lexical region including any nested if/loop blocks). CatchBlock
// is the block execution resumes at when a UserError escapes the region;
// CatchValue is the SSA value the thrown payload is bound to on entry.
type Handler struct {
	Start      BlockID
	End        BlockID
	CatchBlock BlockID
	CatchValue ValueID
}

// Covers reports whether block belongs to h's protected region.
func (h Handler) Covers(block BlockID) bool {
	return block >= h.Start && block < h.End
}

// Block returns the block with the given ID.
func (f *Function) Block(id BlockID) *Block {
	for _, b := range f.Blocks {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// NewValue allocates a fresh SSA value ID.
func (f *Function) NewValue() ValueID {
	id := f.NextValue
	f.NextValue++
	return id
}

// NewBlock appends and returns a fresh basic block.
func (f *Function) NewBlock(label string) *Block {
	b := &Block{ID: BlockID(len(f.Blocks)), Label: label}
	f.Blocks = append(f.Blocks, b)
	return b
}

// Block is a maximal straight-line instruction sequence ending in exactly
// one terminator (Branch, Jump, Return, or Throw).
type Block struct {
	Label string
	Insts []*Inst
	ID    BlockID
	Preds []BlockID
	Succs []BlockID
}

// Terminator returns the block's final instruction, or nil if the block is
// (incorrectly) empty.
func (b *Block) Terminator() *Inst {
	if len(b.Insts) == 0 {
		return nil
	}
	return b.Insts[len(b.Insts)-1]
}

// Inst is a single MIR instruction: one opcode, its typed result (if any),
// and the operand payload relevant to that opcode. Only the fields relevant
// to Op are meaningful; the rest are zero.
type Inst struct {
	Op     mirtypes.Op
	Result ValueID
	Type   mirtypes.Type
	HasResult bool

	// Generic operand slots, reused across opcodes to keep Inst one flat
	// struct rather than an interface hierarchy (mirrors the teacher's
	// flat wire-struct convention, see wireformat).
	Args   []ValueID
	Blocks []BlockID // Branch: [then, else]; Jump: [target]; Phi: incoming block per Args entry.

	// Const
	ConstValue any

	// BinOp/Compare/UnaryOp
	BinOp   mirtypes.BinOpKind
	Cmp     mirtypes.CompareKind
	UnaryOp mirtypes.UnaryOpKind

	// Call/BoxCall/ExternCall
	FuncName   string
	MethodName string
	BoxType    string

	// NewBox
	NewBoxType string

	// BoxFieldLoad/BoxFieldStore/Load/Store
	FieldName string

	// WeakRef
	WeakKind mirtypes.WeakRefKind

	// Barrier
	BarrierKind mirtypes.BarrierKind

	// TypeOp
	TypeOpKind mirtypes.TypeOpKind
	TargetType mirtypes.Type

	// Print/Throw/Return/Await: single-operand opcodes use Args[0].

	Effect mirtypes.Effect
}

// NewInst constructs an Inst with its canonical effect pre-filled.
func NewInst(op mirtypes.Op) *Inst {
	return &Inst{Op: op, Effect: mirtypes.EffectOf(op)}
}

func (i *Inst) String() string {
	if i.HasResult {
		return fmt.Sprintf("v%d = %s", i.Result, i.Op)
	}
	return i.Op.String()
}
