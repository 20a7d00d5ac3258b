package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyash-core/application/mirbuild"
	"nyash-core/application/parser"
	"nyash-core/domain/boxmodel"
	"nyash-core/domain/mir"
	"nyash-core/domain/mirtypes"
)

func buildModule(t *testing.T, src string) *mir.Module {
	t.Helper()
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	mod, err := mirbuild.Build(prog)
	require.NoError(t, err)
	return mod
}

func TestVerify_WellFormedProgramsPass(t *testing.T) {
	cases := []string{
		`box C { run() { local x = 1 + 2 } }`,
		`box C { run() { local x = 0 if true { x = 1 } else { x = 2 } return x } }`,
		`box C { run() { local i = 0 loop(i < 10) { i = i + 1 } return i } }`,
	}
	for _, src := range cases {
		mod := buildModule(t, src)
		assert.NoError(t, Module(mod))
	}
}

func TestVerify_MissingTerminatorFails(t *testing.T) {
	fn := &mir.Function{Name: "bad/0"}
	b := fn.NewBlock("entry")
	fn.Entry = b.ID
	b.Insts = append(b.Insts, &mir.Inst{Op: mirtypes.OpConst, HasResult: true, Result: fn.NewValue()})
	mod := mir.NewModule()
	mod.Functions["bad/0"] = fn
	err := Module(mod)
	require.Error(t, err)
}

func TestVerify_UnreachableBlockFails(t *testing.T) {
	fn := &mir.Function{Name: "bad/0"}
	entry := fn.NewBlock("entry")
	fn.Entry = entry.ID
	entry.Insts = append(entry.Insts, &mir.Inst{Op: mirtypes.OpReturn})
	orphan := fn.NewBlock("orphan")
	orphan.Insts = append(orphan.Insts, &mir.Inst{Op: mirtypes.OpReturn})
	mod := mir.NewModule()
	mod.Functions["bad/0"] = fn
	err := Module(mod)
	require.Error(t, err)
}

func TestVerify_UseBeforeDefFails(t *testing.T) {
	fn := &mir.Function{Name: "bad/0"}
	entry := fn.NewBlock("entry")
	fn.Entry = entry.ID
	useID := fn.NewValue() // never defined
	entry.Insts = append(entry.Insts, &mir.Inst{Op: mirtypes.OpPrint, Args: []mir.ValueID{useID}})
	entry.Insts = append(entry.Insts, &mir.Inst{Op: mirtypes.OpReturn})
	mod := mir.NewModule()
	mod.Functions["bad/0"] = fn
	err := Module(mod)
	require.Error(t, err)
}

func TestVerify_CyclicParentChainFails(t *testing.T) {
	mod := mir.NewModule()
	mod.Boxes["A"] = &mir.BoxLayout{Name: "A", Parent: "B"}
	mod.Boxes["B"] = &mir.BoxLayout{Name: "B", Parent: "A"}
	err := checkOwnershipForest(mod)
	require.Error(t, err)
}

// TestVerify_StrongFieldCycleFails exercises the actual spec §4.4 check 4 /
// invariant I2 relation: A has a strong field of type B and B has a strong
// field of type A, with neither declared as the other's parent — a cycle
// the parent-chain check alone cannot see.
func TestVerify_StrongFieldCycleFails(t *testing.T) {
	mod := mir.NewModule()
	mod.Boxes["A"] = &mir.BoxLayout{Name: "A", Fields: []boxmodel.FieldDecl{{Name: "b", FieldType: "B"}}}
	mod.Boxes["B"] = &mir.BoxLayout{Name: "B", Fields: []boxmodel.FieldDecl{{Name: "a", FieldType: "A"}}}
	err := checkOwnershipForest(mod)
	require.Error(t, err)
}

// TestVerify_WeakFieldBreaksStrongFieldCycle mirrors spec §8 E4: the same
// A<->B field shape as above is accepted once one side is declared weak,
// since weak references are the sanctioned way to break a cycle.
func TestVerify_WeakFieldBreaksStrongFieldCycle(t *testing.T) {
	mod := mir.NewModule()
	mod.Boxes["A"] = &mir.BoxLayout{Name: "A", Fields: []boxmodel.FieldDecl{{Name: "b", FieldType: "B"}}}
	mod.Boxes["B"] = &mir.BoxLayout{Name: "B", Fields: []boxmodel.FieldDecl{{Name: "a", FieldType: "A", Weak: true}}}
	err := checkOwnershipForest(mod)
	assert.NoError(t, err)
}

// TestVerify_UntypedFieldContributesNoEdge guards the
// under-approximation contract: a field mirbuild could not infer a type for
// must never be treated as a self-cycle or otherwise rejected.
func TestVerify_UntypedFieldContributesNoEdge(t *testing.T) {
	mod := mir.NewModule()
	mod.Boxes["A"] = &mir.BoxLayout{Name: "A", Fields: []boxmodel.FieldDecl{{Name: "value"}}}
	err := checkOwnershipForest(mod)
	assert.NoError(t, err)
}

// TestVerify_EndToEndStrongFieldCycleFails drives the full
// parser -> mirbuild -> verify pipeline over two Box declarations whose
// constructors assign each other's field to a `new` of the other type, with
// no parent/child relationship at all — spec §4.4 check 4's motivating
// example.
func TestVerify_EndToEndStrongFieldCycleFails(t *testing.T) {
	src := `box A {
		init { other }
		birth() { me.other = new B() }
	}
	box B {
		init { other }
		birth() { me.other = new A() }
	}`
	mod := buildModule(t, src)
	require.Error(t, Module(mod))
}

// TestVerify_EndToEndWeakFieldCycleOK mirrors spec §8 E4: Parent holds a
// strong field of type Child and Child holds a weak field of type Parent
// back-reference, which is accepted.
func TestVerify_EndToEndWeakFieldCycleOK(t *testing.T) {
	src := `box Child {
		init { weak parent }
		setParent(p) { me.parent = p }
	}
	box Parent {
		init { child }
		birth() { me.child = new Child() me.child.setParent(me) }
	}`
	mod := buildModule(t, src)
	assert.NoError(t, Module(mod))
}

func TestVerify_PhiMismatchedIncomingCountFails(t *testing.T) {
	fn := &mir.Function{Name: "bad/0"}
	entry := fn.NewBlock("entry")
	fn.Entry = entry.ID
	then := fn.NewBlock("then")
	merge := fn.NewBlock("merge")
	cond := fn.NewValue()
	entry.Insts = append(entry.Insts, &mir.Inst{Op: mirtypes.OpConst, HasResult: true, Result: cond})
	branchInst := &mir.Inst{Op: mirtypes.OpBranch, Args: []mir.ValueID{cond}, Blocks: []mir.BlockID{then.ID, merge.ID}}
	entry.Insts = append(entry.Insts, branchInst)
	entry.Succs = []mir.BlockID{then.ID, merge.ID}
	then.Preds = []mir.BlockID{entry.ID}
	then.Insts = append(then.Insts, &mir.Inst{Op: mirtypes.OpJump, Blocks: []mir.BlockID{merge.ID}})
	then.Succs = []mir.BlockID{merge.ID}
	merge.Preds = []mir.BlockID{entry.ID, then.ID}
	phi := &mir.Inst{Op: mirtypes.OpPhi, HasResult: true, Result: fn.NewValue(), Args: []mir.ValueID{cond}, Blocks: []mir.BlockID{entry.ID, then.ID}}
	merge.Insts = append(merge.Insts, phi)
	merge.Insts = append(merge.Insts, &mir.Inst{Op: mirtypes.OpReturn})
	mod := mir.NewModule()
	mod.Functions["bad/0"] = fn
	require.Error(t, Module(mod))
}
