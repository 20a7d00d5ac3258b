package wasmgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyash-core/domain/boxmodel"
	"nyash-core/domain/mir"
	"nyash-core/domain/mirtypes"
)

// buildCounterModule assembles a small two-Box MIR module by hand (the same
// shape application/mirbuild would lower from a `Counter`/`Adder` program):
// a field-carrying Box, a branching method that loads/stores a field and
// prints, a constructor, and a virtual call with two implementations, so
// Emit exercises field access, the dispatch loop, string/print lowering,
// NewBox, and emitDispatchers all in one pass.
func buildCounterModule() *mir.Module {
	mod := mir.NewModule()
	mod.Boxes["Counter"] = &mir.BoxLayout{
		Name:   "Counter",
		Fields: []boxmodel.FieldDecl{{Name: "value", FieldType: "Int"}},
	}
	mod.Boxes["Adder"] = &mir.BoxLayout{
		Name:   "Adder",
		Parent: "Counter",
	}

	// Counter.bump/1: me, n -> loads value, compares against n, branches,
	// stores a new value, prints a greeting, returns the field.
	bump := &mir.Function{Name: "Counter.bump/1", ReceiverOf: "Counter"}
	me := bump.NewValue()
	n := bump.NewValue()
	bump.Params = []mir.ValueID{me, n}
	bump.ParamTypes = []mirtypes.Type{mirtypes.BoxOf("Counter"), mirtypes.Unknown()}

	entry := bump.NewBlock("entry")
	thenBlk := bump.NewBlock("then")
	joinBlk := bump.NewBlock("join")
	bump.Entry = entry.ID

	loaded := bump.NewValue()
	loadInst := mir.NewInst(mirtypes.OpBoxFieldLoad)
	loadInst.Result, loadInst.HasResult, loadInst.Type = loaded, true, mirtypes.Unknown()
	loadInst.Args, loadInst.FieldName = []mir.ValueID{me}, "value"
	entry.Insts = append(entry.Insts, loadInst)

	cmp := bump.NewValue()
	cmpInst := mir.NewInst(mirtypes.OpCompare)
	cmpInst.Result, cmpInst.HasResult, cmpInst.Type = cmp, true, mirtypes.Bool()
	cmpInst.Args, cmpInst.Cmp = []mir.ValueID{loaded, n}, mirtypes.CmpLt
	entry.Insts = append(entry.Insts, cmpInst)

	branch := mir.NewInst(mirtypes.OpBranch)
	branch.Args = []mir.ValueID{cmp}
	branch.Blocks = []mir.BlockID{thenBlk.ID, joinBlk.ID}
	entry.Insts = append(entry.Insts, branch)

	greeting := bump.NewValue()
	constInst := mir.NewInst(mirtypes.OpConst)
	constInst.Result, constInst.HasResult, constInst.Type = greeting, true, mirtypes.String()
	constInst.ConstValue = "bumped"
	thenBlk.Insts = append(thenBlk.Insts, constInst)

	printInst := mir.NewInst(mirtypes.OpPrint)
	printInst.Args = []mir.ValueID{greeting}
	thenBlk.Insts = append(thenBlk.Insts, printInst)

	storeInst := mir.NewInst(mirtypes.OpBoxFieldStore)
	storeInst.Args, storeInst.FieldName = []mir.ValueID{me, n}, "value"
	thenBlk.Insts = append(thenBlk.Insts, storeInst)

	jumpInst := mir.NewInst(mirtypes.OpJump)
	jumpInst.Blocks = []mir.BlockID{joinBlk.ID}
	thenBlk.Insts = append(thenBlk.Insts, jumpInst)

	reloaded := bump.NewValue()
	reloadInst := mir.NewInst(mirtypes.OpBoxFieldLoad)
	reloadInst.Result, reloadInst.HasResult, reloadInst.Type = reloaded, true, mirtypes.Unknown()
	reloadInst.Args, reloadInst.FieldName = []mir.ValueID{me}, "value"
	joinBlk.Insts = append(joinBlk.Insts, reloadInst)

	retInst := mir.NewInst(mirtypes.OpReturn)
	retInst.Args = []mir.ValueID{reloaded}
	joinBlk.Insts = append(joinBlk.Insts, retInst)

	mod.Functions[bump.Name] = bump

	// Adder.bump/1 overrides Counter.bump/1 so a virtual call site (BoxType
	// =="") across both types forces emitDispatchers to render a real switch.
	adderBump := &mir.Function{Name: "Adder.bump/1", ReceiverOf: "Adder"}
	ame := adderBump.NewValue()
	an := adderBump.NewValue()
	adderBump.Params = []mir.ValueID{ame, an}
	adderBump.ParamTypes = []mirtypes.Type{mirtypes.BoxOf("Adder"), mirtypes.Unknown()}
	aEntry := adderBump.NewBlock("entry")
	adderBump.Entry = aEntry.ID
	aRet := mir.NewInst(mirtypes.OpReturn)
	aRet.Args = []mir.ValueID{an}
	aEntry.Insts = append(aEntry.Insts, aRet)
	mod.Functions[adderBump.Name] = adderBump

	// main: constructs a Counter, then calls .bump/1 virtually.
	main := &mir.Function{Name: "main"}
	entryMain := main.NewBlock("entry")
	main.Entry = entryMain.ID

	newVal := main.NewValue()
	newInst := mir.NewInst(mirtypes.OpNewBox)
	newInst.Result, newInst.HasResult, newInst.Type = newVal, true, mirtypes.BoxOf("Counter")
	newInst.NewBoxType = "Counter"
	entryMain.Insts = append(entryMain.Insts, newInst)

	oneVal := main.NewValue()
	oneConst := mir.NewInst(mirtypes.OpConst)
	oneConst.Result, oneConst.HasResult, oneConst.Type = oneVal, true, mirtypes.Unknown()
	oneConst.ConstValue = int64(1)
	entryMain.Insts = append(entryMain.Insts, oneConst)

	callVal := main.NewValue()
	callInst := mir.NewInst(mirtypes.OpBoxCall)
	callInst.Result, callInst.HasResult, callInst.Type = callVal, true, mirtypes.Unknown()
	callInst.Args, callInst.MethodName = []mir.ValueID{newVal, oneVal}, "bump"
	entryMain.Insts = append(entryMain.Insts, callInst)

	mainRet := mir.NewInst(mirtypes.OpReturn)
	entryMain.Insts = append(entryMain.Insts, mainRet)
	mod.Functions[main.Name] = main
	mod.EntryFunc = main.Name

	return mod
}

func TestEmit_RendersWellFormedModule(t *testing.T) {
	mod := buildCounterModule()
	g := New(mod)
	out, err := g.Emit()
	require.NoError(t, err)

	assertBalancedParens(t, out)

	assert.Contains(t, out, `(export "Counter.bump/1" (func $Counter_bump_1))`)
	assert.Contains(t, out, `(export "Adder.bump/1" (func $Adder_bump_1))`)
	assert.Contains(t, out, `(export "main" (func $main))`)

	// Field access lowers to raw i64 loads/stores at Counter's field offset.
	assert.Contains(t, out, "i64.load (i32.add (i32.wrap_i64 (local.get $v0)) (i32.const 12))")
	assert.Contains(t, out, "i64.store (i32.add (i32.wrap_i64 (local.get $v0)) (i32.const 12))")

	// The string literal feeds env.print_str, not the bare env.print.
	assert.Contains(t, out, "call $env.print_str")

	// NewBox resolves Counter's assigned type_id (Adder=1, Counter=2 in
	// sorted order) and total header+field size (12-byte header + one slot).
	assert.Contains(t, out, "call $new_box (i32.const 2) (i32.const 20) (i32.const 1)")

	// A virtual call with two reachable implementations renders a real
	// dispatcher function with both type_id arms, not a single direct call.
	assert.Contains(t, out, "(func $dispatch_bump_1")
	assert.Contains(t, out, "call $Counter_bump_1")
	assert.Contains(t, out, "call $Adder_bump_1")
	assert.Contains(t, out, "call $dispatch_bump_1")

	assert.Contains(t, out, "(global $retval (mut i64) (i64.const 0))")
	assert.Contains(t, out, "(func $str_concat")
	assert.Contains(t, out, "(func $str_eq")
	assert.Contains(t, out, "(func $new_box")
}

func TestEmit_FutureGetsReservedTypeIDAndFieldLayout(t *testing.T) {
	mod := buildCounterModule()
	g := New(mod)

	futureID, ok := g.typeIDs["Future"]
	require.True(t, ok, "Future must receive a type_id even though no BoxLayout declares it")
	assert.NotZero(t, futureID)
	for name, id := range g.typeIDs {
		if name != "Future" {
			assert.NotEqual(t, futureID, id, "Future's type_id must not collide with %s", name)
		}
	}

	offsets := g.fieldOffsets("Future")
	assert.Equal(t, map[string]int32{"__value": boxHeaderSize}, offsets)
}

// assertBalancedParens is a structural stand-in for a real WAT parse: the
// example pack's go.mod carries no WAT-to-binary compiler (wazero only
// consumes pre-compiled binaries), so there is no dependency-backed way to
// actually instantiate Emit's output here; this at least catches any
// malformed s-expression emitInst/emitTerminator/emitDispatcher might produce.
func assertBalancedParens(t *testing.T, wat string) {
	t.Helper()
	depth := 0
	for i, r := range wat {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			require.GreaterOrEqual(t, depth, 0, "unbalanced ) at byte %d", i)
		}
	}
	require.Equal(t, 0, depth, "unbalanced parens in emitted WAT:\n%s", wat)
	require.True(t, strings.HasPrefix(wat, ";; generated by"))
}
