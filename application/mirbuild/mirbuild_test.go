package mirbuild

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyash-core/application/parser"
	"nyash-core/domain/mirtypes"
)

func TestBuild_SimpleMethodHasEntryBlockAndReturn(t *testing.T) {
	prog, err := parser.New(`box C { run() { local x = 1 + 2 } }`).Parse()
	require.NoError(t, err)
	mod, err := Build(prog)
	require.NoError(t, err)
	fn, ok := mod.Functions["C.run/0"]
	require.True(t, ok)
	require.NotEmpty(t, fn.Blocks)
	entry := fn.Block(fn.Entry)
	require.NotNil(t, entry)
	term := entry.Terminator()
	require.NotNil(t, term)
	assert.Equal(t, mirtypes.OpReturn, term.Op)
}

func TestBuild_IfInsertsPhiAtMerge(t *testing.T) {
	src := `box C { run() {
		local x = 0
		if true { x = 1 } else { x = 2 }
		return x
	} }`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	mod, err := Build(prog)
	require.NoError(t, err)
	fn := mod.Functions["C.run/0"]
	var sawPhi bool
	for _, b := range fn.Blocks {
		for _, inst := range b.Insts {
			if inst.Op == mirtypes.OpPhi {
				sawPhi = true
			}
		}
	}
	assert.True(t, sawPhi)
}

func TestBuild_LoopHeaderCarriesPhi(t *testing.T) {
	src := `box C { run() {
		local i = 0
		loop(i < 10) { i = i + 1 }
		return i
	} }`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	mod, err := Build(prog)
	require.NoError(t, err)
	fn := mod.Functions["C.run/0"]
	var sawPhi bool
	for _, b := range fn.Blocks {
		if b.Label == "loop.header" {
			for _, inst := range b.Insts {
				if inst.Op == mirtypes.OpPhi {
					sawPhi = true
				}
			}
		}
	}
	assert.True(t, sawPhi)
}

func TestBuild_BreakJumpsToLoopExit(t *testing.T) {
	src := `box C { run() {
		local i = 0
		loop(true) {
			if i == 5 { break }
			i = i + 1
		}
		return i
	} }`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	_, err = Build(prog)
	require.NoError(t, err)
}

func TestBuild_NewInvokesConstructor(t *testing.T) {
	src := `box Point {
		init { x, y }
		birth(px, py) { me.x = px me.y = py }
	}
	box Main { run() { local p = new Point(1, 2) } }`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	mod, err := Build(prog)
	require.NoError(t, err)
	fn := mod.Functions["Main.run/0"]
	var sawBirthCall bool
	for _, b := range fn.Blocks {
		for _, inst := range b.Insts {
			if inst.Op == mirtypes.OpBoxCall && inst.MethodName == "birth" {
				sawBirthCall = true
			}
		}
	}
	assert.True(t, sawBirthCall)
}

func TestBuild_FromCallMarksDirectDispatch(t *testing.T) {
	src := `box Base { greet() { print("base") } }
	box Child from Base { greet() { from Base.greet() } }`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	mod, err := Build(prog)
	require.NoError(t, err)
	fn := mod.Functions["Child.greet/0"]
	var sawDirect bool
	for _, b := range fn.Blocks {
		for _, inst := range b.Insts {
			if inst.Op == mirtypes.OpBoxCall && inst.BoxType == "Base" {
				sawDirect = true
			}
		}
	}
	assert.True(t, sawDirect)
}

func TestBuild_WeakFieldProducesWeakRef(t *testing.T) {
	src := `box Node {
		init { weak parent }
		getParent() { return me.parent }
	}`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	mod, err := Build(prog)
	require.NoError(t, err)
	fn := mod.Functions["Node.getParent/0"]
	var sawWeakRef bool
	for _, b := range fn.Blocks {
		for _, inst := range b.Insts {
			if inst.Op == mirtypes.OpWeakRef {
				sawWeakRef = true
			}
		}
	}
	assert.True(t, sawWeakRef)
}

func TestBuild_InfersFieldTypeFromConstructorAssignment(t *testing.T) {
	src := `box Child { init { weak parent } }
	box Parent {
		init { child }
		birth() { me.child = new Child() }
	}`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	mod, err := Build(prog)
	require.NoError(t, err)
	layout := mod.Boxes["Parent"]
	require.NotNil(t, layout)
	var found bool
	for _, f := range layout.Fields {
		if f.Name == "child" {
			assert.Equal(t, "Child", f.FieldType)
			found = true
		}
	}
	assert.True(t, found)
}

func TestBuild_AmbiguousFieldAssignmentLeavesFieldTypeEmpty(t *testing.T) {
	src := `box A {}
	box B {}
	box C {
		init { thing }
		birth(flag) {
			if flag { me.thing = new A() } else { me.thing = new B() }
		}
	}`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	mod, err := Build(prog)
	require.NoError(t, err)
	layout := mod.Boxes["C"]
	require.NotNil(t, layout)
	for _, f := range layout.Fields {
		if f.Name == "thing" {
			assert.Empty(t, f.FieldType)
		}
	}
}

func TestBuild_UndefinedVariableIsError(t *testing.T) {
	src := `box C { run() { return missing } }`
	prog, err := parser.New(src).Parse()
	require.NoError(t, err)
	_, err = Build(prog)
	require.Error(t, err)
}
