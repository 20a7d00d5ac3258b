package wireformat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyash-core/domain/boxmodel"
	"nyash-core/domain/mir"
	"nyash-core/domain/mirtypes"
)

func sampleModule() *mir.Module {
	mod := mir.NewModule()
	mod.EntryFunc = "main"
	mod.Boxes["Counter"] = &mir.BoxLayout{
		Name: "Counter",
		Fields: []boxmodel.FieldDecl{
			{Name: "count", Visibility: boxmodel.Public},
			{Name: "parent", Visibility: boxmodel.Private, Weak: true},
		},
	}

	fn := &mir.Function{Name: "main", ReturnType: mirtypes.Int()}
	b := fn.NewBlock("entry")
	v0 := fn.NewValue()
	b.Insts = append(b.Insts, &mir.Inst{
		Op: mirtypes.OpConst, Result: v0, Type: mirtypes.Int(), HasResult: true, ConstValue: int64(42),
	})
	b.Insts = append(b.Insts, &mir.Inst{Op: mirtypes.OpReturn, Args: []mir.ValueID{v0}})
	mod.Functions["main"] = fn
	return mod
}

func TestDumpModule_IsDeterministicallyOrdered(t *testing.T) {
	mod := sampleModule()
	mod.Boxes["Animal"] = &mir.BoxLayout{Name: "Animal"}

	dump := DumpModule(mod)
	require.Len(t, dump.Boxes, 2)
	assert.Equal(t, "Animal", dump.Boxes[0].Name)
	assert.Equal(t, "Counter", dump.Boxes[1].Name)
}

func TestDumpModule_ProjectsFieldVisibilityAndWeak(t *testing.T) {
	dump := DumpModule(sampleModule())
	fields := dump.Boxes[0].Fields
	require.Len(t, fields, 2)
	assert.Equal(t, "public", fields[0].Visibility)
	assert.False(t, fields[0].Weak)
	assert.Equal(t, "private", fields[1].Visibility)
	assert.True(t, fields[1].Weak)
}

func TestDumpJSON_RoundTrips(t *testing.T) {
	raw, err := DumpJSON(sampleModule())
	require.NoError(t, err)

	var decoded ModuleDump
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "main", decoded.EntryFunc)
	require.Len(t, decoded.Functions, 1)
	assert.Equal(t, "main", decoded.Functions[0].Name)
	require.Len(t, decoded.Functions[0].Blocks, 1)
	require.Len(t, decoded.Functions[0].Blocks[0].Insts, 2)
	assert.Equal(t, float64(42), decoded.Functions[0].Blocks[0].Insts[0].ConstValue)
}

func TestDumpText_ContainsBlockLabelsAndTerminator(t *testing.T) {
	text := DumpText(sampleModule())
	assert.Contains(t, text, "func main(")
	assert.Contains(t, text, " bb0:")
	assert.Contains(t, text, "Return v0")
	assert.Contains(t, text, "box Counter")
	assert.Contains(t, text, "private weak parent")
}

func TestModuleSchema_GeneratesValidJSON(t *testing.T) {
	raw, err := ModuleSchema()
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(raw, &v))
	assert.NotEmpty(t, v)
}
