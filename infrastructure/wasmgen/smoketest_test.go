package wasmgen

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// TestRegisterHostImports_MatchesEmittedImportSignatures instantiates the
// `env` host module and calls every export exactly as an emitted module's
// (import "env" "...") declarations in emit.go's emitImports would, proving
// the Go-side host bridge and the emitted WAT text agree on name/arity
// without needing a full WAT-to-binary pipeline.
func TestRegisterHostImports_MatchesEmittedImportSignatures(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	h, log := NewRecordingHostImports()
	mod, err := RegisterHostImports(ctx, rt, h)
	require.NoError(t, err)
	defer mod.Close(ctx)

	calls := []struct {
		name string
		args []uint64
	}{
		{"print", []uint64{api.EncodeI32(7)}},
		{"print_str", []uint64{0, 5}},
		{"console_log", []uint64{0, 5}},
		{"canvas_fillRect", []uint64{0, 0, 0, 0, 10, 10, 0, 5}},
		{"canvas_fillText", []uint64{0, 0, 0, 5, 0, 0, 5}},
		{"box_to_string", []uint64{1}},
		{"box_print", []uint64{1}},
		{"box_equals", []uint64{1, 1}},
		{"box_clone", []uint64{1}},
	}
	for _, c := range calls {
		fn := mod.ExportedFunction(c.name)
		require.NotNil(t, fn, "missing export %s", c.name)
		_, err := fn.Call(ctx, c.args...)
		require.NoError(t, err, "calling %s", c.name)
	}

	assert.Equal(t, []string{
		"print", "print_str", "console_log", "canvas_fillRect",
		"canvas_fillText", "box_to_string", "box_print", "box_equals", "box_clone",
	}, *log)
}
