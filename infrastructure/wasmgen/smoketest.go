package wasmgen

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// HostImports is the Go-side implementation of the `env` import table the
// emitted `.wat` module declares (spec §4.9 "Host imports"). A browser
// embedding supplies a JavaScript glue layer for these; this package
// supplies a wazero-backed one purely so emitted modules can be
// instantiated and smoke-tested without a browser, mirroring the teacher's
// `infrastructure/wazero` adapter (which bridges the same kind of Go
// host-function table into a wazero runtime) adapted here to the Nyash
// WASM backend's import surface instead of the teacher's request/response
// byte-handler registry.
type HostImports struct {
	Print       func(v int32)
	PrintStr    func(ptr, length int32)
	ConsoleLog  func(ptr, length int32)
	CanvasFillRect func(idPtr, idLen, x, y, w, h, colorPtr, colorLen int32)
	CanvasFillText func(idPtr, idLen, textPtr, textLen, x, y, colorLen int32)
	BoxToString func(boxPtr int32) int32
	BoxPrint    func(boxPtr int32)
	BoxEquals   func(a, b int32) int32
	BoxClone    func(boxPtr int32) int32
}

// NewRecordingHostImports returns a HostImports whose methods append to the
// returned *[]string call log instead of touching a real console/canvas,
// for use in instantiation smoke tests.
func NewRecordingHostImports() (*HostImports, *[]string) {
	log := &[]string{}
	record := func(name string) { *log = append(*log, name) }
	return &HostImports{
		Print:          func(int32) { record("print") },
		PrintStr:       func(int32, int32) { record("print_str") },
		ConsoleLog:     func(int32, int32) { record("console_log") },
		CanvasFillRect: func(int32, int32, int32, int32, int32, int32, int32, int32) { record("canvas_fillRect") },
		CanvasFillText: func(int32, int32, int32, int32, int32, int32, int32) { record("canvas_fillText") },
		BoxToString:    func(int32) int32 { record("box_to_string"); return 0 },
		BoxPrint:       func(int32) { record("box_print") },
		BoxEquals: func(a, b int32) int32 {
			record("box_equals")
			if a == b {
				return 1
			}
			return 0
		},
		BoxClone: func(int32) int32 { record("box_clone"); return 0 },
	}, log
}

// RegisterHostImports builds the `env` host module against rt with the
// exact export names and signatures Emit declares (emit.go's
// emitImports), so an emitted module's imports resolve without edits. The
// returned api.Module is already instantiated; callers close it when done.
func RegisterHostImports(ctx context.Context, rt wazero.Runtime, h *HostImports) (api.Module, error) {
	builder := rt.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, v int32) { h.Print(v) }).
		Export("print")
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, ptr, length int32) { h.PrintStr(ptr, length) }).
		Export("print_str")
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, ptr, length int32) { h.ConsoleLog(ptr, length) }).
		Export("console_log")
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, idPtr, idLen, x, y, w, hh, colorPtr, colorLen int32) {
			h.CanvasFillRect(idPtr, idLen, x, y, w, hh, colorPtr, colorLen)
		}).
		Export("canvas_fillRect")
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, idPtr, idLen, textPtr, textLen, x, y, colorLen int32) {
			h.CanvasFillText(idPtr, idLen, textPtr, textLen, x, y, colorLen)
		}).
		Export("canvas_fillText")
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, boxPtr int32) int32 { return h.BoxToString(boxPtr) }).
		Export("box_to_string")
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, boxPtr int32) { h.BoxPrint(boxPtr) }).
		Export("box_print")
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, a, b int32) int32 { return h.BoxEquals(a, b) }).
		Export("box_equals")
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, boxPtr int32) int32 { return h.BoxClone(boxPtr) }).
		Export("box_clone")

	return builder.Instantiate(ctx)
}
