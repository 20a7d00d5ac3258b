// Package wasmgen emits self-contained WebAssembly text format (.wat) from a
// lowered MIR module (spec §4.9). Control flow over MIR's arbitrary
// block-ID graph is rendered as a dispatch loop over a `$pc` local, guarded
// by a nested-block/br_table "switch" — the standard technique for
// targeting a structured-control-flow VM (WASM) from an irreducible CFG,
// the same shape text/template rendering plays in the teacher's own
// application/template package, just built incrementally with a
// strings.Builder instead of a single template string since the body is
// generated instruction-by-instruction rather than filled into one fixed
// skeleton.
package wasmgen

import (
	"fmt"
	"sort"
	"strings"

	"nyash-core/domain/mir"
	"nyash-core/domain/mirtypes"
)

// Generator renders one Module to WASM text.
type Generator struct {
	mod              *mir.Module
	typeIDs          map[string]int32
	fieldOffsetCache map[string]map[string]int32
	strings          map[string]stringConst
	nextStringAddr   int32
}

// stringConst is a string literal's fixed address/length in the module's
// static data region (below the $bump_ptr heap).
type stringConst struct {
	addr int32
	len  int32
}

// staticDataBase is where string-literal data segments start; NewBox's bump
// allocator begins well above it (see $bump_ptr in emitAllocator) so literal
// data and heap allocations never collide.
const staticDataBase = 1024

// New creates a Generator over mod.
func New(mod *mir.Module) *Generator {
	g := &Generator{mod: mod, typeIDs: map[string]int32{}, strings: map[string]stringConst{}, nextStringAddr: staticDataBase}
	var names []string
	for name := range mod.Boxes {
		names = append(names, name)
	}
	sort.Strings(names)
	if _, declared := mod.Boxes["Future"]; !declared {
		// Future is a VM built-in with no mir.BoxLayout (box.go's
		// fieldOffsets synthesizes its layout); it still needs a type_id so
		// NewBox("Future") headers never collide with the reserved 0.
		names = append(names, "Future")
	}
	for i, name := range names {
		g.typeIDs[name] = int32(i + 1) // 0 is reserved for "no box".
	}
	g.collectStrings()
	return g
}

// collectStrings pre-scans every function for string Const operands so each
// unique literal gets one fixed address/length pair before any function body
// is rendered (string OpConst lowering needs the address up front).
func (g *Generator) collectStrings() {
	for _, fn := range g.mod.Functions {
		for _, blk := range fn.Blocks {
			for _, inst := range blk.Insts {
				if inst.Op != mirtypes.OpConst {
					continue
				}
				s, ok := inst.ConstValue.(string)
				if !ok {
					continue
				}
				if _, seen := g.strings[s]; seen {
					continue
				}
				g.strings[s] = stringConst{addr: g.nextStringAddr, len: int32(len(s))}
				g.nextStringAddr += int32(len(s))
				if g.nextStringAddr%8 != 0 {
					g.nextStringAddr += 8 - g.nextStringAddr%8
				}
			}
		}
	}
}

// packedString returns the packed (addr<<32 | len) i64 representation used
// throughout this backend for String-typed values, the same convention the
// teacher's own host/wasm.go uses for passing strings across the host
// boundary (there as function arguments; here as the in-module String value
// representation end to end).
func packedString(c stringConst) int64 {
	return int64(uint64(uint32(c.addr))<<32 | uint64(uint32(c.len)))
}

// boxHeaderSize is the Box header layout byte size (spec §4.9 "Box headers
// [type_id: u32, ref_count: u32, field_count: u32, fields…]").
const boxHeaderSize = 12

// Emit renders the whole module as one `.wat` text document.
func (g *Generator) Emit() (string, error) {
	var b strings.Builder
	b.WriteString(";; generated by nyash-core/infrastructure/wasmgen — do not edit by hand.\n")
	b.WriteString("(module\n")
	g.emitImports(&b)
	b.WriteString("  (memory (export \"memory\") 4)\n")
	b.WriteString("  (global $bump_ptr (mut i32) (i32.const 65536))\n")
	// $retval is how a lowered function hands a value back to its caller:
	// application/mirbuild never populates Function.ReturnType, so emitFunc
	// declares every function with no WAT (result ...) — the only channel
	// left for OpReturn's value to reach the caller is this global, written
	// by emitTerminator's Return case and read right after every call site
	// (emitBoxCall) or by a dispatcher function's own (result i64).
	b.WriteString("  (global $retval (mut i64) (i64.const 0))\n")
	g.emitStringData(&b)
	g.emitAllocator(&b)
	g.emitNewBoxHelper(&b)
	g.emitStringHelpers(&b)

	var names []string
	for name := range g.mod.Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := g.emitFunc(&b, g.mod.Functions[name]); err != nil {
			return "", err
		}
		b.WriteString(fmt.Sprintf("  (export %q (func %s))\n", name, watName(name)))
	}
	g.emitDispatchers(&b, names)
	b.WriteString(")\n")
	return b.String(), nil
}

// emitImports declares the host import surface of spec §4.9 "Host imports".
func (g *Generator) emitImports(b *strings.Builder) {
	imports := []string{
		`(import "env" "print" (func $env.print (param i32)))`,
		`(import "env" "print_str" (func $env.print_str (param i32 i32)))`,
		`(import "env" "console_log" (func $env.console_log (param i32 i32)))`,
		`(import "env" "canvas_fillRect" (func $env.canvas_fillRect (param i32 i32 i32 i32 i32 i32 i32 i32)))`,
		`(import "env" "canvas_fillText" (func $env.canvas_fillText (param i32 i32 i32 i32 i32 i32 i32)))`,
		`(import "env" "box_to_string" (func $env.box_to_string (param i32) (result i32)))`,
		`(import "env" "box_print" (func $env.box_print (param i32)))`,
		`(import "env" "box_equals" (func $env.box_equals (param i32 i32) (result i32)))`,
		`(import "env" "box_clone" (func $env.box_clone (param i32) (result i32)))`,
	}
	for _, imp := range imports {
		b.WriteString("  ")
		b.WriteString(imp)
		b.WriteString("\n")
	}
}

// emitAllocator emits the bump allocator backing NewBox (spec §4.9 "a linear
// memory bump allocator"). There is no free: Box lifetime is managed by the
// host-side finalization protocol, not by reclaiming WASM linear memory.
func (g *Generator) emitAllocator(b *strings.Builder) {
	b.WriteString("  (func $alloc (param $size i32) (result i32)\n")
	b.WriteString("    (local $ptr i32)\n")
	b.WriteString("    (local.set $ptr (global.get $bump_ptr))\n")
	b.WriteString("    (global.set $bump_ptr (i32.add (global.get $bump_ptr) (local.get $size)))\n")
	b.WriteString("    (local.get $ptr))\n")
}

// emitStringData writes one data segment per unique string literal at its
// address reserved by collectStrings.
func (g *Generator) emitStringData(b *strings.Builder) {
	var addrs []int32
	byAddr := map[int32]string{}
	for s, c := range g.strings {
		addrs = append(addrs, c.addr)
		byAddr[c.addr] = s
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, addr := range addrs {
		fmt.Fprintf(b, "  (data (i32.const %d) %q)\n", addr, byAddr[addr])
	}
}

func watName(funcName string) string {
	return "$" + strings.NewReplacer("/", "_", ".", "_").Replace(funcName)
}

func wasmTypeOf(t mirtypes.Type) string {
	switch t.Kind {
	case mirtypes.KindBool:
		return "i32"
	case mirtypes.KindFloat:
		return "f64"
	case mirtypes.KindVoid:
		return ""
	default:
		// Int, String (packed ptr<<32|len), Box/BoxRef/Weak/Array (linear
		// memory pointer), Unknown (treated as the general 64-bit slot).
		return "i64"
	}
}
