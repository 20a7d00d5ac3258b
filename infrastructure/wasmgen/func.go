package wasmgen

import (
	"fmt"
	"strings"

	"nyash-core/domain/mir"
	"nyash-core/domain/mirtypes"
)

// funcCtx carries the per-function state needed while lowering one
// Function's blocks into a WAT dispatch loop: every SSA value's declared
// type (for picking i32/i64/f64 instructions) and the set of Phi results,
// each of which gets an extra phitmp local. The br_table switch dispatches
// on block IDs directly.
type funcCtx struct {
	gen       *Generator
	fn        *mir.Function
	types     map[mir.ValueID]mirtypes.Type
	phiLocals map[mir.ValueID]bool
}

func (g *Generator) emitFunc(b *strings.Builder, fn *mir.Function) error {
	fc := &funcCtx{gen: g, fn: fn, types: map[mir.ValueID]mirtypes.Type{}, phiLocals: map[mir.ValueID]bool{}}
	for i, p := range fn.Params {
		fc.types[p] = fn.ParamTypes[i]
	}
	for _, blk := range fn.Blocks {
		for _, inst := range blk.Insts {
			if inst.HasResult {
				fc.types[inst.Result] = inst.Type
			}
			if inst.Op == mirtypes.OpPhi {
				fc.phiLocals[inst.Result] = true
			}
		}
	}

	fmt.Fprintf(b, "  (func %s", watName(fn.Name))
	for i, p := range fn.Params {
		fmt.Fprintf(b, " (param %s %s)", watLocalName(p), wasmTypeOf(fn.ParamTypes[i]))
	}
	if rt := wasmTypeOf(fn.ReturnType); rt != "" {
		fmt.Fprintf(b, " (result %s)", rt)
	}
	b.WriteString("\n")

	b.WriteString("    (local $pc i32)\n")
	for id, t := range fc.types {
		if isParam(fn, id) {
			continue
		}
		if wasmTypeOf(t) == "" {
			continue // Void-typed result (e.g. a constructor BoxCall) never needs a slot.
		}
		fmt.Fprintf(b, "    (local %s %s)\n", watLocalName(id), wasmTypeOf(t))
	}
	for id := range fc.phiLocals {
		fmt.Fprintf(b, "    (local %s %s)\n", watPhiTemp(id), wasmTypeOf(fc.types[id]))
	}

	fmt.Fprintf(b, "    (local.set $pc (i32.const %d))\n", fn.Entry)
	b.WriteString("    (loop $dispatch\n")
	openBlocks(b, len(fn.Blocks))
	emitBrTable(b, len(fn.Blocks))
	for i, blk := range fn.Blocks {
		b.WriteString("    )\n") // closes block $b{i}, landing exactly here.
		fmt.Fprintf(b, "      ;; block %d (%s)\n", i, blk.Label)
		fc.emitBlockBody(b, blk)
		b.WriteString("      (br $dispatch)\n")
	}
	b.WriteString("    )\n") // closes loop $dispatch
	if wasmTypeOf(fn.ReturnType) != "" {
		b.WriteString(zeroConst(fn.ReturnType) + "\n")
	}
	b.WriteString("  )\n")
	return nil
}

func isParam(fn *mir.Function, id mir.ValueID) bool {
	for _, p := range fn.Params {
		if p == id {
			return true
		}
	}
	return false
}

func watLocalName(id mir.ValueID) string { return fmt.Sprintf("$v%d", id) }
func watPhiTemp(id mir.ValueID) string   { return fmt.Sprintf("$phitmp_v%d", id) }
func watBlockLabel(id mir.BlockID) string { return fmt.Sprintf("$b%d", id) }

// openBlocks opens the nested `(block $bN-1 (block $bN-2 ... (block $b0`
// wrapper the br_table switch-emulation technique needs: branching to label
// $bi exits exactly the blocks nested inside $bi, landing control right
// after that block's own `end`, i.e. exactly at the generated code for
// block i (the same nested-block/br_table shape wazero itself would see
// from any Relooper-style compiler targeting WASM's structured control flow).
func openBlocks(b *strings.Builder, n int) {
	for i := n - 1; i >= 0; i-- {
		fmt.Fprintf(b, "    (block %s\n", watBlockLabel(mir.BlockID(i)))
	}
}

func emitBrTable(b *strings.Builder, n int) {
	b.WriteString("      (br_table")
	for i := 0; i < n; i++ {
		fmt.Fprintf(b, " %s", watBlockLabel(mir.BlockID(i)))
	}
	if n > 0 {
		fmt.Fprintf(b, " %s", watBlockLabel(mir.BlockID(n-1)))
	}
	b.WriteString(" (local.get $pc))\n")
}

func zeroConst(t mirtypes.Type) string {
	switch wasmTypeOf(t) {
	case "i32":
		return "    (i32.const 0)"
	case "f64":
		return "    (f64.const 0)"
	case "i64":
		return "    (i64.const 0)"
	default:
		return ""
	}
}

// phiCopy is one Phi incoming edge resolved to a (destination, source) pair
// for a specific predecessor, the standard SSA-elimination parallel-copy
// technique: copies run through phitmp locals first so cyclic phi chains
// (common at loop headers) read every source before any destination is
// overwritten.
type phiCopy struct {
	dst mir.ValueID
	src mir.ValueID
}

func (fc *funcCtx) phiCopiesInto(target, source mir.BlockID) []phiCopy {
	blk := fc.fn.Block(target)
	if blk == nil {
		return nil
	}
	var copies []phiCopy
	for _, inst := range blk.Insts {
		if inst.Op != mirtypes.OpPhi {
			break
		}
		for i, pred := range inst.Blocks {
			if pred == source {
				copies = append(copies, phiCopy{dst: inst.Result, src: inst.Args[i]})
				break
			}
		}
	}
	return copies
}

func (fc *funcCtx) emitPhiCopies(b *strings.Builder, copies []phiCopy) {
	for _, c := range copies {
		fmt.Fprintf(b, "      (local.set %s (local.get %s))\n", watPhiTemp(c.dst), watLocalName(c.src))
	}
	for _, c := range copies {
		fmt.Fprintf(b, "      (local.set %s (local.get %s))\n", watLocalName(c.dst), watPhiTemp(c.dst))
	}
}

func (fc *funcCtx) setPC(b *strings.Builder, source, target mir.BlockID) {
	fc.emitPhiCopies(b, fc.phiCopiesInto(target, source))
	fmt.Fprintf(b, "      (local.set $pc (i32.const %d))\n", target)
}

func (fc *funcCtx) emitBlockBody(b *strings.Builder, blk *mir.Block) {
	for i, inst := range blk.Insts {
		last := i == len(blk.Insts)-1
		if last {
			fc.emitTerminator(b, blk.ID, inst)
			return
		}
		fc.emitInst(b, inst)
	}
}
