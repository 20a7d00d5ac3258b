package wasmgen

import (
	"fmt"
	"strings"

	"nyash-core/domain/mir"
)

// newBoxExpr renders the allocation call for a NewBox instruction: the
// concrete type's assigned type_id (New's sorted, 1-based assignment) and
// its total header+field size, both resolved ahead of time so $new_box
// itself stays a flat, type-agnostic allocator.
func (g *Generator) newBoxExpr(inst *mir.Inst) string {
	slots := g.fieldSlotCount(inst.NewBoxType)
	size := boxHeaderSize + slots*wasmFieldSlot
	return fmt.Sprintf("(call $new_box (i32.const %d) (i32.const %d) (i32.const %d))",
		g.typeIDs[inst.NewBoxType], size, slots)
}

// emitNewBoxHelper emits the allocator used by every OpNewBox: bump-allocate
// size bytes, write the Box header (spec §4.9 "[type_id, ref_count,
// field_count, fields…]"), hand back the pointer widened to the uniform i64
// value representation (see inst.go's asI64 doc).
func (g *Generator) emitNewBoxHelper(b *strings.Builder) {
	b.WriteString("  (func $new_box (param $tid i32) (param $size i32) (param $fields i32) (result i64)\n")
	b.WriteString("    (local $ptr i32)\n")
	b.WriteString("    (local.set $ptr (call $alloc (local.get $size)))\n")
	b.WriteString("    (i32.store (local.get $ptr) (local.get $tid))\n")
	b.WriteString("    (i32.store offset=4 (local.get $ptr) (i32.const 1))\n")
	b.WriteString("    (i32.store offset=8 (local.get $ptr) (local.get $fields))\n")
	b.WriteString("    (i64.extend_i32_u (local.get $ptr)))\n")
}

// emitStringHelpers emits $str_concat and $str_eq, the two String operations
// BinOp/Compare lower to (inst.go's binOpExpr/compareExpr). Strings are
// represented as a packed (addr<<32 | len) i64 throughout (emit.go's
// packedString), so both walk raw bytes through i32.load8_u/i32.store8
// rather than any host import — no string operation needs the host bridge.
func (g *Generator) emitStringHelpers(b *strings.Builder) {
	b.WriteString(`  (func $str_concat (param $a i64) (param $b i64) (result i64)
    (local $aaddr i32) (local $alen i32) (local $baddr i32) (local $blen i32)
    (local $dst i32) (local $i i32)
    (local.set $aaddr (i32.wrap_i64 (i64.shr_u (local.get $a) (i64.const 32))))
    (local.set $alen (i32.wrap_i64 (local.get $a)))
    (local.set $baddr (i32.wrap_i64 (i64.shr_u (local.get $b) (i64.const 32))))
    (local.set $blen (i32.wrap_i64 (local.get $b)))
    (local.set $dst (call $alloc (i32.add (local.get $alen) (local.get $blen))))
    (local.set $i (i32.const 0))
    (block $doneA
      (loop $copyA
        (br_if $doneA (i32.ge_u (local.get $i) (local.get $alen)))
        (i32.store8 (i32.add (local.get $dst) (local.get $i))
          (i32.load8_u (i32.add (local.get $aaddr) (local.get $i))))
        (local.set $i (i32.add (local.get $i) (i32.const 1)))
        (br $copyA)
      )
    )
    (local.set $i (i32.const 0))
    (block $doneB
      (loop $copyB
        (br_if $doneB (i32.ge_u (local.get $i) (local.get $blen)))
        (i32.store8 (i32.add (i32.add (local.get $dst) (local.get $alen)) (local.get $i))
          (i32.load8_u (i32.add (local.get $baddr) (local.get $i))))
        (local.set $i (i32.add (local.get $i) (i32.const 1)))
        (br $copyB)
      )
    )
    (i64.or (i64.shl (i64.extend_i32_u (local.get $dst)) (i64.const 32))
            (i64.extend_i32_u (i32.add (local.get $alen) (local.get $blen)))))
  (func $str_eq (param $a i64) (param $b i64) (result i32)
    (local $aaddr i32) (local $alen i32) (local $baddr i32) (local $blen i32) (local $i i32)
    (local.set $aaddr (i32.wrap_i64 (i64.shr_u (local.get $a) (i64.const 32))))
    (local.set $alen (i32.wrap_i64 (local.get $a)))
    (local.set $baddr (i32.wrap_i64 (i64.shr_u (local.get $b) (i64.const 32))))
    (local.set $blen (i32.wrap_i64 (local.get $b)))
    (if (i32.ne (local.get $alen) (local.get $blen))
      (then (return (i32.const 0))))
    (local.set $i (i32.const 0))
    (block $done
      (loop $cmp
        (br_if $done (i32.ge_u (local.get $i) (local.get $alen)))
        (if (i32.ne (i32.load8_u (i32.add (local.get $aaddr) (local.get $i)))
                    (i32.load8_u (i32.add (local.get $baddr) (local.get $i))))
          (then (return (i32.const 0))))
        (local.set $i (i32.add (local.get $i) (i32.const 1)))
        (br $cmp)
      )
    )
    (i32.const 1))
`)
}
