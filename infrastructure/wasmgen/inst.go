package wasmgen

import (
	"fmt"
	"strings"

	"nyash-core/domain/mir"
	"nyash-core/domain/mirtypes"
)

// emitInst lowers one non-terminator instruction to WAT, following the same
// instruction-by-instruction rendering emitFunc already uses for the block
// dispatch loop. Every MIR value is represented uniformly as the one of
// i32 (Bool)/f64 (Float)/i64 (everything else, including packed strings and
// linear-memory pointers) wasmTypeOf already picks per spec.Type — see
// emit.go's wasmTypeOf doc.
func (fc *funcCtx) emitInst(b *strings.Builder, inst *mir.Inst) {
	switch inst.Op {
	case mirtypes.OpConst:
		fc.setResult(b, inst, fc.gen.constExpr(inst))
	case mirtypes.OpCopy:
		fc.setResult(b, inst, fc.get(inst.Args[0]))
	case mirtypes.OpBinOp:
		fc.setResult(b, inst, fc.binOpExpr(inst))
	case mirtypes.OpUnaryOp:
		fc.setResult(b, inst, fc.unaryOpExpr(inst))
	case mirtypes.OpCompare:
		fc.setResult(b, inst, fc.compareExpr(inst))
	case mirtypes.OpPrint:
		fc.emitPrint(b, inst)
	case mirtypes.OpNewBox:
		fc.setResult(b, inst, fc.gen.newBoxExpr(inst))
	case mirtypes.OpBoxFieldLoad:
		fc.setResult(b, inst, fmt.Sprintf("(i64.load %s)", fc.fieldAddrExpr(inst.Args[0], inst.FieldName)))
	case mirtypes.OpBoxFieldStore:
		fmt.Fprintf(b, "      (i64.store %s %s)\n", fc.fieldAddrExpr(inst.Args[0], inst.FieldName), fc.asI64(inst.Args[1]))
	case mirtypes.OpWeakRef:
		fc.emitWeakRef(b, inst)
	case mirtypes.OpBoxCall:
		fc.emitBoxCall(b, inst)
	case mirtypes.OpAwait:
		fc.emitAwait(b, inst)
	case mirtypes.OpPhi:
		// Resolved by the parallel-copy-through-phitmp-locals technique at
		// every predecessor jump (setPC/emitPhiCopies); evaluating the Phi
		// itself here would re-run the copy and clobber the already-set value.
	case mirtypes.OpCatchValue:
		// Bound directly by handler dispatch on the VM backend; this backend
		// has no WASM-level exception unwinding (Throw always traps, see
		// emitTerminator), so a catch block can never actually be entered.
	default:
		fc.emitUnsupported(b, inst)
	}
}

// emitTerminator lowers blk's final instruction, one of the four MIR
// terminators (Branch/Jump/Return/Throw; application/verify.isTerminator
// scopes the set). emitFunc always appends `(br $dispatch)` right after this
// call returns, so Jump/Branch only need to set $pc for the loop to pick up;
// Return/Throw leave that trailing br as dead but valid code.
func (fc *funcCtx) emitTerminator(b *strings.Builder, blockID mir.BlockID, inst *mir.Inst) {
	switch inst.Op {
	case mirtypes.OpBranch:
		cond := fc.asBoolI32(inst.Args[0])
		fmt.Fprintf(b, "      (if %s\n", cond)
		b.WriteString("        (then\n")
		fc.setPC(b, blockID, inst.Blocks[0])
		b.WriteString("        )\n")
		b.WriteString("        (else\n")
		fc.setPC(b, blockID, inst.Blocks[1])
		b.WriteString("        )\n")
		b.WriteString("      )\n")
	case mirtypes.OpJump:
		fc.setPC(b, blockID, inst.Blocks[0])
	case mirtypes.OpReturn:
		if len(inst.Args) > 0 {
			fmt.Fprintf(b, "      (global.set $retval %s)\n", fc.asI64(inst.Args[0]))
		} else {
			b.WriteString("      (global.set $retval (i64.const 0))\n")
		}
		b.WriteString("      (return)\n")
	case mirtypes.OpThrow:
		// SPEC_FULL.md's WASM-backend decision: Throw traps rather than
		// unwinding to a handler, since WAT-level exception handling is out
		// of scope for this backend (the VM alone implements catch).
		b.WriteString("      (unreachable)\n")
	default:
		fc.emitUnsupported(b, inst)
	}
}

// setResult stores expr (a one-value WAT expression) into inst's result
// local, or drops it when the callers before it never gave inst's result a
// usable wire type (a Void-typed result, e.g. a discarded constructor call).
func (fc *funcCtx) setResult(b *strings.Builder, inst *mir.Inst, expr string) {
	if !inst.HasResult || wasmTypeOf(inst.Type) == "" {
		fmt.Fprintf(b, "      (drop %s)\n", expr)
		return
	}
	fmt.Fprintf(b, "      (local.set %s %s)\n", watLocalName(inst.Result), expr)
}

func (fc *funcCtx) get(id mir.ValueID) string { return fmt.Sprintf("(local.get %s)", watLocalName(id)) }

func (fc *funcCtx) wasmType(id mir.ValueID) string { return wasmTypeOf(fc.types[id]) }

// asI64 widens any value to the uniform i64 representation BoxCall's
// generated dispatch functions and return-value channel (`$retval`) always
// use, regardless of the value's own declared wire type.
func (fc *funcCtx) asI64(id mir.ValueID) string {
	switch fc.wasmType(id) {
	case "i32":
		return fmt.Sprintf("(i64.extend_i32_u %s)", fc.get(id))
	case "f64":
		return fmt.Sprintf("(i64.reinterpret_f64 %s)", fc.get(id))
	default:
		return fc.get(id)
	}
}

// asBoolI32 normalizes any value to an i32 truthiness test, needed because
// mirbuild always types UnaryOp/BoxFieldLoad/BoxCall results Unknown (i64)
// even when the source expression is logically a condition (application/
// mirbuild.lowerExpr never narrows to Bool outside OpCompare's literal Bool
// result), so a Branch condition or `!x` operand may arrive as i64 or f64.
func (fc *funcCtx) asBoolI32(id mir.ValueID) string {
	switch fc.wasmType(id) {
	case "i32":
		return fc.get(id)
	case "f64":
		return fmt.Sprintf("(f64.ne %s (f64.const 0))", fc.get(id))
	default:
		return fmt.Sprintf("(i64.ne %s (i64.const 0))", fc.get(id))
	}
}

func zeroExpr(t mirtypes.Type) string {
	switch wasmTypeOf(t) {
	case "i32":
		return "(i32.const 0)"
	case "f64":
		return "(f64.const 0)"
	default:
		return "(i64.const 0)"
	}
}

// constExpr renders an OpConst's literal. String literals resolve through
// collectStrings' pre-assigned address/length, packed the same way
// packedString already does for host-import call sites.
func (g *Generator) constExpr(inst *mir.Inst) string {
	switch v := inst.ConstValue.(type) {
	case bool:
		if v {
			return "(i32.const 1)"
		}
		return "(i32.const 0)"
	case int64:
		return fmt.Sprintf("(i64.const %d)", v)
	case int:
		return fmt.Sprintf("(i64.const %d)", v)
	case float64:
		return fmt.Sprintf("(f64.const %v)", v)
	case string:
		return fmt.Sprintf("(i64.const %d)", packedString(g.strings[v]))
	default:
		return zeroExpr(inst.Type)
	}
}

func (fc *funcCtx) binOpExpr(inst *mir.Inst) string {
	t := fc.types[inst.Args[0]]
	l, r := fc.get(inst.Args[0]), fc.get(inst.Args[1])
	switch inst.BinOp {
	case mirtypes.BinAnd:
		return fmt.Sprintf("(i64.and %s %s)", fc.asI64(inst.Args[0]), fc.asI64(inst.Args[1]))
	case mirtypes.BinOr:
		return fmt.Sprintf("(i64.or %s %s)", fc.asI64(inst.Args[0]), fc.asI64(inst.Args[1]))
	}
	if t.Kind == mirtypes.KindFloat {
		switch inst.BinOp {
		case mirtypes.BinAdd:
			return fmt.Sprintf("(f64.add %s %s)", l, r)
		case mirtypes.BinSub:
			return fmt.Sprintf("(f64.sub %s %s)", l, r)
		case mirtypes.BinMul:
			return fmt.Sprintf("(f64.mul %s %s)", l, r)
		default:
			return fmt.Sprintf("(f64.div %s %s)", l, r)
		}
	}
	if t.Kind == mirtypes.KindString && inst.BinOp == mirtypes.BinAdd {
		return fmt.Sprintf("(call $str_concat %s %s)", l, r)
	}
	switch inst.BinOp {
	case mirtypes.BinAdd:
		return fmt.Sprintf("(i64.add %s %s)", l, r)
	case mirtypes.BinSub:
		return fmt.Sprintf("(i64.sub %s %s)", l, r)
	case mirtypes.BinMul:
		return fmt.Sprintf("(i64.mul %s %s)", l, r)
	default:
		return fmt.Sprintf("(i64.div_s %s %s)", l, r)
	}
}

func (fc *funcCtx) unaryOpExpr(inst *mir.Inst) string {
	t := fc.types[inst.Args[0]]
	switch inst.UnaryOp {
	case mirtypes.UnaryNot:
		// Result is declared Unknown (i64) by mirbuild even for `!x`, so the
		// i32 eqz outcome is widened to match the local it gets stored into.
		return fmt.Sprintf("(i64.extend_i32_u (i32.eqz %s))", fc.asBoolI32(inst.Args[0]))
	default:
		if t.Kind == mirtypes.KindFloat {
			return fmt.Sprintf("(f64.neg %s)", fc.get(inst.Args[0]))
		}
		return fmt.Sprintf("(i64.sub (i64.const 0) %s)", fc.asI64(inst.Args[0]))
	}
}

func (fc *funcCtx) compareExpr(inst *mir.Inst) string {
	t := fc.types[inst.Args[0]]
	l, r := fc.get(inst.Args[0]), fc.get(inst.Args[1])
	if t.Kind == mirtypes.KindString {
		switch inst.Cmp {
		case mirtypes.CmpEq:
			return fmt.Sprintf("(call $str_eq %s %s)", l, r)
		case mirtypes.CmpNe:
			return fmt.Sprintf("(i32.eqz (call $str_eq %s %s))", l, r)
		}
	}
	if t.Kind == mirtypes.KindFloat {
		switch inst.Cmp {
		case mirtypes.CmpEq:
			return fmt.Sprintf("(f64.eq %s %s)", l, r)
		case mirtypes.CmpNe:
			return fmt.Sprintf("(f64.ne %s %s)", l, r)
		case mirtypes.CmpLt:
			return fmt.Sprintf("(f64.lt %s %s)", l, r)
		case mirtypes.CmpGt:
			return fmt.Sprintf("(f64.gt %s %s)", l, r)
		case mirtypes.CmpLe:
			return fmt.Sprintf("(f64.le %s %s)", l, r)
		default:
			return fmt.Sprintf("(f64.ge %s %s)", l, r)
		}
	}
	switch inst.Cmp {
	case mirtypes.CmpEq:
		return fmt.Sprintf("(i64.eq %s %s)", l, r)
	case mirtypes.CmpNe:
		return fmt.Sprintf("(i64.ne %s %s)", l, r)
	case mirtypes.CmpLt:
		return fmt.Sprintf("(i64.lt_s %s %s)", l, r)
	case mirtypes.CmpGt:
		return fmt.Sprintf("(i64.gt_s %s %s)", l, r)
	case mirtypes.CmpLe:
		return fmt.Sprintf("(i64.le_s %s %s)", l, r)
	default:
		return fmt.Sprintf("(i64.ge_s %s %s)", l, r)
	}
}

// emitPrint dispatches to the matching host import: packed strings unpack
// into the (addr, len) pair print_str expects, everything else goes through
// the single-i32-argument print (truncating Float/Box-pointer/Unknown values
// to their low 32 bits, the same "no packed layout" simplification box.go's
// wasmFieldSlot doc already admits for field storage).
func (fc *funcCtx) emitPrint(b *strings.Builder, inst *mir.Inst) {
	arg := inst.Args[0]
	if fc.types[arg].Kind == mirtypes.KindString {
		addr := fmt.Sprintf("(i32.wrap_i64 (i64.shr_u %s (i64.const 32)))", fc.get(arg))
		length := fmt.Sprintf("(i32.wrap_i64 %s)", fc.get(arg))
		fmt.Fprintf(b, "      (call $env.print_str %s %s)\n", addr, length)
		return
	}
	switch fc.wasmType(arg) {
	case "f64":
		fmt.Fprintf(b, "      (call $env.print (i32.trunc_f64_s %s))\n", fc.get(arg))
	case "i32":
		fmt.Fprintf(b, "      (call $env.print %s)\n", fc.get(arg))
	default:
		fmt.Fprintf(b, "      (call $env.print (i32.wrap_i64 %s))\n", fc.get(arg))
	}
}

// fieldBoxType picks the Box type to resolve recv's field offsets against:
// recv's own declared static type when mirbuild recorded one (true for `me`
// and for any value produced by NewBox/New), falling back to the enclosing
// method's receiver type otherwise — mirbuild never attaches a BoxType to
// BoxFieldLoad/Store (unlike BoxCall's explicit `from` dispatch), so this is
// the best static signal codegen has (spec §1: Nyash has no field-type
// syntax, same limitation documented on boxmodel.FieldDecl.FieldType).
func (fc *funcCtx) fieldBoxType(recv mir.ValueID) string {
	if t := fc.types[recv]; t.Kind == mirtypes.KindBox && t.Name != "" {
		return t.Name
	}
	return fc.fn.ReceiverOf
}

func (fc *funcCtx) fieldAddr(recv mir.ValueID, boxType, field string) string {
	off := fc.gen.fieldOffsets(boxType)[field]
	return fmt.Sprintf("(i32.add (i32.wrap_i64 %s) (i32.const %d))", fc.get(recv), off)
}

func (fc *funcCtx) fieldAddrExpr(recv mir.ValueID, field string) string {
	return fc.fieldAddr(recv, fc.fieldBoxType(recv), field)
}

func (fc *funcCtx) emitWeakRef(b *strings.Builder, inst *mir.Inst) {
	switch inst.WeakKind {
	case mirtypes.WeakRefLoad:
		fc.setResult(b, inst, fmt.Sprintf("(i64.load %s)", fc.fieldAddrExpr(inst.Args[0], inst.FieldName)))
	default:
		// WeakRefNew/WeakRefCheck are never produced by mirbuild today; a
		// weak reference is represented identically to a strong one (the raw
		// Box pointer), so creating one is just a passthrough.
		fc.setResult(b, inst, fc.get(inst.Args[0]))
	}
}

// emitAwait resolves `await`: a Future box's resolved value lives in its
// synthetic "__value" field (see box.go's fieldOffsets Future special case
// and builtinMethods' Future.resolve on the VM backend, mirrored here since
// the WASM backend has no plugin/builtin-method table to delegate to); any
// other awaited value passes through unchanged.
func (fc *funcCtx) emitAwait(b *strings.Builder, inst *mir.Inst) {
	arg := inst.Args[0]
	if t := fc.types[arg]; t.Kind == mirtypes.KindBox && t.Name == "Future" {
		fc.setResult(b, inst, fmt.Sprintf("(i64.load %s)", fc.fieldAddr(arg, "Future", "__value")))
		return
	}
	fc.setResult(b, inst, fc.get(arg))
}

// emitBoxCall lowers a method call. A non-empty BoxType is a direct,
// statically-resolved dispatch (`from Parent.method()`); BoxType=="",
// which includes the constructor call mirbuild emits right after NewBox,
// is a virtual call and routes through
// the generated dispatcher for that (method, arity) family (see dispatch.go),
// mirroring infrastructure/vm.VM.dispatch's two call paths.
func (fc *funcCtx) emitBoxCall(b *strings.Builder, inst *mir.Inst) {
	recv := inst.Args[0]
	if t := fc.types[recv]; t.Kind == mirtypes.KindBox && t.Name == "Future" && inst.MethodName == "resolve" {
		fmt.Fprintf(b, "      (i64.store %s %s)\n", fc.fieldAddr(recv, "Future", "__value"), fc.asI64(inst.Args[1]))
		return
	}
	args := make([]string, 0, len(inst.Args))
	for _, a := range inst.Args {
		args = append(args, fc.asI64(a))
	}
	argList := strings.Join(args, " ")
	arity := len(inst.Args) - 1

	var expr string
	if inst.BoxType != "" {
		target, ok := resolveVirtualFunc(fc.gen.mod, inst.BoxType, inst.MethodName, arity)
		if !ok {
			b.WriteString("      (unreachable)\n")
			return
		}
		fmt.Fprintf(b, "      (call %s %s)\n", watName(target), argList)
		expr = "(global.get $retval)"
	} else {
		expr = fmt.Sprintf("(call %s %s)", dispatcherName(dispatchKey{method: inst.MethodName, arity: arity}), argList)
	}
	fc.setResult(b, inst, expr)
}

// emitUnsupported renders a placeholder for the MIR opcodes mirbuild never
// actually produces (Call, Load, Store, ArrayGet/Set, RefNew/Get/Set,
// TypeOp, Barrier, ExternCall — application/mirbuild only ever emits the 17
// opcodes this file's other cases cover). Kept so a future mirbuild change
// degrades to a visible no-op instead of panicking this backend.
func (fc *funcCtx) emitUnsupported(b *strings.Builder, inst *mir.Inst) {
	fmt.Fprintf(b, "      ;; unsupported opcode %s\n", inst.Op)
	if inst.HasResult && wasmTypeOf(inst.Type) != "" {
		fmt.Fprintf(b, "      (local.set %s %s)\n", watLocalName(inst.Result), zeroExpr(inst.Type))
	}
}
