package wasmgen

import (
	"fmt"
	"sort"
	"strings"

	"nyash-core/domain/mir"
	"nyash-core/domain/mirtypes"
)

// dispatchKey identifies one (method, arity) family of virtual BoxCall sites.
// Every call in the family shares one generated WAT function that resolves
// the concrete target from the receiver's runtime type_id, the WASM
// backend's ahead-of-time stand-in for infrastructure/vm.VM.dispatch's
// per-call parent-chain walk (spec §4.8).
type dispatchKey struct {
	method string
	arity  int
}

func dispatcherName(k dispatchKey) string {
	return fmt.Sprintf("$dispatch_%s_%d", k.method, k.arity)
}

// resolveVirtualFunc walks boxType's parent chain exactly like VM.dispatch,
// returning the first ancestor (boxType itself included) that defines
// method/arity as a lowered MIR function. Built-in methods (Future.resolve,
// the VM's builtinMethods table) are not part of this chain — the WASM
// backend special-cases Future.resolve directly in emitBoxCall instead of
// resolving it here, and has no general built-in method table to fall back
// to otherwise.
func resolveVirtualFunc(mod *mir.Module, boxType, method string, arity int) (string, bool) {
	for name := boxType; name != ""; {
		candidate := wasmgenFunctionName(name, method, arity)
		if _, ok := mod.Functions[candidate]; ok {
			return candidate, true
		}
		layout, ok := mod.Boxes[name]
		if !ok {
			break
		}
		name = layout.Parent
	}
	return "", false
}

// wasmgenFunctionName mirrors application/mirbuild.functionName; duplicated
// here since this package must not depend on mirbuild (the same reasoning
// application/verify.allFields's doc comment gives for its own small
// duplication of application/mirbuild.fieldsOf).
func wasmgenFunctionName(boxName, method string, arity int) string {
	return fmt.Sprintf("%s.%s/%d", boxName, method, arity)
}

// emitDispatchers renders one WAT function per distinct virtual-call family
// found across every function in names.
func (g *Generator) emitDispatchers(b *strings.Builder, names []string) {
	for _, k := range g.collectDispatchKeys(names) {
		g.emitDispatcher(b, k)
	}
}

func (g *Generator) collectDispatchKeys(names []string) []dispatchKey {
	seen := map[dispatchKey]bool{}
	var keys []dispatchKey
	for _, name := range names {
		fn, ok := g.mod.Functions[name]
		if !ok {
			continue
		}
		for _, blk := range fn.Blocks {
			for _, inst := range blk.Insts {
				if inst.Op != mirtypes.OpBoxCall || inst.BoxType != "" {
					continue
				}
				k := dispatchKey{method: inst.MethodName, arity: len(inst.Args) - 1}
				if seen[k] {
					continue
				}
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].arity < keys[j].arity
	})
	return keys
}

// emitDispatcher renders one virtual-call family as a runtime type_id switch
// over every declared Box type (sortedBoxNames, box.go), each arm calling
// straight through to the concrete Type.method/arity function and returning
// its result from the shared `$retval` channel (see emit.go's Emit doc on
// why functions communicate return values through a global rather than a
// WAT (result ...) — application/mirbuild never populates Function.ReturnType,
// so every lowered function is emitted with no declared result). A
// type with no reachable implementation traps: this backend has no
// built-in method table to fall back to the way the VM's builtinMethods does.
func (g *Generator) emitDispatcher(b *strings.Builder, k dispatchKey) {
	fmt.Fprintf(b, "  (func %s (param $recv i64)", dispatcherName(k))
	for i := 0; i < k.arity; i++ {
		fmt.Fprintf(b, " (param $a%d i64)", i)
	}
	b.WriteString(" (result i64)\n")
	b.WriteString("    (local $tid i32)\n")
	b.WriteString("    (local.set $tid (i32.load (i32.wrap_i64 (local.get $recv))))\n")

	argList := func() string {
		parts := []string{"(local.get $recv)"}
		for i := 0; i < k.arity; i++ {
			parts = append(parts, fmt.Sprintf("(local.get $a%d)", i))
		}
		return strings.Join(parts, " ")
	}()

	for _, boxName := range g.sortedBoxNames() {
		target, ok := resolveVirtualFunc(g.mod, boxName, k.method, k.arity)
		if !ok {
			continue
		}
		fmt.Fprintf(b, "    (if (i32.eq (local.get $tid) (i32.const %d))\n", g.typeIDs[boxName])
		b.WriteString("      (then\n")
		fmt.Fprintf(b, "        (call %s %s)\n", watName(target), argList)
		b.WriteString("        (return (global.get $retval))\n")
		b.WriteString("      )\n")
		b.WriteString("    )\n")
	}
	b.WriteString("    (unreachable)\n")
	b.WriteString("  )\n")
}
