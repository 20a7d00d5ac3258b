package wasmgen

import (
	"sort"

	"nyash-core/domain/mir"
)

// wasmFieldSlot is the uniform per-field storage width in linear memory.
// Every field occupies one 8-byte slot regardless of its declared type
// (Int/Float/Box-pointer/packed-string all fit in 8 bytes), trading memory
// density for a single, alignment-free offset formula — the WASM backend's
// documented memory-layout simplification (spec §4.9 admits the backend
// "does not attempt a packed layout").
const wasmFieldSlot = 8

// fieldOffsets returns the byte offset of every field declared on boxType,
// including inherited fields, ordered parent-first so a subclass's own
// fields land after its parent's (mirrors Go struct embedding order).
func (g *Generator) fieldOffsets(boxType string) map[string]int32 {
	if off, ok := g.fieldOffsetCache[boxType]; ok {
		return off
	}
	if boxType == "Future" {
		if _, declared := g.mod.Boxes["Future"]; !declared {
			// Future is a VM built-in (infrastructure/vm/builtins.go) with no
			// user-facing box declaration, so it never gets a mir.BoxLayout;
			// synthesize the one field inst.go's emitAwait/emitBoxCall need.
			return map[string]int32{"__value": boxHeaderSize}
		}
	}
	var chain []*mir.BoxLayout
	for name := boxType; name != ""; {
		layout, ok := g.mod.Boxes[name]
		if !ok {
			break
		}
		chain = append([]*mir.BoxLayout{layout}, chain...)
		name = layout.Parent
	}
	offsets := map[string]int32{}
	next := int32(boxHeaderSize)
	for _, layout := range chain {
		for _, f := range layout.Fields {
			if _, seen := offsets[f.Name]; seen {
				continue // overridden field keeps its ancestor's slot.
			}
			offsets[f.Name] = next
			next += wasmFieldSlot
		}
	}
	if g.fieldOffsetCache == nil {
		g.fieldOffsetCache = map[string]map[string]int32{}
	}
	g.fieldOffsetCache[boxType] = offsets
	return offsets
}

// fieldSlotCount reports how many 8-byte field slots boxType's header needs.
func (g *Generator) fieldSlotCount(boxType string) int32 {
	return int32(len(g.fieldOffsets(boxType)))
}

// sortedBoxNames returns every declared Box type name in a stable order, used
// both for type_id assignment (New) and for generating virtual dispatch
// branch chains.
func (g *Generator) sortedBoxNames() []string {
	var names []string
	for name := range g.mod.Boxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// isWeakField reports whether boxType declares name as a weak field,
// walking the parent chain the same way fieldOffsets does.
func isWeakField(mod *mir.Module, boxType, name string) bool {
	for bn := boxType; bn != ""; {
		layout, ok := mod.Boxes[bn]
		if !ok {
			break
		}
		for _, f := range layout.Fields {
			if f.Name == name {
				return f.Weak
			}
		}
		bn = layout.Parent
	}
	return false
}
