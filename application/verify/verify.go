// Package verify implements the structural checks every lowered MIR
// function must pass before a backend executes it (spec §4.4).
package verify

import (
	"fmt"

	"nyash-core/domain/boxmodel"
	"nyash-core/domain/errors"
	"nyash-core/domain/mir"
	"nyash-core/domain/mirtypes"
)

// Module runs every check against mod and returns the first violation it
// finds, stopping at the first function that fails; functions are visited
// in map order, so which failing function is reported is not fixed.
func Module(mod *mir.Module) error {
	for name, fn := range mod.Functions {
		if err := Function(mod, fn); err != nil {
			return fmt.Errorf("function %s: %w", name, err)
		}
	}
	return nil
}

// Function runs all structural checks on a single function.
func Function(mod *mir.Module, fn *mir.Function) error {
	if err := checkTerminators(fn); err != nil {
		return err
	}
	dom, err := checkDominance(fn)
	if err != nil {
		return err
	}
	if err := checkPhiConsistency(fn); err != nil {
		return err
	}
	if err := checkUseBeforeDef(fn, dom); err != nil {
		return err
	}
	if err := checkReachability(fn); err != nil {
		return err
	}
	if err := checkOwnershipForest(mod); err != nil {
		return err
	}
	if err := checkEffectOrdering(fn); err != nil {
		return err
	}
	return nil
}

func verr(fn *mir.Function, block *mir.Block, idx int, format string, args ...any) *errors.VerifyError {
	label := ""
	if block != nil {
		label = block.Label
	}
	return &errors.VerifyError{Function: fn.Name, Block: label, InstIndex: idx, Diagnostic: fmt.Sprintf(format, args...)}
}

// checkTerminators requires every block to end with exactly one terminator
// (Branch, Jump, Return, Throw) and contain no terminator before its end.
func checkTerminators(fn *mir.Function) error {
	for _, b := range fn.Blocks {
		if len(b.Insts) == 0 {
			return verr(fn, b, 0, "block has no instructions, missing terminator")
		}
		for i, inst := range b.Insts {
			isTerm := isTerminator(inst.Op)
			last := i == len(b.Insts)-1
			if isTerm && !last {
				return verr(fn, b, i, "terminator %s appears before end of block", inst.Op)
			}
			if !isTerm && last {
				return verr(fn, b, i, "block falls through without a terminator")
			}
		}
	}
	return nil
}

func isTerminator(op mirtypes.Op) bool {
	switch op {
	case mirtypes.OpBranch, mirtypes.OpJump, mirtypes.OpReturn, mirtypes.OpThrow:
		return true
	default:
		return false
	}
}

// domInfo holds each block's immediate dominator and full dominator set,
// computed with the standard iterative data-flow algorithm.
type domInfo struct {
	idom map[mir.BlockID]mir.BlockID
	dominators map[mir.BlockID]map[mir.BlockID]bool
}

func (d *domInfo) dominates(a, b mir.BlockID) bool {
	return d.dominators[b][a]
}

// checkDominance computes dominance and requires the entry block dominate
// every reachable block (a malformed CFG with no path from entry fails).
func checkDominance(fn *mir.Function) (*domInfo, error) {
	order := reachableOrder(fn)
	if len(order) == 0 {
		return nil, verr(fn, nil, 0, "function has no reachable blocks")
	}
	all := map[mir.BlockID]bool{}
	for _, id := range order {
		all[id] = true
	}
	dominators := map[mir.BlockID]map[mir.BlockID]bool{}
	for _, id := range order {
		if id == fn.Entry {
			dominators[id] = map[mir.BlockID]bool{id: true}
		} else {
			dominators[id] = map[mir.BlockID]bool{}
			for other := range all {
				dominators[id][other] = true
			}
		}
	}
	changed := true
	for changed {
		changed = false
		for _, id := range order {
			if id == fn.Entry {
				continue
			}
			b := fn.Block(id)
			var newSet map[mir.BlockID]bool
			for _, pred := range b.Preds {
				if !all[pred] {
					continue
				}
				if newSet == nil {
					newSet = copySet(dominators[pred])
				} else {
					newSet = intersect(newSet, dominators[pred])
				}
			}
			if newSet == nil {
				newSet = map[mir.BlockID]bool{}
			}
			newSet[id] = true
			if !setsEqual(newSet, dominators[id]) {
				dominators[id] = newSet
				changed = true
			}
		}
	}
	idom := map[mir.BlockID]mir.BlockID{}
	for _, id := range order {
		if id == fn.Entry {
			continue
		}
		var best mir.BlockID = -1
		for other := range dominators[id] {
			if other == id {
				continue
			}
			if best == -1 || len(dominators[other]) > len(dominators[best]) {
				best = other
			}
		}
		idom[id] = best
	}
	return &domInfo{idom: idom, dominators: dominators}, nil
}

func copySet(s map[mir.BlockID]bool) map[mir.BlockID]bool {
	out := make(map[mir.BlockID]bool, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func intersect(a, b map[mir.BlockID]bool) map[mir.BlockID]bool {
	out := map[mir.BlockID]bool{}
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}

func setsEqual(a, b map[mir.BlockID]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func reachableOrder(fn *mir.Function) []mir.BlockID {
	visited := map[mir.BlockID]bool{}
	var order []mir.BlockID
	var walk func(id mir.BlockID)
	walk = func(id mir.BlockID) {
		if visited[id] {
			return
		}
		visited[id] = true
		order = append(order, id)
		b := fn.Block(id)
		if b == nil {
			return
		}
		for _, succ := range b.Succs {
			walk(succ)
		}
	}
	walk(fn.Entry)
	return order
}

// checkPhiConsistency requires every Phi to list exactly one incoming value
// per predecessor block, matched by block ID, with no stray predecessors.
func checkPhiConsistency(fn *mir.Function) error {
	for _, b := range fn.Blocks {
		for i, inst := range b.Insts {
			if inst.Op != mirtypes.OpPhi {
				continue
			}
			if len(inst.Args) != len(inst.Blocks) {
				return verr(fn, b, i, "phi has %d values but %d incoming blocks", len(inst.Args), len(inst.Blocks))
			}
			preds := map[mir.BlockID]bool{}
			for _, p := range b.Preds {
				preds[p] = true
			}
			seen := map[mir.BlockID]bool{}
			for _, pred := range inst.Blocks {
				if seen[pred] {
					return verr(fn, b, i, "phi lists predecessor block %d more than once", pred)
				}
				if !preds[pred] {
					return verr(fn, b, i, "phi lists block %d, which is not a predecessor", pred)
				}
				seen[pred] = true
			}
			for p := range preds {
				if !seen[p] {
					return verr(fn, b, i, "phi has no incoming value for predecessor block %d", p)
				}
			}
		}
	}
	return nil
}

// checkUseBeforeDef requires every value used by an instruction to be
// defined by a dominating instruction: either an earlier instruction in the
// same block, or any instruction in a strictly-dominating block. Phi
// instructions are skipped entirely: their operands are not checked here.
func checkUseBeforeDef(fn *mir.Function, dom *domInfo) error {
	defined := map[mir.ValueID]mir.BlockID{}
	for _, p := range fn.Params {
		defined[p] = fn.Entry
	}
	definedAt := map[mir.ValueID]int{}
	for _, b := range fn.Blocks {
		for i, inst := range b.Insts {
			if inst.HasResult {
				defined[inst.Result] = b.ID
				definedAt[inst.Result] = i
			}
		}
	}
	for _, b := range fn.Blocks {
		for i, inst := range b.Insts {
			if inst.Op == mirtypes.OpPhi {
				continue
			}
			for _, arg := range inst.Args {
				defBlock, ok := defined[arg]
				if !ok {
					return verr(fn, b, i, "use of undefined value v%d", arg)
				}
				if defBlock == b.ID {
					if definedAt[arg] >= i {
						return verr(fn, b, i, "value v%d used before its definition in the same block", arg)
					}
					continue
				}
				if !dom.dominates(defBlock, b.ID) {
					return verr(fn, b, i, "value v%d is not defined by a dominating block", arg)
				}
			}
		}
	}
	return nil
}

// checkReachability requires every block to be reachable from the entry
// block; an unreachable block signals a lowering bug rather than dead code
// a later pass should prune (spec treats this as fatal, not a warning).
func checkReachability(fn *mir.Function) error {
	reachable := map[mir.BlockID]bool{}
	for _, id := range reachableOrder(fn) {
		reachable[id] = true
	}
	for _, b := range fn.Blocks {
		if !reachable[b.ID] {
			return verr(fn, b, 0, "block %q is unreachable from the entry block", b.Label)
		}
	}
	return nil
}

// checkOwnershipForest requires two acyclic graphs: the Box-declaration
// inheritance chain (a structural sanity check every parent-chain walk
// elsewhere in this package depends on) and the spec-mandated strong-field
// ownership graph (spec §3.4, §4.4 check 4 / invariant I2): "the directed
// graph of strong fields (BoxA has strong field of type BoxB) is acyclic."
// These are different relations — a Box's parent chain can be acyclic while
// two Box types still hold strong fields of each other's type — so both are
// checked independently.
func checkOwnershipForest(mod *mir.Module) error {
	if err := checkParentChainAcyclic(mod); err != nil {
		return err
	}
	return checkStrongFieldGraphAcyclic(mod)
}

func checkParentChainAcyclic(mod *mir.Module) error {
	visiting := map[string]bool{}
	done := map[string]bool{}
	var walk func(name string) error
	walk = func(name string) error {
		if done[name] {
			return nil
		}
		if visiting[name] {
			return &errors.VerifyError{Diagnostic: fmt.Sprintf("box %q has a cyclic parent chain", name)}
		}
		visiting[name] = true
		layout, ok := mod.Boxes[name]
		if ok && layout.Parent != "" {
			if err := walk(layout.Parent); err != nil {
				return err
			}
		}
		done[name] = true
		return nil
	}
	for name := range mod.Boxes {
		if err := walk(name); err != nil {
			return err
		}
	}
	return nil
}

// checkStrongFieldGraphAcyclic walks, for every declared Box type, each
// non-weak field whose concrete type mirbuild could infer
// (boxmodel.FieldDecl.FieldType; see mirbuild.inferFieldTypes) and rejects a
// cycle in that graph. A field left untyped (inference found no single
// "me.field = new ClassName(...)" assignment) contributes no edge, so this
// check only ever under-approximates rather than reporting a false cycle.
// Weak fields are excluded entirely per spec §3.2/§4.4: cycles through weak
// references are the sanctioned way to break a strong-reference cycle.
func checkStrongFieldGraphAcyclic(mod *mir.Module) error {
	visiting := map[string]bool{}
	done := map[string]bool{}
	var walk func(name, via string) error
	walk = func(name, via string) error {
		if done[name] {
			return nil
		}
		if visiting[name] {
			return &errors.VerifyError{Diagnostic: fmt.Sprintf("box %q has a strong-field ownership cycle through field %q", name, via)}
		}
		visiting[name] = true
		for _, f := range allFields(mod, name) {
			if f.Weak || f.FieldType == "" {
				continue
			}
			if err := walk(f.FieldType, f.Name); err != nil {
				return err
			}
		}
		done[name] = true
		return nil
	}
	for name := range mod.Boxes {
		if err := walk(name, ""); err != nil {
			return err
		}
	}
	return nil
}

// allFields collects a Box type's own fields plus every ancestor's, parent
// chain order (mirrors application/mirbuild.fieldsOf, duplicated here since
// verify must not depend on mirbuild).
func allFields(mod *mir.Module, boxName string) []boxmodel.FieldDecl {
	var fields []boxmodel.FieldDecl
	for name := boxName; name != ""; {
		layout, ok := mod.Boxes[name]
		if !ok {
			break
		}
		fields = append(fields, layout.Fields...)
		name = layout.Parent
	}
	return fields
}

// checkEffectOrdering requires that a block carry at most one Control-effect
// instruction (its terminator) and that every Io-effect instruction precede
// it in program order — a scheduling pass is otherwise free to reorder Pure
// and Mut instructions, but must never float an Io op past the terminator
// (spec §4.3 "Io/Control reordering preservation").
func checkEffectOrdering(fn *mir.Function) error {
	for _, b := range fn.Blocks {
		for i, inst := range b.Insts {
			eff := mirtypes.EffectOf(inst.Op)
			if eff == mirtypes.EffectControl && i != len(b.Insts)-1 {
				return verr(fn, b, i, "control-effect instruction %s must be the block terminator", inst.Op)
			}
		}
	}
	return nil
}
