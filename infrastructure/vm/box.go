package vm

import (
	"context"
	"fmt"

	"nyash-core/domain/boxmodel"
	nyasherrors "nyash-core/domain/errors"
	"nyash-core/domain/mir"
	"nyash-core/domain/ports"
)

// Box is the VM's runtime Box representation. Unlike the interpreter's Box
// (a bare struct the interpreter manages inline), Box implements ports.Box
// in full and is constructed exclusively through the owning VM's
// runtime.Registry, so its lifecycle state and weak-reference generation
// live in one shared place instead of being duplicated per backend (spec
// §4.5 "unified registry").
type Box struct {
	vm       *VM
	fields   map[string]any
	typeName string
	identity uint64
}

func (b *Box) TypeName() string { return b.typeName }
func (b *Box) Identity() uint64 { return b.identity }

// ShareIdentity returns the same Box: assignment and passing by reference
// share identity rather than copying (spec §3.1 "share_identity").
func (b *Box) ShareIdentity() ports.Box { return b }

// CloneDeep recursively copies field values, minting a fresh identity for
// the clone and every nested strong Box field it owns (spec §3.1
// "clone_deep"); weak fields are copied as-is since they name another
// Box's identity, not owned data.
func (b *Box) CloneDeep() (ports.Box, error) {
	fields := make(map[string]any, len(b.fields))
	for name, v := range b.fields {
		if child, ok := v.(*Box); ok {
			c, err := child.CloneDeep()
			if err != nil {
				return nil, err
			}
			fields[name] = c
			continue
		}
		fields[name] = v
	}
	box, err := b.vm.reg.New(context.Background(), b.typeName)
	if err != nil {
		return nil, err
	}
	clone := box.(*Box)
	clone.fields = fields
	return clone, nil
}

func (b *Box) GetField(name string) (any, error) {
	if ref, ok := b.fields[name].(boxmodel.WeakRef); ok {
		return b.resolveWeak(ref), nil
	}
	return b.fields[name], nil
}

func (b *Box) SetField(name string, value any) error {
	if old, ok := b.fields[name].(*Box); ok {
		if nb, ok := value.(*Box); !ok || nb != old {
			if err := b.vm.reg.Finalize(context.Background(), old.identity); err != nil {
				return err
			}
		}
	}
	b.fields[name] = value
	return nil
}

// CallMethod implements ports.Box for callers outside the VM's own
// instruction loop (e.g. a plugin bridging back into host boxes); it
// delegates to the same dispatch the BoxCall opcode uses.
func (b *Box) CallMethod(ctx context.Context, name string, args []any) (any, error) {
	callArgs := append([]any{any(b)}, args...)
	return b.vm.dispatch(ctx, b, "", name, callArgs)
}

// Fini invokes the Box's own declared `fini` method, if any, then cascades
// finalization through strong (non-weak) fields in reverse declaration
// order across the full parent chain (spec §4.5 "reverse init declaration
// order"), relying on the registry's own idempotency guard for the
// re-entrancy rule: the registry never calls Fini twice for the same
// identity. Every field is cleared once cascading completes (spec §4.5
// rule 6), and the first error encountered — from the user fini method or
// from a cascaded child's Finalize — is still returned to the caller after
// the cascade and field-clearing finish, rather than aborting partway
// through (the registry finalizes the receiver regardless, see
// Registry.Finalize).
func (b *Box) Fini(ctx context.Context) error {
	var firstErr error
	if hasFiniMethod(b.vm.mod, b.typeName) {
		if _, err := b.vm.dispatch(ctx, b, "", "fini", []any{any(b)}); err != nil {
			firstErr = err
		}
	}
	fields := fieldChain(b.vm.mod, b.typeName)
	for i := len(fields) - 1; i >= 0; i-- {
		fd := fields[i]
		if fd.Weak {
			continue
		}
		child, ok := b.fields[fd.Name].(*Box)
		if !ok {
			continue
		}
		if err := b.vm.reg.Finalize(ctx, child.identity); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for k := range b.fields {
		delete(b.fields, k)
	}
	return firstErr
}

func (b *Box) IsFinalized() bool { return b.vm.reg.IsFinalized(b.identity) }

// hasFiniMethod reports whether typeName or an ancestor declares a `fini`
// method in the lowered module.
func hasFiniMethod(mod *mir.Module, typeName string) bool {
	for t := typeName; t != ""; {
		if _, ok := mod.Functions[fmt.Sprintf("%s.fini/0", t)]; ok {
			return true
		}
		layout, ok := mod.Boxes[t]
		if !ok {
			break
		}
		t = layout.Parent
	}
	return false
}

func (b *Box) resolveWeak(ref boxmodel.WeakRef) any {
	if b.vm.reg.IsFinalized(ref.Identity) {
		return nil // dangling weak reference resolves to null (spec §3.2).
	}
	resolved, err := b.vm.reg.Resolve(ref.Identity)
	if err != nil {
		return nil
	}
	return resolved
}

func fieldChain(mod *mir.Module, boxName string) []boxmodel.FieldDecl {
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

func asBox(v any) (*Box, error) {
	b, ok := v.(*Box)
	if !ok {
		return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("expected Box, got %T", v)}
	}
	return b, nil
}

// boxFactory claims every Box type the module declares, plus any builtin
// type named in the VM's builtin method table (spec §4.5 priority 10,
// "user-defined boxes").
type boxFactory struct {
	vm *VM
}

func (f *boxFactory) Claims(boxType string) bool {
	if _, ok := f.vm.mod.Boxes[boxType]; ok {
		return true
	}
	_, ok := builtinMethods[boxType]
	return ok
}

func (f *boxFactory) New(ctx context.Context, boxType string) (ports.Box, error) {
	return &Box{vm: f.vm, typeName: boxType, fields: map[string]any{}, identity: f.vm.ids.Next()}, nil
}
