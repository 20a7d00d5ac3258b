// Package vm is the stack-VM MIR backend: higher throughput than the
// interpreter by trading its map-based activation for a flat per-function
// value slot array, while sharing the same runtime core (registry, scope
// tracker) every backend is built on (spec §4.8).
package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"nyash-core/domain/boxmodel"
	nyasherrors "nyash-core/domain/errors"
	"nyash-core/domain/mir"
	"nyash-core/domain/mirtypes"
	"nyash-core/domain/ports"
	"nyash-core/infrastructure/pluginloader"
	"nyash-core/infrastructure/runtime"
)

// VM evaluates a lowered Module with a slot-array activation record per
// function call. It implements ports.Backend so a harness drives it
// identically to the interpreter.
type VM struct {
	mod       *mir.Module
	reg       *runtime.Registry
	ids       *boxmodel.IdentityCounter
	plugins   ports.PluginInvoker
	manifests ports.ManifestStore
	scopes    *runtime.ScopeTracker
	stats     *Stats
	output    []string
	logger    *logrus.Logger
}

// Option configures a VM.
type Option func(*VM)

// WithLogger overrides the logger used to report non-fatal fini errors
// (defaults to logrus.StandardLogger()), mirroring the interpreter's
// WithLogger option so both backends surface finalization errors the same
// way (spec §4.5 rule 4, §7: "errors during finalization are logged but do
// not abort").
func WithLogger(logger *logrus.Logger) Option {
	return func(v *VM) { v.logger = logger }
}

// WithPlugins wires a plugin invoker and manifest store for Box types of
// kind boxmodel.KindPlugin (spec §4.6, §4.8 "Plugin receiver: delegate to
// plugin loader").
func WithPlugins(invoker ports.PluginInvoker, manifests ports.ManifestStore) Option {
	return func(v *VM) {
		v.plugins = invoker
		v.manifests = manifests
	}
}

// WithStats enables per-opcode execution statistics (spec §4.8 "Stats
// collection"). Stats() returns nil until this option is supplied.
func WithStats() Option {
	return func(v *VM) { v.stats = newStats() }
}

// New creates a VM over mod, wiring a runtime.Registry with a single
// priority-10 factory for every Box type the module declares plus the
// built-in types (spec §4.5 "user-defined boxes" priority band; no
// built-in-only factory is registered separately since the VM's built-in
// Box kinds are allocated the same way user Boxes are, just dispatched to
// builtinMethods instead of a MIR function).
func New(mod *mir.Module, opts ...Option) *VM {
	v := &VM{mod: mod, scopes: runtime.NewScopeTracker(), ids: &boxmodel.IdentityCounter{}, logger: logrus.StandardLogger()}
	v.reg = runtime.New(runtime.WithFactory(10, &boxFactory{vm: v}))
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *VM) Name() string { return "vm" }

// Stats returns the accumulated instruction statistics, or nil if the VM
// was constructed without WithStats.
func (v *VM) Stats() *Stats { return v.stats }

// Run evaluates entryPoint with args and returns everything printed plus
// the function's return value.
func (v *VM) Run(ctx context.Context, entryPoint string, args []any) ([]string, any, error) {
	result, err := v.call(ctx, entryPoint, args)
	return v.output, result, err
}

// activation is one MIR function call's evaluation state: a flat value
// slot array indexed by ValueID (spec §4.8 "value slot array, one per SSA
// value ID") plus the previously-executed block, for Phi resolution.
type activation struct {
	slots     []any
	prevBlock mir.BlockID
}

func (a *activation) get(id mir.ValueID) any {
	if int(id) >= len(a.slots) {
		return nil
	}
	return a.slots[id]
}

func (a *activation) set(id mir.ValueID, val any) {
	if int(id) >= len(a.slots) {
		grown := make([]any, id+1)
		copy(grown, a.slots)
		a.slots = grown
	}
	a.slots[id] = val
}

func (v *VM) call(ctx context.Context, funcName string, args []any) (any, error) {
	fn, ok := v.mod.Functions[funcName]
	if !ok {
		return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("no such function %q", funcName)}
	}
	act := &activation{slots: make([]any, fn.NextValue)}
	for i, p := range fn.Params {
		if i < len(args) {
			act.set(p, args[i])
		}
	}

	v.scopes.PushScope()
	var scopeDone bool
	finishScope := func() {
		if !scopeDone {
			v.scopes.PopScope(ctx)
			scopeDone = true
		}
	}
	defer finishScope()

	blockID := fn.Entry
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		block := fn.Block(blockID)
		if block == nil {
			return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("%s: jump to unknown block %d", funcName, blockID)}
		}
		for _, inst := range block.Insts {
			start := v.statStart()
			switch inst.Op {
			case mirtypes.OpPhi:
				act.set(inst.Result, v.resolvePhi(act, inst))
			case mirtypes.OpConst:
				act.set(inst.Result, inst.ConstValue)
			case mirtypes.OpCopy:
				act.set(inst.Result, act.get(inst.Args[0]))
			case mirtypes.OpBinOp:
				val, err := evalBinOp(inst.BinOp, act.get(inst.Args[0]), act.get(inst.Args[1]))
				if err != nil {
					return nil, err
				}
				act.set(inst.Result, val)
			case mirtypes.OpUnaryOp:
				val, err := evalUnaryOp(inst.UnaryOp, act.get(inst.Args[0]))
				if err != nil {
					return nil, err
				}
				act.set(inst.Result, val)
			case mirtypes.OpCompare:
				val, err := evalCompare(inst.Cmp, act.get(inst.Args[0]), act.get(inst.Args[1]))
				if err != nil {
					return nil, err
				}
				act.set(inst.Result, val)
			case mirtypes.OpPrint:
				v.output = append(v.output, stringify(act.get(inst.Args[0])))
			case mirtypes.OpNewBox:
				box, err := v.reg.New(ctx, inst.NewBoxType)
				if err != nil {
					return nil, err
				}
				b := box.(*Box)
				v.scopes.Track(b.identity, func(c context.Context) {
					if err := v.reg.Finalize(c, b.identity); err != nil {
						v.logger.WithError(err).Warnf("fini error on %s#%d", b.typeName, b.identity)
					}
				})
				act.set(inst.Result, b)
			case mirtypes.OpBoxFieldLoad:
				b, err := asBox(act.get(inst.Args[0]))
				if err != nil {
					return nil, err
				}
				if v.reg.IsFinalized(b.identity) {
					return nil, &nyasherrors.LifecycleError{TypeName: b.typeName, Identity: b.identity}
				}
				fv, err := b.GetField(inst.FieldName)
				if err != nil {
					return nil, err
				}
				act.set(inst.Result, fv)
			case mirtypes.OpBoxFieldStore:
				b, err := asBox(act.get(inst.Args[0]))
				if err != nil {
					return nil, err
				}
				if v.reg.IsFinalized(b.identity) {
					return nil, &nyasherrors.LifecycleError{TypeName: b.typeName, Identity: b.identity}
				}
				val := act.get(inst.Args[1])
				if err := b.SetField(inst.FieldName, val); err != nil {
					return nil, err
				}
				if nb, ok := val.(*Box); ok {
					strong := true
					for _, fd := range fieldChain(v.mod, b.typeName) {
						if fd.Name == inst.FieldName {
							strong = !fd.Weak
							break
						}
					}
					if strong {
						// The owner's cascade finalizes it now, not this scope.
						v.scopes.Untrack(nb.identity)
					}
				}
			case mirtypes.OpWeakRef:
				b, err := asBox(act.get(inst.Args[0]))
				if err != nil {
					return nil, err
				}
				switch inst.WeakKind {
				case mirtypes.WeakRefLoad:
					fv, _ := b.GetField(inst.FieldName)
					act.set(inst.Result, fv)
				default:
					gen, _ := v.reg.Generation(b.identity)
					act.set(inst.Result, boxmodel.WeakRef{Identity: b.identity, Generation: gen, TypeName: b.typeName})
				}
			case mirtypes.OpBoxCall:
				recv := act.get(inst.Args[0])
				callArgs := make([]any, 0, len(inst.Args))
				callArgs = append(callArgs, recv)
				for _, a := range inst.Args[1:] {
					callArgs = append(callArgs, act.get(a))
				}
				val, err := v.dispatch(ctx, recv, inst.BoxType, inst.MethodName, callArgs)
				if err != nil {
					if target, ok := v.tryHandle(fn, blockID, act, err); ok {
						blockID = target
						v.statEnd(inst.Op, start)
						goto nextBlock
					}
					return nil, err
				}
				act.set(inst.Result, val)
			case mirtypes.OpCall:
				callArgs := make([]any, 0, len(inst.Args))
				for _, a := range inst.Args {
					callArgs = append(callArgs, act.get(a))
				}
				val, err := v.call(ctx, inst.FuncName, callArgs)
				if err != nil {
					if target, ok := v.tryHandle(fn, blockID, act, err); ok {
						blockID = target
						v.statEnd(inst.Op, start)
						goto nextBlock
					}
					return nil, err
				}
				act.set(inst.Result, val)
			case mirtypes.OpAwait:
				val := act.get(inst.Args[0])
				if box, ok := val.(*Box); ok && box.typeName == "Future" {
					act.set(inst.Result, box.fields["__value"])
				} else {
					act.set(inst.Result, val)
				}
			case mirtypes.OpTypeOp:
				// Known limitation carried from spec §4.8: TypeCheck is
				// always-true, Cast is a copy. No type metadata survives
				// lowering to MIR for the VM to check against.
				switch inst.TypeOpKind {
				case mirtypes.TypeOpCheck:
					act.set(inst.Result, true)
				default:
					act.set(inst.Result, act.get(inst.Args[0]))
				}
			case mirtypes.OpBranch:
				cond, _ := act.get(inst.Args[0]).(bool)
				next := inst.Blocks[1]
				if cond {
					next = inst.Blocks[0]
				}
				act.prevBlock = blockID
				blockID = next
				v.statEnd(inst.Op, start)
				goto nextBlock
			case mirtypes.OpJump:
				act.prevBlock = blockID
				blockID = inst.Blocks[0]
				v.statEnd(inst.Op, start)
				goto nextBlock
			case mirtypes.OpReturn:
				var result any
				if len(inst.Args) > 0 {
					result = act.get(inst.Args[0])
				}
				v.untrackResult(result)
				finishScope()
				v.statEnd(inst.Op, start)
				return result, nil
			case mirtypes.OpThrow:
				val := act.get(inst.Args[0])
				thrown := &nyasherrors.UserError{Value: val}
				if target, ok := v.tryHandle(fn, blockID, act, thrown); ok {
					blockID = target
					v.statEnd(inst.Op, start)
					goto nextBlock
				}
				finishScope()
				v.statEnd(inst.Op, start)
				return nil, thrown
			case mirtypes.OpCatchValue:
				// Bound by handler dispatch (tryHandle); see mirtypes doc.
			default:
				return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("vm: unsupported opcode %s", inst.Op)}
			}
			v.statEnd(inst.Op, start)
		}
		return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("%s: block %q fell through without a terminator", funcName, block.Label)}
	nextBlock:
		continue
	}
}

func (v *VM) statStart() time.Time {
	if v.stats == nil {
		return time.Time{}
	}
	return time.Now()
}

func (v *VM) statEnd(op mirtypes.Op, start time.Time) {
	if v.stats == nil {
		return
	}
	v.stats.record(op, time.Since(start))
}

// untrackResult removes a returned Box from the current scope's
// finalization set: ownership transfers to the caller instead of being
// released when this call's scope pops (spec §4.5).
func (v *VM) untrackResult(result any) {
	if b, ok := result.(*Box); ok {
		v.scopes.Untrack(b.identity)
	}
}

func (v *VM) resolvePhi(act *activation, inst *mir.Inst) any {
	for i, pred := range inst.Blocks {
		if pred == act.prevBlock {
			return act.get(inst.Args[i])
		}
	}
	if len(inst.Args) > 0 {
		return act.get(inst.Args[0])
	}
	return nil
}

// tryHandle checks whether err is a catchable *nyasherrors.UserError and an
// enclosing try/catch handler covers blockID (spec §9 VM Throw/Catch
// decision: unwind-with-handler-stack). Only UserError is catchable; other
// error kinds always propagate.
func (v *VM) tryHandle(fn *mir.Function, blockID mir.BlockID, act *activation, err error) (mir.BlockID, bool) {
	ue, ok := err.(*nyasherrors.UserError)
	if !ok {
		return 0, false
	}
	h := findHandler(fn, blockID)
	if h == nil {
		return 0, false
	}
	act.set(h.CatchValue, ue.Value)
	act.prevBlock = blockID
	return h.CatchBlock, true
}

// findHandler returns the innermost (smallest block-ID range) handler
// covering block, or nil if no try/catch protects it.
func findHandler(fn *mir.Function, block mir.BlockID) *mir.Handler {
	var best *mir.Handler
	for i := range fn.Handlers {
		h := &fn.Handlers[i]
		if !h.Covers(block) {
			continue
		}
		if best == nil || (h.End-h.Start) < (best.End-best.Start) {
			best = h
		}
	}
	return best
}

// dispatch resolves and invokes a method call, matching the three receiver
// kinds of spec §4.8: InstanceBox (MIR function lookup through the class
// hierarchy), built-in (hard-coded table), plugin (delegate to loader).
// directBoxType is non-empty for an explicit `from Parent.method` call.
func (v *VM) dispatch(ctx context.Context, recv any, directBoxType, method string, args []any) (any, error) {
	b, err := asBox(recv)
	if err != nil {
		return nil, err
	}
	if v.reg.IsFinalized(b.identity) {
		return nil, &nyasherrors.LifecycleError{TypeName: b.typeName, Identity: b.identity}
	}
	arity := len(args) - 1
	startType := b.typeName
	if directBoxType != "" {
		startType = directBoxType
	}
	if v.manifests != nil && directBoxType == "" {
		if manifest, ok := v.manifests.Lookup(b.typeName); ok {
			return v.invokePlugin(ctx, b, manifest, method, args[1:])
		}
	}
	for typeName := startType; typeName != ""; {
		name := fmt.Sprintf("%s.%s/%d", typeName, method, arity)
		if _, ok := v.mod.Functions[name]; ok {
			return v.call(ctx, name, args)
		}
		layout, ok := v.mod.Boxes[typeName]
		if !ok {
			break
		}
		typeName = layout.Parent
	}
	if builtin, ok := builtinMethods[b.typeName]; ok {
		if fn, ok := builtin[method]; ok {
			return fn(b, args[1:])
		}
	}
	return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("no method %s.%s/%d", b.typeName, method, arity)}
}

// invokePlugin bridges a BoxCall to a manifest-declared plugin method,
// encoding Nyash values to TLV and routing through the injected
// ports.PluginInvoker (spec §4.6, §6.3).
func (v *VM) invokePlugin(ctx context.Context, b *Box, manifest ports.BoxManifest, method string, args []any) (any, error) {
	mm, ok := manifest.Methods[method]
	if !ok {
		return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("plugin %s has no method %q", manifest.BoxType, method)}
	}
	tlvArgs := make([]pluginloader.TLV, 0, len(args))
	for _, a := range args {
		tlvArgs = append(tlvArgs, toTLV(a))
	}
	code, raw, err := v.plugins.Invoke(ctx, manifest.TypeID, mm.MethodID, uint32(b.identity), pluginloader.EncodeArgs(tlvArgs))
	if err != nil {
		return nil, err
	}
	if mm.ReturnsResult {
		res, err := pluginloader.WrapResult(manifest.LibraryPath, method, code, raw)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	if code < 0 {
		return nil, &nyasherrors.PluginError{Library: manifest.LibraryPath, Method: method, Code: code}
	}
	vals, err := pluginloader.DecodeArgs(raw)
	if err != nil || len(vals) == 0 {
		return nil, err
	}
	return vals[0].Value, nil
}

func toTLV(v any) pluginloader.TLV {
	switch t := v.(type) {
	case bool:
		return pluginloader.TLV{Tag: pluginloader.TagBool, Value: t}
	case int64:
		return pluginloader.TLV{Tag: pluginloader.TagI64, Value: t}
	case float64:
		return pluginloader.TLV{Tag: pluginloader.TagF64, Value: t}
	case string:
		return pluginloader.TLV{Tag: pluginloader.TagString, Value: t}
	default:
		return pluginloader.TLV{Tag: pluginloader.TagVoid}
	}
}
