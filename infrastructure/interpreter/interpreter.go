// Package interpreter is the tree-walking AST backend: the semantic oracle
// every other backend's output is checked against (spec §5, §9 "VM
// Throw/Catch" decision applied consistently across backends). Unlike the VM
// and WASM backends it never consumes lowered MIR — it walks the parsed
// Program directly, so a divergence between this package and the MIR
// pipeline (application/mirbuild, infrastructure/vm) surfaces a real bug in
// one of the two instead of just reproducing a shared assumption.
package interpreter

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"nyash-core/domain/ast"
	"nyash-core/domain/boxmodel"
	nyasherrors "nyash-core/domain/errors"
	"nyash-core/domain/ports"
	"nyash-core/infrastructure/pluginloader"
	"nyash-core/infrastructure/runtime"
)

// Box is the interpreter's runtime representation of a user-defined or
// builtin Box instance (spec §3.1). Plugin-backed boxes are dispatched by
// type name through the injected ManifestStore rather than carrying a
// Handle inline; see dispatch.
type Box struct {
	TypeName string
	Fields   map[string]any
	Identity uint64
	State    boxmodel.LifecycleState
}

// Interpreter evaluates a parsed Program. It implements ports.Backend so an
// external harness can drive it identically to the VM and WASM backends.
type Interpreter struct {
	prog        *ast.Program
	declsByName map[string]*ast.BoxDeclaration
	plugins     ports.PluginInvoker
	manifests   ports.ManifestStore
	ids         boxmodel.IdentityCounter
	live        map[uint64]*Box
	generation  map[uint64]uint64
	scopes      *runtime.ScopeTracker
	futuresMu   sync.Mutex
	futures     map[uint64]*futureState
	logger      *logrus.Logger
	output      []string
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithPlugins wires a plugin invoker and manifest store for Box types of
// kind boxmodel.KindPlugin (spec §4.6).
func WithPlugins(invoker ports.PluginInvoker, manifests ports.ManifestStore) Option {
	return func(in *Interpreter) {
		in.plugins = invoker
		in.manifests = manifests
	}
}

// WithLogger overrides the logger used to report non-fatal fini errors
// (defaults to logrus.StandardLogger()).
func WithLogger(logger *logrus.Logger) Option {
	return func(in *Interpreter) { in.logger = logger }
}

// New creates an Interpreter over prog.
func New(prog *ast.Program, opts ...Option) *Interpreter {
	in := &Interpreter{
		prog:        prog,
		declsByName: map[string]*ast.BoxDeclaration{},
		live:        map[uint64]*Box{},
		generation:  map[uint64]uint64{},
		futures:     map[uint64]*futureState{},
		scopes:      runtime.NewScopeTracker(),
		logger:      logrus.StandardLogger(),
	}
	for _, d := range prog.Declarations {
		if bd, ok := d.(*ast.BoxDeclaration); ok {
			in.declsByName[bd.Name] = bd
		}
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

func (in *Interpreter) Name() string { return "interpreter" }

// frame is one method/function activation's variable bindings, including
// "me" where applicable. Unlike the MIR backends' SSA-value activation this
// is a plain mutable environment, matching how the AST itself names values.
type frame struct {
	vars map[string]any
}

type ctrl int

const (
	ctrlNone ctrl = iota
	ctrlBreak
	ctrlReturn
)

// Run evaluates entryPoint: top-level statements if the program has any,
// otherwise the implicit "main/0" convention of a Box declaring a zero-arg
// `main`, a static Box taking priority (see findStaticEntry; spec §8 E1, mirrored from
// application/mirbuild's buildStaticEntry so both backends accept the same
// programs without top-level statements).
func (in *Interpreter) Run(ctx context.Context, entryPoint string, args []any) ([]string, any, error) {
	if len(in.prog.Statements) > 0 {
		fr := &frame{vars: map[string]any{}}
		_, v, err := in.execBlock(ctx, fr, in.prog.Statements)
		return in.output, v, err
	}
	boxName, ok := findStaticEntry(in.prog.Declarations)
	if !ok {
		return in.output, nil, &nyasherrors.RuntimeTypeError{
			Detail: fmt.Sprintf("no runnable entry point for %q: no top-level statements and no static Box with a zero-arg main method", entryPoint),
		}
	}
	recv, err := in.constructWithArgs(ctx, boxName, nil)
	if err != nil {
		return in.output, nil, err
	}
	result, err := in.dispatch(ctx, recv, "", "main", nil)
	return in.output, result, err
}

// findStaticEntry locates the implicit entry point Box for a program with no
// top-level statements (spec §8 E1): a Box declared `static` takes priority,
// but any Box declaring a zero-arg `main` method is accepted as a fallback,
// since a program consisting of nothing but a lone `box Main { main() {...} }`
// is otherwise unrunnable. Duplicated from application/mirbuild.findStaticEntry
// since infrastructure packages never import application packages (see
// domain/dependencies_test.go).
func findStaticEntry(decls []ast.Node) (string, bool) {
	fallback, hasFallback := "", false
	for _, d := range decls {
		bd, ok := d.(*ast.BoxDeclaration)
		if !ok {
			continue
		}
		for _, m := range bd.Methods {
			if m.Name != "main" || len(m.Params) != 0 {
				continue
			}
			if bd.Static {
				return bd.Name, true
			}
			if !hasFallback {
				fallback, hasFallback = bd.Name, true
			}
		}
	}
	return fallback, hasFallback
}

// execBlock brackets stmts in their own scope (spec §4.5, §5): Boxes
// allocated within it and never returned or stored into a field finalize,
// in reverse allocation order, when the block exits by any path (normal
// fall-through, break, return, or an uncaught throw propagating through).
func (in *Interpreter) execBlock(ctx context.Context, fr *frame, stmts []ast.Node) (ctrl, any, error) {
	in.scopes.PushScope()
	defer in.scopes.PopScope(ctx)
	return in.execStmts(ctx, fr, stmts)
}

func (in *Interpreter) execStmts(ctx context.Context, fr *frame, stmts []ast.Node) (ctrl, any, error) {
	for _, stmt := range stmts {
		select {
		case <-ctx.Done():
			return ctrlNone, nil, ctx.Err()
		default:
		}
		c, v, err := in.execStmt(ctx, fr, stmt)
		if err != nil || c != ctrlNone {
			return c, v, err
		}
	}
	return ctrlNone, nil, nil
}

func (in *Interpreter) execStmt(ctx context.Context, fr *frame, stmt ast.Node) (ctrl, any, error) {
	switch n := stmt.(type) {
	case *ast.LocalDeclaration:
		var v any
		var err error
		if n.Init != nil {
			v, err = in.evalExpr(ctx, fr, n.Init)
			if err != nil {
				return ctrlNone, nil, err
			}
		}
		fr.vars[n.Name] = v
		return ctrlNone, nil, nil

	case *ast.Assignment:
		return in.execAssignment(ctx, fr, n)

	case *ast.PrintStatement:
		v, err := in.evalExpr(ctx, fr, n.Value)
		if err != nil {
			return ctrlNone, nil, err
		}
		in.output = append(in.output, stringify(v))
		return ctrlNone, nil, nil

	case *ast.Return:
		if n.Value == nil {
			return ctrlReturn, nil, nil
		}
		v, err := in.evalExpr(ctx, fr, n.Value)
		if err != nil {
			return ctrlNone, nil, err
		}
		if b, ok := v.(*Box); ok {
			in.scopes.Untrack(b.Identity) // ownership transfers to the caller (spec §4.5).
		}
		return ctrlReturn, v, nil

	case *ast.Throw:
		v, err := in.evalExpr(ctx, fr, n.Value)
		if err != nil {
			return ctrlNone, nil, err
		}
		return ctrlNone, nil, &nyasherrors.UserError{Value: v}

	case *ast.Break:
		return ctrlBreak, nil, nil

	case *ast.If:
		cond, err := in.evalExpr(ctx, fr, n.Cond)
		if err != nil {
			return ctrlNone, nil, err
		}
		if truthy(cond) {
			return in.execBlock(ctx, fr, n.Then)
		}
		if n.Else != nil {
			return in.execBlock(ctx, fr, n.Else)
		}
		return ctrlNone, nil, nil

	case *ast.Loop:
		for {
			cond, err := in.evalExpr(ctx, fr, n.Cond)
			if err != nil {
				return ctrlNone, nil, err
			}
			if !truthy(cond) {
				return ctrlNone, nil, nil
			}
			c, v, err := in.execBlock(ctx, fr, n.Body)
			if err != nil {
				return ctrlNone, nil, err
			}
			switch c {
			case ctrlBreak:
				return ctrlNone, nil, nil
			case ctrlReturn:
				return ctrlReturn, v, nil
			}
		}

	case *ast.TryCatch:
		return in.execTryCatch(ctx, fr, n)

	default:
		_, err := in.evalExpr(ctx, fr, stmt)
		return ctrlNone, nil, err
	}
}

func (in *Interpreter) execTryCatch(ctx context.Context, fr *frame, n *ast.TryCatch) (ctrl, any, error) {
	c, v, err := in.execBlock(ctx, fr, n.Try)
	if ue, ok := err.(*nyasherrors.UserError); ok {
		fr.vars[n.CatchName] = ue.Value
		c, v, err = in.execBlock(ctx, fr, n.Catch)
	}
	if len(n.Finally) > 0 {
		fc, fv, ferr := in.execBlock(ctx, fr, n.Finally)
		if ferr != nil || fc != ctrlNone {
			return fc, fv, ferr
		}
	}
	return c, v, err
}

func (in *Interpreter) execAssignment(ctx context.Context, fr *frame, n *ast.Assignment) (ctrl, any, error) {
	v, err := in.evalExpr(ctx, fr, n.Value)
	if err != nil {
		return ctrlNone, nil, err
	}
	switch target := n.Target.(type) {
	case *ast.VariableReference:
		if _, declared := fr.vars[target.Name]; !declared {
			return ctrlNone, nil, &nyasherrors.RuntimeTypeError{
				Detail: fmt.Sprintf("assignment to undeclared variable %q; did you mean `local %s`?", target.Name, target.Name),
			}
		}
		fr.vars[target.Name] = v
		return ctrlNone, nil, nil

	case *ast.FieldAccess:
		recvVal, err := in.evalExpr(ctx, fr, target.Receiver)
		if err != nil {
			return ctrlNone, nil, err
		}
		b, err := asBox(recvVal)
		if err != nil {
			return ctrlNone, nil, err
		}
		if err := in.checkAlive(b); err != nil {
			return ctrlNone, nil, err
		}
		if !isMeRef(target.Receiver) {
			if fd, ok := in.fieldDecl(b.TypeName, target.Field); ok && fd.Visibility == boxmodel.Private {
				return ctrlNone, nil, &nyasherrors.RuntimeTypeError{
					Detail: fmt.Sprintf("private field access: %s.%s", b.TypeName, target.Field),
				}
			}
		}
		if err := in.storeField(ctx, b, target.Field, v); err != nil {
			return ctrlNone, nil, err
		}
		return ctrlNone, nil, nil

	default:
		return ctrlNone, nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("unsupported assignment target %T", n.Target)}
	}
}

func (in *Interpreter) evalExpr(ctx context.Context, fr *frame, node ast.Node) (any, error) {
	switch n := node.(type) {
	case *ast.Literal:
		if n.Kind == ast.LiteralNull {
			return nil, nil
		}
		return n.Value, nil

	case *ast.VariableReference:
		v, ok := fr.vars[n.Name]
		if !ok {
			return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("undeclared variable %q", n.Name)}
		}
		return v, nil

	case *ast.BinaryOperation:
		if n.Op == ast.OpAnd {
			l, err := in.evalExpr(ctx, fr, n.Left)
			if err != nil {
				return nil, err
			}
			if !truthy(l) {
				return false, nil
			}
			r, err := in.evalExpr(ctx, fr, n.Right)
			if err != nil {
				return nil, err
			}
			return truthy(r), nil
		}
		if n.Op == ast.OpOr {
			l, err := in.evalExpr(ctx, fr, n.Left)
			if err != nil {
				return nil, err
			}
			if truthy(l) {
				return true, nil
			}
			r, err := in.evalExpr(ctx, fr, n.Right)
			if err != nil {
				return nil, err
			}
			return truthy(r), nil
		}
		l, err := in.evalExpr(ctx, fr, n.Left)
		if err != nil {
			return nil, err
		}
		r, err := in.evalExpr(ctx, fr, n.Right)
		if err != nil {
			return nil, err
		}
		return evalBinaryOp(n.Op, l, r)

	case *ast.UnaryOperation:
		v, err := in.evalExpr(ctx, fr, n.Operand)
		if err != nil {
			return nil, err
		}
		return evalUnaryOp(n.Op, v)

	case *ast.New:
		return in.construct(ctx, fr, n.ClassName, n.Args)

	case *ast.FieldAccess:
		return in.evalFieldAccess(ctx, fr, n)

	case *ast.MethodCall:
		recv, err := in.evalExpr(ctx, fr, n.Receiver)
		if err != nil {
			return nil, err
		}
		args, err := in.evalArgs(ctx, fr, n.Args)
		if err != nil {
			return nil, err
		}
		return in.dispatch(ctx, recv, "", n.Method, args)

	case *ast.FromCall:
		me, ok := fr.vars["me"]
		if !ok {
			return nil, &nyasherrors.RuntimeTypeError{Detail: "`from` used outside a method body"}
		}
		args, err := in.evalArgs(ctx, fr, n.Args)
		if err != nil {
			return nil, err
		}
		return in.dispatch(ctx, me, n.Parent, n.Method, args)

	case *ast.NowaitExpr:
		return in.evalNowait(ctx, fr, n)

	case *ast.AwaitExpr:
		return in.evalAwait(ctx, fr, n)

	default:
		return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("interpreter: unsupported expression %T", node)}
	}
}

func (in *Interpreter) evalArgs(ctx context.Context, fr *frame, nodes []ast.Node) ([]any, error) {
	args := make([]any, len(nodes))
	for i, a := range nodes {
		v, err := in.evalExpr(ctx, fr, a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func (in *Interpreter) evalFieldAccess(ctx context.Context, fr *frame, n *ast.FieldAccess) (any, error) {
	recvVal, err := in.evalExpr(ctx, fr, n.Receiver)
	if err != nil {
		return nil, err
	}
	b, err := asBox(recvVal)
	if err != nil {
		return nil, err
	}
	if err := in.checkAlive(b); err != nil {
		return nil, err
	}
	if !isMeRef(n.Receiver) {
		if fd, ok := in.fieldDecl(b.TypeName, n.Field); ok && fd.Visibility == boxmodel.Private {
			return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("private field access: %s.%s", b.TypeName, n.Field)}
		}
	}
	if ref, ok := b.Fields[n.Field].(boxmodel.WeakRef); ok {
		return in.resolveWeak(ref), nil
	}
	return b.Fields[n.Field], nil
}

func isMeRef(n ast.Node) bool {
	vr, ok := n.(*ast.VariableReference)
	return ok && vr.Name == "me"
}

// construct allocates and births a Box of className (spec §3.3, §3.1
// constructor resolution: birth > pack > init > the Box's own name,
// honored by decl.Constructor as fixed up by the parser). args are
// evaluated left to right before allocation, matching evaluation order of
// every other call form.
func (in *Interpreter) construct(ctx context.Context, fr *frame, className string, argNodes []ast.Node) (*Box, error) {
	args, err := in.evalArgs(ctx, fr, argNodes)
	if err != nil {
		return nil, err
	}
	return in.constructWithArgs(ctx, className, args)
}

func (in *Interpreter) constructWithArgs(ctx context.Context, className string, args []any) (*Box, error) {
	b := &Box{TypeName: className, Fields: map[string]any{}, Identity: in.ids.Next(), State: boxmodel.Constructing}
	decl, ok := in.declsByName[className]
	var manifest ports.BoxManifest
	hasManifest := false
	if ok {
		for _, f := range in.fieldsOf(className) {
			b.Fields[f.Name] = nil
		}
	} else {
		if in.manifests != nil {
			manifest, hasManifest = in.manifests.Lookup(className)
		}
		if !hasManifest && len(args) > 0 {
			b.Fields["__value"] = args[0] // builtin convenience constructor, e.g. new StringBox("hi").
		}
	}
	in.live[b.Identity] = b
	in.scopes.Track(b.Identity, func(c context.Context) { in.finalize(c, b) })
	switch {
	case ok && decl.Constructor != nil:
		if _, err := in.invokeMethod(ctx, b, decl.Constructor, args); err != nil {
			return nil, err
		}
	case hasManifest:
		// `new PluginBox(args)` lowers (per the MIR builder) to NewBox
		// followed immediately by a BoxCall to "birth"; the interpreter
		// walks the AST directly instead of two MIR instructions, so it
		// must perform the same two steps here: host-assigned identity
		// first, then the plugin's birth method over the C-ABI (spec
		// §4.5 "Plugin Box creation invokes the plugin's birth method").
		if _, err := in.invokePlugin(ctx, b, manifest, "birth", args); err != nil {
			return nil, err
		}
	}
	b.State = boxmodel.Alive
	return b, nil
}

// dispatch resolves and invokes a method call. directBoxType is non-empty
// for an explicit `from Parent.method` call, which bypasses virtual lookup
// and walks the MRO starting at Parent (spec §4.2 "FromCall -> BoxCall to
// parent").
func (in *Interpreter) dispatch(ctx context.Context, recv any, directBoxType, method string, args []any) (any, error) {
	b, err := asBox(recv)
	if err != nil {
		return nil, err
	}
	if err := in.checkAlive(b); err != nil {
		return nil, err
	}
	if in.manifests != nil && directBoxType == "" {
		if manifest, ok := in.manifests.Lookup(b.TypeName); ok {
			return in.invokePlugin(ctx, b, manifest, method, args)
		}
	}
	startType := b.TypeName
	if directBoxType != "" {
		startType = directBoxType
	}
	for typeName := startType; typeName != ""; {
		decl, ok := in.declsByName[typeName]
		if !ok {
			break
		}
		for _, m := range decl.Methods {
			if m.Name == method {
				return in.invokeMethod(ctx, b, m, args)
			}
		}
		typeName = decl.Parent
	}
	if builtin, ok := builtinMethods[b.TypeName]; ok {
		if fn, ok := builtin[method]; ok {
			return fn(b, args)
		}
	}
	return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("no method %s.%s", b.TypeName, method)}
}

func (in *Interpreter) invokeMethod(ctx context.Context, recv *Box, m *ast.MethodDefinition, args []any) (any, error) {
	fr := &frame{vars: map[string]any{"me": recv}}
	for i, p := range m.Params {
		if i < len(args) {
			fr.vars[p] = args[i]
		} else {
			fr.vars[p] = nil
		}
	}
	c, v, err := in.execBlock(ctx, fr, m.Body)
	if err != nil {
		return nil, err
	}
	if c == ctrlReturn {
		return v, nil
	}
	return nil, nil
}

func (in *Interpreter) checkAlive(b *Box) error {
	if b.State == boxmodel.Finalized {
		return &nyasherrors.LifecycleError{TypeName: b.TypeName, Identity: b.Identity}
	}
	return nil
}

func (in *Interpreter) resolveWeak(ref boxmodel.WeakRef) any {
	b, ok := in.live[ref.Identity]
	if !ok || b.State == boxmodel.Finalized || in.generation[ref.Identity] != ref.Generation {
		return nil // dangling weak reference resolves to null, never an error (spec §3.2).
	}
	return b
}

func (in *Interpreter) fieldsOf(typeName string) []boxmodel.FieldDecl {
	var fields []boxmodel.FieldDecl
	for name := typeName; name != ""; {
		decl, ok := in.declsByName[name]
		if !ok {
			break
		}
		fields = append(fields, decl.Fields...)
		name = decl.Parent
	}
	return fields
}

func (in *Interpreter) fieldDecl(typeName, field string) (boxmodel.FieldDecl, bool) {
	for _, f := range in.fieldsOf(typeName) {
		if f.Name == field {
			return f, true
		}
	}
	return boxmodel.FieldDecl{}, false
}

// storeField writes value into recv's field, applying the weak-reference
// encoding and the reassignment-cascade rule of spec §4.5: a strong field
// already holding a different Box is finalized before the new value is
// stored, and a Box moving into a field is untracked from its current
// scope (the field's owner is now responsible for it, not the scope that
// allocated it).
func (in *Interpreter) storeField(ctx context.Context, recv *Box, field string, value any) error {
	if fd, ok := in.fieldDecl(recv.TypeName, field); ok && fd.Weak {
		if b, ok := value.(*Box); ok {
			recv.Fields[field] = boxmodel.WeakRef{Identity: b.Identity, Generation: in.generation[b.Identity], TypeName: b.TypeName}
		} else {
			recv.Fields[field] = value
		}
		return nil
	}
	if old, ok := recv.Fields[field].(*Box); ok {
		newBox, same := value.(*Box)
		if !same || newBox.Identity != old.Identity {
			in.finalize(ctx, old)
		}
	}
	if b, ok := value.(*Box); ok {
		in.scopes.Untrack(b.Identity)
	}
	recv.Fields[field] = value
	return nil
}

// finalize runs the cascading finalization algorithm of spec §4.5: invoke
// the user `fini` method if declared, then walk the Box's declared strong
// (non-weak) fields in reverse declaration order finalizing any Box held
// there, then clear fields. Idempotent via the Finalizing/Finalized guard,
// which also makes it safe against field cycles.
func (in *Interpreter) finalize(ctx context.Context, b *Box) {
	if b == nil || b.State == boxmodel.Finalized || b.State == boxmodel.Finalizing {
		return
	}
	b.State = boxmodel.Finalizing
	if decl, ok := in.declsByName[b.TypeName]; ok {
		for _, m := range decl.Methods {
			if m.Name == "fini" {
				if _, err := in.invokeMethod(ctx, b, m, nil); err != nil {
					in.logger.WithError(err).Warnf("fini error on %s#%d", b.TypeName, b.Identity)
				}
				break
			}
		}
	}
	fields := in.fieldsOf(b.TypeName)
	for i := len(fields) - 1; i >= 0; i-- {
		f := fields[i]
		if f.Weak {
			continue
		}
		if child, ok := b.Fields[f.Name].(*Box); ok {
			in.finalize(ctx, child)
		}
	}
	for k := range b.Fields {
		delete(b.Fields, k)
	}
	b.State = boxmodel.Finalized
	in.generation[b.Identity]++
}

// futureState is the shared mutex/condition-variable pair a nowait/await
// pair communicates through (spec §5): nowait spawns a goroutine that signals
// completion, await blocks on the condition variable until it does.
type futureState struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ready bool
	value any
	err   error
}

func (in *Interpreter) evalNowait(ctx context.Context, fr *frame, n *ast.NowaitExpr) (any, error) {
	fut := &Box{TypeName: "Future", Fields: map[string]any{}, Identity: in.ids.Next(), State: boxmodel.Alive}
	in.live[fut.Identity] = fut
	in.scopes.Track(fut.Identity, func(c context.Context) { in.finalize(c, fut) })

	fs := &futureState{}
	fs.cond = sync.NewCond(&fs.mu)
	in.futuresMu.Lock()
	in.futures[fut.Identity] = fs
	in.futuresMu.Unlock()

	childFrame := &frame{vars: cloneVars(fr.vars)}
	go func() {
		v, err := in.evalExpr(context.Background(), childFrame, n.Value)
		fs.mu.Lock()
		fs.value, fs.err, fs.ready = v, err, true
		fs.cond.Broadcast()
		fs.mu.Unlock()
	}()
	return fut, nil
}

func (in *Interpreter) evalAwait(ctx context.Context, fr *frame, n *ast.AwaitExpr) (any, error) {
	v, err := in.evalExpr(ctx, fr, n.Value)
	if err != nil {
		return nil, err
	}
	fut, ok := v.(*Box)
	if !ok || fut.TypeName != "Future" {
		return v, nil // awaiting a non-Future value yields it unchanged.
	}
	in.futuresMu.Lock()
	fs, ok := in.futures[fut.Identity]
	in.futuresMu.Unlock()
	if !ok {
		return nil, nil
	}
	fs.mu.Lock()
	for !fs.ready {
		fs.cond.Wait()
	}
	val, ferr := fs.value, fs.err
	fs.mu.Unlock()
	return val, ferr
}

func cloneVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// invokePlugin bridges a virtual method call to a manifest-declared plugin
// method, encoding Nyash values to TLV and routing through the injected
// ports.PluginInvoker (spec §4.6, §6.3). Plugin instance identity is
// approximated by the host-side Box identity truncated to 32 bits; a
// deployment with more than 2^32 live plugin instances is out of scope.
func (in *Interpreter) invokePlugin(ctx context.Context, b *Box, manifest ports.BoxManifest, method string, args []any) (any, error) {
	mm, ok := manifest.Methods[method]
	if !ok {
		return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("plugin %s has no method %q", manifest.BoxType, method)}
	}
	tlvArgs := make([]pluginloader.TLV, 0, len(args))
	for _, a := range args {
		tlvArgs = append(tlvArgs, toTLV(a))
	}
	code, raw, err := in.plugins.Invoke(ctx, manifest.TypeID, mm.MethodID, uint32(b.Identity), pluginloader.EncodeArgs(tlvArgs))
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

func asBox(v any) (*Box, error) {
	b, ok := v.(*Box)
	if !ok {
		return nil, &nyasherrors.RuntimeTypeError{Detail: fmt.Sprintf("expected Box, got %T", v)}
	}
	return b, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case *Box:
		return fmt.Sprintf("<%s#%d>", t.TypeName, t.Identity)
	default:
		return fmt.Sprintf("%v", t)
	}
}
