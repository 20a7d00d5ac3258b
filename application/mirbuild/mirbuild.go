// Package mirbuild lowers an AST into the MIR SSA form (spec §4.2). The
// builder is a single forward pass: each statement mutates a per-function
// value environment (variable name -> current SSA value), and control-flow
// constructs insert Phi instructions where branches rejoin.
package mirbuild

import (
	"fmt"

	"nyash-core/domain/ast"
	"nyash-core/domain/boxmodel"
	"nyash-core/domain/mir"
	"nyash-core/domain/mirtypes"
)

// Build lowers a parsed Program into an MIR Module.
func Build(prog *ast.Program) (*mir.Module, error) {
	b := &builder{mod: mir.NewModule()}
	if err := b.buildProgram(prog); err != nil {
		return nil, err
	}
	return b.mod, nil
}

type builder struct {
	mod         *mir.Module
	declsByName map[string]*ast.BoxDeclaration
}

func (b *builder) buildProgram(prog *ast.Program) error {
	b.declsByName = map[string]*ast.BoxDeclaration{}
	for _, decl := range prog.Declarations {
		boxDecl, ok := decl.(*ast.BoxDeclaration)
		if !ok {
			return fmt.Errorf("mirbuild: unexpected top-level declaration %T", decl)
		}
		b.mod.Boxes[boxDecl.Name] = &mir.BoxLayout{
			Name: boxDecl.Name, Parent: boxDecl.Parent, Fields: withInferredFieldTypes(boxDecl),
		}
		b.declsByName[boxDecl.Name] = boxDecl
	}
	for _, decl := range prog.Declarations {
		boxDecl := decl.(*ast.BoxDeclaration)
		for _, method := range boxDecl.Methods {
			fn, err := b.buildMethod(boxDecl, method)
			if err != nil {
				return err
			}
			b.mod.Functions[fn.Name] = fn
		}
	}
	if len(prog.Statements) > 0 {
		fn, err := b.buildTopLevel(prog.Statements)
		if err != nil {
			return err
		}
		b.mod.Functions[fn.Name] = fn
		b.mod.EntryFunc = fn.Name
	} else if boxName, ok := findStaticEntry(prog.Declarations); ok {
		fn, err := b.buildStaticEntry(boxName)
		if err != nil {
			return err
		}
		b.mod.Functions[fn.Name] = fn
		b.mod.EntryFunc = fn.Name
	}
	return nil
}

// findStaticEntry locates the implicit program entry point a source file
// with no top-level statements follows (spec §8 E1 "Hello" form: `static box
// Main { main() {...} }` with nothing outside the box). A Box declared
// `static` takes priority; any other Box declaring a zero-arg `main` method
// is accepted as a fallback so a lone non-static `box Main { main() {...} }`
// remains runnable.
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

// buildStaticEntry synthesizes the "main/0" free function implicitly
// constructing and invoking a static Box's `main` method, following the
// same NewBox+birth-then-call lowering rule as an explicit `new X().m()`
// (spec §4.2).
func (b *builder) buildStaticEntry(boxName string) (*mir.Function, error) {
	fn := &mir.Function{Name: "main/0"}
	entry := fn.NewBlock("entry")
	fn.Entry = entry.ID
	fb := &fnBuilder{mod: b.mod, fn: fn, cur: entry, env: map[string]mir.ValueID{}, fieldWeak: map[string]bool{}, declsByName: b.declsByName}

	recv, err := fb.lowerNew(&ast.New{ClassName: boxName})
	if err != nil {
		return nil, err
	}
	inst := mir.NewInst(mirtypes.OpBoxCall)
	inst.HasResult = true
	inst.Type = mirtypes.Unknown()
	inst.Args = []mir.ValueID{recv}
	inst.MethodName = "main"
	res := fb.emit(inst)
	fb.terminateReturn(&res)
	return fn, nil
}

func functionName(boxName, method string, arity int) string {
	return fmt.Sprintf("%s.%s/%d", boxName, method, arity)
}

func (b *builder) buildMethod(decl *ast.BoxDeclaration, method *ast.MethodDefinition) (*mir.Function, error) {
	fn := &mir.Function{Name: functionName(decl.Name, method.Name, len(method.Params)), ReceiverOf: decl.Name}
	entry := fn.NewBlock("entry")
	fn.Entry = entry.ID

	fb := &fnBuilder{mod: b.mod, fn: fn, cur: entry, env: map[string]mir.ValueID{}, receiverBox: decl.Name, declsByName: b.declsByName}
	fb.fieldWeak = map[string]bool{}
	for _, f := range fieldsOf(b.mod, decl.Name) {
		fb.fieldWeak[f.Name] = f.Weak
	}

	meID := fn.NewValue()
	fn.Params = append(fn.Params, meID)
	fn.ParamTypes = append(fn.ParamTypes, mirtypes.BoxOf(decl.Name))
	fb.env["me"] = meID

	for _, p := range method.Params {
		pid := fn.NewValue()
		fn.Params = append(fn.Params, pid)
		fn.ParamTypes = append(fn.ParamTypes, mirtypes.Unknown())
		fb.env[p] = pid
	}

	terminated, err := fb.lowerStmts(method.Body)
	if err != nil {
		return nil, err
	}
	if !terminated {
		fb.terminateReturn(nil)
	}
	return fn, nil
}

func (b *builder) buildTopLevel(stmts []ast.Node) (*mir.Function, error) {
	fn := &mir.Function{Name: "main/0"}
	entry := fn.NewBlock("entry")
	fn.Entry = entry.ID
	fb := &fnBuilder{mod: b.mod, fn: fn, cur: entry, env: map[string]mir.ValueID{}, fieldWeak: map[string]bool{}, declsByName: b.declsByName}
	terminated, err := fb.lowerStmts(stmts)
	if err != nil {
		return nil, err
	}
	if !terminated {
		fb.terminateReturn(nil)
	}
	return fn, nil
}

// withInferredFieldTypes returns decl's declared fields with FieldType
// filled in from inferFieldTypes, leaving the original AST field slice
// untouched (mir.BoxLayout.Fields must not alias ast.BoxDeclaration.Fields,
// since the verifier's ownership-forest check and a future re-build from the
// same AST should never see inference results smuggled back into the AST).
func withInferredFieldTypes(decl *ast.BoxDeclaration) []boxmodel.FieldDecl {
	inferred := inferFieldTypes(decl)
	fields := make([]boxmodel.FieldDecl, len(decl.Fields))
	for i, f := range decl.Fields {
		f.FieldType = inferred[f.Name]
		fields[i] = f
	}
	return fields
}

// inferFieldTypes does a best-effort static scan of decl's own methods for
// the "me.field = new ClassName(...)" assignment pattern: the only signal
// available for a field's concrete Box type, since Nyash's init block
// carries no field-type syntax (spec §1 "optional declarative annotations",
// §4.4 check 4 / invariant I2 ownership-forest check). A field assigned `new`
// of more than one distinct class name anywhere in the scan is left
// untyped rather than guessed at, so the ownership-forest check only ever
// under-approximates (misses a cycle it has no evidence for) and never
// reports a false cycle from an ambiguous field.
func inferFieldTypes(decl *ast.BoxDeclaration) map[string]string {
	types := map[string]string{}
	ambiguous := map[string]bool{}

	record := func(field, class string) {
		if ambiguous[field] {
			return
		}
		if existing, seen := types[field]; seen {
			if existing != class {
				ambiguous[field] = true
				delete(types, field)
			}
			return
		}
		types[field] = class
	}

	var visit func(n ast.Node)
	var walk func(stmts []ast.Node)
	visit = func(n ast.Node) {
		switch v := n.(type) {
		case *ast.Assignment:
			fa, ok := v.Target.(*ast.FieldAccess)
			if !ok {
				return
			}
			recv, ok := fa.Receiver.(*ast.VariableReference)
			if !ok || recv.Name != "me" {
				return
			}
			if nw, ok := v.Value.(*ast.New); ok {
				record(fa.Field, nw.ClassName)
			}
		case *ast.If:
			walk(v.Then)
			walk(v.Else)
		case *ast.Loop:
			walk(v.Body)
		case *ast.TryCatch:
			walk(v.Try)
			walk(v.Catch)
			walk(v.Finally)
		}
	}
	walk = func(stmts []ast.Node) {
		for _, s := range stmts {
			visit(s)
		}
	}

	for _, m := range decl.Methods {
		walk(m.Body)
	}
	return types
}

// fieldsOf walks the Parent chain (already-registered BoxLayouts) to collect
// the full field list a method body may reference through `me`.
func fieldsOf(mod *mir.Module, boxName string) []boxmodel.FieldDecl {
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

// envPath pairs a block with the value environment live at its exit, the
// unit the Phi-insertion helper merges over.
type envPath struct {
	block mir.BlockID
	env   map[string]mir.ValueID
}

// loopCtx tracks the state `break` needs: where to jump, and the set of
// break-exit paths to merge into the loop's exit block.
type loopCtx struct {
	exit       *mir.Block
	varsOfInterest []string
	breakExits []envPath
}

type fnBuilder struct {
	mod         *mir.Module
	fn          *mir.Function
	cur         *mir.Block
	env         map[string]mir.ValueID
	receiverBox string
	fieldWeak   map[string]bool
	loopStack   []*loopCtx
	declsByName map[string]*ast.BoxDeclaration
}

func copyEnv(env map[string]mir.ValueID) map[string]mir.ValueID {
	out := make(map[string]mir.ValueID, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

func (fb *fnBuilder) emit(inst *mir.Inst) mir.ValueID {
	if inst.HasResult {
		inst.Result = fb.fn.NewValue()
	}
	fb.cur.Insts = append(fb.cur.Insts, inst)
	return inst.Result
}

func (fb *fnBuilder) terminateBranch(cond mir.ValueID, thenB, elseB *mir.Block) {
	inst := mir.NewInst(mirtypes.OpBranch)
	inst.Args = []mir.ValueID{cond}
	inst.Blocks = []mir.BlockID{thenB.ID, elseB.ID}
	fb.cur.Insts = append(fb.cur.Insts, inst)
	fb.cur.Succs = append(fb.cur.Succs, thenB.ID, elseB.ID)
	thenB.Preds = append(thenB.Preds, fb.cur.ID)
	elseB.Preds = append(elseB.Preds, fb.cur.ID)
}

func (fb *fnBuilder) terminateJump(target *mir.Block) {
	inst := mir.NewInst(mirtypes.OpJump)
	inst.Blocks = []mir.BlockID{target.ID}
	fb.cur.Insts = append(fb.cur.Insts, inst)
	fb.cur.Succs = append(fb.cur.Succs, target.ID)
	target.Preds = append(target.Preds, fb.cur.ID)
}

func (fb *fnBuilder) terminateReturn(value *mir.ValueID) {
	inst := mir.NewInst(mirtypes.OpReturn)
	if value != nil {
		inst.Args = []mir.ValueID{*value}
	}
	fb.cur.Insts = append(fb.cur.Insts, inst)
}

func (fb *fnBuilder) terminateThrow(value mir.ValueID) {
	inst := mir.NewInst(mirtypes.OpThrow)
	inst.Args = []mir.ValueID{value}
	fb.cur.Insts = append(fb.cur.Insts, inst)
}

// mergePaths inserts Phi instructions for every name in names whose value
// differs across paths, directly into the (assumed-empty) current block.
func (fb *fnBuilder) mergePaths(paths []envPath, names []string) map[string]mir.ValueID {
	merged := map[string]mir.ValueID{}
	for _, name := range names {
		first, ok := paths[0].env[name]
		same := true
		for _, p := range paths[1:] {
			v, present := p.env[name]
			if !present || v != first {
				same = false
				break
			}
		}
		if !ok {
			continue
		}
		if same || len(paths) == 1 {
			merged[name] = first
			continue
		}
		phi := mir.NewInst(mirtypes.OpPhi)
		phi.HasResult = true
		phi.Result = fb.fn.NewValue()
		phi.Type = mirtypes.Unknown()
		for _, p := range paths {
			v, present := p.env[name]
			if !present {
				v = first
			}
			phi.Args = append(phi.Args, v)
			phi.Blocks = append(phi.Blocks, p.block)
		}
		fb.cur.Insts = append(fb.cur.Insts, phi)
		merged[name] = phi.Result
	}
	return merged
}

// lowerStmts lowers a statement list in the current block, returning true if
// the block was left terminated (Return/Throw/Break) partway through, in
// which case any remaining statements are unreachable and skipped.
func (fb *fnBuilder) lowerStmts(stmts []ast.Node) (bool, error) {
	for _, stmt := range stmts {
		terminated, err := fb.lowerStmt(stmt)
		if err != nil {
			return false, err
		}
		if terminated {
			return true, nil
		}
	}
	return false, nil
}

func (fb *fnBuilder) lowerStmt(node ast.Node) (bool, error) {
	switch n := node.(type) {
	case *ast.LocalDeclaration:
		if n.Init != nil {
			v, err := fb.lowerExpr(n.Init)
			if err != nil {
				return false, err
			}
			fb.env[n.Name] = v
		} else {
			fb.env[n.Name] = fb.emit(&mir.Inst{Op: mirtypes.OpConst, HasResult: true, Type: mirtypes.Unknown(), ConstValue: nil})
		}
		return false, nil
	case *ast.Assignment:
		v, err := fb.lowerExpr(n.Value)
		if err != nil {
			return false, err
		}
		switch target := n.Target.(type) {
		case *ast.VariableReference:
			fb.env[target.Name] = v
		case *ast.FieldAccess:
			recv, err := fb.lowerExpr(target.Receiver)
			if err != nil {
				return false, err
			}
			inst := mir.NewInst(mirtypes.OpBoxFieldStore)
			inst.Args = []mir.ValueID{recv, v}
			inst.FieldName = target.Field
			fb.cur.Insts = append(fb.cur.Insts, inst)
		default:
			return false, fmt.Errorf("mirbuild: unsupported assignment target %T", n.Target)
		}
		return false, nil
	case *ast.PrintStatement:
		v, err := fb.lowerExpr(n.Value)
		if err != nil {
			return false, err
		}
		inst := mir.NewInst(mirtypes.OpPrint)
		inst.Args = []mir.ValueID{v}
		fb.cur.Insts = append(fb.cur.Insts, inst)
		return false, nil
	case *ast.Return:
		if n.Value == nil {
			fb.terminateReturn(nil)
			return true, nil
		}
		v, err := fb.lowerExpr(n.Value)
		if err != nil {
			return false, err
		}
		fb.terminateReturn(&v)
		return true, nil
	case *ast.Throw:
		v, err := fb.lowerExpr(n.Value)
		if err != nil {
			return false, err
		}
		fb.terminateThrow(v)
		return true, nil
	case *ast.Break:
		if len(fb.loopStack) == 0 {
			return false, fmt.Errorf("mirbuild: break outside loop at %d:%d", n.Position.Line, n.Position.Column)
		}
		lc := fb.loopStack[len(fb.loopStack)-1]
		fb.terminateJump(lc.exit)
		lc.breakExits = append(lc.breakExits, envPath{block: fb.cur.ID, env: copyEnv(fb.env)})
		return true, nil
	case *ast.If:
		return false, fb.lowerIf(n)
	case *ast.Loop:
		return false, fb.lowerLoop(n)
	case *ast.TryCatch:
		return fb.lowerTryCatch(n)
	default:
		// Bare expression statement (e.g. a MethodCall used for side effects).
		_, err := fb.lowerExpr(node)
		return false, err
	}
}

func (fb *fnBuilder) lowerIf(n *ast.If) error {
	cond, err := fb.lowerExpr(n.Cond)
	if err != nil {
		return err
	}
	preEnv := copyEnv(fb.env)
	var names []string
	for k := range preEnv {
		names = append(names, k)
	}

	thenBlock := fb.fn.NewBlock("if.then")
	elseBlock := fb.fn.NewBlock("if.else")
	mergeBlock := fb.fn.NewBlock("if.merge")
	fb.terminateBranch(cond, thenBlock, elseBlock)

	var paths []envPath

	fb.cur = thenBlock
	fb.env = copyEnv(preEnv)
	thenTerm, err := fb.lowerStmts(n.Then)
	if err != nil {
		return err
	}
	if !thenTerm {
		fb.terminateJump(mergeBlock)
		paths = append(paths, envPath{block: fb.cur.ID, env: fb.env})
	}

	fb.cur = elseBlock
	fb.env = copyEnv(preEnv)
	if n.Else != nil {
		elseTerm, err := fb.lowerStmts(n.Else)
		if err != nil {
			return err
		}
		if !elseTerm {
			fb.terminateJump(mergeBlock)
			paths = append(paths, envPath{block: fb.cur.ID, env: fb.env})
		}
	} else {
		fb.terminateJump(mergeBlock)
		paths = append(paths, envPath{block: fb.cur.ID, env: fb.env})
	}

	fb.cur = mergeBlock
	if len(paths) == 0 {
		// Both arms terminate (return/throw/break); merge block is
		// unreachable but kept well-formed with a trailing return so the
		// function still has a terminator on every path.
		fb.env = preEnv
		return nil
	}
	fb.env = fb.mergePaths(paths, names)
	return nil
}

// collectAssignedNames finds variable names assigned anywhere within stmts,
// used to decide which pre-loop bindings need a header Phi.
func collectAssignedNames(stmts []ast.Node, out map[string]bool) {
	for _, stmt := range stmts {
		switch n := stmt.(type) {
		case *ast.Assignment:
			if v, ok := n.Target.(*ast.VariableReference); ok {
				out[v.Name] = true
			}
		case *ast.If:
			collectAssignedNames(n.Then, out)
			collectAssignedNames(n.Else, out)
		case *ast.Loop:
			collectAssignedNames(n.Body, out)
		case *ast.TryCatch:
			collectAssignedNames(n.Try, out)
			collectAssignedNames(n.Catch, out)
			collectAssignedNames(n.Finally, out)
		}
	}
}

func (fb *fnBuilder) lowerLoop(n *ast.Loop) error {
	preheader := fb.cur
	preEnv := copyEnv(fb.env)

	candidates := map[string]bool{}
	collectAssignedNames(n.Body, candidates)
	var carried []string
	for name := range candidates {
		if _, ok := preEnv[name]; ok {
			carried = append(carried, name)
		}
	}

	header := fb.fn.NewBlock("loop.header")
	body := fb.fn.NewBlock("loop.body")
	exit := fb.fn.NewBlock("loop.exit")
	fb.terminateJump(header)
	header.Preds = append(header.Preds, preheader.ID)

	fb.cur = header
	phis := map[string]*mir.Inst{}
	headerEnv := copyEnv(preEnv)
	for _, name := range carried {
		phi := mir.NewInst(mirtypes.OpPhi)
		phi.HasResult = true
		phi.Result = fb.fn.NewValue()
		phi.Type = mirtypes.Unknown()
		phi.Args = []mir.ValueID{preEnv[name]}
		phi.Blocks = []mir.BlockID{preheader.ID}
		header.Insts = append(header.Insts, phi)
		phis[name] = phi
		headerEnv[name] = phi.Result
	}
	fb.env = headerEnv

	cond, err := fb.lowerExpr(n.Cond)
	if err != nil {
		return err
	}
	fb.terminateBranch(cond, body, exit)

	lc := &loopCtx{exit: exit, varsOfInterest: carried}
	fb.loopStack = append(fb.loopStack, lc)
	fb.cur = body
	fb.env = copyEnv(headerEnv)
	bodyTerm, err := fb.lowerStmts(n.Body)
	if err != nil {
		return err
	}
	if !bodyTerm {
		fb.terminateJump(header)
		header.Preds = append(header.Preds, fb.cur.ID)
		for _, name := range carried {
			phis[name].Args = append(phis[name].Args, fb.env[name])
			phis[name].Blocks = append(phis[name].Blocks, fb.cur.ID)
		}
	}
	fb.loopStack = fb.loopStack[:len(fb.loopStack)-1]

	fb.cur = exit
	paths := []envPath{{block: header.ID, env: headerEnv}}
	paths = append(paths, lc.breakExits...)
	var names []string
	for k := range preEnv {
		names = append(names, k)
	}
	fb.env = fb.mergePaths(paths, names)
	return nil
}

// lowerTryCatch lowers `try/catch/finally` into a protected block-ID region
// plus a catch entry block (spec §9 "Open question: exception unwind in VM",
// resolved as unwind-with-handler-stack). The try body is lowered into its
// own block so its extent is a clean [start,end) range over fn.Blocks;
// `finally` is duplicated onto both the normal-exit and catch-exit paths,
// since MIR has no ensure/defer primitive (spec has no `finally` lowering
// rule beyond "reserved for future unwind support").
func (fb *fnBuilder) lowerTryCatch(n *ast.TryCatch) (bool, error) {
	preEnv := copyEnv(fb.env)
	var names []string
	for k := range preEnv {
		names = append(names, k)
	}

	tryBlock := fb.fn.NewBlock("try.body")
	fb.terminateJump(tryBlock)
	start := tryBlock.ID

	fb.cur = tryBlock
	fb.env = copyEnv(preEnv)
	tryTerm, err := fb.lowerStmts(n.Try)
	if err != nil {
		return false, err
	}
	end := mir.BlockID(len(fb.fn.Blocks)) // exclusive: everything created while lowering the try body.

	var paths []envPath
	mergeBlock := fb.fn.NewBlock("try.merge")
	if !tryTerm {
		fb.terminateJump(mergeBlock)
		paths = append(paths, envPath{block: fb.cur.ID, env: fb.env})
	}

	if n.Catch != nil {
		catchBlock := fb.fn.NewBlock("try.catch")
		catchValue := fb.fn.NewValue()
		fb.fn.Handlers = append(fb.fn.Handlers, mir.Handler{Start: start, End: end, CatchBlock: catchBlock.ID, CatchValue: catchValue})

		// catchBlock is only ever entered dynamically, via handler dispatch
		// on a thrown value, never by falling through a Branch/Jump. Record
		// tryBlock (the protected region's single structural entry) as its
		// predecessor purely so the verifier's dominance/reachability walk
		// treats it as reachable and lets catch-body references to
		// pre-try locals resolve against their real defining block.
		tryBlock.Succs = append(tryBlock.Succs, catchBlock.ID)
		catchBlock.Preds = append(catchBlock.Preds, tryBlock.ID)
		catchBlock.Insts = append(catchBlock.Insts, &mir.Inst{
			Op: mirtypes.OpCatchValue, HasResult: true, Result: catchValue, Type: mirtypes.Unknown(),
		})

		fb.cur = catchBlock
		fb.env = copyEnv(preEnv)
		fb.env[n.CatchName] = catchValue
		catchTerm, err := fb.lowerStmts(n.Catch)
		if err != nil {
			return false, err
		}
		if !catchTerm {
			fb.terminateJump(mergeBlock)
			paths = append(paths, envPath{block: fb.cur.ID, env: fb.env})
		}
	}

	fb.cur = mergeBlock
	if len(paths) == 0 {
		fb.env = preEnv
	} else {
		fb.env = fb.mergePaths(paths, names)
	}

	if n.Finally != nil {
		finTerm, err := fb.lowerStmts(n.Finally)
		if err != nil {
			return false, err
		}
		return finTerm, nil
	}
	return len(paths) == 0, nil
}

func (fb *fnBuilder) lowerExpr(node ast.Node) (mir.ValueID, error) {
	switch n := node.(type) {
	case *ast.Literal:
		return fb.emit(&mir.Inst{Op: mirtypes.OpConst, HasResult: true, Type: literalType(n.Kind), ConstValue: n.Value}), nil
	case *ast.VariableReference:
		v, ok := fb.env[n.Name]
		if !ok {
			return 0, fmt.Errorf("mirbuild: undefined variable %q at %d:%d (did you mean `local %s`?)", n.Name, n.Position.Line, n.Position.Column, n.Name)
		}
		return v, nil
	case *ast.FieldAccess:
		recv, err := fb.lowerExpr(n.Receiver)
		if err != nil {
			return 0, err
		}
		if fb.fieldWeak[n.Field] {
			inst := mir.NewInst(mirtypes.OpWeakRef)
			inst.HasResult = true
			inst.Type = mirtypes.Unknown()
			inst.Args = []mir.ValueID{recv}
			inst.FieldName = n.Field
			inst.WeakKind = mirtypes.WeakRefLoad
			return fb.emit(inst), nil
		}
		inst := mir.NewInst(mirtypes.OpBoxFieldLoad)
		inst.HasResult = true
		inst.Type = mirtypes.Unknown()
		inst.Args = []mir.ValueID{recv}
		inst.FieldName = n.Field
		return fb.emit(inst), nil
	case *ast.BinaryOperation:
		return fb.lowerBinOp(n)
	case *ast.UnaryOperation:
		operand, err := fb.lowerExpr(n.Operand)
		if err != nil {
			return 0, err
		}
		inst := mir.NewInst(mirtypes.OpUnaryOp)
		inst.HasResult = true
		inst.Type = mirtypes.Unknown()
		inst.Args = []mir.ValueID{operand}
		inst.UnaryOp = unaryOpKind(n.Op)
		return fb.emit(inst), nil
	case *ast.New:
		return fb.lowerNew(n)
	case *ast.MethodCall:
		recv, err := fb.lowerExpr(n.Receiver)
		if err != nil {
			return 0, err
		}
		args, err := fb.lowerArgs(n.Args)
		if err != nil {
			return 0, err
		}
		inst := mir.NewInst(mirtypes.OpBoxCall)
		inst.HasResult = true
		inst.Type = mirtypes.Unknown()
		inst.Args = append([]mir.ValueID{recv}, args...)
		inst.MethodName = n.Method
		return fb.emit(inst), nil
	case *ast.FromCall:
		me, ok := fb.env["me"]
		if !ok {
			return 0, fmt.Errorf("mirbuild: `from` used outside a method body at %d:%d", n.Position.Line, n.Position.Column)
		}
		args, err := fb.lowerArgs(n.Args)
		if err != nil {
			return 0, err
		}
		inst := mir.NewInst(mirtypes.OpBoxCall)
		inst.HasResult = true
		inst.Type = mirtypes.Unknown()
		inst.Args = append([]mir.ValueID{me}, args...)
		inst.MethodName = n.Method
		inst.BoxType = n.Parent // non-empty BoxType signals direct static dispatch, bypassing virtual lookup.
		return fb.emit(inst), nil
	case *ast.NowaitExpr:
		inner, err := fb.lowerExpr(n.Value)
		if err != nil {
			return 0, err
		}
		future := fb.emit(&mir.Inst{Op: mirtypes.OpNewBox, HasResult: true, Type: mirtypes.BoxOf("Future"), NewBoxType: "Future"})
		resolve := mir.NewInst(mirtypes.OpBoxCall)
		resolve.HasResult = true
		resolve.Type = mirtypes.Unknown()
		resolve.Args = []mir.ValueID{future, inner}
		resolve.MethodName = "resolve"
		fb.emit(resolve)
		return future, nil
	case *ast.AwaitExpr:
		inner, err := fb.lowerExpr(n.Value)
		if err != nil {
			return 0, err
		}
		inst := mir.NewInst(mirtypes.OpAwait)
		inst.HasResult = true
		inst.Type = mirtypes.Unknown()
		inst.Args = []mir.ValueID{inner}
		return fb.emit(inst), nil
	default:
		return 0, fmt.Errorf("mirbuild: unsupported expression %T", node)
	}
}

func (fb *fnBuilder) lowerArgs(args []ast.Node) ([]mir.ValueID, error) {
	out := make([]mir.ValueID, 0, len(args))
	for _, a := range args {
		v, err := fb.lowerExpr(a)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// lowerNew allocates the Box and, if the target type declares a
// constructor, invokes it with the call's arguments (spec §3.1 "birth").
func (fb *fnBuilder) lowerNew(n *ast.New) (mir.ValueID, error) {
	v := fb.emit(&mir.Inst{Op: mirtypes.OpNewBox, HasResult: true, Type: mirtypes.BoxOf(n.ClassName), NewBoxType: n.ClassName})
	args, err := fb.lowerArgs(n.Args)
	if err != nil {
		return 0, err
	}
	ctorName := constructorName(fb.declsByName, n.ClassName)
	if ctorName != "" {
		inst := mir.NewInst(mirtypes.OpBoxCall)
		inst.HasResult = true
		inst.Type = mirtypes.Void()
		inst.Args = append([]mir.ValueID{v}, args...)
		inst.MethodName = ctorName
		fb.emit(inst)
	}
	return v, nil
}

// constructorName finds the declared constructor method on boxName, walking
// the candidate names in the priority order spec §3.1/§9 allows
// (`birth`, `pack`, `init`, or a method literally named after the Box).
func constructorName(declsByName map[string]*ast.BoxDeclaration, boxName string) string {
	decl, ok := declsByName[boxName]
	if !ok {
		return ""
	}
	for _, suffix := range []string{"birth", "pack", "init", boxName} {
		for _, m := range decl.Methods {
			if m.Name == suffix {
				return suffix
			}
		}
	}
	return ""
}

func (fb *fnBuilder) lowerBinOp(n *ast.BinaryOperation) (mir.ValueID, error) {
	left, err := fb.lowerExpr(n.Left)
	if err != nil {
		return 0, err
	}
	right, err := fb.lowerExpr(n.Right)
	if err != nil {
		return 0, err
	}
	if cmp, ok := compareKind(n.Op); ok {
		inst := mir.NewInst(mirtypes.OpCompare)
		inst.HasResult = true
		inst.Type = mirtypes.Bool()
		inst.Args = []mir.ValueID{left, right}
		inst.Cmp = cmp
		return fb.emit(inst), nil
	}
	inst := mir.NewInst(mirtypes.OpBinOp)
	inst.HasResult = true
	inst.Type = mirtypes.Unknown()
	inst.Args = []mir.ValueID{left, right}
	inst.BinOp = binOpKind(n.Op)
	return fb.emit(inst), nil
}

func literalType(k ast.LiteralKind) mirtypes.Type {
	switch k {
	case ast.LiteralInt:
		return mirtypes.Int()
	case ast.LiteralFloat:
		return mirtypes.Float()
	case ast.LiteralString:
		return mirtypes.String()
	case ast.LiteralBool:
		return mirtypes.Bool()
	default:
		return mirtypes.Unknown()
	}
}

func compareKind(op ast.BinOpKind) (mirtypes.CompareKind, bool) {
	switch op {
	case ast.OpEq:
		return mirtypes.CmpEq, true
	case ast.OpNe:
		return mirtypes.CmpNe, true
	case ast.OpLt:
		return mirtypes.CmpLt, true
	case ast.OpGt:
		return mirtypes.CmpGt, true
	case ast.OpLe:
		return mirtypes.CmpLe, true
	case ast.OpGe:
		return mirtypes.CmpGe, true
	default:
		return 0, false
	}
}

func binOpKind(op ast.BinOpKind) mirtypes.BinOpKind {
	switch op {
	case ast.OpAdd:
		return mirtypes.BinAdd
	case ast.OpSub:
		return mirtypes.BinSub
	case ast.OpMul:
		return mirtypes.BinMul
	case ast.OpDiv:
		return mirtypes.BinDiv
	case ast.OpAnd:
		return mirtypes.BinAnd
	case ast.OpOr:
		return mirtypes.BinOr
	default:
		return mirtypes.BinAdd
	}
}

func unaryOpKind(op ast.UnaryOpKind) mirtypes.UnaryOpKind {
	if op == ast.UnaryOpNot {
		return mirtypes.UnaryNot
	}
	return mirtypes.UnaryNeg
}
