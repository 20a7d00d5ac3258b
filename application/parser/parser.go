// Package parser implements the recursive-descent parser that turns a token
// stream into an AST (spec §4.1).
package parser

import (
	"fmt"
	"strconv"

	"nyash-core/domain/ast"
	"nyash-core/domain/boxmodel"
	nyasherrors "nyash-core/domain/errors"
	"nyash-core/application/lexer"
)

// DefaultFuel is the parser's default iteration ceiling (spec §4.1, §6.1).
const DefaultFuel = 100_000

// Parser turns a token stream into a Program AST. It enforces a
// must-advance invariant: every loop iteration must consume at least one
// token, bounded by a configurable fuel counter.
type Parser struct {
	lex     *lexer.Lexer
	current lexer.Token
	fuel    int
	maxFuel int
}

// Option configures a Parser.
type Option func(*Parser)

// WithFuel overrides the default parser iteration ceiling. A non-positive
// value means unlimited (spec §6.1 `--debug-fuel unlimited`).
func WithFuel(n int) Option {
	return func(p *Parser) { p.maxFuel = n }
}

// New creates a Parser over src.
func New(src string, opts ...Option) *Parser {
	p := &Parser{lex: lexer.New(src), maxFuel: DefaultFuel}
	for _, opt := range opts {
		opt(p)
	}
	p.current = p.lex.Next()
	return p
}

// checkFuel is called at the top of every parsing loop body; it counts one
// unit of fuel per call and fails once more than maxFuel units are spent
// (a maxFuel of zero or less disables the limit).
func (p *Parser) checkFuel() error {
	if p.maxFuel <= 0 {
		return nil
	}
	p.fuel++
	if p.fuel > p.maxFuel {
		return &nyasherrors.ParseError{
			Line: p.current.Line, Column: p.current.Column, Token: p.current.Text,
			Suggestion: fmt.Sprintf("parser fuel (%d iterations) exhausted; pass --debug-fuel to raise the ceiling", p.maxFuel),
		}
	}
	return nil
}

func (p *Parser) pos() ast.Position {
	return ast.Position{Line: p.current.Line, Column: p.current.Column}
}

func (p *Parser) advance() lexer.Token {
	t := p.current
	p.current = p.lex.Next()
	return t
}

func (p *Parser) at(kind lexer.TokenKind, text string) bool {
	return p.current.Kind == kind && (text == "" || p.current.Text == text)
}

func (p *Parser) atKeyword(kw string) bool { return p.at(lexer.TokenKeyword, kw) }
func (p *Parser) atPunct(s string) bool    { return p.at(lexer.TokenPunct, s) }
func (p *Parser) atOp(s string) bool       { return p.at(lexer.TokenOperator, s) }

func (p *Parser) expectPunct(s string) (lexer.Token, error) {
	if !p.atPunct(s) {
		return lexer.Token{}, p.errorf([]string{s}, "")
	}
	return p.advance(), nil
}

func (p *Parser) expectKeyword(s string) (lexer.Token, error) {
	if !p.atKeyword(s) {
		return lexer.Token{}, p.errorf([]string{s}, "")
	}
	return p.advance(), nil
}

func (p *Parser) expectIdent() (string, error) {
	if p.current.Kind != lexer.TokenIdent {
		return "", p.errorf([]string{"identifier"}, "")
	}
	return p.advance().Text, nil
}

func (p *Parser) errorf(expected []string, suggestion string) error {
	return &nyasherrors.ParseError{
		Line: p.current.Line, Column: p.current.Column, Token: p.current.Text,
		Expected: expected, Suggestion: suggestion,
	}
}

// Parse parses the whole token stream into a Program.
func (p *Parser) Parse() (*ast.Program, error) {
	prog := &ast.Program{Position: p.pos()}
	for p.current.Kind != lexer.TokenEOF {
		if err := p.checkFuel(); err != nil {
			return nil, err
		}
		before := p.current
		switch {
		case p.atKeyword("static") || p.atKeyword("box"):
			decl, err := p.parseBoxDeclaration()
			if err != nil {
				return nil, err
			}
			prog.Declarations = append(prog.Declarations, decl)
		default:
			stmt, err := p.parseStatement()
			if err != nil {
				return nil, err
			}
			prog.Statements = append(prog.Statements, stmt)
		}
		if p.current == before {
			return nil, &nyasherrors.ParseError{
				Line: p.current.Line, Column: p.current.Column, Token: p.current.Text,
				Suggestion: "parser must-advance invariant violated",
			}
		}
	}
	return prog, nil
}

func (p *Parser) parseBoxDeclaration() (*ast.BoxDeclaration, error) {
	pos := p.pos()
	isStatic := false
	if p.atKeyword("static") {
		p.advance()
		isStatic = true
	}
	if _, err := p.expectKeyword("box"); err != nil {
		return nil, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	decl := &ast.BoxDeclaration{Name: name, Static: isStatic, Position: pos}

	if p.atKeyword("from") {
		p.advance()
		parent, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		decl.Parent = parent
	}

	if _, err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	for !p.atPunct("}") {
		if err := p.checkFuel(); err != nil {
			return nil, err
		}
		before := p.current
		switch {
		case p.atKeyword("init"):
			fields, err := p.parseInitBlock()
			if err != nil {
				return nil, err
			}
			decl.Fields = append(decl.Fields, fields...)
		case p.atKeyword("public") || p.atKeyword("private"):
			vis := boxmodel.Public
			if p.current.Text == "private" {
				vis = boxmodel.Private
			}
			p.advance()
			fields, err := p.parseVisibilityBlock(vis)
			if err != nil {
				return nil, err
			}
			decl.Fields = append(decl.Fields, fields...)
		default:
			method, err := p.parseMethodDefinition()
			if err != nil {
				return nil, err
			}
			if isConstructorName(method.Name, name) {
				if decl.Constructor == nil || constructorPriority(method.Name, name) < constructorPriority(decl.Constructor.Name, name) {
					decl.Constructor = method
				}
			}
			decl.Methods = append(decl.Methods, method)
		}
		if p.current == before {
			return nil, &nyasherrors.ParseError{Line: p.current.Line, Column: p.current.Column, Token: p.current.Text, Suggestion: "parser must-advance invariant violated"}
		}
	}
	if _, err := p.expectPunct("}"); err != nil {
		return nil, err
	}
	return decl, nil
}

func isConstructorName(method, boxName string) bool {
	return method == "birth" || method == "pack" || method == "init" || method == boxName
}

// constructorPriority ranks a candidate constructor name per the migration
// order of spec §9 "Constructor naming migration": birth is canonical and
// wins over pack, then init, then the Box's own name, when more than one
// constructor-shaped method is declared on the same Box.
func constructorPriority(method, boxName string) int {
	switch method {
	case "birth":
		return 0
	case "pack":
		return 1
	case "init":
		return 2
	case boxName:
		return 3
	default:
		return 99
	}
}

// parseInitBlock parses `init { f1, f2, weak f3, ... }`. Fields require
// comma separators; a missing comma is a fatal error (spec §4.1).
func (p *Parser) parseInitBlock() ([]boxmodel.FieldDecl, error) {
	p.advance() // 'init'
	if _, err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	var fields []boxmodel.FieldDecl
	first := true
	for !p.atPunct("}") {
		if err := p.checkFuel(); err != nil {
			return nil, err
		}
		if !first {
			if !p.atPunct(",") {
				return nil, p.errorf([]string{","}, "field lists within init{...} require comma separators")
			}
			p.advance()
		}
		first = false
		weak := false
		if p.atKeyword("weak") {
			p.advance()
			weak = true
		}
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		fields = append(fields, boxmodel.FieldDecl{Name: name, Weak: weak, Visibility: boxmodel.Public})
	}
	if _, err := p.expectPunct("}"); err != nil {
		return nil, err
	}
	return fields, nil
}

func (p *Parser) parseVisibilityBlock(vis boxmodel.Visibility) ([]boxmodel.FieldDecl, error) {
	if _, err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	var fields []boxmodel.FieldDecl
	first := true
	for !p.atPunct("}") {
		if err := p.checkFuel(); err != nil {
			return nil, err
		}
		if !first {
			if !p.atPunct(",") {
				return nil, p.errorf([]string{","}, "field lists require comma separators")
			}
			p.advance()
		}
		first = false
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		fields = append(fields, boxmodel.FieldDecl{Name: name, Visibility: vis})
	}
	if _, err := p.expectPunct("}"); err != nil {
		return nil, err
	}
	if p.atPunct(";") {
		p.advance()
	}
	return fields, nil
}

func (p *Parser) parseMethodDefinition() (*ast.MethodDefinition, error) {
	pos := p.pos()
	override := false
	if p.atKeyword("override") {
		p.advance()
		override = true
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if _, err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var params []string
	for !p.atPunct(")") {
		if len(params) > 0 {
			if _, err := p.expectPunct(","); err != nil {
				return nil, err
			}
		}
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		params = append(params, name)
	}
	if _, err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &ast.MethodDefinition{Name: name, Params: params, Body: body, Override: override, Position: pos}, nil
}

func (p *Parser) parseBlock() ([]ast.Node, error) {
	if _, err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	var stmts []ast.Node
	for !p.atPunct("}") {
		if err := p.checkFuel(); err != nil {
			return nil, err
		}
		before := p.current
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
		if p.current == before {
			return nil, &nyasherrors.ParseError{Line: p.current.Line, Column: p.current.Column, Token: p.current.Text, Suggestion: "parser must-advance invariant violated"}
		}
	}
	if _, err := p.expectPunct("}"); err != nil {
		return nil, err
	}
	return stmts, nil
}

func (p *Parser) parseStatement() (ast.Node, error) {
	switch {
	case p.atKeyword("local"):
		return p.parseLocalDeclaration()
	case p.atKeyword("if"):
		return p.parseIf()
	case p.atKeyword("loop"):
		return p.parseLoop()
	case p.atKeyword("break"):
		pos := p.pos()
		p.advance()
		return &ast.Break{Position: pos}, nil
	case p.atKeyword("return"):
		return p.parseReturn()
	case p.atKeyword("throw"):
		pos := p.pos()
		p.advance()
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &ast.Throw{Value: val, Position: pos}, nil
	case p.atKeyword("try"):
		return p.parseTryCatch()
	case p.atKeyword("print"):
		pos := p.pos()
		p.advance()
		if _, err := p.expectPunct("("); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return &ast.PrintStatement{Value: val, Position: pos}, nil
	default:
		return p.parseExprStatement()
	}
}

func (p *Parser) parseLocalDeclaration() (ast.Node, error) {
	pos := p.pos()
	p.advance() // 'local'
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	decl := &ast.LocalDeclaration{Name: name, Position: pos}
	if p.atOp("=") {
		p.advance()
		init, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		decl.Init = init
	}
	return decl, nil
}

func (p *Parser) parseIf() (ast.Node, error) {
	pos := p.pos()
	p.advance() // 'if'
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	then, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	node := &ast.If{Cond: cond, Then: then, Position: pos}
	if p.atKeyword("else") {
		p.advance()
		if p.atKeyword("if") {
			elseIf, err := p.parseIf()
			if err != nil {
				return nil, err
			}
			node.Else = []ast.Node{elseIf}
		} else {
			elseBlock, err := p.parseBlock()
			if err != nil {
				return nil, err
			}
			node.Else = elseBlock
		}
	}
	return node, nil
}

// parseLoop parses the single supported form `loop(cond) { body }`. Other
// forms are rejected by construction: this parser has no entry point for
// `while` or a parenless `loop { }`.
func (p *Parser) parseLoop() (ast.Node, error) {
	pos := p.pos()
	p.advance() // 'loop'
	if _, err := p.expectPunct("("); err != nil {
		return nil, err
	}
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return &ast.Loop{Cond: cond, Body: body, Position: pos}, nil
}

func (p *Parser) parseReturn() (ast.Node, error) {
	pos := p.pos()
	p.advance()
	if p.atPunct("}") {
		return &ast.Return{Position: pos}, nil
	}
	val, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &ast.Return{Value: val, Position: pos}, nil
}

func (p *Parser) parseTryCatch() (ast.Node, error) {
	pos := p.pos()
	p.advance() // 'try'
	tryBlock, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	node := &ast.TryCatch{Try: tryBlock, Position: pos}
	if p.atKeyword("catch") {
		p.advance()
		if _, err := p.expectPunct("("); err != nil {
			return nil, err
		}
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		node.CatchName = name
		catchBlock, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		node.Catch = catchBlock
	}
	if p.atKeyword("finally") {
		p.advance()
		finallyBlock, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		node.Finally = finallyBlock
	}
	return node, nil
}

// parseExprStatement parses an assignment or a bare expression statement.
// Assignment to an undeclared name is not detectable syntactically here
// (spec §4.1 strictness); the MIR builder/interpreter enforce it at the
// point they resolve a VariableReference target.
func (p *Parser) parseExprStatement() (ast.Node, error) {
	pos := p.pos()
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.atOp("=") {
		switch expr.(type) {
		case *ast.VariableReference, *ast.FieldAccess:
		default:
			return nil, p.errorf(nil, "left side of assignment must be a variable or field")
		}
		p.advance()
		value, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &ast.Assignment{Target: expr, Value: value, Position: pos}, nil
	}
	return expr, nil
}

// Expression precedence climbing: or < and < equality < relational < additive < multiplicative < unary < postfix.

func (p *Parser) parseExpr() (ast.Node, error) {
	return p.parseOr()
}

func (p *Parser) parseOr() (ast.Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("or") {
		pos := p.pos()
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &ast.BinaryOperation{Left: left, Right: right, Op: ast.OpOr, Position: pos}
	}
	return left, nil
}

func (p *Parser) parseAnd() (ast.Node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("and") {
		pos := p.pos()
		p.advance()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &ast.BinaryOperation{Left: left, Right: right, Op: ast.OpAnd, Position: pos}
	}
	return left, nil
}

var equalityOps = map[string]ast.BinOpKind{"==": ast.OpEq, "!=": ast.OpNe}
var relationalOps = map[string]ast.BinOpKind{"<": ast.OpLt, ">": ast.OpGt, "<=": ast.OpLe, ">=": ast.OpGe}
var additiveOps = map[string]ast.BinOpKind{"+": ast.OpAdd, "-": ast.OpSub}
var multiplicativeOps = map[string]ast.BinOpKind{"*": ast.OpMul, "/": ast.OpDiv}

func (p *Parser) parseEquality() (ast.Node, error) {
	left, err := p.parseRelational()
	if err != nil {
		return nil, err
	}
	for p.current.Kind == lexer.TokenOperator {
		op, ok := equalityOps[p.current.Text]
		if !ok {
			break
		}
		pos := p.pos()
		p.advance()
		right, err := p.parseRelational()
		if err != nil {
			return nil, err
		}
		left = &ast.BinaryOperation{Left: left, Right: right, Op: op, Position: pos}
	}
	return left, nil
}

func (p *Parser) parseRelational() (ast.Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.current.Kind == lexer.TokenOperator {
		op, ok := relationalOps[p.current.Text]
		if !ok {
			break
		}
		pos := p.pos()
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &ast.BinaryOperation{Left: left, Right: right, Op: op, Position: pos}
	}
	return left, nil
}

func (p *Parser) parseAdditive() (ast.Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.current.Kind == lexer.TokenOperator {
		op, ok := additiveOps[p.current.Text]
		if !ok {
			break
		}
		pos := p.pos()
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &ast.BinaryOperation{Left: left, Right: right, Op: op, Position: pos}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (ast.Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.current.Kind == lexer.TokenOperator {
		op, ok := multiplicativeOps[p.current.Text]
		if !ok {
			break
		}
		pos := p.pos()
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &ast.BinaryOperation{Left: left, Right: right, Op: op, Position: pos}
	}
	return left, nil
}

func (p *Parser) parseUnary() (ast.Node, error) {
	if p.atOp("-") {
		pos := p.pos()
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryOperation{Operand: operand, Op: ast.UnaryOpNeg, Position: pos}, nil
	}
	if p.atKeyword("not") {
		pos := p.pos()
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.UnaryOperation{Operand: operand, Op: ast.UnaryOpNot, Position: pos}, nil
	}
	if p.atKeyword("nowait") {
		pos := p.pos()
		p.advance()
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.NowaitExpr{Value: val, Position: pos}, nil
	}
	if p.atKeyword("await") {
		pos := p.pos()
		p.advance()
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &ast.AwaitExpr{Value: val, Position: pos}, nil
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() (ast.Node, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		if err := p.checkFuel(); err != nil {
			return nil, err
		}
		switch {
		case p.atPunct("."):
			pos := p.pos()
			p.advance()
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if p.atPunct("(") {
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				expr = &ast.MethodCall{Receiver: expr, Method: name, Args: args, Position: pos}
			} else {
				expr = &ast.FieldAccess{Receiver: expr, Field: name, Position: pos}
			}
		default:
			return expr, nil
		}
	}
}

func (p *Parser) parseArgs() ([]ast.Node, error) {
	if _, err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var args []ast.Node
	for !p.atPunct(")") {
		if len(args) > 0 {
			if _, err := p.expectPunct(","); err != nil {
				return nil, err
			}
		}
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	if _, err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *Parser) parsePrimary() (ast.Node, error) {
	pos := p.pos()
	switch {
	case p.current.Kind == lexer.TokenInt:
		text := p.advance().Text
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, &nyasherrors.ParseError{Line: pos.Line, Column: pos.Column, Token: text, Suggestion: "invalid integer literal"}
		}
		return &ast.Literal{Value: n, Kind: ast.LiteralInt, Position: pos}, nil
	case p.current.Kind == lexer.TokenFloat:
		text := p.advance().Text
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, &nyasherrors.ParseError{Line: pos.Line, Column: pos.Column, Token: text, Suggestion: "invalid float literal"}
		}
		return &ast.Literal{Value: f, Kind: ast.LiteralFloat, Position: pos}, nil
	case p.current.Kind == lexer.TokenString:
		text := p.advance().Text
		return &ast.Literal{Value: text, Kind: ast.LiteralString, Position: pos}, nil
	case p.atKeyword("true"):
		p.advance()
		return &ast.Literal{Value: true, Kind: ast.LiteralBool, Position: pos}, nil
	case p.atKeyword("false"):
		p.advance()
		return &ast.Literal{Value: false, Kind: ast.LiteralBool, Position: pos}, nil
	case p.atKeyword("null"):
		p.advance()
		return &ast.Literal{Kind: ast.LiteralNull, Position: pos}, nil
	case p.atKeyword("me") || p.atKeyword("this"):
		p.advance()
		return &ast.VariableReference{Name: "me", Position: pos}, nil
	case p.atKeyword("new"):
		return p.parseNew()
	case p.atKeyword("from"):
		return p.parseFromCall()
	case p.current.Kind == lexer.TokenIdent:
		name := p.advance().Text
		return &ast.VariableReference{Name: name, Position: pos}, nil
	case p.atPunct("("):
		p.advance()
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return expr, nil
	default:
		return nil, p.errorf([]string{"expression"}, "")
	}
}

func (p *Parser) parseNew() (ast.Node, error) {
	pos := p.pos()
	p.advance() // 'new'
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	args, err := p.parseArgs()
	if err != nil {
		return nil, err
	}
	return &ast.New{ClassName: name, Args: args, Position: pos}, nil
}

func (p *Parser) parseFromCall() (ast.Node, error) {
	pos := p.pos()
	p.advance() // 'from'
	parent, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if _, err := p.expectPunct("."); err != nil {
		return nil, err
	}
	method, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	args, err := p.parseArgs()
	if err != nil {
		return nil, err
	}
	return &ast.FromCall{Parent: parent, Method: method, Args: args, Position: pos}, nil
}
