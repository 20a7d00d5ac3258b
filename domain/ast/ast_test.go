package ast_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"nyash-core/domain/ast"
)

// every node carries its declared Position back out through Pos(); this is
// the one behavior the AST package has, so it's the one thing worth testing.
func TestNodes_PosRoundTrips(t *testing.T) {
	pos := ast.Position{Line: 3, Column: 7}

	nodes := []ast.Node{
		&ast.Program{Position: pos},
		&ast.BoxDeclaration{Position: pos},
		&ast.MethodDefinition{Position: pos},
		&ast.FieldAccess{Position: pos},
		&ast.MethodCall{Position: pos},
		&ast.FromCall{Position: pos},
		&ast.New{Position: pos},
		&ast.VariableReference{Position: pos},
		&ast.Assignment{Position: pos},
		&ast.LocalDeclaration{Position: pos},
		&ast.If{Position: pos},
		&ast.Loop{Position: pos},
		&ast.Break{Position: pos},
		&ast.Return{Position: pos},
		&ast.Throw{Position: pos},
		&ast.TryCatch{Position: pos},
		&ast.BinaryOperation{Position: pos},
		&ast.UnaryOperation{Position: pos},
		&ast.Literal{Position: pos},
		&ast.NowaitExpr{Position: pos},
		&ast.AwaitExpr{Position: pos},
		&ast.PrintStatement{Position: pos},
	}

	for _, n := range nodes {
		assert.Equal(t, pos, n.Pos())
	}
}

func TestLiteral_CarriesKindAndValue(t *testing.T) {
	lit := &ast.Literal{Kind: ast.LiteralInt, Value: int64(42)}
	assert.Equal(t, ast.LiteralInt, lit.Kind)
	assert.Equal(t, int64(42), lit.Value)
}
