package lexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allTokens(src string) []Token {
	l := New(src)
	var toks []Token
	for {
		tok := l.Next()
		toks = append(toks, tok)
		if tok.Kind == TokenEOF {
			return toks
		}
	}
}

func TestLexer_HelloWorld(t *testing.T) {
	toks := allTokens(`static box Main { main() { print("Hello, Nyash!") } }`)
	require.True(t, len(toks) > 5)
	assert.Equal(t, TokenKeyword, toks[0].Kind)
	assert.Equal(t, "static", toks[0].Text)
	var sawString bool
	for _, tok := range toks {
		if tok.Kind == TokenString && tok.Text == "Hello, Nyash!" {
			sawString = true
		}
	}
	assert.True(t, sawString)
}

func TestLexer_TwoCharOperators(t *testing.T) {
	toks := allTokens("a == b != c <= d >= e")
	var ops []string
	for _, tok := range toks {
		if tok.Kind == TokenOperator && len(tok.Text) == 2 {
			ops = append(ops, tok.Text)
		}
	}
	assert.Equal(t, []string{"==", "!=", "<=", ">="}, ops)
}

func TestLexer_CommentsAreSkipped(t *testing.T) {
	toks := allTokens("local x // this is a comment\nlocal y")
	count := 0
	for _, tok := range toks {
		if tok.Kind == TokenKeyword && tok.Text == "local" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestLexer_ProgressAlwaysAdvances(t *testing.T) {
	l := New("@@@")
	for i := 0; i < 10; i++ {
		tok := l.Next()
		if tok.Kind == TokenEOF {
			return
		}
	}
	t.Fatal("lexer did not reach EOF within bound")
}
