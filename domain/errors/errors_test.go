package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToErrorDetail_PassesThroughExisting(t *testing.T) {
	d := &ErrorDetail{Kind: "parse", Message: "boom"}
	require.Same(t, d, ToErrorDetail(d))
}

func TestToErrorDetail_DetailedError(t *testing.T) {
	err := &LifecycleError{TypeName: "Res", Identity: 7}
	detail := ToErrorDetail(err)
	assert.Equal(t, "lifecycle", detail.Kind)
	assert.Contains(t, detail.Message, "Res")
}

func TestToErrorDetail_GenericFallsBackToRuntime(t *testing.T) {
	detail := ToErrorDetail(assertErr{"oops"})
	assert.Equal(t, "runtime", detail.Kind)
	assert.Equal(t, "oops", detail.Message)
}

type assertErr struct{ s string }

func (e assertErr) Error() string { return e.s }

func TestParseError_Message(t *testing.T) {
	err := &ParseError{Line: 3, Column: 8, Token: "=", Expected: []string{"IDENT"}, Suggestion: "did you mean `local x`?"}
	assert.Contains(t, err.Error(), "3:8")
	assert.Contains(t, err.Error(), "did you mean")
}

func TestPluginError_ToErrorDetail(t *testing.T) {
	err := &PluginError{Library: "net", Method: "get", Code: -5}
	detail := err.ToErrorDetail()
	assert.Equal(t, "plugin", detail.Kind)
	assert.Equal(t, "-5", detail.Code)
}
