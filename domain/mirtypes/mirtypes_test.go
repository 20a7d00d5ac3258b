package mirtypes_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"nyash-core/domain/mirtypes"
)

func TestType_String(t *testing.T) {
	cases := []struct {
		name string
		typ  mirtypes.Type
		want string
	}{
		{"void", mirtypes.Void(), "Void"},
		{"int", mirtypes.Int(), "Int"},
		{"box", mirtypes.BoxOf("Person"), "Box(Person)"},
		{"weak", mirtypes.WeakOf("Child"), "Weak(Child)"},
		{"array of int", mirtypes.ArrayOf(mirtypes.Int()), "Array(Int)"},
		{"array with no elem", mirtypes.Type{Kind: mirtypes.KindArray}, "Array(Unknown)"},
		{"unknown", mirtypes.Unknown(), "Unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.typ.String())
		})
	}
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "Const", mirtypes.OpConst.String())
	assert.Equal(t, "BoxCall", mirtypes.OpBoxCall.String())
	assert.Equal(t, "Unknown", mirtypes.Op(-1).String())
	assert.Equal(t, "Unknown", mirtypes.Op(9999).String())
}

func TestEffectOf(t *testing.T) {
	assert.Equal(t, mirtypes.EffectPure, mirtypes.EffectOf(mirtypes.OpConst))
	assert.Equal(t, mirtypes.EffectMut, mirtypes.EffectOf(mirtypes.OpStore))
	assert.Equal(t, mirtypes.EffectIo, mirtypes.EffectOf(mirtypes.OpBoxCall))
	assert.Equal(t, mirtypes.EffectIo, mirtypes.EffectOf(mirtypes.OpExternCall))
	assert.Equal(t, mirtypes.EffectControl, mirtypes.EffectOf(mirtypes.OpBranch))
	assert.Equal(t, mirtypes.EffectControl, mirtypes.EffectOf(mirtypes.OpThrow))
}

func TestEffect_String(t *testing.T) {
	assert.Equal(t, "Pure", mirtypes.EffectPure.String())
	assert.Equal(t, "Mut", mirtypes.EffectMut.String())
	assert.Equal(t, "Io", mirtypes.EffectIo.String())
	assert.Equal(t, "Control", mirtypes.EffectControl.String())
}
