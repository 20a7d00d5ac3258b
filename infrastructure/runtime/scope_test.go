package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopeTracker_PopRunsThunksInReverseOrder(t *testing.T) {
	tracker := NewScopeTracker()
	var order []int
	tracker.Track(1, func(context.Context) { order = append(order, 1) })
	tracker.Track(2, func(context.Context) { order = append(order, 2) })
	tracker.Track(3, func(context.Context) { order = append(order, 3) })
	tracker.PopScope(context.Background())
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestScopeTracker_NestedScopesPopIndependently(t *testing.T) {
	tracker := NewScopeTracker()
	var order []string
	tracker.Track(1, func(context.Context) { order = append(order, "outer") })
	tracker.PushScope()
	tracker.Track(2, func(context.Context) { order = append(order, "inner") })
	tracker.PopScope(context.Background())
	assert.Equal(t, []string{"inner"}, order)
	tracker.PopScope(context.Background())
	assert.Equal(t, []string{"inner", "outer"}, order)
}

func TestScopeTracker_UntrackRemovesFromAllScopes(t *testing.T) {
	tracker := NewScopeTracker()
	var ran bool
	tracker.Track(1, func(context.Context) { ran = true })
	tracker.Untrack(1)
	tracker.PopScope(context.Background())
	assert.False(t, ran)
}
