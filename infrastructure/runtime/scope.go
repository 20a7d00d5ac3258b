package runtime

import "context"

// ScopeTracker drives LIFO finalization of Boxes bound within a lexical or
// call scope (spec §4.5, §5): PushScope/PopScope bracket a block or
// activation record, and Track registers a finalization thunk to run, in
// reverse registration order, when that scope pops.
type ScopeTracker struct {
	scopes [][]trackedThunk
}

type trackedThunk struct {
	identity uint64
	thunk    func(context.Context)
}

// NewScopeTracker creates an empty tracker with one implicit root scope.
func NewScopeTracker() *ScopeTracker {
	return &ScopeTracker{scopes: [][]trackedThunk{nil}}
}

// PushScope opens a new nested scope.
func (s *ScopeTracker) PushScope() {
	s.scopes = append(s.scopes, nil)
}

// PopScope runs every tracked thunk in the top scope, last-registered
// first, then discards the scope.
func (s *ScopeTracker) PopScope(ctx context.Context) {
	if len(s.scopes) == 0 {
		return
	}
	top := s.scopes[len(s.scopes)-1]
	s.scopes = s.scopes[:len(s.scopes)-1]
	for i := len(top) - 1; i >= 0; i-- {
		top[i].thunk(ctx)
	}
}

// Track registers thunk to run when the current (innermost) scope pops.
func (s *ScopeTracker) Track(identity uint64, thunk func(context.Context)) {
	if len(s.scopes) == 0 {
		s.PushScope()
	}
	top := len(s.scopes) - 1
	s.scopes[top] = append(s.scopes[top], trackedThunk{identity: identity, thunk: thunk})
}

// Untrack removes a previously tracked identity from every open scope,
// used when ownership of a Box transfers out (e.g. returned from a method)
// so the caller's scope becomes responsible for it instead (spec §4.5).
func (s *ScopeTracker) Untrack(identity uint64) {
	for i, scope := range s.scopes {
		filtered := scope[:0]
		for _, t := range scope {
			if t.identity != identity {
				filtered = append(filtered, t)
			}
		}
		s.scopes[i] = filtered
	}
}
