// Package runtime implements the unified Box registry, scope tracker, and
// finalization engine shared by every backend (spec §3, §4.5, §5).
package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"nyash-core/domain/boxmodel"
	"nyash-core/domain/errors"
	"nyash-core/domain/ports"
)

// RegistryOption configures a Registry at construction time.
type RegistryOption func(*Registry)

// WithFactory registers a BoxFactory at the given priority; lower numbers
// are tried first. Built-ins register at 0, user-defined boxes at 10,
// plugin-backed boxes at 20 (spec §4.5 "tried in priority order").
func WithFactory(priority int, factory ports.BoxFactory) RegistryOption {
	return func(r *Registry) {
		r.factories = append(r.factories, prioritizedFactory{priority: priority, factory: factory})
	}
}

type prioritizedFactory struct {
	factory  ports.BoxFactory
	priority int
}

// Registry is the unified Box construction and identity authority. It owns
// the instance counter and the live-instance table used for weak-reference
// validity checks (spec §3.2, §3.6).
type Registry struct {
	mu        sync.Mutex
	factories []prioritizedFactory
	identity  boxmodel.IdentityCounter
	instances map[uint64]*instanceRecord
}

type instanceRecord struct {
	box        ports.Box
	generation uint64
	state      boxmodel.LifecycleState
}

// New builds a Registry with the given factories, sorted into priority
// order once at construction (spec §4.5's registry is immutable after
// build, mirroring the functional-options pattern of the teacher's host
// package).
func New(opts ...RegistryOption) *Registry {
	r := &Registry{instances: map[uint64]*instanceRecord{}}
	for _, opt := range opts {
		opt(r)
	}
	sort.SliceStable(r.factories, func(i, j int) bool {
		return r.factories[i].priority < r.factories[j].priority
	})
	return r
}

// New allocates a fresh instance of boxType, trying factories in priority
// order, and registers it for identity tracking (spec §4.5 "New allocates
// but does not yet birth").
func (r *Registry) New(ctx context.Context, boxType string) (ports.Box, error) {
	for _, pf := range r.factories {
		if !pf.factory.Claims(boxType) {
			continue
		}
		box, err := pf.factory.New(ctx, boxType)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.instances[box.Identity()] = &instanceRecord{box: box, generation: 1, state: boxmodel.Constructing}
		r.mu.Unlock()
		return box, nil
	}
	return nil, &errors.RuntimeTypeError{Detail: fmt.Sprintf("no factory claims Box type %q", boxType)}
}

// MarkAlive transitions identity from Constructing to Alive once its
// constructor has returned (spec §3.3).
func (r *Registry) MarkAlive(identity uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.instances[identity]; ok && rec.state == boxmodel.Constructing {
		rec.state = boxmodel.Alive
	}
}

// Generation returns the current generation counter for identity, used to
// validate a WeakRef (spec §3.2): a weak reference dangles when its
// recorded generation no longer matches.
func (r *Registry) Generation(identity uint64) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.instances[identity]
	if !ok {
		return 0, false
	}
	return rec.generation, true
}

// IsFinalized reports whether identity has completed finalization.
func (r *Registry) IsFinalized(identity uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.instances[identity]
	return ok && rec.state == boxmodel.Finalized
}

// Resolve returns the live Box for identity, or a LifecycleError if it has
// already been finalized (spec §7.4 "post-finalization access").
func (r *Registry) Resolve(identity uint64) (ports.Box, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.instances[identity]
	if !ok {
		return nil, &errors.RuntimeTypeError{Detail: fmt.Sprintf("no instance with identity %d", identity)}
	}
	if rec.state == boxmodel.Finalized {
		return nil, &errors.LifecycleError{TypeName: rec.box.TypeName(), Identity: identity}
	}
	return rec.box, nil
}

// Finalize runs the precise finalization algorithm of spec §4.5: idempotent,
// cascades through strong (non-weak) fields holding other Box instances,
// and bumps the generation counter so outstanding weak references dangle.
// A Box whose scope is being exited is still finalized even if its fini
// raises (spec §4.5 rule 4, §7): the state transition and generation bump
// below always run, regardless of what Fini returns, so a fini error never
// leaves the instance stuck in Finalizing forever (I5 would otherwise never
// invalidate). The error is still reported to the caller for logging.
func (r *Registry) Finalize(ctx context.Context, identity uint64) error {
	r.mu.Lock()
	rec, ok := r.instances[identity]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if rec.state == boxmodel.Finalized || rec.state == boxmodel.Finalizing {
		r.mu.Unlock()
		return nil // idempotent: double finalization is a no-op, not an error.
	}
	rec.state = boxmodel.Finalizing
	r.mu.Unlock()

	finiErr := rec.box.Fini(ctx)

	r.mu.Lock()
	rec.state = boxmodel.Finalized
	rec.generation++
	r.mu.Unlock()
	return finiErr
}

// Reassign runs the re-assignment cascade rule: overwriting the sole strong
// reference to a Box finalizes the value being replaced (spec §4.5
// "re-assignment cascade-on-overwrite").
func (r *Registry) Reassign(ctx context.Context, previous, next ports.Box) error {
	if previous == nil || previous == next {
		return nil
	}
	return r.Finalize(ctx, previous.Identity())
}
