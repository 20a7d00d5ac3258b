// Package ports defines the interfaces shared between the runtime core and
// its backends. Domain logic depends on these abstractions; infrastructure
// packages (runtime, pluginloader, interpreter, vm, wasmgen) implement them.
package ports

import "context"

// Box is the common capability set every Box kind presents (spec §3.1):
// type_name, clone_deep, share_identity, field read/write, method dispatch,
// and optional fini.
type Box interface {
	TypeName() string
	Identity() uint64
	CloneDeep() (Box, error)
	ShareIdentity() Box
	GetField(name string) (any, error)
	SetField(name string, value any) error
	CallMethod(ctx context.Context, name string, args []any) (any, error)
	Fini(ctx context.Context) error
	IsFinalized() bool
}

// BoxFactory claims a Box-type name and constructs instances of it. The
// unified registry (spec §4.5) holds one factory per Box kind, tried in
// priority order: built-in, user-defined, plugin.
type BoxFactory interface {
	// Claims reports whether this factory knows how to build boxType.
	Claims(boxType string) bool
	// New allocates (but does not yet `birth`) an instance.
	New(ctx context.Context, boxType string) (Box, error)
}

// ScopeTracker drives LIFO finalization of Boxes bound within a lexical or
// function-call scope (spec §4.5, §5).
type ScopeTracker interface {
	PushScope()
	PopScope(ctx context.Context)
	Track(identity uint64, thunk func(context.Context))
}

// PluginInvoker is the host-side bridge to the plugin C-ABI `invoke` entry
// point (spec §4.6, §6.2). The int32 return is the raw transport code the
// plugin handed back (0 success, negative per §6.2); err is reserved for
// host-side failures that never reached the plugin at all (library open
// failure, unknown type_id) — a negative code is NOT surfaced as err, so a
// caller can apply the returns_result wrapping rule of §4.6 before deciding
// whether a negative code becomes an exception or a ResultBox.Err.
type PluginInvoker interface {
	Invoke(ctx context.Context, typeID, methodID, instanceID uint32, args []byte) (code int32, result []byte, err error)
}

// ManifestStore resolves a Box-type name to its plugin manifest entry
// (library path, type_id, method table) per spec §3.7/§6.3.
type ManifestStore interface {
	Lookup(boxType string) (BoxManifest, bool)
}

// BoxManifest is the manifest-declared contract for a single plugin Box type.
type BoxManifest struct {
	Methods     map[string]MethodManifest
	LibraryPath string
	BoxType     string
	TypeID      uint32
	Singleton   bool
}

// MethodManifest is the manifest-declared contract for a single plugin
// method: its method_id, argument coercion rules, and result-wrapping flag.
type MethodManifest struct {
	Args          []ArgCoercion
	MethodID      uint32
	ReturnsResult bool
}

// ArgCoercion declares how a Nyash-side argument value is coerced to a TLV
// tag before being sent to a plugin (spec §6.3).
type ArgCoercion struct {
	From     string
	To       string
	Kind     string // "" for scalar args, "box" for handle args
	Category string // e.g. "plugin", when Kind == "box"
}

// Backend runs a lowered MIR module (or, for the interpreter, an AST) and
// reports its observable output (spec §9 "benchmark harness" note): a
// uniform surface lets an external harness drive the interpreter and the VM
// identically without knowing backend internals. The WASM backend only emits
// text and does not implement it.
type Backend interface {
	Name() string
	Run(ctx context.Context, entryPoint string, args []any) (output []string, result any, err error)
}
