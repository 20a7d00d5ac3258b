package pluginloader

import (
	"context"
	"fmt"
	goplugin "plugin"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	nyasherrors "nyash-core/domain/errors"
	"nyash-core/domain/ports"
)

// NYB_E_SHORT_BUFFER is the transport code a plugin returns from `invoke`
// when the caller's output buffer was too small; the host retries once with
// a buffer sized to the plugin-reported requirement (spec §6.2 two-phase
// invoke convention).
const NYB_E_SHORT_BUFFER int32 = -1

// abiSymbols is the fixed C-ABI entry-point surface every plugin `.so`
// exports (spec §4.6, §6.2): nyash_plugin_abi (optional), nyash_plugin_init
// (optional), nyash_plugin_invoke (required), nyash_plugin_shutdown (optional).
type abiSymbols struct {
	ABIVersion func() uint32
	Init       func() int32
	Invoke     func(typeID, methodID, instanceID uint32, args []byte, out []byte) (int32, int32)
	Shutdown   func()
}

// Loader resolves plugin libraries by path, caching opened handles and
// singleton instances so a manifest-declared singleton Box is constructed
// at most once per process (spec §3.7 "singleton boxes"). It implements
// ports.PluginInvoker so it can be wired directly into a backend.
type Loader struct {
	mu         sync.Mutex
	opened     map[string]*abiSymbols
	singletons map[string]uint32 // library path -> cached instance_id
	byTypeID   map[uint32]ports.BoxManifest
	logger     *logrus.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger overrides the default logger (tests substitute a discard sink).
func WithLogger(l *logrus.Logger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// New creates a Loader. Debug-level plugin tracing is gated behind the
// NYASH_DEBUG_PLUGIN environment variable by the caller (cmd/nyash), which
// sets the logger's level before construction.
func New(opts ...Option) *Loader {
	ld := &Loader{
		opened:     map[string]*abiSymbols{},
		singletons: map[string]uint32{},
		byTypeID:   map[uint32]ports.BoxManifest{},
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(ld)
	}
	return ld
}

// RegisterManifest makes a loaded plugin manifest reachable by TypeID, so
// that Invoke (the ports.PluginInvoker entry point) can recover the
// library path and method table a bare typeID/methodID pair refers to.
func (ld *Loader) RegisterManifest(m ports.BoxManifest) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	ld.byTypeID[m.TypeID] = m
}

// open resolves and caches the ABI symbol table for libraryPath, calling
// nyash_plugin_init (when exported) exactly once per library.
func (ld *Loader) open(libraryPath string) (*abiSymbols, error) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	if syms, ok := ld.opened[libraryPath]; ok {
		return syms, nil
	}
	p, err := goplugin.Open(libraryPath)
	if err != nil {
		return nil, &nyasherrors.PluginError{Library: libraryPath, Method: "open", Code: -1}
	}
	invokeSym, err := p.Lookup("nyash_plugin_invoke")
	if err != nil {
		return nil, &nyasherrors.PluginError{Library: libraryPath, Method: "nyash_plugin_invoke", Code: -1}
	}
	syms := &abiSymbols{
		Invoke: invokeSym.(func(uint32, uint32, uint32, []byte, []byte) (int32, int32)),
	}
	// nyash_plugin_abi, nyash_plugin_init and nyash_plugin_shutdown are all
	// optional per spec §4.6/§6.2; absence of abi defaults to ABI v1, and a
	// missing init/shutdown is a no-op rather than a load failure.
	if sym, lookErr := p.Lookup("nyash_plugin_abi"); lookErr == nil {
		syms.ABIVersion = sym.(func() uint32)
	}
	if sym, lookErr := p.Lookup("nyash_plugin_init"); lookErr == nil {
		syms.Init = sym.(func() int32)
	}
	if sym, lookErr := p.Lookup("nyash_plugin_shutdown"); lookErr == nil {
		syms.Shutdown = sym.(func())
	}
	if syms.Init != nil {
		if code := syms.Init(); code < 0 {
			return nil, &nyasherrors.PluginError{Library: libraryPath, Method: "nyash_plugin_init", Code: code}
		}
	}
	ld.opened[libraryPath] = syms
	return syms, nil
}

// InvokeManifest dispatches a single plugin method call against a known
// manifest and method entry, handling the two-phase short-buffer
// convention transparently: a first call with a modest buffer, retried
// with the plugin-reported size on NYB_E_SHORT_BUFFER.
func (ld *Loader) InvokeManifest(ctx context.Context, manifest ports.BoxManifest, method ports.MethodManifest, instanceID uint32, args []byte) (int32, []byte, error) {
	return ld.invokeRaw(ctx, manifest.LibraryPath, manifest.TypeID, method.MethodID, instanceID, args)
}

// Invoke implements ports.PluginInvoker: it recovers the manifest a
// plugin-backed Box's CallMethod was resolved against purely from the
// typeID/methodID pair, so a backend never needs to thread manifest
// structs through its own call path.
func (ld *Loader) Invoke(ctx context.Context, typeID, methodID, instanceID uint32, args []byte) (int32, []byte, error) {
	ld.mu.Lock()
	manifest, ok := ld.byTypeID[typeID]
	ld.mu.Unlock()
	if !ok {
		return 0, nil, &nyasherrors.PluginError{Library: "", Method: fmt.Sprintf("type#%d", typeID), Code: -2}
	}
	return ld.invokeRaw(ctx, manifest.LibraryPath, typeID, methodID, instanceID, args)
}

// invokeRaw dispatches nyash_plugin_invoke, honoring the two-phase
// short-buffer convention. The returned code is always the plugin's raw
// transport code; err is reserved for failures before the plugin's invoke
// was ever reached (library open, missing symbol).
func (ld *Loader) invokeRaw(ctx context.Context, libraryPath string, typeID, methodID, instanceID uint32, args []byte) (int32, []byte, error) {
	syms, err := ld.open(libraryPath)
	if err != nil {
		return 0, nil, err
	}
	correlationID := uuid.New().String()
	ld.logger.WithFields(logrus.Fields{
		"correlation_id": correlationID,
		"library":        libraryPath,
		"type_id":        typeID,
		"method_id":      methodID,
		"instance_id":    instanceID,
	}).Debug("plugin invoke")

	out := make([]byte, 256)
	code, written := syms.Invoke(typeID, methodID, instanceID, args, out)
	if code == NYB_E_SHORT_BUFFER {
		out = make([]byte, written)
		code, written = syms.Invoke(typeID, methodID, instanceID, args, out)
	}
	if code < 0 {
		return code, nil, nil
	}
	return code, out[:written], nil
}

// Singleton returns the cached instance_id for a singleton-declared plugin
// Box, constructing (and birthing) it on first access.
func (ld *Loader) Singleton(libraryPath string, construct func() (uint32, error)) (uint32, error) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	if id, ok := ld.singletons[libraryPath]; ok {
		return id, nil
	}
	id, err := construct()
	if err != nil {
		return 0, err
	}
	ld.singletons[libraryPath] = id
	return id, nil
}

// Shutdown calls nyash_plugin_shutdown on every opened library that exports it.
func (ld *Loader) Shutdown() {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	for _, syms := range ld.opened {
		if syms.Shutdown != nil {
			syms.Shutdown()
		}
	}
}
