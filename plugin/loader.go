package plugin

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Loader compiles artifacts of one runtime into Plugins.
type Loader interface {
	Load(ctx context.Context, artifact *Artifact) (Plugin, error)
}

// builtinLoaders creates the loader of each supported runtime. Native
// plugins resolve to the process-wide module set filled by RegisterNative.
var builtinLoaders = map[string]func() Loader{
	RuntimeWASM:   func() Loader { return NewWASMLoader(nil) },
	RuntimeJS:     func() Loader { return NewJSLoader() },
	RuntimeLua:    func() Loader { return NewLuaLoader() },
	RuntimeNative: func() Loader { return defaultNatives },
}

// Loaders resolves a Loader per runtime. Explicit overrides win over the
// built-in loaders, which lets callers inject loaders per instance. Built-in
// loaders are created on first use and shared by later loads.
type Loaders struct {
	mu        sync.Mutex
	overrides map[string]Loader
	cache     map[string]Loader
}

// NewLoaders returns a resolver with the given per-runtime overrides.
func NewLoaders(overrides map[string]Loader) *Loaders {
	o := make(map[string]Loader, len(overrides))
	for k, v := range overrides {
		o[k] = v
	}
	return &Loaders{overrides: o, cache: make(map[string]Loader)}
}

// For returns the loader for runtime or an error marked ErrUnknownRuntime.
func (l *Loaders) For(runtime string) (Loader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ld, ok := l.overrides[runtime]; ok {
		return ld, nil
	}
	if ld, ok := l.cache[runtime]; ok {
		return ld, nil
	}
	create, ok := builtinLoaders[runtime]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRuntime, "no loader for runtime %q", runtime)
	}
	ld := create()
	l.cache[runtime] = ld
	return ld, nil
}

// Runtimes lists every runtime the resolver can load, sorted.
func (l *Loaders) Runtimes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]struct{}, len(builtinLoaders)+len(l.overrides))
	for rt := range builtinLoaders {
		seen[rt] = struct{}{}
	}
	for rt := range l.overrides {
		seen[rt] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for rt := range seen {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}

// Load validates the manifest and compiles the artifact with the loader for its
// runtime. Every failure is marked ErrArtifactUnreadable.
func (l *Loaders) Load(ctx context.Context, artifact *Artifact) (Plugin, error) {
	if artifact == nil {
		return nil, errors.Wrap(ErrArtifactUnreadable, "artifact cannot be nil")
	}
	if err := artifact.Manifest.Validate(); err != nil {
		return nil, errors.Mark(err, ErrArtifactUnreadable)
	}
	ld, err := l.For(artifact.Manifest.Runtime)
	if err != nil {
		return nil, errors.Mark(err, ErrArtifactUnreadable)
	}
	p, err := ld.Load(ctx, artifact)
	if err != nil {
		return nil, Unreadable(err, "failed to load %s plugin %s", artifact.Manifest.Runtime, artifact.Manifest.ID)
	}
	return p, nil
}

// LoadPlugin loads an artifact with the built-in loaders.
func LoadPlugin(ctx context.Context, artifact *Artifact) (Plugin, error) {
	return NewLoaders(nil).Load(ctx, artifact)
}
