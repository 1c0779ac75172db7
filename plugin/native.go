package plugin

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// NativeFunc is a Go callback serving one entry point.
//
// Native plugins run in-process and are trusted: they must honor ctx and reach
// the outside world only through host. A native callback that ignores ctx keeps
// running after its invocation is abandoned.
type NativeFunc func(ctx context.Context, host Host, args json.RawMessage) (json.RawMessage, error)

// NativeModule maps entry point names to callbacks.
type NativeModule map[string]NativeFunc

// NativeLoader resolves native artifacts by manifest id.
type NativeLoader struct {
	mu      sync.RWMutex
	modules map[string]NativeModule
}

var defaultNatives = NewNativeLoader(nil)

// NewNativeLoader creates a loader serving the given modules.
func NewNativeLoader(modules map[string]NativeModule) *NativeLoader {
	l := &NativeLoader{modules: make(map[string]NativeModule, len(modules))}
	for id, m := range modules {
		l.modules[id] = m
	}
	return l
}

// RegisterNative adds a built-in module to the process-wide native loader.
func RegisterNative(id string, module NativeModule) {
	defaultNatives.Register(id, module)
}

// Register adds or replaces a module.
func (l *NativeLoader) Register(id string, module NativeModule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.modules[id] = module
}

// Load binds the artifact to the registered module with the same id.
func (l *NativeLoader) Load(_ context.Context, a *Artifact) (Plugin, error) {
	l.mu.RLock()
	module, ok := l.modules[a.Manifest.ID]
	l.mu.RUnlock()
	if !ok {
		return nil, errors.Newf("no native module registered for %s", a.Manifest.ID)
	}
	return &NativePlugin{id: a.Manifest.ID, module: module}, nil
}

// NativePlugin implements Plugin over Go callbacks.
type NativePlugin struct {
	id     string
	module NativeModule
}

func (p *NativePlugin) ID() string      { return p.id }
func (p *NativePlugin) Runtime() string { return RuntimeNative }

func (p *NativePlugin) EntryPoints() []string {
	out := make([]string, 0, len(p.module))
	for name := range p.module {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p *NativePlugin) HasEntryPoint(name string) bool {
	_, ok := p.module[name]
	return ok
}

func (p *NativePlugin) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	fn, ok := p.module[call.Entry]
	if !ok {
		return nil, errors.Wrapf(ErrNoEntryPoint, "%s", call.Entry)
	}
	return fn(ctx, call.Host, call.Args)
}

func (p *NativePlugin) Close(context.Context) error { return nil }
