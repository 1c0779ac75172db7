// Package hook maps named extension points to ordered lists of plugin callbacks.
//
// The registry holds no execution logic. Writers are serialized; readers load an
// immutable snapshot and never observe a half-applied registration.
package hook

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/codepal-dev/pluginhost/plugin"
)

var (
	// ErrDuplicateBinding is returned when a plugin is already bound to a hook.
	ErrDuplicateBinding = errors.New("duplicate binding")

	// ErrUnknownHook is returned for hooks without a Spec.
	ErrUnknownHook = errors.New("unknown hook")

	// ErrShapeMismatch is returned when a callback does not expose the hook's entry point.
	ErrShapeMismatch = errors.New("callback does not match hook shape")
)

// Callback is a plugin entry point serving a hook.
type Callback struct {
	Plugin plugin.Plugin
	Entry  string
}

// Binding associates a plugin callback with a hook at a registration order.
type Binding struct {
	Hook     string
	PluginID string
	Callback Callback
	// Order is unique across the registry and increases with every registration.
	Order uint64
}

// Request is one binding to create in RegisterAll.
type Request struct {
	Hook     string
	Callback Callback
}

type snapshot struct {
	specs    map[string]Spec
	bindings map[string][]Binding
}

// Registry maps hook names to ordered bindings.
type Registry struct {
	mu    sync.Mutex
	next  uint64
	state atomic.Pointer[snapshot]
}

// NewRegistry creates a registry knowing the given specs. With no specs, the
// built-in CodePal hooks are defined.
func NewRegistry(specs ...Spec) *Registry {
	if len(specs) == 0 {
		specs = BuiltinSpecs()
	}
	s := &snapshot{
		specs:    make(map[string]Spec, len(specs)),
		bindings: make(map[string][]Binding),
	}
	for _, spec := range specs {
		s.specs[spec.Name] = spec
	}
	r := &Registry{}
	r.state.Store(s)
	return r
}

// Define adds or replaces a hook spec.
func (r *Registry) Define(spec Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	next := &snapshot{specs: make(map[string]Spec, len(cur.specs)+1), bindings: cur.bindings}
	for k, v := range cur.specs {
		next.specs[k] = v
	}
	next.specs[spec.Name] = spec
	r.state.Store(next)
}

// Spec returns the spec for a hook.
func (r *Registry) Spec(hook string) (Spec, bool) {
	spec, ok := r.state.Load().specs[hook]
	return spec, ok
}

// Hooks returns every defined hook name, sorted.
func (r *Registry) Hooks() []string {
	specs := r.state.Load().specs
	out := make([]string, 0, len(specs))
	for name := range specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Register binds a plugin callback to a hook.
func (r *Registry) Register(hook, pluginID string, cb Callback) (Binding, error) {
	bindings, err := r.RegisterAll(pluginID, []Request{{Hook: hook, Callback: cb}})
	if err != nil {
		return Binding{}, err
	}
	return bindings[0], nil
}

// RegisterAll binds a plugin to several hooks at once. Either every binding
// becomes visible or, on error, none does.
func (r *Registry) RegisterAll(pluginID string, reqs []Request) ([]Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	seen := make(map[string]bool, len(reqs))
	for _, req := range reqs {
		if _, ok := cur.specs[req.Hook]; !ok {
			return nil, errors.Wrapf(ErrUnknownHook, "%s", req.Hook)
		}
		if seen[req.Hook] || bound(cur.bindings[req.Hook], pluginID) {
			return nil, errors.Wrapf(ErrDuplicateBinding, "plugin %s is already bound to %s", pluginID, req.Hook)
		}
		seen[req.Hook] = true
		if req.Callback.Plugin == nil || !req.Callback.Plugin.HasEntryPoint(req.Callback.Entry) {
			return nil, errors.Wrapf(ErrShapeMismatch, "plugin %s does not expose %s for %s", pluginID, req.Callback.Entry, req.Hook)
		}
	}

	next := &snapshot{specs: cur.specs, bindings: make(map[string][]Binding, len(cur.bindings)+len(reqs))}
	for k, v := range cur.bindings {
		next.bindings[k] = v
	}

	out := make([]Binding, 0, len(reqs))
	for _, req := range reqs {
		r.next++
		b := Binding{Hook: req.Hook, PluginID: pluginID, Callback: req.Callback, Order: r.next}
		// Copy before append so readers of the old snapshot keep their slice.
		list := make([]Binding, 0, len(next.bindings[req.Hook])+1)
		list = append(list, next.bindings[req.Hook]...)
		next.bindings[req.Hook] = append(list, b)
		out = append(out, b)
	}

	r.state.Store(next)
	return out, nil
}

// Unregister removes every binding of a plugin. It is idempotent.
func (r *Registry) Unregister(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	changed := false
	next := &snapshot{specs: cur.specs, bindings: make(map[string][]Binding, len(cur.bindings))}
	for hook, list := range cur.bindings {
		if !bound(list, pluginID) {
			next.bindings[hook] = list
			continue
		}
		changed = true
		kept := make([]Binding, 0, len(list)-1)
		for _, b := range list {
			if b.PluginID != pluginID {
				kept = append(kept, b)
			}
		}
		if len(kept) > 0 {
			next.bindings[hook] = kept
		}
	}
	if changed {
		r.state.Store(next)
	}
}

// List returns the bindings for a hook sorted by registration order. The
// returned slice is a fresh copy; calling List again restarts the sequence.
func (r *Registry) List(hook string) []Binding {
	list := r.state.Load().bindings[hook]
	out := make([]Binding, len(list))
	copy(out, list)
	return out
}

// BindingsFor returns every binding of a plugin across hooks, sorted by order.
func (r *Registry) BindingsFor(pluginID string) []Binding {
	var out []Binding
	for _, list := range r.state.Load().bindings {
		for _, b := range list {
			if b.PluginID == pluginID {
				out = append(out, b)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func bound(list []Binding, pluginID string) bool {
	for _, b := range list {
		if b.PluginID == pluginID {
			return true
		}
	}
	return false
}
