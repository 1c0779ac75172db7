// Package manager owns the plugin lifecycle and dispatches hook invocations.
//
// Each plugin moves through
//
//	Installed -> Scanning -> {Approved, Rejected} -> Active <-> Suspended -> Uninstalled
//
// Only plugins that are Active with Approved trust are ever invoked. Every
// mutation is persisted through the store before it becomes visible; a store
// failure leaves in-memory state and hook bindings untouched.
package manager

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/codepal-dev/pluginhost/hook"
	"github.com/codepal-dev/pluginhost/plugin"
	"github.com/codepal-dev/pluginhost/sandbox"
	"github.com/codepal-dev/pluginhost/scanner"
	"github.com/codepal-dev/pluginhost/store"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMaxConcurrency = 8
	DefaultAuditSize      = 256
)

// Config tunes a Manager.
type Config struct {
	// MaxConcurrency bounds concurrent invocations per dispatch.
	MaxConcurrency int
	// DispatchTimeout bounds a whole dispatch. Zero means only the caller's
	// context and per-plugin timeouts apply.
	DispatchTimeout time.Duration
	// AuditSize is the capacity of each audit ring.
	AuditSize int
	// DefaultPolicy is the base policy of newly installed plugins. The
	// plugin's declared capabilities are granted on top of it.
	DefaultPolicy sandbox.Policy
}

// Info is a read-only view of an installed plugin.
type Info struct {
	Descriptor    plugin.Descriptor `json:"descriptor"`
	State         plugin.State      `json:"state"`
	Policy        sandbox.Policy    `json:"policy"`
	Safe          bool              `json:"safe"`
	RevokedReason string            `json:"revoked_reason,omitempty"`
	InstalledAt   time.Time         `json:"installed_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// entry is one immutable row of the plugin table. It is replaced, never mutated.
type entry struct {
	rec *store.Record
	// instance is the loaded plugin serving the bindings; nil unless Approved.
	instance plugin.Plugin
}

func (e *entry) info() Info {
	r := e.rec
	return Info{
		Descriptor:    r.Descriptor,
		State:         r.State,
		Policy:        r.Policy.Clone(),
		Safe:          r.Report != nil && r.Report.Safe,
		RevokedReason: r.RevokedReason,
		InstalledAt:   r.InstalledAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// dispatchable reports whether bindings of this plugin may be invoked.
func (e *entry) dispatchable() bool {
	return e.rec.State == plugin.StateActive && e.rec.Descriptor.Trust == plugin.TrustApproved
}

type table map[string]*entry

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the manager configuration.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithStore sets the storage collaborator.
func WithStore(s store.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithScanner sets the scanner that gates approval.
func WithScanner(s *scanner.Scanner) Option {
	return func(m *Manager) { m.scanner = s }
}

// WithExecutor sets the sandbox executor.
func WithExecutor(e *sandbox.Executor) Option {
	return func(m *Manager) { m.executor = e }
}

// WithRegistry sets the hook registry.
func WithRegistry(r *hook.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithLoaders overrides the runtime loaders for this manager.
func WithLoaders(l *plugin.Loaders) Option {
	return func(m *Manager) { m.loaders = l }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = log }
}

// Manager owns installed plugins, their hook bindings and audit trails.
type Manager struct {
	cfg      Config
	store    store.Store
	scanner  *scanner.Scanner
	executor *sandbox.Executor
	registry *hook.Registry
	loaders  *plugin.Loaders
	log      logrus.FieldLogger
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// tableMu serializes copy-on-write updates of plugins across ids.
	tableMu sync.Mutex
	plugins atomic.Pointer[table]

	results *ring[sandbox.Result]
	events  *ring[Event]

	handlersMu sync.RWMutex
	handlers   []EventHandler
}

// New creates a manager. Missing collaborators get in-memory defaults.
func New(opts ...Option) *Manager {
	m := &Manager{
		log:   logrus.StandardLogger(),
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.MaxConcurrency <= 0 {
		m.cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if m.cfg.AuditSize <= 0 {
		m.cfg.AuditSize = DefaultAuditSize
	}
	if m.cfg.DefaultPolicy.Timeout <= 0 {
		m.cfg.DefaultPolicy = sandbox.DefaultPolicy()
	}
	if m.store == nil {
		m.store = store.NewMemoryStore()
	}
	if m.registry == nil {
		m.registry = hook.NewRegistry()
	}
	if m.loaders == nil {
		m.loaders = plugin.NewLoaders(nil)
	}
	if m.executor == nil {
		m.executor = sandbox.New(sandbox.WithLogger(m.log))
	}
	if m.scanner == nil {
		m.scanner = scanner.New(
			scanner.WithLoaders(m.loaders),
			scanner.WithSpecs(m.registry),
			scanner.WithLogger(m.log),
		)
	}
	m.results = newRing[sandbox.Result](m.cfg.AuditSize)
	m.events = newRing[Event](m.cfg.AuditSize)

	empty := make(table)
	m.plugins.Store(&empty)
	return m
}

// Registry returns the hook registry the manager binds into.
func (m *Manager) Registry() *hook.Registry {
	return m.registry
}

// lock serializes writers for one plugin id and returns the unlock func.
func (m *Manager) lock(id string) func() {
	m.locksMu.Lock()
	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}
	m.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (m *Manager) lookup(id string) (*entry, bool) {
	e, ok := (*m.plugins.Load())[id]
	return e, ok
}

// publish replaces the entry for id; a nil entry removes it.
func (m *Manager) publish(id string, e *entry) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()

	cur := *m.plugins.Load()
	next := make(table, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	if e == nil {
		delete(next, id)
	} else {
		next[id] = e
	}
	m.plugins.Store(&next)
}

// Get returns the plugin with id.
func (m *Manager) Get(id string) (Info, error) {
	e, ok := m.lookup(id)
	if !ok {
		return Info{}, notInstalled(id)
	}
	return e.info(), nil
}

// List returns every installed plugin sorted by id.
func (m *Manager) List() []Info {
	cur := *m.plugins.Load()
	out := make([]Info, 0, len(cur))
	for _, e := range cur {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out
}

// Report returns the last scan report of a plugin.
func (m *Manager) Report(id string) (*scanner.Report, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, notInstalled(id)
	}
	if e.rec.Report == nil {
		return nil, errors.Wrapf(ErrNotFound, "no scan report for %s", id)
	}
	r := *e.rec.Report
	return &r, nil
}

// RecentResults returns up to n recent invocation results, oldest first.
func (m *Manager) RecentResults(n int) []sandbox.Result {
	return m.results.last(n)
}

// Events returns up to n recent lifecycle events, oldest first.
func (m *Manager) Events(n int) []Event {
	return m.events.last(n)
}

// Subscribe adds a lifecycle event handler and returns a func removing it.
func (m *Manager) Subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}
	m.handlersMu.Lock()
	m.handlers = append(m.handlers, handler)
	index := len(m.handlers) - 1
	m.handlersMu.Unlock()

	return func() {
		m.handlersMu.Lock()
		defer m.handlersMu.Unlock()
		if index < len(m.handlers) {
			m.handlers[index] = nil
		}
	}
}

// emit records ev and passes it to subscribers. Handler panics are recovered.
func (m *Manager) emit(ev Event) {
	m.events.push(ev)

	fields := logrus.Fields{"plugin": ev.PluginID, "event": string(ev.Type)}
	if ev.From != ev.To {
		fields["from"] = ev.From.String()
		fields["to"] = ev.To.String()
	}
	if ev.Actor != "" {
		fields["actor"] = ev.Actor
	}
	m.log.WithFields(fields).Info("Plugin lifecycle transition")

	m.handlersMu.RLock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.WithField("panic", r).Error("Event handler panicked")
				}
			}()
			h(ev)
		}()
	}
}
