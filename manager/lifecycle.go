package manager

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/codepal-dev/pluginhost/capability"
	"github.com/codepal-dev/pluginhost/hook"
	"github.com/codepal-dev/pluginhost/plugin"
	"github.com/codepal-dev/pluginhost/sandbox"
	"github.com/codepal-dev/pluginhost/store"
)

// Install scans an artifact and records it as Approved or Rejected. Approved
// plugins have their hooks bound but are not invoked until Activate.
func (m *Manager) Install(ctx context.Context, a *plugin.Artifact) (Info, error) {
	if err := m.precheck(a); err != nil {
		return Info{}, err
	}
	id := a.Manifest.ID

	unlock := m.lock(id)
	defer unlock()

	if _, ok := m.lookup(id); ok {
		return Info{}, errors.Wrapf(ErrAlreadyInstalled, "plugin %s", id)
	}

	desc, err := plugin.NewDescriptor(a)
	if err != nil {
		return Info{}, err
	}
	now := m.now()
	rec := &store.Record{
		Descriptor:  desc,
		State:       plugin.StateInstalled,
		Policy:      grant(m.cfg.DefaultPolicy, desc.Capabilities),
		Artifact:    a,
		InstalledAt: now,
		UpdatedAt:   now,
	}

	next, err := m.scan(ctx, rec)
	if err != nil {
		return Info{}, err
	}
	if err := storageError(m.store.Save(ctx, next.rec), "failed to persist plugin %s", id); err != nil {
		return Info{}, err
	}
	if err := m.bind(next); err != nil {
		if derr := m.store.Delete(ctx, id); derr != nil {
			m.log.WithError(derr).WithField("plugin", id).Error("Failed to roll back plugin record")
		}
		return Info{}, err
	}
	m.publish(id, next)

	m.emit(newEvent(ctx, EventInstalled, id, desc.Version, plugin.StateInstalled, plugin.StateInstalled, ""))
	m.emit(newEvent(ctx, EventScanned, id, desc.Version, plugin.StateInstalled, plugin.StateScanning, ""))
	m.emitVerdict(ctx, next)
	return next.info(), nil
}

// Upgrade replaces an installed plugin with a strictly newer version. The new
// artifact is scanned under the same rules as Install and ends Approved or
// Rejected; an Approved upgrade must be activated again.
func (m *Manager) Upgrade(ctx context.Context, a *plugin.Artifact) (Info, error) {
	if err := m.precheck(a); err != nil {
		return Info{}, err
	}
	id := a.Manifest.ID

	unlock := m.lock(id)
	defer unlock()

	cur, ok := m.lookup(id)
	if !ok {
		return Info{}, notInstalled(id)
	}
	if cur.rec.Descriptor.Trust == plugin.TrustRevoked {
		return Info{}, invalidTransition(id, "upgrade revoked", cur.rec.State)
	}
	newVer, err := a.Manifest.SemVer()
	if err != nil {
		return Info{}, err
	}
	oldVer, err := semver.NewVersion(cur.rec.Descriptor.Version)
	if err != nil {
		return Info{}, errors.Wrapf(err, "installed version of %s is invalid", id)
	}
	if !newVer.GreaterThan(oldVer) {
		return Info{}, errors.Wrapf(ErrVersionNotNewer, "%s %s is not newer than %s", id, newVer, oldVer)
	}

	desc, err := plugin.NewDescriptor(a)
	if err != nil {
		return Info{}, err
	}
	base := cur.rec.Policy.Clone()
	base.AllowedCapabilities = m.cfg.DefaultPolicy.AllowedCapabilities
	rec := &store.Record{
		Descriptor:  desc,
		State:       plugin.StateInstalled,
		Policy:      grant(base, desc.Capabilities),
		Artifact:    a,
		InstalledAt: cur.rec.InstalledAt,
		UpdatedAt:   m.now(),
	}

	next, err := m.scan(ctx, rec)
	if err != nil {
		return Info{}, err
	}
	if err := storageError(m.store.Save(ctx, next.rec), "failed to persist plugin %s", id); err != nil {
		return Info{}, err
	}

	m.registry.Unregister(id)
	if err := m.bind(next); err != nil {
		// The new version is persisted but cannot serve its hooks.
		next = m.reject(next, err.Error())
		if serr := m.store.Save(ctx, next.rec); serr != nil {
			m.log.WithError(serr).WithField("plugin", id).Error("Failed to persist rejected upgrade")
		}
	}
	m.publish(id, next)
	if cur.instance != nil {
		if err := cur.instance.Close(context.Background()); err != nil {
			m.log.WithError(err).WithField("plugin", id).Warn("Failed to close previous version")
		}
	}

	m.emit(newEvent(ctx, EventUpgraded, id, desc.Version, cur.rec.State, plugin.StateScanning,
		"from "+cur.rec.Descriptor.Version))
	m.emitVerdict(ctx, next)
	return next.info(), nil
}

// Activate moves an Approved or Suspended plugin to Active.
func (m *Manager) Activate(ctx context.Context, id string) (Info, error) {
	return m.transition(ctx, id, "activate", EventActivated, plugin.StateActive,
		plugin.StateApproved, plugin.StateSuspended)
}

// Suspend moves an Active plugin to Suspended. Its bindings stay registered
// but are skipped by Dispatch.
func (m *Manager) Suspend(ctx context.Context, id string) (Info, error) {
	return m.transition(ctx, id, "suspend", EventSuspended, plugin.StateSuspended,
		plugin.StateActive)
}

// Uninstall removes a plugin, its bindings and its stored record. The
// returned view is in the terminal Uninstalled state; the id may be installed
// again afterwards.
func (m *Manager) Uninstall(ctx context.Context, id string) (Info, error) {
	unlock := m.lock(id)
	defer unlock()

	cur, ok := m.lookup(id)
	if !ok {
		return Info{}, notInstalled(id)
	}
	if err := m.store.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Info{}, storageError(err, "failed to delete plugin %s", id)
	}
	m.registry.Unregister(id)
	m.publish(id, nil)
	if cur.instance != nil {
		if err := cur.instance.Close(context.Background()); err != nil {
			m.log.WithError(err).WithField("plugin", id).Warn("Failed to close plugin")
		}
	}

	out := cur.info()
	out.State = plugin.StateUninstalled
	out.UpdatedAt = m.now()
	m.emit(newEvent(ctx, EventUninstalled, id, out.Descriptor.Version, cur.rec.State, plugin.StateUninstalled, ""))
	return out, nil
}

// Revoke withdraws trust from a plugin. It moves to Rejected with Revoked
// trust and its bindings are removed.
func (m *Manager) Revoke(ctx context.Context, id, reason string) (Info, error) {
	unlock := m.lock(id)
	defer unlock()

	cur, ok := m.lookup(id)
	if !ok {
		return Info{}, notInstalled(id)
	}
	if cur.rec.Descriptor.Trust == plugin.TrustRevoked {
		return Info{}, invalidTransition(id, "revoke", cur.rec.State)
	}

	next := cloneEntry(cur)
	next.instance = nil
	next.rec.Descriptor.Trust = plugin.TrustRevoked
	next.rec.State = plugin.StateRejected
	next.rec.RevokedReason = reason
	next.rec.UpdatedAt = m.now()

	if err := storageError(m.store.Save(ctx, next.rec), "failed to persist plugin %s", id); err != nil {
		return Info{}, err
	}
	m.registry.Unregister(id)
	m.publish(id, next)
	if cur.instance != nil {
		if err := cur.instance.Close(context.Background()); err != nil {
			m.log.WithError(err).WithField("plugin", id).Warn("Failed to close revoked plugin")
		}
	}

	m.emit(newEvent(ctx, EventRevoked, id, next.rec.Descriptor.Version, cur.rec.State, plugin.StateRejected, reason))
	return next.info(), nil
}

// Configure replaces the sandbox policy of a plugin. Invocations already
// running keep the policy they started with.
func (m *Manager) Configure(ctx context.Context, id string, policy sandbox.Policy) (Info, error) {
	if err := policy.Validate(); err != nil {
		return Info{}, errors.Wrap(err, "invalid policy")
	}

	unlock := m.lock(id)
	defer unlock()

	cur, ok := m.lookup(id)
	if !ok {
		return Info{}, notInstalled(id)
	}
	next := cloneEntry(cur)
	next.rec.Policy = policy.Clone()
	next.rec.UpdatedAt = m.now()

	if err := storageError(m.store.Save(ctx, next.rec), "failed to persist plugin %s", id); err != nil {
		return Info{}, err
	}
	m.publish(id, next)

	m.emit(newEvent(ctx, EventConfigured, id, next.rec.Descriptor.Version, cur.rec.State, cur.rec.State, ""))
	return next.info(), nil
}

// Restore loads every stored record and re-registers the bindings of
// approved plugins. Records that cannot be decoded or fail to restore are
// skipped and reported in the returned error.
func (m *Manager) Restore(ctx context.Context) error {
	var errs error
	recs, err := m.store.List(ctx)
	switch {
	case errors.Is(err, store.ErrCorruptRecord):
		m.log.WithError(err).Warn("Skipped stored plugins that cannot be decoded")
		errs = err
	case err != nil:
		return storageError(err, "failed to list stored plugins")
	}

	for _, rec := range recs {
		if err := m.restore(ctx, rec); err != nil {
			m.log.WithError(err).WithField("plugin", rec.ID()).Warn("Failed to restore plugin")
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

func (m *Manager) restore(ctx context.Context, rec *store.Record) error {
	id := rec.ID()
	unlock := m.lock(id)
	defer unlock()

	ent := &entry{rec: rec}
	if rec.Descriptor.Trust == plugin.TrustApproved && approvedState(rec.State) {
		if rec.Artifact == nil {
			return errors.Newf("stored plugin %s has no artifact", id)
		}
		if rec.Artifact.Hash() != rec.Descriptor.Hash {
			return errors.Wrapf(plugin.ErrArtifactUnreadable, "stored artifact of %s does not match its approved hash", id)
		}
		p, err := m.loaders.Load(ctx, rec.Artifact)
		if err != nil {
			return errors.Wrapf(err, "failed to restore plugin %s", id)
		}
		ent.instance = p
	}

	m.registry.Unregister(id)
	if err := m.bind(ent); err != nil {
		return errors.Wrapf(err, "failed to restore bindings of %s", id)
	}
	m.publish(id, ent)
	m.emit(newEvent(ctx, EventRestored, id, rec.Descriptor.Version, rec.State, rec.State, ""))
	return nil
}

// precheck rejects artifacts that cannot be installed at all. Unknown hooks
// are reported here rather than as scan findings.
func (m *Manager) precheck(a *plugin.Artifact) error {
	if a == nil {
		return errors.Wrap(plugin.ErrArtifactUnreadable, "artifact cannot be nil")
	}
	if err := a.Manifest.Validate(); err != nil {
		return err
	}
	for _, h := range a.Manifest.Hooks {
		if _, ok := m.registry.Spec(h); !ok {
			return errors.Wrapf(ErrUnknownHook, "%s", h)
		}
	}
	return nil
}

// scan runs the scanner on rec and returns the resulting entry, Approved and
// loaded when the report is safe, Rejected otherwise.
func (m *Manager) scan(ctx context.Context, rec *store.Record) (*entry, error) {
	id := rec.ID()
	rec.State = plugin.StateScanning
	report, err := m.scanner.Scan(ctx, &rec.Descriptor, rec.Artifact)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan plugin %s", id)
	}
	rec.Report = report
	rec.Descriptor.Trust = plugin.TrustScanned

	ent := &entry{rec: rec}
	if !report.Safe {
		return m.reject(ent, ""), nil
	}

	p, err := m.loaders.Load(ctx, rec.Artifact)
	if err != nil {
		m.log.WithError(err).WithField("plugin", id).Warn("Approved plugin failed to load")
		return m.reject(ent, ""), nil
	}
	ent.instance = p
	rec.Descriptor.Trust = plugin.TrustApproved
	rec.State = plugin.StateApproved
	return ent, nil
}

func (m *Manager) reject(e *entry, reason string) *entry {
	e.instance = nil
	e.rec.Descriptor.Trust = plugin.TrustRejected
	e.rec.State = plugin.StateRejected
	if reason != "" {
		m.log.WithFields(logrus.Fields{"plugin": e.rec.ID(), "reason": reason}).Warn("Plugin rejected")
	}
	return e
}

// bind registers every hook of an approved entry atomically.
func (m *Manager) bind(e *entry) error {
	if e.instance == nil {
		return nil
	}
	a := e.rec.Artifact
	reqs := make([]hook.Request, 0, len(a.Manifest.Hooks))
	for _, h := range a.Manifest.Hooks {
		reqs = append(reqs, hook.Request{
			Hook:     h,
			Callback: hook.Callback{Plugin: e.instance, Entry: a.Manifest.EntryFor(h)},
		})
	}
	_, err := m.registry.RegisterAll(e.rec.ID(), reqs)
	return err
}

func (m *Manager) transition(ctx context.Context, id, op string, typ EventType, to plugin.State, from ...plugin.State) (Info, error) {
	unlock := m.lock(id)
	defer unlock()

	cur, ok := m.lookup(id)
	if !ok {
		return Info{}, notInstalled(id)
	}
	allowed := false
	for _, s := range from {
		if cur.rec.State == s {
			allowed = true
		}
	}
	if !allowed || cur.rec.Descriptor.Trust != plugin.TrustApproved {
		return Info{}, invalidTransition(id, op, cur.rec.State)
	}

	next := cloneEntry(cur)
	next.rec.State = to
	next.rec.UpdatedAt = m.now()
	if err := storageError(m.store.Save(ctx, next.rec), "failed to persist plugin %s", id); err != nil {
		return Info{}, err
	}
	m.publish(id, next)

	m.emit(newEvent(ctx, typ, id, next.rec.Descriptor.Version, cur.rec.State, to, ""))
	return next.info(), nil
}

func (m *Manager) emitVerdict(ctx context.Context, e *entry) {
	typ := EventRejected
	if e.rec.State == plugin.StateApproved {
		typ = EventApproved
	}
	msg := ""
	if r := e.rec.Report; r != nil {
		msg = fmt.Sprintf("%d findings (%d critical, %d high)", r.Summary.Total(), r.Summary.Critical, r.Summary.High)
	}
	m.emit(newEvent(ctx, typ, e.rec.ID(), e.rec.Descriptor.Version, plugin.StateScanning, e.rec.State, msg))
}

func approvedState(s plugin.State) bool {
	return s == plugin.StateApproved || s == plugin.StateActive || s == plugin.StateSuspended
}

// grant returns base with caps added to its allowed capabilities.
func grant(base sandbox.Policy, caps capability.Set) sandbox.Policy {
	out := base.Clone()
	if out.AllowedCapabilities == nil {
		out.AllowedCapabilities = capability.NewSet()
	}
	for c := range caps {
		out.AllowedCapabilities[c] = struct{}{}
	}
	return out
}

// cloneEntry copies e so the copy's record can be changed without affecting
// readers of the current table.
func cloneEntry(e *entry) *entry {
	rec := *e.rec
	rec.Descriptor.Capabilities = e.rec.Descriptor.Capabilities.Clone()
	rec.Descriptor.Hooks = append([]string(nil), e.rec.Descriptor.Hooks...)
	rec.Policy = e.rec.Policy.Clone()
	return &entry{rec: &rec, instance: e.instance}
}
