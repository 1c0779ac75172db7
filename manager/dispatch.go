package manager

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/codepal-dev/pluginhost/hook"
	"github.com/codepal-dev/pluginhost/sandbox"
)

// Dispatch invokes every Active, Approved plugin bound to hookName with
// payload and returns one result per invocation in registration order.
// Failures are reported in the results; the error is set only for unknown
// hooks.
func (m *Manager) Dispatch(ctx context.Context, hookName string, payload json.RawMessage) ([]sandbox.Result, error) {
	spec, ok := m.registry.Spec(hookName)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownHook, "%s", hookName)
	}

	// One table snapshot for the whole dispatch.
	plugins := *m.plugins.Load()
	var targets []target
	for _, b := range m.registry.List(hookName) {
		e, ok := plugins[b.PluginID]
		if !ok || !e.dispatchable() {
			continue
		}
		targets = append(targets, target{binding: b, policy: e.rec.Policy})
	}
	if len(targets) == 0 {
		return []sandbox.Result{}, nil
	}

	if m.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.DispatchTimeout)
		defer cancel()
	}

	results := make([]sandbox.Result, len(targets))
	var g errgroup.Group
	g.SetLimit(m.cfg.MaxConcurrency)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = m.invoke(ctx, spec, t, payload)
			return nil
		})
	}
	_ = g.Wait()

	m.results.push(results...)
	m.log.WithFields(logrus.Fields{
		"hook":        hookName,
		"invocations": len(results),
		"failed":      countFailed(results),
	}).Debug("Dispatch settled")
	return results, nil
}

type target struct {
	binding hook.Binding
	policy  sandbox.Policy
}

func (m *Manager) invoke(ctx context.Context, spec hook.Spec, t target, payload json.RawMessage) sandbox.Result {
	res := m.executor.Invoke(ctx, sandbox.Invocation{
		Plugin: t.binding.Callback.Plugin,
		Entry:  t.binding.Callback.Entry,
		Params: spec.Params,
		Args:   payload,
		Hook:   t.binding.Hook,
		Order:  t.binding.Order,
	}, t.policy)

	if res.OK() && spec.ValidateResult != nil {
		if err := spec.ValidateResult(res.Outcome.Value); err != nil {
			res.Outcome = sandbox.Malformed(err)
		}
	}
	return res
}

func countFailed(results []sandbox.Result) int {
	n := 0
	for _, r := range results {
		if !r.OK() {
			n++
		}
	}
	return n
}
