// Package executor runs a single plugin artifact outside the manager.
// It coordinates the crypto, plugin and sandbox packages: the artifact is
// verified, loaded and invoked once under a policy, and the result is returned
// together with the hashes identifying exactly what ran.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/codepal-dev/pluginhost/hook"
	"github.com/codepal-dev/pluginhost/plugin"
	"github.com/codepal-dev/pluginhost/sandbox"
	"github.com/codepal-dev/pluginhost/scanner"
)

// ExecutePluginRequest contains everything needed to run one hook of an artifact.
type ExecutePluginRequest struct {
	Artifact *plugin.Artifact
	// Hook is the hook to invoke. It must be declared by the manifest.
	Hook string
	// Payload is passed through to the plugin unchanged.
	Payload json.RawMessage
	// Policy bounds the invocation. A zero policy grants the declared
	// capabilities on top of sandbox.DefaultPolicy.
	Policy *sandbox.Policy
	// Verifier checks the signature before loading. Nil skips verification.
	Verifier scanner.Verifier
	// Specs resolves the hook. Nil uses the built-in hooks.
	Specs scanner.SpecSource
	// Executor runs the invocation. Nil uses a default executor.
	Executor *sandbox.Executor
	// Loaders load the artifact. Nil uses the registered runtimes.
	Loaders *plugin.Loaders
}

// ExecutionHashes identify what was executed.
type ExecutionHashes struct {
	// ArtifactHash is the content hash over manifest and source.
	ArtifactHash string `json:"artifact_hash"`
	// SourceHash is the sha256 of the source bytes alone.
	SourceHash string `json:"source_hash"`
	// SignatureHash is the sha256 of the signature; empty for unsigned artifacts.
	SignatureHash string `json:"signature_hash,omitempty"`
	// PayloadHash is the sha256 of the payload.
	PayloadHash string `json:"payload_hash"`
}

// ExecutePluginResult contains the invocation result and its hashes.
type ExecutePluginResult struct {
	Hashes   ExecutionHashes `json:"hashes"`
	Result   sandbox.Result  `json:"result"`
	PluginID string          `json:"plugin_id"`
	Version  string          `json:"version"`
	Runtime  string          `json:"runtime"`
	KeyID    string          `json:"key_id,omitempty"`
}

// ExecutePlugin verifies, loads and invokes one hook of an artifact.
//
// Request problems (unsigned or tampered artifacts, undeclared hooks,
// unloadable sources) are returned as errors. Everything that happens inside
// the invocation is reported in Result.Outcome, including results that do not
// match the hook's shape.
//
// This function does not log; the caller decides what to record.
func ExecutePlugin(ctx context.Context, req *ExecutePluginRequest) (*ExecutePluginResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	a := req.Artifact
	if a == nil {
		return nil, errors.Wrap(plugin.ErrArtifactUnreadable, "artifact cannot be nil")
	}
	if req.Hook == "" {
		return nil, errors.New("hook cannot be empty")
	}
	if err := a.Manifest.Validate(); err != nil {
		return nil, err
	}
	if !declares(a.Manifest.Hooks, req.Hook) {
		return nil, errors.Newf("plugin %s does not declare hook %s", a.Manifest.ID, req.Hook)
	}

	specs := req.Specs
	if specs == nil {
		specs = hook.NewRegistry()
	}
	spec, ok := specs.Spec(req.Hook)
	if !ok {
		return nil, errors.Wrapf(hook.ErrUnknownHook, "%s", req.Hook)
	}

	if req.Verifier != nil {
		if err := req.Verifier.Verify(a); err != nil {
			return nil, errors.Wrap(err, "failed to verify artifact")
		}
	}

	policy, err := resolvePolicy(req.Policy, a)
	if err != nil {
		return nil, err
	}

	loaders := req.Loaders
	if loaders == nil {
		loaders = plugin.NewLoaders(nil)
	}
	p, err := loaders.Load(ctx, a)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load plugin")
	}
	defer p.Close(context.Background())

	exec := req.Executor
	if exec == nil {
		exec = sandbox.New()
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = spec.Sample
	}

	res := exec.Invoke(ctx, sandbox.Invocation{
		Plugin: p,
		Entry:  a.Manifest.EntryFor(req.Hook),
		Params: spec.Params,
		Args:   payload,
		Hook:   req.Hook,
	}, policy)
	if res.OK() && spec.ValidateResult != nil {
		if err := spec.ValidateResult(res.Outcome.Value); err != nil {
			res.Outcome = sandbox.Malformed(err)
		}
	}

	return &ExecutePluginResult{
		Hashes: ExecutionHashes{
			ArtifactHash:  a.Hash(),
			SourceHash:    sum(a.Source),
			SignatureHash: sumOptional(a.Signature),
			PayloadHash:   sum(payload),
		},
		Result:   res,
		PluginID: a.Manifest.ID,
		Version:  a.Manifest.Version,
		Runtime:  a.Manifest.Runtime,
		KeyID:    a.KeyID,
	}, nil
}

func resolvePolicy(p *sandbox.Policy, a *plugin.Artifact) (sandbox.Policy, error) {
	if p != nil {
		if err := p.Validate(); err != nil {
			return sandbox.Policy{}, errors.Wrap(err, "invalid policy")
		}
		return p.Clone(), nil
	}
	caps, err := a.Manifest.CapabilitySet()
	if err != nil {
		return sandbox.Policy{}, err
	}
	return sandbox.DefaultPolicy().WithCapabilities(caps), nil
}

func declares(hooks []string, name string) bool {
	for _, h := range hooks {
		if h == name {
			return true
		}
	}
	return false
}

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func sumOptional(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return sum(data)
}
