// Package scanner inspects plugin artifacts and decides whether they are safe
// to approve.
//
// A scan combines static checks over the source, an inspection of manifest
// scripts, a dry run of every declared hook against a recording system, and a
// signature check. The verdict is cached by artifact content hash.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/codepal-dev/pluginhost/capability"
	"github.com/codepal-dev/pluginhost/hook"
	"github.com/codepal-dev/pluginhost/plugin"
	"github.com/codepal-dev/pluginhost/sandbox"
)

// Defaults for the dry run.
const (
	DefaultDryRunTimeout = time.Second
	DefaultDryRunRoot    = "/sandbox"
)

// Verifier checks an artifact signature.
type Verifier interface {
	Verify(a *plugin.Artifact) error
}

// SpecSource resolves hook specs.
type SpecSource interface {
	Spec(hook string) (hook.Spec, bool)
}

// Config tunes a Scanner.
type Config struct {
	// RequireSignatures makes unsigned artifacts a High finding instead of Low.
	RequireSignatures bool
	DryRunTimeout     time.Duration
	// SandboxRoot is the root the dry run and script checks confine writes to.
	SandboxRoot   string
	MemoryLimitMB uint32
}

// Scanner produces Reports.
type Scanner struct {
	cfg      Config
	loaders  *plugin.Loaders
	specs    SpecSource
	verifier Verifier
	cache    Cache
	patterns map[string][]Pattern
	log      logrus.FieldLogger
	now      func() time.Time
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithConfig sets the scan configuration.
func WithConfig(cfg Config) Option {
	return func(s *Scanner) { s.cfg = cfg }
}

// WithLoaders sets the runtime loaders used to load artifacts.
func WithLoaders(l *plugin.Loaders) Option {
	return func(s *Scanner) { s.loaders = l }
}

// WithSpecs sets where hook specs, and their dry-run samples, come from.
func WithSpecs(src SpecSource) Option {
	return func(s *Scanner) { s.specs = src }
}

// WithVerifier sets the signature verifier.
func WithVerifier(v Verifier) Option {
	return func(s *Scanner) { s.verifier = v }
}

// WithCache sets the report cache.
func WithCache(c Cache) Option {
	return func(s *Scanner) { s.cache = c }
}

// WithPatterns replaces the static patterns.
func WithPatterns(p map[string][]Pattern) Option {
	return func(s *Scanner) { s.patterns = p }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Scanner) { s.log = log }
}

// New creates a scanner with an in-memory cache and the built-in hooks.
func New(opts ...Option) *Scanner {
	s := &Scanner{
		patterns: DefaultPatterns(),
		log:      logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.loaders == nil {
		s.loaders = plugin.NewLoaders(nil)
	}
	if s.specs == nil {
		s.specs = hook.NewRegistry()
	}
	if s.cache == nil {
		s.cache = NewMemoryCache(0)
	}
	if s.cfg.DryRunTimeout <= 0 {
		s.cfg.DryRunTimeout = DefaultDryRunTimeout
	}
	if s.cfg.SandboxRoot == "" {
		s.cfg.SandboxRoot = DefaultDryRunRoot
	}
	return s
}

// CacheKey identifies an artifact for caching: its content hash plus its
// signature, since the signature affects the verdict but not the hash.
func CacheKey(a *plugin.Artifact) string {
	key := a.Hash()
	if a.Signed() {
		sum := sha256.Sum256(append([]byte(a.KeyID+"\x00"), a.Signature...))
		key += "." + hex.EncodeToString(sum[:8])
	}
	return key
}

// Scan inspects an artifact. Problems with the artifact itself are findings;
// an error is returned only when ctx is done.
func (s *Scanner) Scan(ctx context.Context, desc *plugin.Descriptor, a *plugin.Artifact) (*Report, error) {
	if a == nil {
		return nil, errors.Wrap(plugin.ErrArtifactUnreadable, "artifact cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := CacheKey(a)
	log := s.log.WithFields(logrus.Fields{"plugin": a.Manifest.ID, "hash": a.Hash()})

	if cached, ok, err := s.cache.Get(ctx, key); err != nil {
		log.WithError(err).Warn("Scan cache read failed")
	} else if ok {
		log.Debug("Scan cache hit")
		return cached, nil
	}

	report := &Report{
		PluginID:  a.Manifest.ID,
		Version:   a.Manifest.Version,
		Hash:      a.Hash(),
		ScannedAt: s.now(),
	}

	declared := s.declared(desc, a)
	report.Declared = declared.List()

	exercised := capability.NewSet()
	s.scanArtifact(ctx, a, declared, exercised, report)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.checkSignature(a, report)

	report.Exercised = exercised.List()
	report.finalize()

	if err := s.cache.Put(ctx, key, report); err != nil {
		log.WithError(err).Warn("Scan cache write failed")
	}
	log.WithFields(logrus.Fields{
		"safe":     report.Safe,
		"critical": report.Summary.Critical,
		"high":     report.Summary.High,
	}).Info("Scanned plugin")
	return report, nil
}

// declared returns the requested capabilities. Unknown names are left to
// manifest validation.
func (s *Scanner) declared(desc *plugin.Descriptor, a *plugin.Artifact) capability.Set {
	if desc != nil && desc.Capabilities != nil {
		return desc.Capabilities.Clone()
	}
	set := capability.NewSet()
	for _, name := range a.Manifest.Capabilities {
		if c, err := capability.Parse(name); err == nil {
			set[c] = struct{}{}
		}
	}
	delete(set, capability.None)
	return set
}

// scanArtifact runs the checks that need a loadable artifact.
func (s *Scanner) scanArtifact(ctx context.Context, a *plugin.Artifact, declared, exercised capability.Set, report *Report) {
	if err := a.Manifest.Validate(); err != nil {
		report.Findings = append(report.Findings, Finding{
			Severity: Critical,
			Rule:     RuleInvalidManifest,
			Category: CategoryIntegrity,
			Message:  err.Error(),
		})
		return
	}

	p, err := s.loaders.Load(ctx, a)
	if err != nil {
		report.Findings = append(report.Findings, Finding{
			Severity: Critical,
			Rule:     RuleArtifactUnreadable,
			Category: CategoryIntegrity,
			Message:  err.Error(),
		})
		return
	}
	defer p.Close(context.Background())

	s.staticChecks(a, p, exercised, report)

	scripts := analyzeScripts(a.Manifest.Scripts, s.cfg.SandboxRoot)
	for c := range scripts.exercised {
		exercised[c] = struct{}{}
	}
	report.Findings = append(report.Findings, scripts.findings...)

	s.dryRun(ctx, a, p, exercised, report)

	for _, c := range declared.Missing(exercised) {
		report.Findings = append(report.Findings, Finding{
			Severity:   Critical,
			Rule:       RuleUndeclaredCapability,
			Category:   CategoryCapability,
			Message:    fmt.Sprintf("plugin exercises %s without declaring it", c),
			Capability: c,
		})
	}
	if _, ok := exercised[capability.ProcessSpawn]; ok {
		report.Findings = append(report.Findings, Finding{
			Severity:   High,
			Rule:       RuleProcessSpawn,
			Category:   CategoryCapability,
			Message:    "plugin spawns external processes",
			Capability: capability.ProcessSpawn,
		})
	}
}

// staticChecks matches source patterns for script runtimes and inspects
// imports for WASM modules.
func (s *Scanner) staticChecks(a *plugin.Artifact, p plugin.Plugin, exercised capability.Set, report *Report) {
	if wp, ok := p.(*plugin.WASMPlugin); ok {
		for c := range wp.Module().Capabilities() {
			exercised[c] = struct{}{}
		}
		return
	}

	evalSeen := false
	for _, m := range MatchSource(s.patterns[a.Manifest.Runtime], a.Source) {
		if m.Pattern.Eval {
			if !evalSeen {
				report.Findings = append(report.Findings, Finding{
					Severity: High,
					Rule:     RuleDynamicEval,
					Category: CategoryCode,
					Message:  "dynamic code evaluation (" + m.Pattern.ID + ")",
					Location: m.location(a.Manifest.ID),
				})
				evalSeen = true
			}
			continue
		}
		exercised[m.Pattern.Capability] = struct{}{}
	}
}

// dryRun invokes every declared hook with its sample payload against a
// recording system under a permissive policy. Denials do not end a dry run,
// so capabilities used after a refused call are still recorded.
func (s *Scanner) dryRun(ctx context.Context, a *plugin.Artifact, p plugin.Plugin, exercised capability.Set, report *Report) {
	recorder := sandbox.NewRecordingSystem()
	exec := sandbox.New(
		sandbox.WithSystem(recorder),
		sandbox.WithDenialTrace(),
		sandbox.WithLogger(s.log.WithField("dry_run", a.Manifest.ID)),
	)
	policy := sandbox.Policy{
		Timeout:             s.cfg.DryRunTimeout,
		MemoryLimitMB:       s.cfg.MemoryLimitMB,
		AllowedCapabilities: capability.NewSet(capability.All()...),
		SandboxRoot:         s.cfg.SandboxRoot,
	}

	for _, name := range a.Manifest.Hooks {
		if ctx.Err() != nil {
			return
		}
		spec, ok := s.specs.Spec(name)
		if !ok {
			continue
		}
		entry := a.Manifest.EntryFor(name)
		if !p.HasEntryPoint(entry) {
			report.Findings = append(report.Findings, Finding{
				Severity: High,
				Rule:     RuleMissingEntryPoint,
				Category: CategoryIntegrity,
				Message:  fmt.Sprintf("hook %s has no entry point %s", name, entry),
				Location: name,
			})
			continue
		}

		res := exec.Invoke(ctx, sandbox.Invocation{
			Plugin: p,
			Entry:  entry,
			Params: spec.Params,
			Args:   spec.Sample,
			Hook:   name,
		}, policy)

		for _, c := range res.Usage.Exercised {
			exercised[c] = struct{}{}
		}
		seen := make(map[sandbox.Denial]bool, len(res.Usage.Denials))
		for _, d := range res.Usage.Denials {
			if !seen[d] {
				seen[d] = true
				s.deniedInDryRun(d, name, report)
			}
		}
		switch res.Outcome.Kind {
		case sandbox.TimedOut:
			report.Findings = append(report.Findings, Finding{
				Severity: Medium,
				Rule:     RuleDryRunTimeout,
				Category: CategoryBehavior,
				Message:  fmt.Sprintf("dry run did not finish within %s", s.cfg.DryRunTimeout),
				Location: name,
			})
		case sandbox.Faulted:
			report.Findings = append(report.Findings, Finding{
				Severity: Low,
				Rule:     RuleDryRunFault,
				Category: CategoryBehavior,
				Message:  "dry run faulted: " + res.Outcome.Reason,
				Location: name,
			})
		}
	}
}

// deniedInDryRun explains a denial under the permissive policy, which only
// happens for paths outside the sandbox root or malformed targets.
func (s *Scanner) deniedInDryRun(o sandbox.Denial, hookName string, report *Report) {
	switch {
	case o.Capability == capability.FilesystemWrite:
		report.Findings = append(report.Findings, Finding{
			Severity:   High,
			Rule:       RuleWriteOutsideSandbox,
			Category:   CategoryBehavior,
			Message:    "dry run wrote to " + o.Target + " outside the sandbox root",
			Location:   hookName,
			Capability: o.Capability,
		})
	case o.Capability == capability.FilesystemRead:
		report.Findings = append(report.Findings, Finding{
			Severity:   Medium,
			Rule:       RuleReadOutsideSandbox,
			Category:   CategoryBehavior,
			Message:    "dry run read " + o.Target + " outside the sandbox root",
			Location:   hookName,
			Capability: o.Capability,
		})
	default:
		report.Findings = append(report.Findings, Finding{
			Severity:   Low,
			Rule:       RuleDryRunFault,
			Category:   CategoryBehavior,
			Message:    fmt.Sprintf("dry run was denied %s for %s", o.Capability, o.Target),
			Location:   hookName,
			Capability: o.Capability,
		})
	}
}

func (s *Scanner) checkSignature(a *plugin.Artifact, report *Report) {
	if !a.Signed() {
		sev := Low
		if s.cfg.RequireSignatures {
			sev = High
		}
		report.Findings = append(report.Findings, Finding{
			Severity: sev,
			Rule:     RuleUnsigned,
			Category: CategoryIntegrity,
			Message:  "artifact is not signed",
		})
		return
	}
	if s.verifier == nil {
		report.Findings = append(report.Findings, Finding{
			Severity: Low,
			Rule:     RuleUnsigned,
			Category: CategoryIntegrity,
			Message:  "artifact signature was not checked: no verifier configured",
		})
		return
	}
	if err := s.verifier.Verify(a); err != nil {
		report.Findings = append(report.Findings, Finding{
			Severity: Critical,
			Rule:     RuleInvalidSignature,
			Category: CategoryIntegrity,
			Message:  err.Error(),
			Location: a.KeyID,
		})
	}
}
