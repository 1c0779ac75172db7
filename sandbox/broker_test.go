package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/codepal-dev/pluginhost/capability"
	"github.com/codepal-dev/pluginhost/plugin"
)

func newTestBroker(policy Policy, sys System) (*broker, context.Context) {
	ctx, cancel := context.WithCancelCause(context.Background())
	return newBroker(policy, sys, quietLogger(), cancel), ctx
}

func TestBrokerConfinesPaths(t *testing.T) {
	root := t.TempDir()
	policy := DefaultPolicy()
	policy.SandboxRoot = root
	policy.AllowedCapabilities = capability.NewSet(capability.Filesystem)
	policy.AllowedPaths = []string{"work/**"}

	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{"relative inside", "work/out.txt", true},
		{"absolute inside", filepath.Join(root, "work", "a", "b.txt"), true},
		{"outside patterns", "other/file.txt", false},
		{"dot dot escape", "work/../../etc/passwd", false},
		{"absolute outside", "/etc/passwd", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBroker(policy, NewRecordingSystem())
			if _, ok := b.confine(tt.path); ok != tt.ok {
				t.Errorf("confine(%q) = %v, want %v", tt.path, ok, tt.ok)
			}
		})
	}
}

func TestBrokerRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	policy := DefaultPolicy()
	policy.SandboxRoot = root

	if err := os.Symlink(filepath.Join(outside, "missing"), filepath.Join(root, "dangling")); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "work"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{"symlink itself", "link", false},
		{"new file under symlink", "link/new.txt", false},
		{"new dir under symlink", "link/a/b/new.txt", false},
		{"dangling symlink", "dangling", false},
		{"new file in real dir", "work/new.txt", true},
		{"new nested file", "fresh/a/new.txt", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBroker(policy, NewRecordingSystem())
			if _, ok := b.confine(tt.path); ok != tt.ok {
				t.Errorf("confine(%q) = %v, want %v", tt.path, ok, tt.ok)
			}
		})
	}
}

func TestBrokerWriteThroughSymlinkedParent(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	policy := DefaultPolicy()
	policy.SandboxRoot = root
	policy.AllowedCapabilities = capability.NewSet(capability.Filesystem)

	b, ctx := newTestBroker(policy, NewOSSystem(DefaultTimeout))
	err := b.WriteFile(ctx, "link/escaped.txt", []byte("x"))
	if !errors.Is(err, plugin.ErrCapabilityDenied) {
		t.Errorf("WriteFile() error = %v, want ErrCapabilityDenied", err)
	}
	if _, serr := os.Stat(filepath.Join(outside, "escaped.txt")); !os.IsNotExist(serr) {
		t.Errorf("file written outside the sandbox root (stat error = %v)", serr)
	}
}

func TestBrokerHostPatterns(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		url      string
		want     bool
	}{
		{"no patterns", nil, "https://anything.test/x", true},
		{"wildcard", []string{"*.example.com"}, "https://api.example.com/v1", true},
		{"apex not matched", []string{"*.example.com"}, "https://example.com/", false},
		{"case folded", []string{"api.example.com"}, "https://API.Example.COM/", true},
		{"idna pattern", []string{"*.bücher.example"}, "https://shop.xn--bcher-kva.example/", true},
		{"idna url", []string{"xn--bcher-kva.example"}, "https://bücher.example/", true},
		{"other host", []string{"api.example.com"}, "https://evil.test/", false},
		{"non http scheme", nil, "file:///etc/passwd", false},
		{"garbage", nil, "::not a url", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := DefaultPolicy()
			policy.AllowedHosts = tt.patterns
			b, _ := newTestBroker(policy, NewRecordingSystem())
			if got := b.hostAllowed(tt.url); got != tt.want {
				t.Errorf("hostAllowed(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestBrokerDenialCancels(t *testing.T) {
	sys := NewRecordingSystem()
	b, ctx := newTestBroker(DefaultPolicy(), sys)

	_, err := b.Getenv(ctx, "HOME")
	if !errors.Is(err, plugin.ErrCapabilityDenied) {
		t.Fatalf("Getenv() error = %v, want ErrCapabilityDenied", err)
	}
	if ctx.Err() == nil {
		t.Error("denial did not cancel the invocation")
	}
	var de *plugin.DeniedError
	if !errors.As(context.Cause(ctx), &de) || de.Capability != capability.EnvRead {
		t.Errorf("cause = %v, want DeniedError(env.read)", context.Cause(ctx))
	}

	// Further calls fail without reaching the system, even if granted.
	b.policy.AllowedCapabilities = capability.NewSet(capability.EnvRead)
	if _, err := b.Getenv(ctx, "HOME"); err == nil {
		t.Error("Getenv() after abort error = nil")
	}
	if ops := sys.Ops(); len(ops) != 0 {
		t.Errorf("system ops = %v, want none", ops)
	}
	if d := b.denial(); d == nil || d.Target != "HOME" {
		t.Errorf("denial() = %v", d)
	}
}

func TestBrokerReadWriteThroughOSSystem(t *testing.T) {
	root := t.TempDir()
	policy := DefaultPolicy()
	policy.SandboxRoot = root
	policy.AllowedCapabilities = capability.NewSet(capability.Filesystem)

	b, ctx := newTestBroker(policy, NewOSSystem(DefaultTimeout))
	if err := b.WriteFile(ctx, "out/report.txt", []byte("ok")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	data, err := b.ReadFile(ctx, filepath.Join(root, "out", "report.txt"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "ok" {
		t.Errorf("ReadFile() = %q, want ok", data)
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr bool
	}{
		{"default", func(*Policy) {}, false},
		{"zero timeout", func(p *Policy) { p.Timeout = 0 }, true},
		{"relative root", func(p *Policy) { p.SandboxRoot = "tmp" }, true},
		{"bad pattern", func(p *Policy) { p.AllowedHosts = []string{"[a-"} }, true},
		{"unknown capability", func(p *Policy) { p.AllowedCapabilities = capability.Set{"gpu": {}} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			if err := p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
