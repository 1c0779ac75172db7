package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/codepal-dev/pluginhost/capability"
)

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *Manifest)
		wantErr bool
	}{
		{"valid", func(*Manifest) {}, false},
		{"missing id", func(m *Manifest) { m.ID = "" }, true},
		{"id with slash", func(m *Manifest) { m.ID = "a/b" }, true},
		{"bad version", func(m *Manifest) { m.Version = "v1" }, true},
		{"unknown runtime", func(m *Manifest) { m.Runtime = "python" }, true},
		{"unknown capability", func(m *Manifest) { m.Capabilities = []string{"teleport"} }, true},
		{"duplicate hook", func(m *Manifest) { m.Hooks = []string{"onDeploy", "onDeploy"} }, true},
		{"prerelease version", func(m *Manifest) { m.Version = "1.2.0-beta.1" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newArtifact(RuntimeJS, "", "onDeploy").Manifest
			tt.mutate(&m)
			err := m.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidManifest) {
				t.Errorf("Validate() error = %v, want ErrInvalidManifest", err)
			}
		})
	}
}

func TestDigestCoversSourceAndCapabilities(t *testing.T) {
	a := newArtifact(RuntimeJS, "function onDeploy() {}", "onDeploy")
	base := a.Hash()

	b := *a
	b.Manifest.Capabilities = []string{"network"}
	if b.Hash() == base {
		t.Error("Hash() unchanged after capability change")
	}

	c := *a
	c.Source = []byte("function onDeploy() { return 1 }")
	if c.Hash() == base {
		t.Error("Hash() unchanged after source change")
	}

	d := *a
	d.Signature = []byte("sig")
	d.KeyID = "key"
	if d.Hash() != base {
		t.Error("Hash() changed after signing")
	}

	e := *a
	e.Manifest.Hooks = []string{"onDeploy"}
	e.Manifest.Capabilities = []string{"none"}
	if e.Hash() != base {
		t.Error("Hash() depends on slice identity")
	}
}

func TestReadBundle(t *testing.T) {
	dir := t.TempDir()
	manifest := `id: reviewer
version: 0.3.1
runtime: js
main: index.js
hooks: [onCodeReview]
capabilities: [filesystem.read]
`
	if err := os.WriteFile(filepath.Join(dir, BundleManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("function onCodeReview() { return [] }"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := ReadArtifactFile(dir)
	if err != nil {
		t.Fatalf("ReadArtifactFile() error = %v", err)
	}
	if a.Manifest.ID != "reviewer" || string(a.Source) == "" {
		t.Errorf("ReadArtifactFile() = %+v", a.Manifest)
	}
	if err := a.Manifest.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	out := filepath.Join(t.TempDir(), "reviewer.json")
	if err := WriteArtifactFile(out, a); err != nil {
		t.Fatalf("WriteArtifactFile() error = %v", err)
	}
	back, err := ReadArtifactFile(out)
	if err != nil {
		t.Fatalf("ReadArtifactFile(json) error = %v", err)
	}
	if back.Hash() != a.Hash() {
		t.Error("artifact hash changed after write/read")
	}
}

func TestReadBundleEscapingMain(t *testing.T) {
	dir := t.TempDir()
	manifest := "id: x\nversion: 1.0.0\nruntime: js\nmain: ../secret.js\n"
	if err := os.WriteFile(filepath.Join(dir, BundleManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadBundle(dir); !errors.Is(err, ErrArtifactUnreadable) {
		t.Errorf("ReadBundle() error = %v, want ErrArtifactUnreadable", err)
	}
}

func TestParseArtifactGarbage(t *testing.T) {
	if _, err := ParseArtifact([]byte("{nope")); !errors.Is(err, ErrArtifactUnreadable) {
		t.Errorf("ParseArtifact() error = %v, want ErrArtifactUnreadable", err)
	}
}

func TestNewDescriptor(t *testing.T) {
	a := newArtifact(RuntimeLua, "", "onDeploy", "onCodeReview")
	a.Manifest.Capabilities = []string{"network", "filesystem.read"}

	d, err := NewDescriptor(a)
	if err != nil {
		t.Fatalf("NewDescriptor() error = %v", err)
	}
	if d.Trust != TrustUnverified {
		t.Errorf("Trust = %v, want Unverified", d.Trust)
	}
	if d.Hooks[0] != "onCodeReview" {
		t.Errorf("Hooks = %v, want sorted", d.Hooks)
	}
	if !d.Capabilities.Allows(capability.Network) {
		t.Error("Capabilities should allow network")
	}
	if d.Hash != a.Hash() {
		t.Error("Hash mismatch")
	}
}

func TestTrustStateText(t *testing.T) {
	for s := TrustUnverified; s <= TrustRevoked; s++ {
		text, _ := s.MarshalText()
		var back TrustState
		if err := back.UnmarshalText(text); err != nil || back != s {
			t.Errorf("UnmarshalText(%s) = %v, %v", text, back, err)
		}
	}
}
