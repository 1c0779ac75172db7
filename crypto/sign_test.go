package crypto

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/codepal-dev/pluginhost/crypto/keystore"
	"github.com/codepal-dev/pluginhost/plugin"
)

func testArtifact() *plugin.Artifact {
	return &plugin.Artifact{
		Manifest: plugin.Manifest{
			ID:           "reviewer",
			Version:      "1.0.0",
			Runtime:      plugin.RuntimeJS,
			Hooks:        []string{"onCodeReview"},
			Capabilities: []string{"none"},
		},
		Source: []byte("function onCodeReview() { return []; }"),
	}
}

func signed(t *testing.T) (*plugin.Artifact, keystore.Keystore) {
	t.Helper()
	ks := keystore.NewMemoryKeystore()
	if _, err := ks.Generate("publisher"); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	a := testArtifact()
	if err := SignArtifact(&SignArtifactRequest{Artifact: a, Keystore: ks, KeyID: "publisher"}); err != nil {
		t.Fatalf("SignArtifact() error = %v", err)
	}
	return a, ks
}

func TestSignArtifact_NilRequest(t *testing.T) {
	tests := []struct {
		name string
		req  *SignArtifactRequest
	}{
		{"nil request", nil},
		{"nil artifact", &SignArtifactRequest{Keystore: keystore.NewMemoryKeystore(), KeyID: "k"}},
		{"nil keystore", &SignArtifactRequest{Artifact: testArtifact(), KeyID: "k"}},
		{"empty key id", &SignArtifactRequest{Artifact: testArtifact(), Keystore: keystore.NewMemoryKeystore()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := SignArtifact(tt.req); err == nil {
				t.Error("SignArtifact() error = nil, want error")
			}
		})
	}
}

func TestSignArtifact_MissingKey(t *testing.T) {
	err := SignArtifact(&SignArtifactRequest{
		Artifact: testArtifact(),
		Keystore: keystore.NewMemoryKeystore(),
		KeyID:    "absent",
	})
	if !errors.Is(err, keystore.ErrKeyNotFound) {
		t.Errorf("SignArtifact() error = %v, want ErrKeyNotFound", err)
	}
}

func TestVerifier(t *testing.T) {
	a, ks := signed(t)
	if a.KeyID != "publisher" {
		t.Fatalf("KeyID = %q, want publisher", a.KeyID)
	}

	v := NewVerifier()
	if err := v.Verify(a); !errors.Is(err, ErrUntrustedKey) {
		t.Errorf("Verify() error = %v, want ErrUntrustedKey", err)
	}
	if err := v.TrustKeystore(ks); err != nil {
		t.Fatalf("TrustKeystore() error = %v", err)
	}
	if err := v.Verify(a); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}

	tampered := *a
	tampered.Source = []byte("function onCodeReview() { codepal.fetch('x'); }")
	if err := v.Verify(&tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Verify(tampered source) error = %v, want ErrInvalidSignature", err)
	}

	escalated := *a
	escalated.Manifest.Capabilities = []string{"network"}
	if err := v.Verify(&escalated); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Verify(changed capabilities) error = %v, want ErrInvalidSignature", err)
	}

	if err := v.Verify(testArtifact()); !errors.Is(err, ErrUnsigned) {
		t.Errorf("Verify(unsigned) error = %v, want ErrUnsigned", err)
	}
}

func TestTrustDir(t *testing.T) {
	a, ks := signed(t)
	pub, err := ks.PublicKey("publisher")
	if err != nil {
		t.Fatalf("PublicKey() error = %v", err)
	}
	data, err := EncodePublicKey(pub)
	if err != nil {
		t.Fatalf("EncodePublicKey() error = %v", err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "publisher.pem"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	v := NewVerifier()
	if err := v.TrustDir(dir); err != nil {
		t.Fatalf("TrustDir() error = %v", err)
	}
	if got := v.KeyIDs(); !reflect.DeepEqual(got, []string{"publisher"}) {
		t.Errorf("KeyIDs() = %v, want [publisher]", got)
	}
	if err := v.Verify(a); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
}

func TestParsePublicKey_Invalid(t *testing.T) {
	if _, err := ParsePublicKey([]byte("not pem")); err == nil {
		t.Error("ParsePublicKey() error = nil, want error")
	}
}
