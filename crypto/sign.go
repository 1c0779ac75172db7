// Package crypto signs and verifies plugin artifacts.
//
// A signature is ed25519 over the artifact digest (sha256 of the canonical
// manifest and source). Private keys stay in a keystore.Keystore; verifiers
// only hold public keys, indexed by key id.
package crypto

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/codepal-dev/pluginhost/crypto/keystore"
	"github.com/codepal-dev/pluginhost/plugin"
)

var (
	// ErrUnsigned is returned when verifying an artifact without a signature.
	ErrUnsigned = errors.New("artifact is not signed")
	// ErrUntrustedKey is returned when the signing key is not trusted.
	ErrUntrustedKey = errors.New("untrusted signing key")
	// ErrInvalidSignature is returned when the signature does not match the artifact.
	ErrInvalidSignature = errors.New("invalid artifact signature")
)

// SignArtifactRequest names the artifact to sign and the key to sign it with.
type SignArtifactRequest struct {
	// Artifact is signed in place: Signature and KeyID are overwritten.
	Artifact *plugin.Artifact
	// Keystore holds the signing key. The private key never leaves it.
	Keystore keystore.Keystore
	// KeyID names the signing key in Keystore.
	KeyID keystore.KeyID
}

// SignArtifact signs req.Artifact's digest with the keystore key and records
// the key id on the artifact.
func SignArtifact(req *SignArtifactRequest) error {
	if req == nil || req.Artifact == nil {
		return errors.New("artifact is required")
	}
	if req.Keystore == nil {
		return errors.New("keystore is required")
	}
	if req.KeyID == "" {
		return errors.New("key id is required")
	}

	digest := req.Artifact.Digest()
	sig, err := req.Keystore.Sign(req.KeyID, digest[:])
	if err != nil {
		return errors.Wrapf(err, "failed to sign artifact %s", req.Artifact.Manifest.ID)
	}
	req.Artifact.Signature = sig
	req.Artifact.KeyID = string(req.KeyID)
	return nil
}

// VerifyArtifact checks a's signature against pub.
func VerifyArtifact(pub ed25519.PublicKey, a *plugin.Artifact) error {
	if a == nil {
		return errors.New("artifact is required")
	}
	if !a.Signed() {
		return ErrUnsigned
	}
	if len(pub) != ed25519.PublicKeySize {
		return errors.Newf("invalid ed25519 public key length %d", len(pub))
	}
	digest := a.Digest()
	if !ed25519.Verify(pub, digest[:], a.Signature) {
		return errors.Wrapf(ErrInvalidSignature, "artifact %s signed by %s", a.Manifest.ID, a.KeyID)
	}
	return nil
}

// Verifier checks artifact signatures against a set of trusted public keys.
type Verifier struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewVerifier creates a verifier that trusts no keys.
func NewVerifier() *Verifier {
	return &Verifier{keys: make(map[string]ed25519.PublicKey)}
}

// Trust adds pub as the trusted key for id, replacing any previous key.
func (v *Verifier) Trust(id string, pub ed25519.PublicKey) error {
	if id == "" {
		return errors.New("key id is required")
	}
	if len(pub) != ed25519.PublicKeySize {
		return errors.Newf("invalid ed25519 public key length %d", len(pub))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[id] = append(ed25519.PublicKey(nil), pub...)
	return nil
}

// TrustKeystore trusts the public key of every key in ks.
func (v *Verifier) TrustKeystore(ks keystore.Keystore) error {
	ids, err := ks.ListKeys()
	if err != nil {
		return err
	}
	for _, id := range ids {
		pub, err := ks.PublicKey(id)
		if err != nil {
			return errors.Wrapf(err, "failed to read public key %s", id)
		}
		if err := v.Trust(string(id), pub); err != nil {
			return err
		}
	}
	return nil
}

// TrustDir trusts every "<key id>.pem" public key file in dir.
func (v *Verifier) TrustDir(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.pem"))
	if err != nil {
		return errors.Wrap(err, "failed to list trusted keys")
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return errors.Wrapf(err, "failed to read trusted key %s", f)
		}
		pub, err := ParsePublicKey(data)
		if err != nil {
			return errors.Wrapf(err, "failed to parse trusted key %s", f)
		}
		id := strings.TrimSuffix(filepath.Base(f), ".pem")
		if err := v.Trust(id, pub); err != nil {
			return err
		}
	}
	return nil
}

// KeyIDs returns the trusted key ids, sorted.
func (v *Verifier) KeyIDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.keys))
	for id := range v.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Verify checks a's signature against the trusted key named by a.KeyID.
func (v *Verifier) Verify(a *plugin.Artifact) error {
	if a == nil {
		return errors.New("artifact is required")
	}
	if !a.Signed() {
		return ErrUnsigned
	}
	v.mu.RLock()
	pub, ok := v.keys[a.KeyID]
	v.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrUntrustedKey, "key %q", a.KeyID)
	}
	return VerifyArtifact(pub, a)
}

// EncodePublicKey encodes pub as a PKIX "PUBLIC KEY" PEM block.
func EncodePublicKey(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal public key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKey decodes a PEM encoded ed25519 public key.
func ParsePublicKey(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse public key")
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("public key is not ed25519")
	}
	return pub, nil
}
