package keystore

import (
	"crypto/ed25519"

	"github.com/cockroachdb/errors"
)

// KeyID names a signing key inside a keystore.
type KeyID string

var (
	// ErrKeyNotFound is returned when no key is stored under the requested id.
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyExists is returned when generating or importing over an existing id.
	ErrKeyExists = errors.New("key already exists")
)

// Keystore holds ed25519 signing keys. Private keys never leave the keystore:
// callers sign through it and only ever see public keys.
type Keystore interface {
	// Generate creates and stores a new key pair under id.
	Generate(id KeyID) (ed25519.PublicKey, error)
	// Import stores an existing private key under id.
	Import(id KeyID, key ed25519.PrivateKey) error
	// PublicKey returns the public half of the key stored under id.
	PublicKey(id KeyID) (ed25519.PublicKey, error)
	// Sign signs msg with the key stored under id.
	Sign(id KeyID, msg []byte) ([]byte, error)
	// ListKeys returns every stored key id, sorted.
	ListKeys() ([]KeyID, error)
	// Delete removes the key stored under id.
	Delete(id KeyID) error
}
