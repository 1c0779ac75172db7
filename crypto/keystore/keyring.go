package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"sort"

	"github.com/99designs/keyring"
	"github.com/cockroachdb/errors"
)

// DefaultServiceName is the keyring service keys are stored under.
const DefaultServiceName = "pluginhost"

// KeyringKeystore implements Keystore on top of a keyring.Keyring. Keys are
// stored as PKCS8 PEM blocks.
type KeyringKeystore struct {
	ring keyring.Keyring
}

// NewKeyringKeystore wraps an already opened keyring.
func NewKeyringKeystore(ring keyring.Keyring) *KeyringKeystore {
	return &KeyringKeystore{ring: ring}
}

// OpenKeyring opens the keyring described by cfg.
func OpenKeyring(cfg Config) (*KeyringKeystore, error) {
	kc := keyring.Config{
		ServiceName:              cfg.ServiceName,
		KeychainTrustApplication: true,
		FileDir:                  cfg.FileDir,
	}
	if kc.ServiceName == "" {
		kc.ServiceName = DefaultServiceName
	}
	if cfg.FilePassword != "" {
		kc.FilePasswordFunc = keyring.FixedStringPrompt(cfg.FilePassword)
	}
	for _, b := range cfg.AllowedBackends {
		kc.AllowedBackends = append(kc.AllowedBackends, keyring.BackendType(b))
	}

	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open keyring")
	}
	return NewKeyringKeystore(ring), nil
}

// NewMemoryKeystore returns a keystore backed by an in-memory keyring.
func NewMemoryKeystore() *KeyringKeystore {
	return NewKeyringKeystore(keyring.NewArrayKeyring(nil))
}

func (k *KeyringKeystore) Generate(id KeyID) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate key")
	}
	defer zeroize(priv)
	if err := k.Import(id, priv); err != nil {
		return nil, err
	}
	return pub, nil
}

func (k *KeyringKeystore) Import(id KeyID, key ed25519.PrivateKey) error {
	if id == "" {
		return errors.New("key id is required")
	}
	if len(key) != ed25519.PrivateKeySize {
		return errors.Newf("invalid ed25519 private key length %d", len(key))
	}
	if _, err := k.ring.Get(string(id)); err == nil {
		return errors.Wrapf(ErrKeyExists, "key %s", id)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return errors.Wrap(err, "failed to marshal private key")
	}
	defer zeroize(der)
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	err = k.ring.Set(keyring.Item{
		Key:         string(id),
		Data:        data,
		Label:       "pluginhost signing key " + string(id),
		Description: "ed25519 artifact signing key",
	})
	if err != nil {
		return errors.Wrap(err, "failed to store key in keyring")
	}
	return nil
}

func (k *KeyringKeystore) privateKey(id KeyID) (ed25519.PrivateKey, error) {
	item, err := k.ring.Get(string(id))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, errors.Wrapf(ErrKeyNotFound, "key %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get key from keyring")
	}

	block, _ := pem.Decode(item.Data)
	if block == nil {
		return nil, errors.Newf("key %s is not PEM encoded", id)
	}
	defer zeroize(block.Bytes)

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse private key")
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.Newf("key %s is not ed25519", id)
	}
	return priv, nil
}

func (k *KeyringKeystore) PublicKey(id KeyID) (ed25519.PublicKey, error) {
	priv, err := k.privateKey(id)
	if err != nil {
		return nil, err
	}
	defer zeroize(priv)
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, priv.Public().(ed25519.PublicKey))
	return pub, nil
}

func (k *KeyringKeystore) Sign(id KeyID, msg []byte) ([]byte, error) {
	priv, err := k.privateKey(id)
	if err != nil {
		return nil, err
	}
	defer zeroize(priv)
	return ed25519.Sign(priv, msg), nil
}

func (k *KeyringKeystore) ListKeys() ([]KeyID, error) {
	keys, err := k.ring.Keys()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keyring keys")
	}
	sort.Strings(keys)
	out := make([]KeyID, len(keys))
	for i, key := range keys {
		out[i] = KeyID(key)
	}
	return out, nil
}

func (k *KeyringKeystore) Delete(id KeyID) error {
	if _, err := k.ring.Get(string(id)); errors.Is(err, keyring.ErrKeyNotFound) {
		return errors.Wrapf(ErrKeyNotFound, "key %s", id)
	}
	if err := k.ring.Remove(string(id)); err != nil {
		return errors.Wrap(err, "failed to remove key from keyring")
	}
	return nil
}
