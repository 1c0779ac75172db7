package plugin

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/codepal-dev/pluginhost/capability"
)

// Supported runtime identifiers.
const (
	RuntimeWASM   = "wasm"
	RuntimeJS     = "js"
	RuntimeLua    = "lua"
	RuntimeNative = "native"
)

// BundleManifestFile is the manifest file name inside a bundle directory.
const BundleManifestFile = "manifest.yaml"

var (
	validate        *validator.Validate
	pluginIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
)

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("capability", func(fl validator.FieldLevel) bool {
		return capability.Capability(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("plugin_id", func(fl validator.FieldLevel) bool {
		return pluginIDPattern.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
		_, err := semver.StrictNewVersion(fl.Field().String())
		return err == nil
	})
}

// Manifest is the self-describing header of a plugin artifact.
type Manifest struct {
	ID          string `json:"id" yaml:"id" validate:"required,max=128,plugin_id"`
	Version     string `json:"version" yaml:"version" validate:"required,semver"`
	Runtime     string `json:"runtime" yaml:"runtime" validate:"required,oneof=wasm js lua native"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" jsonschema:"description=Human readable summary"`
	Author      string `json:"author,omitempty" yaml:"author,omitempty"`
	// Main names the source file inside a bundle directory.
	Main string `json:"main,omitempty" yaml:"main,omitempty"`
	// Hooks lists the hook names the plugin binds to.
	Hooks []string `json:"hooks" yaml:"hooks" validate:"dive,required"`
	// Capabilities lists the capabilities the plugin requests.
	Capabilities []string `json:"capabilities" yaml:"capabilities" validate:"dive,capability"`
	// EntryPoints maps a hook name to the exported callable serving it.
	// Hooks without an entry here are served by a callable named after the hook.
	EntryPoints map[string]string `json:"entry_points,omitempty" yaml:"entry_points,omitempty"`
	// Scripts are shell snippets run by the surrounding tooling (e.g. "postinstall").
	Scripts map[string]string `json:"scripts,omitempty" yaml:"scripts,omitempty"`
}

// Validate checks the manifest fields.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Namespace()+": failed on "+fe.Tag())
			}
			return errors.Wrap(ErrInvalidManifest, strings.Join(msgs, "; "))
		}
		return errors.Wrap(err, "failed to validate manifest")
	}
	seen := make(map[string]bool, len(m.Hooks))
	for _, h := range m.Hooks {
		if seen[h] {
			return errors.Wrapf(ErrInvalidManifest, "hook %q declared twice", h)
		}
		seen[h] = true
	}
	return nil
}

// EntryFor returns the callable serving hook.
func (m *Manifest) EntryFor(hook string) string {
	if e, ok := m.EntryPoints[hook]; ok && e != "" {
		return e
	}
	return hook
}

// DeclaredEntryPoints returns the entry points for every declared hook, sorted.
func (m *Manifest) DeclaredEntryPoints() []string {
	set := make(map[string]struct{}, len(m.Hooks))
	for _, h := range m.Hooks {
		set[m.EntryFor(h)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for e := range set {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// CapabilitySet parses the declared capabilities.
func (m *Manifest) CapabilitySet() (capability.Set, error) {
	return capability.ParseSet(m.Capabilities)
}

// SemVer parses the manifest version.
func (m *Manifest) SemVer() (*semver.Version, error) {
	v, err := semver.StrictNewVersion(m.Version)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse version %q", m.Version)
	}
	return v, nil
}

// Artifact is a plugin package: manifest, source and optional signature.
type Artifact struct {
	Manifest Manifest `json:"manifest"`
	// Source is the module bytes (WASM) or script text (JS, Lua). Empty for native plugins.
	Source []byte `json:"source,omitempty"`
	// Signature is an ed25519 signature over Digest().
	Signature []byte `json:"signature,omitempty"`
	// KeyID names the key that produced Signature.
	KeyID string `json:"key_id,omitempty"`
}

// Digest returns the sha256 of the canonical manifest and source.
//
// Any change to the source or to the declared capabilities changes the digest.
// The signature fields are excluded.
func (a *Artifact) Digest() [32]byte {
	m := a.Manifest
	m.Hooks = sortedCopy(m.Hooks)
	m.Capabilities = sortedCopy(m.Capabilities)

	// encoding/json sorts map keys, which keeps the encoding canonical.
	header, _ := json.Marshal(m)

	h := sha256.New()
	h.Write(header)
	h.Write([]byte{0})
	h.Write(a.Source)

	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Hash returns Digest() hex encoded.
func (a *Artifact) Hash() string {
	d := a.Digest()
	return hex.EncodeToString(d[:])
}

// Signed reports whether the artifact carries a signature.
func (a *Artifact) Signed() bool {
	return len(a.Signature) > 0
}

func sortedCopy(in []string) []string {
	if in == nil {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// ParseArtifact decodes an artifact from its JSON encoding.
func ParseArtifact(data []byte) (*Artifact, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var a Artifact
	if err := dec.Decode(&a); err != nil {
		return nil, Unreadable(err, "failed to decode artifact")
	}
	return &a, nil
}

// ReadArtifactFile reads a JSON artifact file, or a bundle when path is a directory.
func ReadArtifactFile(path string) (*Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat artifact %s", path)
	}
	if info.IsDir() {
		return ReadBundle(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read artifact %s", path)
	}
	return ParseArtifact(data)
}

// WriteArtifactFile writes the JSON encoding of a to path.
func WriteArtifactFile(path string, a *Artifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode artifact")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write artifact %s", path)
	}
	return nil
}

// ReadBundle builds an artifact from a directory holding manifest.yaml and the
// source file it names in "main".
func ReadBundle(dir string) (*Artifact, error) {
	raw, err := os.ReadFile(filepath.Join(dir, BundleManifestFile))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", BundleManifestFile)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, Unreadable(err, "failed to parse %s", BundleManifestFile)
	}

	a := &Artifact{Manifest: m}
	if m.Main != "" {
		main := filepath.Clean(m.Main)
		if filepath.IsAbs(main) || strings.HasPrefix(main, "..") {
			return nil, errors.Wrapf(ErrArtifactUnreadable, "main %q escapes the bundle", m.Main)
		}
		src, err := os.ReadFile(filepath.Join(dir, main))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read bundle source %s", m.Main)
		}
		a.Source = src
	}
	return a, nil
}

// TrustState is the lifecycle stage of a plugin with respect to security approval.
type TrustState int

const (
	TrustUnverified TrustState = iota
	TrustScanned
	TrustApproved
	TrustRejected
	TrustRevoked
)

func (t TrustState) String() string {
	switch t {
	case TrustUnverified:
		return "Unverified"
	case TrustScanned:
		return "Scanned"
	case TrustApproved:
		return "Approved"
	case TrustRejected:
		return "Rejected"
	case TrustRevoked:
		return "Revoked"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t TrustState) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TrustState) UnmarshalText(text []byte) error {
	for s := TrustUnverified; s <= TrustRevoked; s++ {
		if s.String() == string(text) {
			*t = s
			return nil
		}
	}
	return errors.Newf("unknown trust state %q", text)
}

// Descriptor is the identity and security posture of an installed plugin.
type Descriptor struct {
	ID           string         `json:"id"`
	Version      string         `json:"version"`
	Runtime      string         `json:"runtime"`
	Description  string         `json:"description,omitempty"`
	Hooks        []string       `json:"hooks"`
	Capabilities capability.Set `json:"capabilities"`
	Trust        TrustState     `json:"trust"`
	// Hash is the artifact content hash the trust decision was made on.
	Hash string `json:"hash"`
}

// NewDescriptor builds an Unverified descriptor from an artifact.
func NewDescriptor(a *Artifact) (Descriptor, error) {
	caps, err := a.Manifest.CapabilitySet()
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		ID:           a.Manifest.ID,
		Version:      a.Manifest.Version,
		Runtime:      a.Manifest.Runtime,
		Description:  a.Manifest.Description,
		Hooks:        sortedCopy(a.Manifest.Hooks),
		Capabilities: caps,
		Trust:        TrustUnverified,
		Hash:         a.Hash(),
	}, nil
}
