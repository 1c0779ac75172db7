// Package store persists installed plugin records.
//
// A Record carries everything the manager needs to rebuild a plugin after a
// restart: the descriptor, lifecycle state, sandbox policy, the artifact and
// its last scan report. Artifacts are lz4 compressed at rest by every backend.
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/codepal-dev/pluginhost/plugin"
	"github.com/codepal-dev/pluginhost/sandbox"
	"github.com/codepal-dev/pluginhost/scanner"
)

//go:generate mockgen -source=store.go -destination=store_mock.go -package=store

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("record not found")
	// ErrStorageUnavailable is returned when the backend cannot serve a request.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrCorruptRecord marks a stored record that cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt record")
)

// Record is the persisted state of one installed plugin.
type Record struct {
	Descriptor plugin.Descriptor `json:"descriptor"`
	State      plugin.State      `json:"state"`
	Policy     sandbox.Policy    `json:"policy"`
	// Artifact is stored separately from the record, compressed.
	Artifact *plugin.Artifact `json:"-"`
	Report   *scanner.Report  `json:"report,omitempty"`
	// RevokedReason is set when trust was revoked.
	RevokedReason string    `json:"revoked_reason,omitempty"`
	InstalledAt   time.Time `json:"installed_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ID returns the plugin id of the record.
func (r *Record) ID() string {
	return r.Descriptor.ID
}

// Store is the storage collaborator for plugin records.
type Store interface {
	// Save creates or replaces the record for r.ID().
	Save(ctx context.Context, r *Record) error
	// Load returns the record for id or ErrNotFound.
	Load(ctx context.Context, id string) (*Record, error)
	// Delete removes the record for id or returns ErrNotFound.
	Delete(ctx context.Context, id string) error
	// List returns every record sorted by id. Records that cannot be decoded
	// are left out and reported together in an error marked ErrCorruptRecord,
	// returned alongside the records that could be read.
	List(ctx context.Context) ([]*Record, error)
	Close() error
}

func notFound(id string) error {
	return errors.Wrapf(ErrNotFound, "plugin %s", id)
}

// skipCorrupt folds a decoding failure of id into corrupt. It reports false
// for any other error, which the caller must return.
func skipCorrupt(corrupt *error, id string, err error) bool {
	if !errors.Is(err, ErrCorruptRecord) {
		return false
	}
	*corrupt = errors.CombineErrors(*corrupt, errors.Wrapf(err, "plugin %s", id))
	return true
}
