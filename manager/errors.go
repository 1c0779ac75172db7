package manager

import (
	"github.com/cockroachdb/errors"

	"github.com/codepal-dev/pluginhost/hook"
	"github.com/codepal-dev/pluginhost/store"
)

var (
	// ErrInvalidStateTransition is returned when an operation is not allowed
	// from the plugin's current state.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrNotFound is returned for ids that are not installed.
	ErrNotFound = errors.New("plugin not installed")

	// ErrAlreadyInstalled is returned when installing an id that is installed.
	ErrAlreadyInstalled = errors.New("plugin already installed")

	// ErrVersionNotNewer is returned when an upgrade does not increase the version.
	ErrVersionNotNewer = errors.New("version is not newer than the installed version")

	// ErrDuplicateBinding is returned when a plugin is already bound to a hook.
	ErrDuplicateBinding = hook.ErrDuplicateBinding

	// ErrUnknownHook is returned for hooks the registry does not define.
	ErrUnknownHook = hook.ErrUnknownHook

	// ErrStorageUnavailable is returned when the store cannot be reached.
	// In-memory state and bindings are left untouched.
	ErrStorageUnavailable = store.ErrStorageUnavailable
)

func notInstalled(id string) error {
	return errors.Wrapf(ErrNotFound, "plugin %s", id)
}

func invalidTransition(id, op string, from interface{ String() string }) error {
	return errors.Wrapf(ErrInvalidStateTransition, "cannot %s plugin %s in state %s", op, id, from)
}

// storageError marks a store failure as ErrStorageUnavailable unless it already
// is one. Callers wrap every store call with it so a bare backend works the
// same way as one behind store.Breaker.
func storageError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	err = errors.Wrapf(err, format, args...)
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return errors.Mark(err, ErrStorageUnavailable)
}
