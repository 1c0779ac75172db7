package plugin

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/codepal-dev/pluginhost/capability"
)

var (
	// ErrArtifactUnreadable is returned when an artifact cannot be parsed or loaded.
	ErrArtifactUnreadable = errors.New("artifact unreadable")

	// ErrUnknownRuntime is returned when no loader exists for a runtime.
	ErrUnknownRuntime = errors.New("unknown plugin runtime")

	// ErrNoEntryPoint is returned when invoking an entry point the plugin does not expose.
	ErrNoEntryPoint = errors.New("entry point not found")

	// ErrCapabilityDenied is wrapped by every DeniedError.
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrInvalidManifest is returned when manifest validation fails.
	ErrInvalidManifest = errors.New("invalid manifest")
)

// DeniedError reports a host operation rejected by capability mediation.
type DeniedError struct {
	Capability capability.Capability
	// Target is the path, URL, command or variable the plugin tried to reach.
	Target string
}

func (e *DeniedError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("capability denied: %s", e.Capability)
	}
	return fmt.Sprintf("capability denied: %s (%s)", e.Capability, e.Target)
}

// Unwrap lets errors.Is(err, ErrCapabilityDenied) match.
func (e *DeniedError) Unwrap() error {
	return ErrCapabilityDenied
}

// Unreadable marks err as ErrArtifactUnreadable while keeping its message.
func Unreadable(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrArtifactUnreadable)
}
