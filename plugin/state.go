package plugin

import "github.com/cockroachdb/errors"

// State is the lifecycle state of an installed plugin.
type State int

const (
	StateInstalled State = iota
	StateScanning
	StateApproved
	StateRejected
	StateActive
	StateSuspended
	StateUninstalled
)

var stateNames = [...]string{
	StateInstalled:   "Installed",
	StateScanning:    "Scanning",
	StateApproved:    "Approved",
	StateRejected:    "Rejected",
	StateActive:      "Active",
	StateSuspended:   "Suspended",
	StateUninstalled: "Uninstalled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return errors.Newf("unknown plugin state %q", text)
}
