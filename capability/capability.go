// Package capability defines the named permissions a plugin may request and the
// sandbox may grant or deny.
//
// Capabilities are hierarchical: granting "filesystem" implicitly grants
// "filesystem.read" and "filesystem.write".
package capability

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// Capability is a named permission.
type Capability string

const (
	// None is declared by plugins that need no host access at all.
	None Capability = "none"

	// Filesystem grants both read and write access below the sandbox root.
	Filesystem Capability = "filesystem"

	// FilesystemRead allows reading files below the sandbox root.
	FilesystemRead Capability = "filesystem.read"

	// FilesystemWrite allows writing files below the sandbox root.
	FilesystemWrite Capability = "filesystem.write"

	// Network allows outbound HTTP requests to allowed hosts.
	Network Capability = "network"

	// ProcessSpawn allows spawning child processes.
	ProcessSpawn Capability = "process.spawn"

	// EnvRead allows reading environment variables.
	EnvRead Capability = "env.read"
)

// ErrUnknown is returned when parsing a capability name that is not registered.
var ErrUnknown = errors.New("unknown capability")

// RiskLevel indicates how dangerous a capability is.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Info provides metadata about a capability.
type Info struct {
	Name        Capability
	Description string
	// Parent is the capability that implies this one, if any.
	Parent    Capability
	RiskLevel RiskLevel
}

var registry = map[Capability]Info{
	None: {
		Name:        None,
		Description: "No host access",
		RiskLevel:   RiskLow,
	},
	Filesystem: {
		Name:        Filesystem,
		Description: "Read and write files below the sandbox root",
		RiskLevel:   RiskHigh,
	},
	FilesystemRead: {
		Name:        FilesystemRead,
		Description: "Read files below the sandbox root",
		Parent:      Filesystem,
		RiskLevel:   RiskMedium,
	},
	FilesystemWrite: {
		Name:        FilesystemWrite,
		Description: "Write files below the sandbox root",
		Parent:      Filesystem,
		RiskLevel:   RiskHigh,
	},
	Network: {
		Name:        Network,
		Description: "Make outbound network requests",
		RiskLevel:   RiskHigh,
	},
	ProcessSpawn: {
		Name:        ProcessSpawn,
		Description: "Spawn child processes",
		RiskLevel:   RiskCritical,
	},
	EnvRead: {
		Name:        EnvRead,
		Description: "Read environment variables",
		RiskLevel:   RiskMedium,
	},
}

// Lookup returns the metadata for a capability.
func Lookup(c Capability) (Info, bool) {
	info, ok := registry[c]
	return info, ok
}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	_, ok := registry[c]
	return ok
}

// Risk returns the risk level of c, or RiskCritical for unknown capabilities.
func (c Capability) Risk() RiskLevel {
	if info, ok := registry[c]; ok {
		return info.RiskLevel
	}
	return RiskCritical
}

// Implies reports whether holding c grants other.
func (c Capability) Implies(other Capability) bool {
	if c == other {
		return true
	}
	if c == None {
		return false
	}
	return strings.HasPrefix(string(other), string(c)+".")
}

// Parse validates a capability name.
func Parse(s string) (Capability, error) {
	c := Capability(strings.TrimSpace(s))
	if !c.Valid() {
		return "", errors.Wrapf(ErrUnknown, "%q", s)
	}
	return c, nil
}

// All returns every known capability, sorted by name.
func All() []Capability {
	caps := make([]Capability, 0, len(registry))
	for c := range registry {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// Set is an immutable-by-convention collection of capabilities.
type Set map[Capability]struct{}

// NewSet builds a set from the given capabilities. None is dropped since it
// carries no permission.
func NewSet(caps ...Capability) Set {
	s := make(Set, len(caps))
	for _, c := range caps {
		if c == None || c == "" {
			continue
		}
		s[c] = struct{}{}
	}
	return s
}

// ParseSet parses a list of capability names into a set.
func ParseSet(names []string) (Set, error) {
	s := make(Set, len(names))
	for _, n := range names {
		c, err := Parse(n)
		if err != nil {
			return nil, err
		}
		if c != None {
			s[c] = struct{}{}
		}
	}
	return s, nil
}

// Allows reports whether any capability in the set implies c.
func (s Set) Allows(c Capability) bool {
	if c == None {
		return true
	}
	for held := range s {
		if held.Implies(c) {
			return true
		}
	}
	return false
}

// Missing returns the members of used that s does not allow, sorted.
func (s Set) Missing(used Set) []Capability {
	var out []Capability
	for c := range used {
		if !s.Allows(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// List returns the members of the set, sorted.
func (s Set) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted capability names.
func (s Set) Strings() []string {
	list := s.List()
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = string(c)
	}
	return out
}

// Clone returns a copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// MarshalJSON encodes the set as a sorted list of names.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes a list of names.
func (s *Set) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return errors.Wrap(err, "failed to decode capability set")
	}
	parsed, err := ParseSet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
