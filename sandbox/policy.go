// Package sandbox runs plugin entry points under a Policy: a hard deadline, a
// memory ceiling and capability-mediated access to the host.
package sandbox

import (
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cockroachdb/errors"

	"github.com/codepal-dev/pluginhost/capability"
)

// Default policy values.
const (
	DefaultTimeout       = 5 * time.Second
	DefaultMemoryLimitMB = 64
)

// Policy bounds a single invocation.
type Policy struct {
	Timeout             time.Duration  `json:"timeout"`
	MemoryLimitMB       uint32         `json:"memory_limit_mb"`
	AllowedCapabilities capability.Set `json:"allowed_capabilities"`
	// SandboxRoot confines filesystem access. An empty root denies every path.
	SandboxRoot string `json:"sandbox_root,omitempty"`
	// AllowedHosts are doublestar patterns matched against the IDNA-normalized
	// hostname. Empty allows any host once network is granted.
	AllowedHosts []string `json:"allowed_hosts,omitempty"`
	// AllowedPaths are doublestar patterns relative to SandboxRoot. Empty allows
	// anything under the root.
	AllowedPaths []string `json:"allowed_paths,omitempty"`
	// AllowedCommands are patterns matched against the spawned command name.
	AllowedCommands []string `json:"allowed_commands,omitempty"`
	// AllowedEnv are patterns matched against environment variable names.
	AllowedEnv []string `json:"allowed_env,omitempty"`
}

// DefaultPolicy returns a policy granting nothing.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:             DefaultTimeout,
		MemoryLimitMB:       DefaultMemoryLimitMB,
		AllowedCapabilities: capability.NewSet(),
	}
}

// Validate checks that the policy is enforceable.
func (p Policy) Validate() error {
	if p.Timeout <= 0 {
		return errors.Newf("timeout must be positive, got %s", p.Timeout)
	}
	for c := range p.AllowedCapabilities {
		if !c.Valid() {
			return errors.Wrapf(capability.ErrUnknown, "%s", c)
		}
	}
	if p.SandboxRoot != "" && !filepath.IsAbs(p.SandboxRoot) {
		return errors.Newf("sandbox root must be absolute: %s", p.SandboxRoot)
	}
	for _, patterns := range [][]string{p.AllowedHosts, p.AllowedPaths, p.AllowedCommands, p.AllowedEnv} {
		for _, pat := range patterns {
			if !doublestar.ValidatePattern(pat) {
				return errors.Newf("invalid pattern %q", pat)
			}
		}
	}
	return nil
}

// Clone returns a deep copy, so a running invocation keeps its snapshot when
// the owner later replaces the policy.
func (p Policy) Clone() Policy {
	out := p
	out.AllowedCapabilities = p.AllowedCapabilities.Clone()
	out.AllowedHosts = append([]string(nil), p.AllowedHosts...)
	out.AllowedPaths = append([]string(nil), p.AllowedPaths...)
	out.AllowedCommands = append([]string(nil), p.AllowedCommands...)
	out.AllowedEnv = append([]string(nil), p.AllowedEnv...)
	return out
}

// WithCapabilities returns a copy granting exactly caps.
func (p Policy) WithCapabilities(caps capability.Set) Policy {
	out := p.Clone()
	out.AllowedCapabilities = caps.Clone()
	return out
}

// matchAny reports whether name matches one of patterns. No patterns match
// everything.
func matchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}
