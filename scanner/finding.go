package scanner

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/codepal-dev/pluginhost/capability"
)

// Severity ranks a finding. Higher is worse.
type Severity int

const (
	Low Severity = iota + 1
	Medium
	High
	Critical
)

func (s Severity) String() string {
	switch s {
	case Low:
		return "Low"
	case Medium:
		return "Medium"
	case High:
		return "High"
	case Critical:
		return "Critical"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// ParseSeverity parses a severity name, ignoring case.
func ParseSeverity(s string) (Severity, error) {
	for sev := Low; sev <= Critical; sev++ {
		if strings.EqualFold(sev.String(), s) {
			return sev, nil
		}
	}
	return 0, errors.Newf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	sev, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = sev
	return nil
}

// Rule identifiers.
const (
	RuleArtifactUnreadable   = "ArtifactUnreadable"
	RuleInvalidManifest      = "InvalidManifest"
	RuleUndeclaredCapability = "UndeclaredCapability"
	RuleProcessSpawn         = "ProcessSpawn"
	RuleDynamicEval          = "DynamicCodeEvaluation"
	RuleWriteOutsideSandbox  = "WriteOutsideSandbox"
	RuleReadOutsideSandbox   = "ReadOutsideSandbox"
	RuleMissingEntryPoint    = "MissingEntryPoint"
	RuleDryRunTimeout        = "DryRunTimeout"
	RuleDryRunFault          = "DryRunFault"
	RuleInvalidSignature     = "InvalidSignature"
	RuleUnsigned             = "Unsigned"
	RuleScriptRedirect       = "ScriptRedirectOutsideSandbox"
	RuleScriptUnparsable     = "ScriptUnparsable"
)

// Categories group findings in reports.
const (
	CategoryIntegrity  = "Integrity"
	CategoryCapability = "Capability"
	CategoryCode       = "Code Security"
	CategoryScript     = "Script Security"
	CategoryBehavior   = "Runtime Behavior"
)

// Finding is one issue detected in an artifact.
type Finding struct {
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule"`
	Category string   `json:"category"`
	Message  string   `json:"message"`
	// Location is "file:line", a hook name or a script name.
	Location   string                `json:"location,omitempty"`
	Capability capability.Capability `json:"capability,omitempty"`
}

func (f Finding) String() string {
	if f.Location == "" {
		return fmt.Sprintf("[%s] %s: %s", f.Severity, f.Rule, f.Message)
	}
	return fmt.Sprintf("[%s] %s: %s (%s)", f.Severity, f.Rule, f.Message, f.Location)
}
