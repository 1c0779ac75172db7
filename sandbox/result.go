package sandbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/codepal-dev/pluginhost/capability"
)

var (
	// ErrTimedOut is the cancellation cause when an invocation exceeds its deadline.
	ErrTimedOut = errors.New("invocation timed out")

	// ErrMemoryLimit is the cancellation cause when an invocation exceeds its memory ceiling.
	ErrMemoryLimit = errors.New("memory limit exceeded")
)

// Fault reasons produced by the executor.
const (
	ReasonCanceled        = "canceled"
	ReasonMemoryLimit     = "memory-limit-exceeded"
	ReasonMalformedResult = "malformed-result"
)

// Kind classifies an invocation outcome.
type Kind int

const (
	Success Kind = iota
	TimedOut
	Faulted
	CapabilityDenied
)

var kindNames = map[Kind]string{
	Success:          "success",
	TimedOut:         "timed_out",
	Faulted:          "faulted",
	CapabilityDenied: "capability_denied",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return errors.Newf("unknown outcome kind %q", text)
}

// Outcome is what happened to one invocation.
type Outcome struct {
	Kind Kind `json:"kind"`
	// Value is the result of a successful invocation.
	Value json.RawMessage `json:"value,omitempty"`
	// Reason describes a fault.
	Reason string `json:"reason,omitempty"`
	// Capability and Target describe a denial.
	Capability capability.Capability `json:"capability,omitempty"`
	Target     string                `json:"target,omitempty"`
}

// Succeeded returns a Success outcome.
func Succeeded(value json.RawMessage) Outcome {
	return Outcome{Kind: Success, Value: value}
}

// Fault returns a Faulted outcome.
func Fault(reason string) Outcome {
	return Outcome{Kind: Faulted, Reason: reason}
}

// Denied returns a CapabilityDenied outcome.
func Denied(c capability.Capability, target string) Outcome {
	return Outcome{Kind: CapabilityDenied, Capability: c, Target: target}
}

// Malformed returns the fault for a successful value that does not match the
// hook's result shape.
func Malformed(err error) Outcome {
	return Fault(fmt.Sprintf("%s: %v", ReasonMalformedResult, err))
}

func (o Outcome) String() string {
	switch o.Kind {
	case Success:
		return "Success"
	case TimedOut:
		return "TimedOut"
	case Faulted:
		return fmt.Sprintf("Faulted(%s)", o.Reason)
	case CapabilityDenied:
		return fmt.Sprintf("CapabilityDenied(%s)", o.Capability)
	default:
		return o.Kind.String()
	}
}

// Usage is a resource sample taken for one invocation.
type Usage struct {
	// PeakHeapDelta is the largest heap growth charged to the invocation. While
	// other invocations run, growth is split evenly between them.
	PeakHeapDelta uint64 `json:"peak_heap_delta"`
	// SharedHeap is set when another invocation ran at the same time, so the
	// heap figures are estimates.
	SharedHeap bool `json:"shared_heap,omitempty"`
	// RSS is the process resident set size when the invocation settled.
	RSS       uint64 `json:"rss"`
	HostCalls int64  `json:"host_calls"`
	// Exercised lists every capability the plugin tried to use, granted or not.
	Exercised []capability.Capability `json:"exercised,omitempty"`
	// Denials lists refused host calls in the order they happened.
	Denials []Denial `json:"denials,omitempty"`
}

// Denial is one refused host call.
type Denial struct {
	Capability capability.Capability `json:"capability"`
	Target     string                `json:"target,omitempty"`
}

// Result is the immutable record of one invocation.
type Result struct {
	InvocationID string        `json:"invocation_id"`
	PluginID     string        `json:"plugin_id"`
	Hook         string        `json:"hook,omitempty"`
	Order        uint64        `json:"order,omitempty"`
	Entry        string        `json:"entry"`
	Outcome      Outcome       `json:"outcome"`
	StartedAt    time.Time     `json:"started_at"`
	Elapsed      time.Duration `json:"elapsed"`
	Usage        Usage         `json:"usage"`
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool {
	return r.Outcome.Kind == Success
}
