package sandbox

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/codepal-dev/pluginhost/plugin"
)

const (
	// DefaultGrace is how long an aborted invocation may take to unwind.
	DefaultGrace = 100 * time.Millisecond

	defaultSampleInterval = 5 * time.Millisecond
)

// Invocation names the entry point to run and its payload.
type Invocation struct {
	Plugin plugin.Plugin
	Entry  string
	Params []string
	Args   json.RawMessage

	// Hook and Order attribute the result to a binding. Both are optional.
	Hook  string
	Order uint64
}

// Executor runs invocations under a policy.
type Executor struct {
	system   System
	probe    MemoryProbe
	rss      *rssSampler
	grace    time.Duration
	interval time.Duration
	log      logrus.FieldLogger
	trace    bool

	// running holds the shared flag of every invocation in flight.
	mu      sync.Mutex
	running map[*atomic.Bool]struct{}
}

// Option configures an Executor.
type Option func(*Executor)

// WithSystem sets the backend that performs authorized side effects.
func WithSystem(s System) Option {
	return func(e *Executor) { e.system = s }
}

// WithMemoryProbe replaces the heap probe used by the memory watchdog.
func WithMemoryProbe(p MemoryProbe) Option {
	return func(e *Executor) { e.probe = p }
}

// WithGrace sets how long to wait for a runtime to unwind after an abort.
func WithGrace(d time.Duration) Option {
	return func(e *Executor) { e.grace = d }
}

// WithSampleInterval sets how often the memory watchdog samples the probe.
func WithSampleInterval(d time.Duration) Option {
	return func(e *Executor) { e.interval = d }
}

// WithDenialTrace makes denied host calls fail without aborting the
// invocation. Every denial is listed in Usage.Denials and the outcome reflects
// how the plugin itself finished. Only use it with a System that performs no
// real side effects.
func WithDenialTrace() Option {
	return func(e *Executor) { e.trace = true }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Executor) { e.log = log }
}

// New creates an executor. Without options it performs real side effects
// through an OSSystem and watches the Go heap.
func New(opts ...Option) *Executor {
	e := &Executor{
		probe:    RuntimeProbe{},
		grace:    DefaultGrace,
		interval: defaultSampleInterval,
		log:      logrus.StandardLogger(),
		running:  make(map[*atomic.Bool]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.system == nil {
		e.system = NewOSSystem(DefaultTimeout)
	}
	if e.rss == nil {
		e.rss = newRSSSampler()
	}
	return e
}

type runResult struct {
	value json.RawMessage
	err   error
}

// Invoke runs one entry point and always returns a Result. Failures of any
// kind, including panics inside the runtime, are reported in the Outcome.
func (e *Executor) Invoke(ctx context.Context, inv Invocation, policy Policy) Result {
	policy = policy.Clone()
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultTimeout
	}

	res := Result{
		InvocationID: uuid.NewString(),
		Hook:         inv.Hook,
		Order:        inv.Order,
		Entry:        inv.Entry,
		StartedAt:    time.Now(),
	}
	if inv.Plugin == nil {
		res.Outcome = Fault("no plugin")
		return res
	}
	res.PluginID = inv.Plugin.ID()

	log := e.log.WithFields(logrus.Fields{
		"plugin":     res.PluginID,
		"entry":      inv.Entry,
		"invocation": res.InvocationID,
	})

	abortCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	runCtx, cancel := context.WithTimeoutCause(abortCtx, policy.Timeout, ErrTimedOut)
	defer cancel()

	host := newBroker(policy, e.system, log, abort)
	host.trace = e.trace

	shared := e.enter()
	defer e.leave(shared)

	var overLimit atomic.Bool
	var peak atomic.Uint64
	stopWatch := e.watchMemory(runCtx, policy.MemoryLimitMB, &peak, func() {
		overLimit.Store(true)
		abort(ErrMemoryLimit)
	})

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: errors.Newf("plugin panic: %v", r)}
			}
		}()
		value, err := inv.Plugin.Invoke(runCtx, plugin.Call{
			Entry:         inv.Entry,
			Params:        inv.Params,
			Args:          inv.Args,
			Host:          host,
			MemoryLimitMB: policy.MemoryLimitMB,
		})
		done <- runResult{value: value, err: err}
	}()

	out, cause := e.await(runCtx, done, log)
	stopWatch()

	res.Elapsed = time.Since(res.StartedAt)
	res.Outcome = classify(host.denial(), overLimit.Load(), cause, out)
	res.Usage = host.usage()
	res.Usage.PeakHeapDelta = peak.Load()
	res.Usage.SharedHeap = shared.Load()
	res.Usage.RSS = e.rss.RSS(context.Background())

	entry := log.WithFields(logrus.Fields{
		"outcome": res.Outcome.String(),
		"elapsed": res.Elapsed,
	})
	if res.Outcome.Kind == Faulted {
		entry.Warn("Invocation faulted")
	} else {
		entry.Debug("Invocation settled")
	}
	return res
}

// await waits for the runtime and returns its result together with the abort
// cause that applies to it. A result that was already delivered wins over an
// abort signaled at the same time; an abort only explains a failed run.
func (e *Executor) await(runCtx context.Context, done <-chan runResult, log logrus.FieldLogger) (runResult, error) {
	settled := func(out runResult) (runResult, error) {
		if out.err == nil {
			return out, nil
		}
		return out, context.Cause(runCtx)
	}

	select {
	case out := <-done:
		return settled(out)
	default:
	}

	select {
	case out := <-done:
		return settled(out)
	case <-runCtx.Done():
	}
	cause := context.Cause(runCtx)

	timer := time.NewTimer(e.grace)
	defer timer.Stop()
	select {
	case out := <-done:
		if out.err == nil {
			// The runtime finished its work after the abort; it does not count.
			out = runResult{err: cause}
		}
		return out, cause
	case <-timer.C:
		log.Warn("Abandoned invocation after grace period")
		return runResult{err: errors.Wrap(cause, "runtime did not unwind")}, cause
	}
}

// enter registers an invocation. Overlapping invocations mark each other as
// sharing the heap.
func (e *Executor) enter() *atomic.Bool {
	shared := new(atomic.Bool)
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.running) > 0 {
		shared.Store(true)
		for other := range e.running {
			other.Store(true)
		}
	}
	e.running[shared] = struct{}{}
	return shared
}

func (e *Executor) leave(shared *atomic.Bool) {
	e.mu.Lock()
	delete(e.running, shared)
	e.mu.Unlock()
}

func (e *Executor) inFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// chargeHeap splits heap growth evenly between the invocations in flight.
func chargeHeap(delta uint64, inFlight int) uint64 {
	if inFlight <= 1 {
		return delta
	}
	return delta / uint64(inFlight)
}

// classify applies outcome precedence: denial, memory, timeout, cancel,
// runtime error, success.
func classify(denied *plugin.DeniedError, overLimit bool, cause error, out runResult) Outcome {
	switch {
	case denied != nil:
		return Denied(denied.Capability, denied.Target)
	case overLimit:
		return Fault(ReasonMemoryLimit)
	case errors.Is(cause, ErrTimedOut), errors.Is(cause, context.DeadlineExceeded):
		return Outcome{Kind: TimedOut}
	case cause != nil:
		return Fault(ReasonCanceled)
	case out.err != nil:
		// A denial raised by a host that is not the broker still counts.
		var de *plugin.DeniedError
		if errors.As(out.err, &de) {
			return Denied(de.Capability, de.Target)
		}
		return Fault(out.err.Error())
	}
	value := out.value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return Succeeded(value)
}

// watchMemory samples the probe until the returned stop func is called and
// calls exceeded once the growth charged to the invocation passes limitMB.
// The probe sees the whole process, so growth is shared between invocations
// in flight.
func (e *Executor) watchMemory(ctx context.Context, limitMB uint32, peak *atomic.Uint64, exceeded func()) (stop func()) {
	if e.probe == nil {
		return func() {}
	}
	limit := uint64(limitMB) << 20
	base := e.probe.HeapBytes()
	quit := make(chan struct{})
	finished := make(chan struct{})

	sample := func() bool {
		cur := e.probe.HeapBytes()
		if cur <= base {
			return false
		}
		n := e.inFlight()
		charged := chargeHeap(cur-base, n)
		if charged > peak.Load() {
			peak.Store(charged)
		}
		if limit > 0 && charged > limit {
			e.log.WithFields(logrus.Fields{
				"delta":      humanize.IBytes(cur - base),
				"charged":    humanize.IBytes(charged),
				"limit":      humanize.IBytes(limit),
				"concurrent": n,
			}).Warn("Memory limit exceeded")
			exceeded()
			return true
		}
		return false
	}

	go func() {
		defer close(finished)
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if sample() {
					return
				}
			}
		}
	}()
	return func() {
		close(quit)
		<-finished
	}
}
