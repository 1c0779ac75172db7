package sandbox

import (
	"context"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/idna"

	"github.com/codepal-dev/pluginhost/capability"
	"github.com/codepal-dev/pluginhost/plugin"
)

// maxDenials bounds the denials kept for one invocation.
const maxDenials = 64

// broker is the plugin.Host handed to one invocation. It checks every call
// against the policy before the system sees it; the first denial cancels the
// invocation unless the broker only traces denials.
type broker struct {
	policy Policy
	system System
	log    logrus.FieldLogger
	cancel context.CancelCauseFunc
	// trace records denials and lets the invocation continue.
	trace bool

	calls atomic.Int64

	mu        sync.Mutex
	denied    *plugin.DeniedError
	denials   []Denial
	exercised capability.Set
}

func newBroker(policy Policy, system System, log logrus.FieldLogger, cancel context.CancelCauseFunc) *broker {
	return &broker{
		policy:    policy,
		system:    system,
		log:       log,
		cancel:    cancel,
		exercised: capability.NewSet(),
	}
}

// check authorizes one host call.
func (b *broker) check(ctx context.Context, c capability.Capability, target string, allowed bool) error {
	b.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return errors.Wrap(context.Cause(ctx), "invocation aborted")
	}

	b.mu.Lock()
	b.exercised[c] = struct{}{}
	b.mu.Unlock()

	if allowed && b.policy.AllowedCapabilities.Allows(c) {
		return nil
	}
	return b.deny(c, target)
}

func (b *broker) deny(c capability.Capability, target string) error {
	err := &plugin.DeniedError{Capability: c, Target: target}
	b.mu.Lock()
	if len(b.denials) < maxDenials {
		b.denials = append(b.denials, Denial{Capability: c, Target: target})
	}
	if b.denied == nil && !b.trace {
		b.denied = err
	}
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{
		"capability": c,
		"target":     target,
	}).Warn("Capability denied")
	if !b.trace {
		b.cancel(err)
	}
	return err
}

// denial returns the first recorded denial, if any.
func (b *broker) denial() *plugin.DeniedError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.denied
}

func (b *broker) usage() Usage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Usage{
		HostCalls: b.calls.Load(),
		Exercised: b.exercised.List(),
		Denials:   append([]Denial(nil), b.denials...),
	}
}

// confine resolves path against the sandbox root. It reports false for paths
// escaping the root or not matching the allowed patterns.
func (b *broker) confine(path string) (string, bool) {
	root := b.policy.SandboxRoot
	if root == "" || path == "" {
		return path, false
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)

	rel, ok := within(root, abs)
	if !ok {
		return abs, false
	}
	// Symlinks already on disk must not lead out of the root, either at the
	// target or at any parent of a target that does not exist yet.
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		realRoot = root
	}
	real, err := resolveExisting(abs)
	if err != nil {
		return abs, false
	}
	if _, ok := within(realRoot, real); !ok {
		return abs, false
	}
	return abs, matchAny(b.policy.AllowedPaths, filepath.ToSlash(rel))
}

// resolveExisting resolves symlinks in the longest existing prefix of path
// and appends the missing remainder. A dangling symlink is an error, since
// writing through it would create its target.
func resolveExisting(path string) (string, error) {
	rest := ""
	cur := path
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(real, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&fs.ModeSymlink != 0 {
			return "", errors.Newf("dangling symlink %s", cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

func within(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// hostAllowed normalizes the URL host and matches it against the policy.
func (b *broker) hostAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host, err := normalizeHost(u.Hostname())
	if err != nil {
		return false
	}
	if len(b.policy.AllowedHosts) == 0 {
		return true
	}
	for _, pat := range b.policy.AllowedHosts {
		// Patterns are normalized label by label so wildcards survive.
		labels := strings.Split(pat, ".")
		for i, l := range labels {
			if strings.ContainsAny(l, "*?[{") {
				continue
			}
			if n, err := normalizeHost(l); err == nil {
				labels[i] = n
			}
		}
		if matchAny([]string{strings.Join(labels, ".")}, host) {
			return true
		}
	}
	return false
}

func normalizeHost(host string) (string, error) {
	return idna.Lookup.ToASCII(strings.ToLower(strings.TrimSuffix(host, ".")))
}

func (b *broker) ReadFile(ctx context.Context, path string) ([]byte, error) {
	abs, ok := b.confine(path)
	if err := b.check(ctx, capability.FilesystemRead, abs, ok); err != nil {
		return nil, err
	}
	return b.system.ReadFile(ctx, abs)
}

func (b *broker) WriteFile(ctx context.Context, path string, data []byte) error {
	abs, ok := b.confine(path)
	if err := b.check(ctx, capability.FilesystemWrite, abs, ok); err != nil {
		return err
	}
	return b.system.WriteFile(ctx, abs, data)
}

func (b *broker) HTTPRequest(ctx context.Context, req *plugin.HTTPRequest) (*plugin.HTTPResponse, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if req.Method == "" {
		req.Method = "GET"
	}
	if err := b.check(ctx, capability.Network, req.URL, b.hostAllowed(req.URL)); err != nil {
		return nil, err
	}
	return b.system.Do(ctx, req)
}

func (b *broker) Spawn(ctx context.Context, name string, args []string) ([]byte, error) {
	allowed := name != "" && matchAny(b.policy.AllowedCommands, filepath.Base(name))
	if err := b.check(ctx, capability.ProcessSpawn, name, allowed); err != nil {
		return nil, err
	}
	return b.system.Run(ctx, Command{Name: name, Args: args, Dir: b.policy.SandboxRoot})
}

func (b *broker) Getenv(ctx context.Context, key string) (string, error) {
	if err := b.check(ctx, capability.EnvRead, key, matchAny(b.policy.AllowedEnv, key)); err != nil {
		return "", err
	}
	return b.system.Getenv(ctx, key)
}

func (b *broker) Log(level, message string) {
	entry := b.log.WithField("source", "plugin")
	switch strings.ToLower(level) {
	case "debug", "trace":
		entry.Debug(message)
	case "warn", "warning":
		entry.Warn(message)
	case "error":
		entry.Error(message)
	default:
		entry.Info(message)
	}
}
