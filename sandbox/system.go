package sandbox

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/codepal-dev/pluginhost/capability"
	"github.com/codepal-dev/pluginhost/plugin"
)

// maxResponseBody caps how much of an HTTP response a plugin receives.
const maxResponseBody = 10 << 20

// Command is a process the broker asked the system to run.
type Command struct {
	Name string
	Args []string
	Dir  string
}

// System performs the side effects the broker has already authorized.
type System interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Do(ctx context.Context, req *plugin.HTTPRequest) (*plugin.HTTPResponse, error)
	Run(ctx context.Context, cmd Command) ([]byte, error)
	Getenv(ctx context.Context, key string) (string, error)
}

// OSSystem performs real side effects against the local machine.
type OSSystem struct {
	Client *http.Client
}

// NewOSSystem creates a system with an HTTP client bounded by timeout.
func NewOSSystem(timeout time.Duration) *OSSystem {
	return &OSSystem{Client: &http.Client{Timeout: timeout}}
}

func (s *OSSystem) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return data, nil
}

func (s *OSSystem) WriteFile(_ context.Context, path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

func (s *OSSystem) Do(ctx context.Context, req *plugin.HTTPRequest) (*plugin.HTTPResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to request %s", req.URL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}
	return &plugin.HTTPResponse{Status: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

func (s *OSSystem) Run(ctx context.Context, cmd Command) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	// Spawned processes do not inherit the host environment.
	c.Env = []string{}
	out, err := c.Output()
	if err != nil {
		return out, errors.Wrapf(err, "failed to run %s", cmd.Name)
	}
	return out, nil
}

func (s *OSSystem) Getenv(_ context.Context, key string) (string, error) {
	return os.Getenv(key), nil
}

// Op is one side effect requested of a RecordingSystem.
type Op struct {
	Capability capability.Capability
	Target     string
}

// RecordingSystem performs no side effects. It records every request and
// answers with empty data, which makes it the backend for dry runs.
type RecordingSystem struct {
	mu  sync.Mutex
	ops []Op
}

// NewRecordingSystem creates an empty recording system.
func NewRecordingSystem() *RecordingSystem {
	return &RecordingSystem{}
}

func (s *RecordingSystem) record(c capability.Capability, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, Op{Capability: c, Target: target})
}

// Ops returns a copy of the recorded operations in call order.
func (s *RecordingSystem) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// Used returns the set of capabilities exercised so far.
func (s *RecordingSystem) Used() capability.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := capability.NewSet()
	for _, op := range s.ops {
		set[op.Capability] = struct{}{}
	}
	return set
}

func (s *RecordingSystem) ReadFile(_ context.Context, path string) ([]byte, error) {
	s.record(capability.FilesystemRead, path)
	return []byte{}, nil
}

func (s *RecordingSystem) WriteFile(_ context.Context, path string, _ []byte) error {
	s.record(capability.FilesystemWrite, path)
	return nil
}

func (s *RecordingSystem) Do(_ context.Context, req *plugin.HTTPRequest) (*plugin.HTTPResponse, error) {
	s.record(capability.Network, req.URL)
	return &plugin.HTTPResponse{Status: http.StatusOK, Body: []byte("{}")}, nil
}

func (s *RecordingSystem) Run(_ context.Context, cmd Command) ([]byte, error) {
	s.record(capability.ProcessSpawn, cmd.Name)
	return []byte{}, nil
}

func (s *RecordingSystem) Getenv(_ context.Context, key string) (string, error) {
	s.record(capability.EnvRead, key)
	return "", nil
}
