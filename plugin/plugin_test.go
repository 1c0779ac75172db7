package plugin

import (
	"context"
	"sync"

	"github.com/codepal-dev/pluginhost/capability"
)

// MockHost is a Host that records every call and serves canned data.
type MockHost struct {
	mu    sync.Mutex
	Calls []string
	Files map[string][]byte
	Env   map[string]string
	// Deny, when set, rejects every call with a DeniedError for this capability.
	Deny capability.Capability
	Logs []string
}

func (h *MockHost) record(call string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Calls = append(h.Calls, call)
}

func (h *MockHost) denied(c capability.Capability, target string) error {
	if h.Deny != "" && h.Deny.Implies(c) {
		return &DeniedError{Capability: c, Target: target}
	}
	return nil
}

func (h *MockHost) ReadFile(_ context.Context, path string) ([]byte, error) {
	if err := h.denied(capability.FilesystemRead, path); err != nil {
		return nil, err
	}
	h.record("read:" + path)
	return h.Files[path], nil
}

func (h *MockHost) WriteFile(_ context.Context, path string, data []byte) error {
	if err := h.denied(capability.FilesystemWrite, path); err != nil {
		return err
	}
	h.record("write:" + path)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Files == nil {
		h.Files = map[string][]byte{}
	}
	h.Files[path] = data
	return nil
}

func (h *MockHost) HTTPRequest(_ context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	if err := h.denied(capability.Network, req.URL); err != nil {
		return nil, err
	}
	h.record("http:" + req.Method + " " + req.URL)
	return &HTTPResponse{Status: 200, Body: []byte("ok")}, nil
}

func (h *MockHost) Spawn(_ context.Context, name string, _ []string) ([]byte, error) {
	if err := h.denied(capability.ProcessSpawn, name); err != nil {
		return nil, err
	}
	h.record("spawn:" + name)
	return []byte("spawned"), nil
}

func (h *MockHost) Getenv(_ context.Context, key string) (string, error) {
	if err := h.denied(capability.EnvRead, key); err != nil {
		return "", err
	}
	h.record("env:" + key)
	return h.Env[key], nil
}

func (h *MockHost) Log(level, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Logs = append(h.Logs, level+":"+message)
}

func newArtifact(runtime, source string, hooks ...string) *Artifact {
	return &Artifact{
		Manifest: Manifest{
			ID:           "test-plugin",
			Version:      "1.0.0",
			Runtime:      runtime,
			Hooks:        hooks,
			Capabilities: []string{"none"},
		},
		Source: []byte(source),
	}
}
