// Package plugin provides a unified interface for loading and invoking plugins.
// It supports multiple plugin runtimes (WASM, JavaScript, Lua, native Go) through
// a per-runtime Loaders resolver.
package plugin

import (
	"context"
	"encoding/json"
)

// Plugin defines the interface that all loaded plugins implement.
//
// A Plugin is a compiled, reusable handle to an artifact. It holds no mutable
// state between invocations: every Invoke runs in a fresh instance of the
// underlying runtime.
type Plugin interface {
	// ID returns the plugin id from the manifest.
	ID() string

	// Runtime returns the runtime identifier ("wasm", "js", "lua", "native").
	Runtime() string

	// EntryPoints returns the callable entry points exposed by the plugin.
	EntryPoints() []string

	// HasEntryPoint reports whether the plugin exposes the named entry point.
	HasEntryPoint(name string) bool

	// Invoke runs a single entry point. The plugin reaches the outside world only
	// through call.Host. Cancelling ctx aborts the invocation.
	Invoke(ctx context.Context, call Call) (json.RawMessage, error)

	// Close releases compiled resources.
	Close(ctx context.Context) error
}

// Call describes one invocation of a plugin entry point.
type Call struct {
	// Entry is the entry point to run.
	Entry string
	// Params names the positional parameters of the entry point. When set, Args
	// must be a JSON object and its fields are passed positionally in this order.
	// When empty, Args is passed as a single argument.
	Params []string
	// Args is the opaque JSON payload.
	Args json.RawMessage
	// Host mediates every side effect the plugin performs.
	Host Host
	// MemoryLimitMB caps runtimes with native memory limits (WASM linear memory).
	// Zero means no runtime-level cap.
	MemoryLimitMB uint32
}

// Host is the only channel between a plugin and the outside world.
//
// Implementations check capabilities before performing the operation. A denied
// operation returns an error wrapping ErrCapabilityDenied and is never issued.
type Host interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	HTTPRequest(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)
	Spawn(ctx context.Context, name string, args []string) ([]byte, error)
	Getenv(ctx context.Context, key string) (string, error)
	Log(level, message string)
}

// HTTPRequest is an outbound request made on behalf of a plugin.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// HTTPResponse is returned to the plugin after a mediated request.
type HTTPResponse struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}
