// Package wasm inspects WebAssembly modules without running them.
package wasm

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/tetratelabs/wazero"

	"github.com/codepal-dev/pluginhost/capability"
)

// Import is a function a module expects its host to provide.
type Import struct {
	Module string
	Name   string
}

func (i Import) String() string {
	return i.Module + "." + i.Name
}

// Module is the static shape of a compiled module.
type Module struct {
	Imports []Import
	Exports []string
}

// HasExport reports whether the module exports a function named name.
func (m *Module) HasExport(name string) bool {
	i := sort.SearchStrings(m.Exports, name)
	return i < len(m.Exports) && m.Exports[i] == name
}

// importCapabilities maps host imports to the capability they exercise.
// Keys are "module.name"; a module-level entry uses the name "*".
var importCapabilities = map[string]capability.Capability{
	"env.fs_read":       capability.FilesystemRead,
	"env.fs_write":      capability.FilesystemWrite,
	"env.http_request":  capability.Network,
	"env.tcp_connect":   capability.Network,
	"env.udp_connect":   capability.Network,
	"env.icmp_send":     capability.Network,
	"env.process_spawn": capability.ProcessSpawn,
	"env.env_get":       capability.EnvRead,

	"extism:host/env.http_request": capability.Network,

	"wasi_snapshot_preview1.path_open":        capability.Filesystem,
	"wasi_snapshot_preview1.path_unlink_file": capability.FilesystemWrite,
	"wasi_snapshot_preview1.path_rename":      capability.FilesystemWrite,
	"wasi_snapshot_preview1.environ_get":      capability.EnvRead,
	"wasi_snapshot_preview1.sock_accept":      capability.Network,
	"wasi_snapshot_preview1.sock_recv":        capability.Network,
	"wasi_snapshot_preview1.sock_send":        capability.Network,
}

// Capabilities returns the capabilities implied by the module's imports.
// Each capability maps to the imports that require it.
func (m *Module) Capabilities() map[capability.Capability][]Import {
	out := make(map[capability.Capability][]Import)
	for _, imp := range m.Imports {
		if c, ok := importCapabilities[imp.String()]; ok {
			out[c] = append(out[c], imp)
		}
	}
	return out
}

// Inspector compiles modules to read their imports and exports.
type Inspector struct {
	cache wazero.CompilationCache
}

// NewInspector creates an inspector. A nil cache gets a fresh in-memory one.
func NewInspector(cache wazero.CompilationCache) *Inspector {
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	return &Inspector{cache: cache}
}

// Inspect compiles data and reports its host imports and exported functions.
// The module is never instantiated, so unresolved imports are not an error.
func (in *Inspector) Inspect(ctx context.Context, data []byte) (*Module, error) {
	if len(data) == 0 {
		return nil, errors.New("empty module")
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCompilationCache(in.cache))
	defer runtime.Close(ctx)

	compiled, err := runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile WASM module")
	}
	defer compiled.Close(ctx)

	m := &Module{}
	for _, def := range compiled.ImportedFunctions() {
		moduleName, name, ok := def.Import()
		if !ok {
			continue
		}
		m.Imports = append(m.Imports, Import{Module: moduleName, Name: name})
	}
	for name := range compiled.ExportedFunctions() {
		m.Exports = append(m.Exports, name)
	}
	sort.Strings(m.Exports)
	sort.Slice(m.Imports, func(i, j int) bool {
		return m.Imports[i].String() < m.Imports[j].String()
	})
	return m, nil
}
