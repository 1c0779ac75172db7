package plugin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	extism "github.com/extism/go-sdk"
	"github.com/tetratelabs/wazero"

	"github.com/codepal-dev/pluginhost/plugin/wasm"
)

// wasmPagesPerMB is the number of 64KiB WebAssembly pages in one MiB.
const wasmPagesPerMB = 16

// WASMLoader loads WASM plugins using Extism SDK.
type WASMLoader struct {
	cache     wazero.CompilationCache
	inspector *wasm.Inspector
}

// NewWASMLoader creates a new WASM loader. Compiled code is shared through
// cache; a nil cache gets a fresh in-memory one.
func NewWASMLoader(cache wazero.CompilationCache) *WASMLoader {
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	return &WASMLoader{cache: cache, inspector: wasm.NewInspector(cache)}
}

// Load compiles the module once to validate it and read its exports.
func (wl *WASMLoader) Load(ctx context.Context, a *Artifact) (Plugin, error) {
	mod, err := wl.inspector.Inspect(ctx, a.Source)
	if err != nil {
		return nil, err
	}
	return &WASMPlugin{
		id:     a.Manifest.ID,
		data:   a.Source,
		module: mod,
		cache:  wl.cache,
	}, nil
}

// WASMPlugin implements the Plugin interface for WASM modules.
type WASMPlugin struct {
	id     string
	data   []byte
	module *wasm.Module
	cache  wazero.CompilationCache
}

func (wp *WASMPlugin) ID() string      { return wp.id }
func (wp *WASMPlugin) Runtime() string { return RuntimeWASM }

// EntryPoints returns the module's exported functions.
func (wp *WASMPlugin) EntryPoints() []string {
	return append([]string(nil), wp.module.Exports...)
}

func (wp *WASMPlugin) HasEntryPoint(name string) bool {
	return wp.module.HasExport(name)
}

// Module returns the static shape of the module.
func (wp *WASMPlugin) Module() *wasm.Module {
	return wp.module
}

// Close is a no-op; the compilation cache is owned by the loader.
func (wp *WASMPlugin) Close(context.Context) error { return nil }

// Invoke instantiates a fresh Extism plugin, bounded by call.MemoryLimitMB and
// the ctx deadline, and calls the entry point with Args as input data.
func (wp *WASMPlugin) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	if !wp.module.HasExport(call.Entry) {
		return nil, errors.Wrapf(ErrNoEntryPoint, "%s is not exported", call.Entry)
	}

	manifest := extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmData{Data: wp.data},
		},
		// Outbound HTTP goes through the host broker, never through Extism's client.
		AllowedHosts: []string{},
	}
	if call.MemoryLimitMB > 0 {
		manifest.Memory = &extism.ManifestMemory{MaxPages: call.MemoryLimitMB * wasmPagesPerMB}
	}
	if deadline, ok := ctx.Deadline(); ok {
		if ms := time.Until(deadline).Milliseconds(); ms > 0 {
			manifest.Timeout = uint64(ms)
		}
	}

	config := extism.PluginConfig{
		EnableWasi: true,
		RuntimeConfig: wazero.NewRuntimeConfig().
			WithCompilationCache(wp.cache).
			WithCloseOnContextDone(true),
	}

	instance, err := extism.NewPlugin(ctx, manifest, config, wasmHostFunctions(call.Host))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Extism plugin")
	}
	defer instance.Close(context.Background())
	if call.Host != nil {
		instance.SetLogger(func(level extism.LogLevel, message string) {
			call.Host.Log(level.String(), message)
		})
	}

	exitCode, out, err := instance.CallWithContext(ctx, call.Entry, call.Args)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, errors.Wrap(cause, "module interrupted")
		}
		return nil, errors.Wrapf(err, "failed to execute WASM function %s", call.Entry)
	}
	if exitCode != 0 {
		return nil, errors.Newf("%s returned non-zero exit code: %d", call.Entry, exitCode)
	}

	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return encodeResult(nil)
	}
	if !json.Valid(out) {
		// Non-JSON output is surfaced as a JSON string.
		return encodeResult(string(out))
	}
	return json.RawMessage(out), nil
}

// wasmHostFunctions returns the "env" imports bound to one invocation's host.
// Every function returns 0 on failure.
func wasmHostFunctions(host Host) []extism.HostFunction {
	return []extism.HostFunction{
		newFSReadFunction(host),
		newFSWriteFunction(host),
		newHTTPRequestFunction(host),
		newProcessSpawnFunction(host),
		newEnvGetFunction(host),
	}
}

func hostFail(p *extism.CurrentPlugin, stack []uint64, fn string, err error) {
	stack[0] = 0
	p.Log(extism.LogLevelError, fmt.Sprintf("%s: %v", fn, err))
}

func newFSReadFunction(host Host) extism.HostFunction {
	fn := extism.NewHostFunctionWithStack(
		"fs_read",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			path, err := p.ReadString(stack[0])
			if err != nil {
				hostFail(p, stack, "fs_read", err)
				return
			}
			data, err := host.ReadFile(ctx, path)
			if err != nil {
				hostFail(p, stack, "fs_read", err)
				return
			}
			offset, err := p.WriteBytes(data)
			if err != nil {
				hostFail(p, stack, "fs_read", err)
				return
			}
			stack[0] = offset
		},
		[]extism.ValueType{extism.ValueTypeI64}, // path_offset
		[]extism.ValueType{extism.ValueTypeI64}, // data_offset
	)
	fn.SetNamespace("env")
	return fn
}

func newFSWriteFunction(host Host) extism.HostFunction {
	fn := extism.NewHostFunctionWithStack(
		"fs_write",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			path, err := p.ReadString(stack[0])
			if err != nil {
				hostFail(p, stack, "fs_write", err)
				return
			}
			data, err := p.ReadBytes(stack[1])
			if err != nil {
				hostFail(p, stack, "fs_write", err)
				return
			}
			if err := host.WriteFile(ctx, path, data); err != nil {
				hostFail(p, stack, "fs_write", err)
				return
			}
			stack[0] = 1
		},
		[]extism.ValueType{extism.ValueTypeI64, extism.ValueTypeI64}, // path_offset, data_offset
		[]extism.ValueType{extism.ValueTypeI64},                      // ok
	)
	fn.SetNamespace("env")
	return fn
}

func newHTTPRequestFunction(host Host) extism.HostFunction {
	fn := extism.NewHostFunctionWithStack(
		"http_request",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			method, err := p.ReadString(stack[0])
			if err != nil {
				hostFail(p, stack, "http_request", err)
				return
			}
			url, err := p.ReadString(stack[1])
			if err != nil {
				hostFail(p, stack, "http_request", err)
				return
			}

			req := &HTTPRequest{Method: method, URL: url, Headers: map[string]string{}}

			// Headers are a JSON array of "Name: value" strings.
			if stack[2] != 0 {
				raw, err := p.ReadString(stack[2])
				if err != nil {
					hostFail(p, stack, "http_request", err)
					return
				}
				var headers []string
				if raw != "" {
					if err := json.Unmarshal([]byte(raw), &headers); err != nil {
						hostFail(p, stack, "http_request", err)
						return
					}
				}
				for _, h := range headers {
					if idx := strings.Index(h, ":"); idx > 0 {
						req.Headers[strings.TrimSpace(h[:idx])] = strings.TrimSpace(h[idx+1:])
					}
				}
			}
			if stack[3] != 0 {
				req.Body, err = p.ReadBytes(stack[3])
				if err != nil {
					hostFail(p, stack, "http_request", err)
					return
				}
			}

			resp, err := host.HTTPRequest(ctx, req)
			if err != nil {
				hostFail(p, stack, "http_request", err)
				return
			}

			encoded, err := json.Marshal(map[string]interface{}{
				"status":  resp.Status,
				"headers": resp.Headers,
				"body":    base64.StdEncoding.EncodeToString(resp.Body),
			})
			if err != nil {
				hostFail(p, stack, "http_request", err)
				return
			}
			offset, err := p.WriteBytes(encoded)
			if err != nil {
				hostFail(p, stack, "http_request", err)
				return
			}
			stack[0] = offset
		},
		[]extism.ValueType{extism.ValueTypeI64, extism.ValueTypeI64, extism.ValueTypeI64, extism.ValueTypeI64}, // method, url, headers, body
		[]extism.ValueType{extism.ValueTypeI64}, // json_offset
	)
	fn.SetNamespace("env")
	return fn
}

func newProcessSpawnFunction(host Host) extism.HostFunction {
	fn := extism.NewHostFunctionWithStack(
		"process_spawn",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			name, err := p.ReadString(stack[0])
			if err != nil {
				hostFail(p, stack, "process_spawn", err)
				return
			}
			var args []string
			if stack[1] != 0 {
				raw, err := p.ReadBytes(stack[1])
				if err != nil {
					hostFail(p, stack, "process_spawn", err)
					return
				}
				if err := json.Unmarshal(raw, &args); err != nil {
					hostFail(p, stack, "process_spawn", err)
					return
				}
			}
			out, err := host.Spawn(ctx, name, args)
			if err != nil {
				hostFail(p, stack, "process_spawn", err)
				return
			}
			offset, err := p.WriteBytes(out)
			if err != nil {
				hostFail(p, stack, "process_spawn", err)
				return
			}
			stack[0] = offset
		},
		[]extism.ValueType{extism.ValueTypeI64, extism.ValueTypeI64}, // name_offset, args_json_offset
		[]extism.ValueType{extism.ValueTypeI64},                      // output_offset
	)
	fn.SetNamespace("env")
	return fn
}

func newEnvGetFunction(host Host) extism.HostFunction {
	fn := extism.NewHostFunctionWithStack(
		"env_get",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			key, err := p.ReadString(stack[0])
			if err != nil {
				hostFail(p, stack, "env_get", err)
				return
			}
			value, err := host.Getenv(ctx, key)
			if err != nil {
				hostFail(p, stack, "env_get", err)
				return
			}
			offset, err := p.WriteString(value)
			if err != nil {
				hostFail(p, stack, "env_get", err)
				return
			}
			stack[0] = offset
		},
		[]extism.ValueType{extism.ValueTypeI64},
		[]extism.ValueType{extism.ValueTypeI64},
	)
	fn.SetNamespace("env")
	return fn
}
