package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dop251/goja"
)

// maxJSCallStack bounds recursion inside a single invocation.
const maxJSCallStack = 1024

// JSLoader compiles JavaScript plugins with goja.
type JSLoader struct{}

// NewJSLoader creates a new JavaScript loader.
func NewJSLoader() *JSLoader {
	return &JSLoader{}
}

// Load compiles the script once. Each invocation runs the compiled program in a
// fresh goja runtime.
func (l *JSLoader) Load(_ context.Context, a *Artifact) (Plugin, error) {
	prog, err := goja.Compile(a.Manifest.ID+".js", string(a.Source), false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile script")
	}
	return &JSPlugin{
		scriptEntryPoints: newScriptEntryPoints(a),
		program:           prog,
	}, nil
}

// JSPlugin implements Plugin for JavaScript sources.
type JSPlugin struct {
	scriptEntryPoints
	program *goja.Program
}

// Runtime returns "js".
func (p *JSPlugin) Runtime() string { return RuntimeJS }

// Close is a no-op; compiled programs hold no external resources.
func (p *JSPlugin) Close(context.Context) error { return nil }

// Invoke runs the program top level, then calls the entry point with the
// positional arguments. The runtime is interrupted when ctx is done.
func (p *JSPlugin) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	args, err := call.Arguments()
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(maxJSCallStack)
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	installJSHost(ctx, vm, call.Host)

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(context.Cause(ctx))
	})
	defer stop()

	if _, err := vm.RunProgram(p.program); err != nil {
		return nil, jsError(ctx, err)
	}

	fn, ok := goja.AssertFunction(vm.Get(call.Entry))
	if !ok {
		return nil, errors.Wrapf(ErrNoEntryPoint, "%s is not a function", call.Entry)
	}

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = vm.ToValue(a)
	}

	res, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, jsError(ctx, err)
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return encodeResult(nil)
	}
	return encodeResult(res.Export())
}

func jsError(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause := context.Cause(ctx); cause != nil {
			return errors.Wrap(cause, "script interrupted")
		}
		return errors.New("script interrupted")
	}
	return errors.Wrap(err, "script error")
}

// installJSHost exposes the mediated host API as the global "codepal" object.
func installJSHost(ctx context.Context, vm *goja.Runtime, host Host) {
	throw := func(err error) {
		panic(vm.NewGoError(err))
	}

	api := vm.NewObject()
	_ = api.Set("readFile", func(path string) string {
		data, err := host.ReadFile(ctx, path)
		if err != nil {
			throw(err)
		}
		return string(data)
	})
	_ = api.Set("writeFile", func(path, data string) {
		if err := host.WriteFile(ctx, path, []byte(data)); err != nil {
			throw(err)
		}
	})
	_ = api.Set("fetch", func(url string, opts map[string]interface{}) map[string]interface{} {
		req := &HTTPRequest{Method: "GET", URL: url, Headers: map[string]string{}}
		if m, ok := opts["method"].(string); ok && m != "" {
			req.Method = m
		}
		if h, ok := opts["headers"].(map[string]interface{}); ok {
			for k, v := range h {
				req.Headers[k] = fmt.Sprint(v)
			}
		}
		if b, ok := opts["body"].(string); ok {
			req.Body = []byte(b)
		}
		resp, err := host.HTTPRequest(ctx, req)
		if err != nil {
			throw(err)
		}
		return map[string]interface{}{
			"status":  resp.Status,
			"headers": resp.Headers,
			"body":    string(resp.Body),
		}
	})
	_ = api.Set("spawn", func(name string, args []string) string {
		out, err := host.Spawn(ctx, name, args)
		if err != nil {
			throw(err)
		}
		return string(out)
	})
	_ = api.Set("getenv", func(key string) string {
		v, err := host.Getenv(ctx, key)
		if err != nil {
			throw(err)
		}
		return v
	})
	_ = api.Set("log", func(msg string) {
		host.Log("info", msg)
	})
	_ = vm.Set("codepal", api)

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		host.Log("info", joinValues(call.Arguments))
		return goja.Undefined()
	})
	_ = console.Set("error", func(call goja.FunctionCall) goja.Value {
		host.Log("error", joinValues(call.Arguments))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)
}

func joinValues(vals []goja.Value) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = v.String()
	}
	return strings.Join(parts, " ")
}
