package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

const (
	luaCallStackSize   = 256
	luaRegistrySize    = 1024 * 16
	luaRegistryMaxSize = 1024 * 256
)

// LuaLoader compiles Lua plugins with gopher-lua.
type LuaLoader struct{}

// NewLuaLoader creates a new Lua loader.
func NewLuaLoader() *LuaLoader {
	return &LuaLoader{}
}

// Load parses and compiles the chunk once into a function prototype.
func (l *LuaLoader) Load(_ context.Context, a *Artifact) (Plugin, error) {
	name := a.Manifest.ID + ".lua"
	chunk, err := parse.Parse(strings.NewReader(string(a.Source)), name)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse chunk")
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile chunk")
	}
	return &LuaPlugin{
		scriptEntryPoints: newScriptEntryPoints(a),
		proto:             proto,
	}, nil
}

// LuaPlugin implements Plugin for Lua sources.
type LuaPlugin struct {
	scriptEntryPoints
	proto *lua.FunctionProto
}

// Runtime returns "lua".
func (p *LuaPlugin) Runtime() string { return RuntimeLua }

// Close is a no-op; prototypes hold no external resources.
func (p *LuaPlugin) Close(context.Context) error { return nil }

// Invoke runs the chunk in a fresh state with only the safe standard libraries
// open, then calls the entry point. The state observes ctx, so cancelling it
// aborts the running chunk.
func (p *LuaPlugin) Invoke(ctx context.Context, call Call) (out json.RawMessage, err error) {
	args, err := call.Arguments()
	if err != nil {
		return nil, err
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   luaCallStackSize,
		RegistrySize:    luaRegistrySize,
		RegistryMaxSize: luaRegistryMaxSize,
	})
	defer L.Close()

	openSafeLuaLibs(L)
	installLuaHost(ctx, L, call.Host)
	L.SetContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			err = luaError(ctx, errors.Newf("lua panic: %v", r))
		}
	}()

	L.Push(L.NewFunctionFromProto(p.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return nil, luaError(ctx, err)
	}
	L.SetTop(0)

	fn, ok := L.GetGlobal(call.Entry).(*lua.LFunction)
	if !ok {
		return nil, errors.Wrapf(ErrNoEntryPoint, "%s is not a function", call.Entry)
	}

	L.Push(fn)
	for _, a := range args {
		L.Push(toLua(L, a))
	}
	if err := L.PCall(len(args), 1, nil); err != nil {
		return nil, luaError(ctx, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	return encodeResult(fromLua(ret, make(map[*lua.LTable]bool)))
}

func luaError(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return errors.Wrap(cause, "chunk interrupted")
	}
	return errors.Wrap(err, "lua error")
}

// openSafeLuaLibs opens base, table, string and math, and strips the loaders
// that could pull in code from outside the artifact.
func openSafeLuaLibs(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
}

// installLuaHost exposes the mediated host API as the global "codepal" table.
func installLuaHost(ctx context.Context, L *lua.LState, host Host) {
	raise := func(L *lua.LState, err error) int {
		L.RaiseError("%s", err.Error())
		return 0
	}

	api := L.NewTable()
	L.SetFuncs(api, map[string]lua.LGFunction{
		"read_file": func(L *lua.LState) int {
			data, err := host.ReadFile(ctx, L.CheckString(1))
			if err != nil {
				return raise(L, err)
			}
			L.Push(lua.LString(data))
			return 1
		},
		"write_file": func(L *lua.LState) int {
			if err := host.WriteFile(ctx, L.CheckString(1), []byte(L.CheckString(2))); err != nil {
				return raise(L, err)
			}
			return 0
		},
		"http_request": func(L *lua.LState) int {
			req := &HTTPRequest{
				Method:  L.OptString(1, "GET"),
				URL:     L.CheckString(2),
				Headers: map[string]string{},
				Body:    []byte(L.OptString(4, "")),
			}
			if t, ok := L.Get(3).(*lua.LTable); ok {
				t.ForEach(func(k, v lua.LValue) {
					req.Headers[k.String()] = v.String()
				})
			}
			resp, err := host.HTTPRequest(ctx, req)
			if err != nil {
				return raise(L, err)
			}
			L.Push(lua.LNumber(resp.Status))
			L.Push(lua.LString(resp.Body))
			return 2
		},
		"spawn": func(L *lua.LState) int {
			name := L.CheckString(1)
			var args []string
			for i := 2; i <= L.GetTop(); i++ {
				args = append(args, L.CheckString(i))
			}
			out, err := host.Spawn(ctx, name, args)
			if err != nil {
				return raise(L, err)
			}
			L.Push(lua.LString(out))
			return 1
		},
		"getenv": func(L *lua.LState) int {
			v, err := host.Getenv(ctx, L.CheckString(1))
			if err != nil {
				return raise(L, err)
			}
			L.Push(lua.LString(v))
			return 1
		},
		"log": func(L *lua.LState) int {
			host.Log("info", L.CheckString(1))
			return 0
		},
	})
	L.SetGlobal("codepal", api)

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		parts := make([]string, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		host.Log("info", strings.Join(parts, "\t"))
		return 0
	}))
}

func toLua(L *lua.LState, v interface{}) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case []interface{}:
		t := L.CreateTable(len(x), 0)
		for _, item := range x {
			t.Append(toLua(L, item))
		}
		return t
	case map[string]interface{}:
		t := L.CreateTable(0, len(x))
		for k, item := range x {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

func fromLua(lv lua.LValue, visited map[*lua.LTable]bool) interface{} {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		// visited holds the tables on the current path only, so a table
		// shared by two fields converts twice and only cycles become nil.
		if visited[v] {
			return nil
		}
		visited[v] = true
		defer delete(visited, v)
		return luaTableToGo(v, visited)
	default:
		return nil
	}
}

func luaTableToGo(t *lua.LTable, visited map[*lua.LTable]bool) interface{} {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })

	if n > 0 && n == count {
		arr := make([]interface{}, n)
		for i := 1; i <= n; i++ {
			arr[i-1] = fromLua(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]interface{}, count)
	t.ForEach(func(k, v lua.LValue) {
		m[k.String()] = fromLua(v, visited)
	})
	return m
}
