package plugin

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func loadLua(t *testing.T, source string, hooks ...string) Plugin {
	t.Helper()
	p, err := NewLuaLoader().Load(context.Background(), newArtifact(RuntimeLua, source, hooks...))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return p
}

func TestLuaInvoke(t *testing.T) {
	p := loadLua(t, `
function onDriftDetect(context, desired, actual)
  local changes = {}
  for k, v in pairs(desired) do
    if actual[k] ~= v then
      table.insert(changes, k)
    end
  end
  return { drifted = #changes > 0, changes = changes }
end`, "onDriftDetect")

	out, err := p.Invoke(context.Background(), Call{
		Entry:  "onDriftDetect",
		Params: []string{"context", "desired", "actual"},
		Args:   json.RawMessage(`{"context":{},"desired":{"replicas":3},"actual":{"replicas":2}}`),
		Host:   &MockHost{},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	var got struct {
		Drifted bool     `json:"drifted"`
		Changes []string `json:"changes"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", out, err)
	}
	if !got.Drifted || len(got.Changes) != 1 || got.Changes[0] != "replicas" {
		t.Errorf("Invoke() = %s", out)
	}
}

func TestLuaSharedTables(t *testing.T) {
	p := loadLua(t, `
function onDeploy()
  local shared = {1, 2}
  local loop = {name = "loop"}
  loop.self = loop
  return { a = shared, b = shared, nested = { c = shared }, loop = loop }
end`, "onDeploy")

	out, err := p.Invoke(context.Background(), Call{Entry: "onDeploy", Host: &MockHost{}})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	var got struct {
		A      []int            `json:"a"`
		B      []int            `json:"b"`
		Nested map[string][]int `json:"nested"`
		Loop   map[string]any   `json:"loop"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", out, err)
	}
	if len(got.A) != 2 || len(got.B) != 2 || len(got.Nested["c"]) != 2 {
		t.Errorf("Invoke() = %s, want the shared table in a, b and nested.c", out)
	}
	if got.Loop["name"] != "loop" || got.Loop["self"] != nil {
		t.Errorf("Invoke() loop = %v, want the cycle cut to null", got.Loop)
	}
}

func TestLuaSandboxedGlobals(t *testing.T) {
	p := loadLua(t, `
function onDeploy()
  return { io = io == nil, os = os == nil, load = load == nil, require = require == nil }
end`, "onDeploy")

	out, err := p.Invoke(context.Background(), Call{Entry: "onDeploy", Host: &MockHost{}})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	var got map[string]bool
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", out, err)
	}
	for name, missing := range got {
		if !missing {
			t.Errorf("global %s is available in the sandbox", name)
		}
	}
}

func TestLuaHostCalls(t *testing.T) {
	p := loadLua(t, `
function onDeploy()
  local status, body = codepal.http_request("GET", "https://api.example.com/health")
  print("status", status)
  return body
end`, "onDeploy")

	host := &MockHost{}
	out, err := p.Invoke(context.Background(), Call{Entry: "onDeploy", Host: host})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if string(out) != `"ok"` {
		t.Errorf("Invoke() = %s", out)
	}
	if len(host.Calls) != 1 || host.Calls[0] != "http:GET https://api.example.com/health" {
		t.Errorf("Calls = %v", host.Calls)
	}
}

func TestLuaDeniedHostCall(t *testing.T) {
	p := loadLua(t, `function onDeploy() return codepal.spawn("rm", "-rf", "/") end`, "onDeploy")

	host := &MockHost{Deny: "process.spawn"}
	if _, err := p.Invoke(context.Background(), Call{Entry: "onDeploy", Host: host}); err == nil {
		t.Fatal("Invoke() error = nil, want denial")
	}
	if len(host.Calls) != 0 {
		t.Errorf("Calls = %v, want none", host.Calls)
	}
}

func TestLuaCancel(t *testing.T) {
	p := loadLua(t, `function onDeploy() while true do end end`, "onDeploy")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := p.Invoke(ctx, Call{Entry: "onDeploy", Host: &MockHost{}}); err == nil {
		t.Fatal("Invoke() error = nil, want interruption")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("interrupt took %v", elapsed)
	}
}

func TestLuaRuntimeError(t *testing.T) {
	p := loadLua(t, `function onDeploy(d) return d.missing.field end`, "onDeploy")
	if _, err := p.Invoke(context.Background(), Call{Entry: "onDeploy", Args: json.RawMessage(`{}`), Host: &MockHost{}}); err == nil {
		t.Error("Invoke() error = nil, want runtime error")
	}
}

func TestLuaParseError(t *testing.T) {
	if _, err := NewLuaLoader().Load(context.Background(), newArtifact(RuntimeLua, "function (", "onDeploy")); err == nil {
		t.Error("Load() error = nil, want parse error")
	}
}
