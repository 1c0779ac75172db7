package plugin

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestLoadersBuiltinRuntimes(t *testing.T) {
	loaders := NewLoaders(nil)
	for _, rt := range []string{RuntimeWASM, RuntimeJS, RuntimeLua, RuntimeNative} {
		t.Run(rt, func(t *testing.T) {
			first, err := loaders.For(rt)
			if err != nil {
				t.Fatalf("For(%q) error = %v", rt, err)
			}
			second, err := loaders.For(rt)
			if err != nil {
				t.Fatalf("For(%q) error = %v", rt, err)
			}
			if first != second {
				t.Errorf("For(%q) created a second loader", rt)
			}
		})
	}
}

func TestLoadersUnknownRuntime(t *testing.T) {
	_, err := NewLoaders(nil).For("cobol")
	if !errors.Is(err, ErrUnknownRuntime) {
		t.Errorf("For(cobol) error = %v, want ErrUnknownRuntime", err)
	}
}

func TestLoadersRuntimes(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]Loader
		want      []string
	}{
		{"builtin", nil, []string{"js", "lua", "native", "wasm"}},
		{"override builtin", map[string]Loader{RuntimeJS: NewJSLoader()}, []string{"js", "lua", "native", "wasm"}},
		{"extra runtime", map[string]Loader{"python": NewNativeLoader(nil)}, []string{"js", "lua", "native", "python", "wasm"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewLoaders(tt.overrides).Runtimes(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Runtimes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadersConcurrentFor(t *testing.T) {
	loaders := NewLoaders(nil)
	got := make([]Loader, 10)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], _ = loaders.For(RuntimeLua)
		}(i)
	}
	wg.Wait()
	for i, ld := range got {
		if ld == nil || ld != got[0] {
			t.Fatalf("For() #%d = %v, want the shared loader %v", i, ld, got[0])
		}
	}
}

func TestLoadersOverride(t *testing.T) {
	natives := NewNativeLoader(map[string]NativeModule{
		"test-plugin": {"onDeploy": nil},
	})
	loaders := NewLoaders(map[string]Loader{RuntimeNative: natives})

	p, err := loaders.Load(context.Background(), newArtifact(RuntimeNative, "", "onDeploy"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !p.HasEntryPoint("onDeploy") {
		t.Error("HasEntryPoint(onDeploy) = false, want true")
	}

	// The process-wide native loader has no such module.
	_, err = LoadPlugin(context.Background(), newArtifact(RuntimeNative, "", "onDeploy"))
	if !errors.Is(err, ErrArtifactUnreadable) {
		t.Errorf("LoadPlugin() error = %v, want ErrArtifactUnreadable", err)
	}
}

func TestLoadInvalidManifest(t *testing.T) {
	a := newArtifact(RuntimeJS, "function x() {}", "onDeploy")
	a.Manifest.Version = "one"
	_, err := LoadPlugin(context.Background(), a)
	if !errors.Is(err, ErrArtifactUnreadable) {
		t.Errorf("LoadPlugin() error = %v, want ErrArtifactUnreadable", err)
	}
}
