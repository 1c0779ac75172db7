package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadPayload(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "payload.json")
	if err := os.WriteFile(file, []byte(`{"path":"main.go"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		arg     string
		want    string
		wantErr bool
	}{
		{name: "inline", arg: `{"a":1}`, want: `{"a":1}`},
		{name: "from file", arg: "@" + file, want: `{"path":"main.go"}`},
		{name: "missing file", arg: "@" + filepath.Join(dir, "nope.json"), wantErr: true},
		{name: "not json", arg: "hello", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPayload(tt.arg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("readPayload() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(got) != tt.want {
				t.Errorf("readPayload() = %s, want %s", got, tt.want)
			}
		})
	}
}
