package hook

import (
	"encoding/json"
	"testing"
)

func TestDecodeFindings(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{"null", `null`, 0, false},
		{"empty", `[]`, 0, false},
		{"empty table", `{ }`, 0, false},
		{"valid", `[{"severity":"High","message":"hardcoded secret","line":3}]`, 1, false},
		{"object", `{"severity":"low"}`, 0, true},
		{"bad severity", `[{"severity":"urgent","message":"x"}]`, 0, true},
		{"no message", `[{"severity":"low"}]`, 0, true},
		{"unknown field", `[{"severity":"low","message":"x","extra":1}]`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFindings(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeFindings() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("DecodeFindings() = %d findings, want %d", len(got), tt.want)
			}
		})
	}
}

func TestBuiltinSpecSamplesMatchParams(t *testing.T) {
	for _, spec := range BuiltinSpecs() {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(spec.Sample, &fields); err != nil {
			t.Fatalf("%s sample is not an object: %v", spec.Name, err)
		}
		for _, p := range spec.Params {
			if _, ok := fields[p]; !ok {
				t.Errorf("%s sample missing param %q", spec.Name, p)
			}
		}
	}
}

func TestResultValidators(t *testing.T) {
	specs := map[string]Spec{}
	for _, s := range BuiltinSpecs() {
		specs[s.Name] = s
	}

	if err := specs[ManifestGenerate].ValidateResult(json.RawMessage(`{"files":{"Dockerfile":"FROM scratch"}}`)); err != nil {
		t.Errorf("manifest result error = %v", err)
	}
	if err := specs[ManifestGenerate].ValidateResult(json.RawMessage(`{}`)); err == nil {
		t.Error("manifest result without files error = nil")
	}
	if err := specs[DriftDetect].ValidateResult(json.RawMessage(`{"drifted":true,"changes":["replicas"]}`)); err != nil {
		t.Errorf("drift result error = %v", err)
	}
	if specs[Deploy].ValidateResult != nil {
		t.Error("onDeploy result should be opaque")
	}
}

func TestDecodeDriftReport(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		drifted bool
		changes int
		wantErr bool
	}{
		{"changes", `{"drifted":true,"changes":["replicas","image"]}`, true, 2, false},
		{"empty list", `{"drifted":false,"changes":[]}`, false, 0, false},
		{"empty table", `{"drifted":false,"changes":{}}`, false, 0, false},
		{"no changes", `{"drifted":false}`, false, 0, false},
		{"changes object", `{"drifted":true,"changes":{"replicas":1}}`, false, 0, true},
		{"unknown field", `{"drifted":true,"diff":[]}`, false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeDriftReport(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeDriftReport() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Drifted != tt.drifted || len(got.Changes) != tt.changes {
				t.Errorf("DecodeDriftReport() = %+v, want drifted=%v with %d changes", got, tt.drifted, tt.changes)
			}
		})
	}
}
