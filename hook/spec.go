package hook

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// Built-in hook names.
const (
	CodeReview       = "onCodeReview"
	ManifestGenerate = "onManifestGenerate"
	DriftDetect      = "onDriftDetect"
	Deploy           = "onDeploy"
)

// Spec describes the fixed shape of a hook: the entry point a plugin must
// expose, its positional parameters and the shape of its result.
type Spec struct {
	Name string
	// Params are the names of the payload fields passed positionally.
	Params []string
	// Sample is a representative payload used for dry runs.
	Sample json.RawMessage
	// ValidateResult checks a successful result. Nil accepts anything.
	ValidateResult func(json.RawMessage) error
}

// ReviewFinding is one element of an onCodeReview result.
type ReviewFinding struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Line     int    `json:"line,omitempty"`
	Rule     string `json:"rule,omitempty"`
}

// GeneratedManifest is the onManifestGenerate result.
type GeneratedManifest struct {
	Files map[string]string `json:"files"`
}

// DriftReport is the onDriftDetect result.
type DriftReport struct {
	Drifted bool     `json:"drifted"`
	Changes []string `json:"changes"`
}

var reviewSeverities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// DecodeFindings decodes and validates an onCodeReview result. A null result
// is an empty list.
func DecodeFindings(raw json.RawMessage) ([]ReviewFinding, error) {
	// Lua cannot tell an empty list from an empty table and encodes it as {}.
	if isNull(raw) || isEmptyObject(raw) {
		return nil, nil
	}
	var findings []ReviewFinding
	if err := strictDecode(raw, &findings); err != nil {
		return nil, errors.Wrap(err, "expected a list of findings")
	}
	for i, f := range findings {
		if !reviewSeverities[strings.ToLower(f.Severity)] {
			return nil, errors.Newf("finding %d: unknown severity %q", i, f.Severity)
		}
		if f.Message == "" {
			return nil, errors.Newf("finding %d: empty message", i)
		}
	}
	return findings, nil
}

// DecodeGeneratedManifest decodes an onManifestGenerate result.
func DecodeGeneratedManifest(raw json.RawMessage) (*GeneratedManifest, error) {
	var m GeneratedManifest
	if err := strictDecode(raw, &m); err != nil {
		return nil, errors.Wrap(err, "expected an object with files")
	}
	if m.Files == nil {
		return nil, errors.New("missing files")
	}
	return &m, nil
}

// DecodeDriftReport decodes an onDriftDetect result.
func DecodeDriftReport(raw json.RawMessage) (*DriftReport, error) {
	var wire struct {
		Drifted bool            `json:"drifted"`
		Changes json.RawMessage `json:"changes"`
	}
	if err := strictDecode(raw, &wire); err != nil {
		return nil, errors.Wrap(err, "expected an object with drifted and changes")
	}
	r := DriftReport{Drifted: wire.Drifted}
	if !isNull(wire.Changes) && !isEmptyObject(wire.Changes) {
		if err := strictDecode(wire.Changes, &r.Changes); err != nil {
			return nil, errors.Wrap(err, "expected changes to be a list of strings")
		}
	}
	return &r, nil
}

func strictDecode(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func isEmptyObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	if len(t) < 2 || t[0] != '{' || t[len(t)-1] != '}' {
		return false
	}
	return len(bytes.TrimSpace(t[1:len(t)-1])) == 0
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// BuiltinSpecs returns the CodePal hooks.
func BuiltinSpecs() []Spec {
	return []Spec{
		{
			Name:   CodeReview,
			Params: []string{"context", "file"},
			Sample: json.RawMessage(`{"context":{"repository":"sample","user":"dry-run"},"file":{"path":"main.go","language":"go","content":"package main\n"}}`),
			ValidateResult: func(raw json.RawMessage) error {
				_, err := DecodeFindings(raw)
				return err
			},
		},
		{
			Name:   ManifestGenerate,
			Params: []string{"context", "project"},
			Sample: json.RawMessage(`{"context":{"repository":"sample"},"project":{"name":"sample","language":"go","services":["api"]}}`),
			ValidateResult: func(raw json.RawMessage) error {
				_, err := DecodeGeneratedManifest(raw)
				return err
			},
		},
		{
			Name:   DriftDetect,
			Params: []string{"context", "desired", "actual"},
			Sample: json.RawMessage(`{"context":{"environment":"staging"},"desired":{"replicas":2},"actual":{"replicas":2}}`),
			ValidateResult: func(raw json.RawMessage) error {
				_, err := DecodeDriftReport(raw)
				return err
			},
		},
		{
			Name:   Deploy,
			Params: []string{"context", "deployment"},
			Sample: json.RawMessage(`{"context":{"environment":"staging"},"deployment":{"service":"api","version":"1.0.0"}}`),
		},
	}
}
