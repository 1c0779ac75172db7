package scanner

import (
	"bytes"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/codepal-dev/pluginhost/capability"
)

// Summary counts findings per severity.
type Summary struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Total returns the number of findings.
func (s Summary) Total() int {
	return s.Critical + s.High + s.Medium + s.Low
}

// Report is the result of scanning one artifact.
type Report struct {
	PluginID string `json:"plugin_id"`
	Version  string `json:"version"`
	// Hash is the artifact content hash the verdict applies to.
	Hash            string                  `json:"hash"`
	Safe            bool                    `json:"safe"`
	Findings        []Finding               `json:"findings"`
	Summary         Summary                 `json:"summary"`
	Recommendations []string                `json:"recommendations"`
	Declared        []capability.Capability `json:"declared"`
	Exercised       []capability.Capability `json:"exercised"`
	ScannedAt       time.Time               `json:"scanned_at"`
}

// finalize orders findings, fills the summary and recommendations and sets the
// verdict.
func (r *Report) finalize() {
	sort.SliceStable(r.Findings, func(i, j int) bool {
		return r.Findings[i].Severity > r.Findings[j].Severity
	})

	r.Summary = Summary{}
	for _, f := range r.Findings {
		switch f.Severity {
		case Critical:
			r.Summary.Critical++
		case High:
			r.Summary.High++
		case Medium:
			r.Summary.Medium++
		case Low:
			r.Summary.Low++
		}
	}
	r.Safe = r.Summary.Critical == 0 && r.Summary.High == 0
	r.Recommendations = recommend(r)
}

// BySeverity returns the findings of one severity, in report order.
func (r *Report) BySeverity(sev Severity) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == sev {
			out = append(out, f)
		}
	}
	return out
}

func (r *Report) hasRule(rule string) bool {
	for _, f := range r.Findings {
		if f.Rule == rule {
			return true
		}
	}
	return false
}

func (r *Report) hasCategory(category string) bool {
	for _, f := range r.Findings {
		if f.Category == category {
			return true
		}
	}
	return false
}

func recommend(r *Report) []string {
	var recs []string
	if r.Summary.Critical > 0 {
		recs = append(recs,
			"Do not activate this plugin until every critical finding is resolved",
			"Rebuild the artifact from reviewed sources and rescan it",
		)
	}
	if r.Summary.High > 0 {
		recs = append(recs,
			"Review high-severity findings before approving the plugin",
			"Narrow the sandbox policy for high-risk capabilities",
		)
	}
	if r.hasRule(RuleUndeclaredCapability) {
		recs = append(recs, "Declare every capability the plugin exercises in its manifest")
	}
	if r.hasCategory(CategoryScript) {
		recs = append(recs, "Audit manifest scripts and keep their output inside the sandbox root")
	}
	if r.hasRule(RuleUnsigned) || r.hasRule(RuleInvalidSignature) {
		recs = append(recs, "Sign the artifact with a trusted publisher key")
	}
	recs = append(recs,
		"Rescan the plugin whenever its source or manifest changes",
		"Grant the narrowest sandbox policy that lets the plugin work",
	)
	return recs
}

var markdownTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"verdict": func(safe bool) string {
		if safe {
			return "SAFE"
		}
		return "UNSAFE"
	},
	"caps": func(list []capability.Capability) string {
		if len(list) == 0 {
			return "none"
		}
		names := make([]string, len(list))
		for i, c := range list {
			names[i] = "`" + string(c) + "`"
		}
		return strings.Join(names, ", ")
	},
	"time": func(t time.Time) string {
		return t.UTC().Format(time.RFC3339)
	},
}).Parse(`# Security Report: {{ .PluginID }} {{ .Version }}

- Generated: {{ time .ScannedAt }}
- Artifact hash: ` + "`{{ .Hash }}`" + `
- Verdict: **{{ verdict .Safe }}**
- Declared capabilities: {{ caps .Declared }}
- Exercised capabilities: {{ caps .Exercised }}

## Summary

| Critical | High | Medium | Low |
|----------|------|--------|-----|
| {{ .Summary.Critical }} | {{ .Summary.High }} | {{ .Summary.Medium }} | {{ .Summary.Low }} |

## Findings
{{ if not .Findings }}
No findings.
{{ else }}{{ range .Findings }}
### [{{ .Severity }}] {{ .Rule }}

- Category: {{ .Category }}{{ if .Location }}
- Location: {{ .Location }}{{ end }}{{ if .Capability }}
- Capability: ` + "`{{ .Capability }}`" + `{{ end }}

{{ .Message }}
{{ end }}{{ end }}
## Recommendations
{{ range .Recommendations }}
- {{ . }}{{ end }}
`))

// Markdown renders the report for humans.
func (r *Report) Markdown() (string, error) {
	var buf bytes.Buffer
	if err := markdownTemplate.Execute(&buf, r); err != nil {
		return "", errors.Wrap(err, "failed to render report")
	}
	return buf.String(), nil
}
