package plugin

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"

	"github.com/cockroachdb/errors"
)

// Arguments decodes call.Args into the positional values passed to an entry point.
func (c Call) Arguments() ([]interface{}, error) {
	if len(bytes.TrimSpace(c.Args)) == 0 {
		if len(c.Params) == 0 {
			return nil, nil
		}
		return make([]interface{}, len(c.Params)), nil
	}

	if len(c.Params) == 0 {
		var v interface{}
		if err := json.Unmarshal(c.Args, &v); err != nil {
			return nil, errors.Wrap(err, "failed to decode arguments")
		}
		return []interface{}{v}, nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(c.Args, &fields); err != nil {
		return nil, errors.Wrap(err, "failed to decode arguments: expected an object")
	}
	out := make([]interface{}, len(c.Params))
	for i, p := range c.Params {
		out[i] = fields[p]
	}
	return out, nil
}

// encodeResult marshals an exported runtime value, mapping nil to JSON null.
func encodeResult(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode result")
	}
	return data, nil
}

// scriptEntryPoints is shared by the script runtimes. It exposes the entry
// points declared in the manifest that the source actually mentions.
type scriptEntryPoints struct {
	id      string
	entries map[string]struct{}
}

func newScriptEntryPoints(a *Artifact) scriptEntryPoints {
	e := scriptEntryPoints{id: a.Manifest.ID, entries: make(map[string]struct{})}
	for _, name := range a.Manifest.DeclaredEntryPoints() {
		pattern := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
		if pattern.Match(a.Source) {
			e.entries[name] = struct{}{}
		}
	}
	return e
}

func (e scriptEntryPoints) ID() string { return e.id }

func (e scriptEntryPoints) EntryPoints() []string {
	out := make([]string, 0, len(e.entries))
	for name := range e.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e scriptEntryPoints) HasEntryPoint(name string) bool {
	_, ok := e.entries[name]
	return ok
}
