// Package schema generates the JSON Schema for plugin manifests.
package schema

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/invopop/jsonschema"

	"github.com/codepal-dev/pluginhost/plugin"
)

const (
	schemaURI = "https://json-schema.org/draft/2020-12/schema"
	title     = "pluginhost plugin manifest"
)

// Generate produces a JSON Schema from the plugin.Manifest struct.
func Generate() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
	}

	s := r.Reflect(&plugin.Manifest{})
	s.Version = schemaURI
	s.Title = title

	return s
}

// GenerateJSON produces the schema as bytes, pretty-printed when indent is set.
func GenerateJSON(indent bool) ([]byte, error) {
	s := Generate()

	var (
		data []byte
		err  error
	)

	if indent {
		data, err = json.MarshalIndent(s, "", "  ")
	} else {
		data, err = json.Marshal(s)
	}

	if err != nil {
		return nil, errors.Wrap(err, "marshaling schema to JSON")
	}

	return append(data, '\n'), nil
}
