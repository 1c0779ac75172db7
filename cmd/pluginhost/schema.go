package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/codepal-dev/pluginhost/schema"
)

var (
	schemaOutput  string
	schemaCompact bool
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema for plugin manifests",
	Long: `Generate a JSON Schema for manifest.json, suitable for editor validation
and autocompletion.

Examples:
  pluginhost schema                          # Print to stdout
  pluginhost schema --output manifest.schema.json
  pluginhost schema --compact                # Minified output`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		data, err := schema.GenerateJSON(!schemaCompact)
		if err != nil {
			return err
		}
		if schemaOutput == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(schemaOutput, data, 0o644); err != nil {
			return errors.Wrapf(err, "writing schema to %s", schemaOutput)
		}
		fmt.Fprintf(os.Stderr, "Schema written to %s\n", schemaOutput)
		return nil
	},
}

func init() {
	schemaCmd.Flags().StringVarP(&schemaOutput, "output", "o", "", "Write the schema to a file instead of stdout")
	schemaCmd.Flags().BoolVar(&schemaCompact, "compact", false, "Minify the output")
}
