package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/codepal-dev/pluginhost/crypto"
	"github.com/codepal-dev/pluginhost/crypto/keystore"
	"github.com/codepal-dev/pluginhost/plugin"
)

var (
	signKey    string
	signOutput string
)

var signCmd = &cobra.Command{
	Use:   "sign <artifact>",
	Short: "Sign an artifact with a keystore key",
	Long: `Sign computes the artifact's content hash, signs it with the named key and
writes the signed artifact as JSON. Bundle directories are read and written
out as a single artifact file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		art, err := plugin.ReadArtifactFile(args[0])
		if err != nil {
			return err
		}
		ks, err := openKeystore()
		if err != nil {
			return err
		}
		if err := crypto.SignArtifact(&crypto.SignArtifactRequest{
			Artifact: art,
			Keystore: ks,
			KeyID:    keystore.KeyID(signKey),
		}); err != nil {
			return err
		}

		out := signOutput
		if out == "" {
			if info, err := os.Stat(args[0]); err == nil && info.IsDir() {
				return errors.New("--output is required when signing a bundle directory")
			}
			out = args[0]
		}
		if err := plugin.WriteArtifactFile(out, art); err != nil {
			return err
		}
		fmt.Printf("Signed %s %s with %s: %s\n", art.Manifest.ID, art.Manifest.Version, signKey, out)
		return nil
	},
}

func init() {
	signCmd.Flags().StringVarP(&signKey, "key", "k", "", "Signing key id (required)")
	signCmd.Flags().StringVarP(&signOutput, "output", "o", "", "Output artifact file (default: overwrite input)")
	_ = signCmd.MarkFlagRequired("key")
}
