package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/codepal-dev/pluginhost/crypto"
	"github.com/codepal-dev/pluginhost/crypto/keystore"
)

var keysPublicOut string

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage artifact signing keys",
	Long: `Manage the ed25519 keys used to sign plugin artifacts.

Keys live in the configured keystore (keystore.backend). Private keys never
leave it; only public keys are exported, as PEM, for the scanner's trusted
keys directory.`,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate <key-id>",
	Short: "Create a new signing key",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ks, err := openKeystore()
		if err != nil {
			return err
		}
		pub, err := ks.Generate(keystore.KeyID(args[0]))
		if err != nil {
			return err
		}
		pemBytes, err := crypto.EncodePublicKey(pub)
		if err != nil {
			return err
		}
		if keysPublicOut == "" {
			_, err = os.Stdout.Write(pemBytes)
			return err
		}
		if err := os.WriteFile(keysPublicOut, pemBytes, 0o644); err != nil {
			return errors.Wrapf(err, "writing public key to %s", keysPublicOut)
		}
		fmt.Printf("Generated %s, public key written to %s\n", args[0], keysPublicOut)
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored key ids",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ks, err := openKeystore()
		if err != nil {
			return err
		}
		ids, err := ks.ListKeys()
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(ids)
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var keysExportCmd = &cobra.Command{
	Use:   "export <key-id>",
	Short: "Print the public key as PEM",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ks, err := openKeystore()
		if err != nil {
			return err
		}
		pub, err := ks.PublicKey(keystore.KeyID(args[0]))
		if err != nil {
			return err
		}
		pemBytes, err := crypto.EncodePublicKey(pub)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(pemBytes)
		return err
	},
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <key-id>",
	Short: "Remove a key from the keystore",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		ks, err := openKeystore()
		if err != nil {
			return err
		}
		return ks.Delete(keystore.KeyID(args[0]))
	},
}

func init() {
	keysGenerateCmd.Flags().StringVar(&keysPublicOut, "public-out", "", "Write the public key PEM to a file")
	keysCmd.AddCommand(keysGenerateCmd, keysListCmd, keysExportCmd, keysDeleteCmd)
}
