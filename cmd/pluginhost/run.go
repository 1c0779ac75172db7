package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codepal-dev/pluginhost/capability"
	"github.com/codepal-dev/pluginhost/executor"
	"github.com/codepal-dev/pluginhost/plugin"
)

var (
	runHook    string
	runPayload string
	runVerify  bool
	runGrant   []string
)

var runCmd = &cobra.Command{
	Use:   "run <artifact>",
	Short: "Run one hook of an artifact without installing it",
	Long: `Run loads an artifact and invokes a single hook once under the configured
sandbox policy. The declared capabilities are granted, plus any named with
--grant. Nothing is stored and no scan is performed.

With --verify the signature is checked against the trusted keys first.
When --payload is omitted the hook's sample payload is used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		art, err := plugin.ReadArtifactFile(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		req := &executor.ExecutePluginRequest{
			Artifact: art,
			Hook:     runHook,
			Specs:    a.registry,
			Executor: a.executor,
			Loaders:  a.loaders,
		}
		if runPayload != "" {
			if req.Payload, err = readPayload(runPayload); err != nil {
				return err
			}
		}
		if runVerify {
			req.Verifier = a.verifier
		}

		declared, err := capability.ParseSet(art.Manifest.Capabilities)
		if err != nil {
			return err
		}
		extra, err := capability.ParseSet(runGrant)
		if err != nil {
			return err
		}
		policy, err := a.cfg.Sandbox.Policy()
		if err != nil {
			return err
		}
		caps := policy.AllowedCapabilities.Clone()
		for c := range declared {
			caps[c] = struct{}{}
		}
		for c := range extra {
			caps[c] = struct{}{}
		}
		policy = policy.WithCapabilities(caps)
		req.Policy = &policy

		res, err := executor.ExecutePlugin(cmd.Context(), req)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(res)
		}
		fmt.Printf("%s %s (%s)\n", res.PluginID, res.Version, res.Runtime)
		fmt.Printf("  artifact %s\n  payload  %s\n", res.Hashes.ArtifactHash, res.Hashes.PayloadHash)
		if res.KeyID != "" {
			fmt.Printf("  signed by %s\n", res.KeyID)
		}
		printResult(res.Result)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runHook, "hook", "", "Hook to invoke (required)")
	runCmd.Flags().StringVarP(&runPayload, "payload", "p", "", "JSON payload, or @path to read it from a file")
	runCmd.Flags().BoolVar(&runVerify, "verify", false, "Require a valid signature from a trusted key")
	runCmd.Flags().StringSliceVar(&runGrant, "grant", nil, "Extra capabilities to grant")
	_ = runCmd.MarkFlagRequired("hook")
}
