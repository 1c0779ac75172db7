package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/codepal-dev/pluginhost/manager"
	"github.com/codepal-dev/pluginhost/plugin"
	"github.com/codepal-dev/pluginhost/sandbox"
	"github.com/codepal-dev/pluginhost/scanner"
)

var installCmd = &cobra.Command{
	Use:   "install <artifact>",
	Short: "Scan and install a plugin artifact",
	Long: `Install reads an artifact JSON file or a bundle directory, scans it and
records it as Approved or Rejected. Approved plugins must be activated before
they receive hook invocations.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		art, err := plugin.ReadArtifactFile(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.manager.Install(actorContext(cmd), art)
		if err != nil {
			return err
		}
		return printInfo(info)
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade <artifact>",
	Short: "Replace an installed plugin with a newer version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		art, err := plugin.ReadArtifactFile(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.manager.Upgrade(actorContext(cmd), art)
		if err != nil {
			return err
		}
		return printInfo(info)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan <artifact>",
	Short: "Scan an artifact without installing it",
	Long: `Scan runs the security scanner on an artifact and prints its report as
Markdown, or as JSON with --json. The exit status is non-zero when the
artifact is not safe.`,
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

		report, err := a.scanner.Scan(cmd.Context(), nil, art)
		if err != nil {
			return err
		}
		if err := printReport(report); err != nil {
			return err
		}
		if !report.Safe {
			return errors.Newf("%s is not safe: %d critical, %d high",
				art.Manifest.ID, report.Summary.Critical, report.Summary.High)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		infos := a.manager.List()
		if outputJSON {
			return printJSON(infos)
		}
		if len(infos) == 0 {
			fmt.Println("No plugins installed")
			return nil
		}

		t := tablewriter.NewTable(os.Stdout,
			tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
				Symbols: tw.NewSymbols(tw.StyleRounded),
			})),
			tablewriter.WithPadding(tw.Padding{Left: " ", Right: " "}),
		)
		t.Header([]string{"ID", "Version", "Runtime", "State", "Trust", "Hooks", "Capabilities", "Updated"})
		for _, info := range infos {
			d := info.Descriptor
			_ = t.Append([]string{
				d.ID,
				d.Version,
				d.Runtime,
				info.State.String(),
				d.Trust.String(),
				strings.Join(d.Hooks, ", "),
				strings.Join(d.Capabilities.Strings(), ", "),
				humanize.Time(info.UpdatedAt),
			})
		}
		return t.Render()
	},
}

func transitionCmd(use, short string, op func(*manager.Manager, *cobra.Command, string) (manager.Info, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <plugin-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := op(a.manager, cmd, args[0])
			if err != nil {
				return err
			}
			return printInfo(info)
		},
	}
}

var activateCmd = transitionCmd("activate", "Activate an approved or suspended plugin",
	func(m *manager.Manager, cmd *cobra.Command, id string) (manager.Info, error) {
		return m.Activate(actorContext(cmd), id)
	})

var suspendCmd = transitionCmd("suspend", "Suspend an active plugin",
	func(m *manager.Manager, cmd *cobra.Command, id string) (manager.Info, error) {
		return m.Suspend(actorContext(cmd), id)
	})

var uninstallCmd = transitionCmd("uninstall", "Remove a plugin and its bindings",
	func(m *manager.Manager, cmd *cobra.Command, id string) (manager.Info, error) {
		return m.Uninstall(actorContext(cmd), id)
	})

var revokeReason string

var revokeCmd = transitionCmd("revoke", "Withdraw trust from a plugin",
	func(m *manager.Manager, cmd *cobra.Command, id string) (manager.Info, error) {
		if revokeReason == "" {
			return manager.Info{}, errors.New("--reason is required")
		}
		return m.Revoke(actorContext(cmd), id, revokeReason)
	})

var reportCmd = &cobra.Command{
	Use:   "report <plugin-id>",
	Short: "Print the last scan report of an installed plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.manager.Report(args[0])
		if err != nil {
			return err
		}
		return printReport(report)
	},
}

var dispatchPayload string

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <hook>",
	Short: "Invoke every active plugin bound to a hook",
	Long: `Dispatch sends a JSON payload to every active plugin bound to the hook
and prints one result per plugin in registration order. Use --payload @file
to read the payload from a file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(dispatchPayload)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		results, err := a.manager.Dispatch(cmd.Context(), args[0], payload)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(results)
		}
		for _, r := range results {
			printResult(r)
		}
		return nil
	},
}

func init() {
	revokeCmd.Flags().StringVar(&revokeReason, "reason", "", "Why the plugin is revoked (required)")
	dispatchCmd.Flags().StringVarP(&dispatchPayload, "payload", "p", "{}", "JSON payload, or @path to read it from a file")
}

// actorContext tags lifecycle events with the local user.
func actorContext(cmd *cobra.Command) context.Context {
	actor := os.Getenv("USER")
	if actor == "" {
		actor = "cli"
	}
	return manager.WithActor(cmd.Context(), actor)
}

func readPayload(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		data, err = os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, errors.Wrap(err, "failed to read payload file")
		}
	}
	if !json.Valid(data) {
		return nil, errors.New("payload must be valid JSON")
	}
	return json.RawMessage(data), nil
}

func printReport(r *scanner.Report) error {
	if outputJSON {
		return printJSON(r)
	}
	md, err := r.Markdown()
	if err != nil {
		return err
	}
	fmt.Print(md)
	return nil
}

func printResult(r sandbox.Result) {
	fmt.Printf("%s #%d %s: %s (%s, %d host calls)\n",
		r.PluginID, r.Order, r.Entry, r.Outcome, r.Elapsed.Round(1e6), r.Usage.HostCalls)
	if r.OK() && len(r.Outcome.Value) > 0 {
		fmt.Printf("  %s\n", r.Outcome.Value)
	}
}
