package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codepal-dev/pluginhost/api"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the plugin API over HTTP",
	Long: `Serve restores stored plugins and exposes the lifecycle, dispatch and
report operations over HTTP until interrupted.

Every API call must carry an X-User-ID header set by the upstream
authenticator.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		addr := a.cfg.API.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		router := api.NewRouter(api.NewHandler(a.manager, a.log), a.cfg.API.Mode)
		return api.NewServer(addr, router, a.log).Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides api.addr)")
}
