package cmd

import (
	"github.com/spf13/cobra"

	"github.com/user/gosec-scan/pkg/dashboard"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stored reports over the read-only dashboard API",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = appCfg.Dashboard.Addr
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return dashboard.New(st, log).Run(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}
