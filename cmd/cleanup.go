package cmd

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/user/gosec-scan/pkg/container"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftover scanner containers and prune unused networks and volumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		n, err := container.Cleanup(ctx, rt, log)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Removed %d scanner container(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
