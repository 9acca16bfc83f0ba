package cmd

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/user/gosec-scan/pkg/discovery"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List the web-facing targets that a scan would cover",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		tolerate, _ := cmd.Flags().GetBool("tolerate-host-failures")

		ctx, stop := signalContext()
		defer stop()

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		hosts, err := inventoryHosts(rt, host)
		if err != nil {
			return err
		}
		d := discovery.New(appCfg.Discovery.WebPorts, log)
		targets, failures, err := d.DiscoverAll(ctx, hosts, tolerate || appCfg.Discovery.TolerateHostFailures)
		if err != nil {
			return err
		}
		for _, f := range failures {
			pterm.Warning.Println(f.Error())
		}
		if len(targets) == 0 {
			pterm.Info.Println("No web-facing targets found")
			return nil
		}

		data := pterm.TableData{{"ID", "Name", "Image", "Host", "Port", "Container Port", "Source"}}
		for _, t := range targets {
			data = append(data, []string{
				t.ID, t.DisplayName, t.ImageReference, t.HostAddress,
				strconv.Itoa(t.ExposedPort), strconv.Itoa(t.ContainerPort), t.Source,
			})
		}
		if err := pterm.DefaultTable.WithHasHeader(true).WithBoxed(false).WithData(data).Render(); err != nil {
			return fmt.Errorf("failed to render table: %w", err)
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().String("host", "", "Only query this inventory host")
	discoverCmd.Flags().Bool("tolerate-host-failures", false, "Report unreachable hosts as warnings")
	rootCmd.AddCommand(discoverCmd)
}
