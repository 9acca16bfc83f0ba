package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/user/gosec-scan/pkg/container"
	"github.com/user/gosec-scan/pkg/discovery"
	"github.com/user/gosec-scan/pkg/engine"
	"github.com/user/gosec-scan/pkg/normalizer"
	"github.com/user/gosec-scan/pkg/orchestrator"
	"github.com/user/gosec-scan/pkg/portalloc"
	"github.com/user/gosec-scan/pkg/wrappers"
)

var errRunAborted = errors.New("scan run aborted during discovery")

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover targets and run the selected scanners against them",
	RunE: func(cmd *cobra.Command, args []string) error {
		tools, _ := cmd.Flags().GetStringSlice("tools")
		host, _ := cmd.Flags().GetString("host")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		tolerate, _ := cmd.Flags().GetBool("tolerate-host-failures")

		kinds, err := selectedKinds(tools)
		if err != nil {
			return err
		}

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
		st, err := openStore()
		if err != nil {
			return err
		}

		exec := container.NewExecutor(rt, appCfg.Scan.LaunchLimit, appCfg.Scan.GracePeriod, log)
		registry, err := wrappers.NewRegistry(appCfg, exec, portalloc.New(log), log)
		if err != nil {
			return err
		}

		opts := orchestrator.OptionsFromConfig(appCfg.Scan)
		if concurrency > 0 {
			opts.Concurrency = concurrency
		}
		opts.Timeout = timeout
		opts.OnFinish = func(job *engine.ScanJob) {
			switch job.State {
			case engine.StateSucceeded:
				pterm.Success.Printf("%s on %s\n", job.Kind, job.Target)
			case engine.StateTimedOut:
				pterm.Warning.Printf("%s on %s timed out\n", job.Kind, job.Target)
			default:
				pterm.Error.Printf("%s on %s: %v\n", job.Kind, job.Target, job.Err)
			}
		}

		orch := orchestrator.New(registry, normalizer.New(log), st, opts, log)
		d := discovery.New(appCfg.Discovery.WebPorts, log)

		pterm.Info.Printf("Scanning with %d tool(s) across %d host(s)\n", len(kinds), len(hosts))
		_, summary := orch.Run(ctx, d, hosts, kinds, tolerate || appCfg.Discovery.TolerateHostFailures)

		if summary.Aborted() {
			fmt.Print(summary.Render())
			return errRunAborted
		}
		return printSummary(summary)
	},
}

func printSummary(summary *engine.RunSummary) error {
	outcomes := summary.Outcomes()
	if len(outcomes) == 0 {
		pterm.Info.Println("No web-facing targets found, nothing scanned")
	} else {
		data := pterm.TableData{{"Tool", "Target", "State", "Attempts", "Findings", "Duration"}}
		for _, o := range outcomes {
			data = append(data, []string{
				string(o.Kind),
				o.TargetID,
				string(o.State),
				strconv.Itoa(o.Attempts),
				strconv.Itoa(o.Findings),
				o.Duration.Round(time.Second).String(),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader(true).WithBoxed(false).WithData(data).Render(); err != nil {
			return fmt.Errorf("failed to render table: %w", err)
		}
	}

	for _, err := range summary.DiscoveryErrors() {
		pterm.Warning.Printf("Discovery: %v\n", err)
	}
	for _, err := range summary.Errors() {
		pterm.Debug.Println(err.Error())
	}

	counts := summary.Counts()
	pterm.Info.Printf("%d succeeded, %d failed, %d timed out\n",
		counts[engine.StateSucceeded], counts[engine.StateFailed], counts[engine.StateTimedOut])
	return nil
}

func init() {
	scanCmd.Flags().StringSliceP("tools", "t", nil, "Tool kinds to run (compliance_bench, vulnerability, network_map, active_web)")
	scanCmd.Flags().String("host", "", "Only scan this inventory host (name or address, 'local' for the local runtime)")
	scanCmd.Flags().IntP("concurrency", "c", 0, "Maximum concurrent jobs (default from config)")
	scanCmd.Flags().Duration("timeout", 0, "Per-job timeout overriding every tool's own timeout")
	scanCmd.Flags().Bool("tolerate-host-failures", false, "Keep scanning healthy hosts when some hosts cannot be listed")
	rootCmd.AddCommand(scanCmd)
}
