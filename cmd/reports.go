package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/user/gosec-scan/pkg/engine"
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Read stored scan reports",
}

var listReportsCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		reports, err := st.List()
		if err != nil {
			return err
		}
		if len(reports) == 0 {
			pterm.Info.Printf("No reports in %s\n", st.Dir())
			return nil
		}

		header := []string{"Tool", "Target", "Status"}
		for _, s := range engine.Severities() {
			header = append(header, string(s))
		}
		header = append(header, "Saved")
		data := pterm.TableData{header}
		for _, rep := range reports {
			counts := rep.Counts()
			row := []string{string(rep.ToolKind), rep.TargetID, string(rep.Status)}
			for _, s := range engine.Severities() {
				row = append(row, strconv.Itoa(counts[s]))
			}
			row = append(row, rep.SavedAt.Local().Format("2006-01-02 15:04:05"))
			data = append(data, row)
		}
		return pterm.DefaultTable.WithHasHeader(true).WithBoxed(false).WithData(data).Render()
	},
}

var showReportCmd = &cobra.Command{
	Use:   "show <tool> <target>",
	Short: "Print one report as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := engine.ParseToolKind(args[0])
		if err != nil {
			return err
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		rep, err := st.Load(kind, args[1])
		if err != nil {
			return err
		}
		raw, _ := cmd.Flags().GetBool("raw")
		if !raw {
			rep.Raw = ""
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

var summaryReportCmd = &cobra.Command{
	Use:   "summary <tool> <target>",
	Short: "Print severity counts of one report",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := engine.ParseToolKind(args[0])
		if err != nil {
			return err
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		counts, err := st.Summary(kind, args[1])
		if err != nil {
			return err
		}
		data := pterm.TableData{{"Severity", "Count"}}
		total := 0
		for _, s := range engine.Severities() {
			data = append(data, []string{string(s), strconv.Itoa(counts[s])})
			total += counts[s]
		}
		if err := pterm.DefaultTable.WithHasHeader(true).WithBoxed(false).WithData(data).Render(); err != nil {
			return err
		}
		fmt.Printf("Total: %d\n", total)
		return nil
	},
}

func init() {
	showReportCmd.Flags().Bool("raw", false, "Include the raw tool output")

	reportsCmd.AddCommand(listReportsCmd)
	reportsCmd.AddCommand(showReportCmd)
	reportsCmd.AddCommand(summaryReportCmd)
	rootCmd.AddCommand(reportsCmd)
}
