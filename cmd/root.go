package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/user/gosec-scan/pkg/config"
	"github.com/user/gosec-scan/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "gosec-scan",
	Short: "Container security scan orchestrator",
	Long: `gosec-scan discovers web-facing containers on local and remote hosts,
runs compliance, vulnerability, network and active web scanners against them
in disposable containers, and keeps one normalized report per tool and target.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initApp(cmd)
	},
}

var (
	cfgFile   string
	logLevel  string
	DebugMode bool

	appCfg *config.Config
	log    *logrus.Logger
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./gosec-scan.yaml or ~/.gosec-scan/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&DebugMode, "debug", false, "Enable debug logging")
}

func initApp(cmd *cobra.Command) error {
	cfg, err := config.Load(cfgFile)
	if errors.Is(err, fs.ErrNotExist) && cmd.Annotations["writes-config"] != "" {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if DebugMode {
		cfg.Log.Level = "debug"
		cfg.Log.Caller = true
	}

	switch cfg.Log.Level {
	case "debug":
		pterm.EnableDebugMessages()
	case "warn", "warning", "error", "fatal":
		pterm.DisableDebugMessages()
		pterm.Info = *pterm.Info.WithWriter(io.Discard)
	default:
		pterm.DisableDebugMessages()
	}

	l, err := logger.InitLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	appCfg = cfg
	log = l
	return nil
}
