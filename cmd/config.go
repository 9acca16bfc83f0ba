package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/user/gosec-scan/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration (inventory hosts, tools, storage)",
}

// configPath is where config writes go: --config when given, else the
// per-user file
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.GetConfigPath()
}

// writesConfig marks commands that may run before the --config file exists
var writesConfig = map[string]string{"writes-config": "true"}

var initConfigCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write the default configuration",
	Annotations: writesConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := config.SaveConfig(config.Default(), path); err != nil {
			return fmt.Errorf("error saving config: %w", err)
		}
		fmt.Printf("Default configuration written to %s\n", path)
		return nil
	},
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *appCfg
		shown.Discovery.Hosts = make([]config.HostConfig, len(appCfg.Discovery.Hosts))
		for i, h := range appCfg.Discovery.Hosts {
			if h.Password != "" {
				h.Password = "********"
			}
			shown.Discovery.Hosts[i] = h
		}
		out, err := yaml.Marshal(&shown)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

var addHostCmd = &cobra.Command{
	Use:         "add-host",
	Short:       "Add or replace an SSH inventory host",
	Annotations: writesConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		var h config.HostConfig
		h.Name, _ = cmd.Flags().GetString("name")
		h.Address, _ = cmd.Flags().GetString("address")
		h.Port, _ = cmd.Flags().GetInt("port")
		h.User, _ = cmd.Flags().GetString("user")
		h.KeyFile, _ = cmd.Flags().GetString("key-file")
		h.KnownHosts, _ = cmd.Flags().GetString("known-hosts")
		h.Timeout, _ = cmd.Flags().GetDuration("timeout")

		if h.Address == "" || h.User == "" {
			return errors.New("--address and --user are required")
		}
		if h.Name == "" {
			h.Name = h.Address
		}
		return saveHost(h)
	},
}

func saveHost(h config.HostConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	cfg := appCfg
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.AddHost(h)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.SaveConfig(cfg, path); err != nil {
		return fmt.Errorf("error saving config: %w", err)
	}
	fmt.Printf("Host %s (%s@%s) saved to %s\n", h.Name, h.User, h.Address, path)
	return nil
}

func init() {
	initConfigCmd.Flags().Bool("force", false, "Overwrite an existing file")

	addHostCmd.Flags().String("name", "", "Host name used in reports and --host (default: address)")
	addHostCmd.Flags().String("address", "", "Host address")
	addHostCmd.Flags().Int("port", 22, "SSH port")
	addHostCmd.Flags().StringP("user", "u", "", "SSH user")
	addHostCmd.Flags().StringP("key-file", "i", "", "Private key file")
	addHostCmd.Flags().String("known-hosts", "", "known_hosts file for host key verification")
	addHostCmd.Flags().Duration("timeout", 0, "Connection timeout")

	configCmd.AddCommand(initConfigCmd)
	configCmd.AddCommand(showConfigCmd)
	configCmd.AddCommand(addHostCmd)
	rootCmd.AddCommand(configCmd)
}
