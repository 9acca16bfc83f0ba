package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/gosec-scan/pkg/config"
)

var setupCmd = &cobra.Command{
	Use:         "setup",
	Short:       "Interactive wizard adding an SSH inventory host",
	Annotations: writesConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		scanner := bufio.NewScanner(os.Stdin)
		ask := func(prompt, def string) string {
			if def != "" {
				fmt.Printf("%s [%s] > ", prompt, def)
			} else {
				fmt.Printf("%s > ", prompt)
			}
			if !scanner.Scan() {
				return def
			}
			if v := strings.TrimSpace(scanner.Text()); v != "" {
				return v
			}
			return def
		}

		fmt.Println("gosec-scan Host Setup")
		fmt.Println("---------------------------------")

		// 1. Where the host is
		fmt.Println("Step 1: Host")
		var h config.HostConfig
		h.Address = ask("Address", "")
		if h.Address == "" {
			fmt.Println("Address cannot be empty. Aborting.")
			return nil
		}
		h.Name = ask("Name", h.Address)
		port, err := strconv.Atoi(ask("SSH port", "22"))
		if err != nil || port < 1 || port > 65535 {
			fmt.Println("Invalid port. Using 22.")
			port = 22
		}
		h.Port = port

		// 2. How to log in
		fmt.Println("\nStep 2: Credentials")
		h.User = ask("User", "root")
		fmt.Println("1. Private key")
		fmt.Println("2. Password")
		switch strings.ToLower(ask("Enter number or name", "1")) {
		case "1", "key":
			home, _ := os.UserHomeDir()
			h.KeyFile = ask("Key file", home+"/.ssh/id_ed25519")
		case "2", "password":
			h.Password = ask("Password", "")
		default:
			fmt.Println("Invalid choice. Aborting.")
			return nil
		}

		// 3. Host key verification
		fmt.Println("\nStep 3: Host key verification")
		home, _ := os.UserHomeDir()
		h.KnownHosts = ask("known_hosts file ('none' skips verification)", home+"/.ssh/known_hosts")
		if strings.EqualFold(h.KnownHosts, "none") {
			h.KnownHosts = ""
		}
		h.Timeout = 10 * time.Second

		// 4. Save
		fmt.Println("\nStep 4: Saving Configuration...")
		if err := saveHost(h); err != nil {
			return err
		}
		fmt.Println("---------------------------------")
		fmt.Println("Setup Complete!")
		fmt.Printf("You can now run 'gosec-scan discover --host %s'\n", h.Name)
		return nil
	},
}

func init() {
	configCmd.AddCommand(setupCmd)
}
