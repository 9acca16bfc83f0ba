package discovery

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/user/gosec-scan/pkg/config"
	"github.com/user/gosec-scan/pkg/container"
)

// LocalHostName names the local runtime in host selections
const LocalHostName = "local"

// HostsFromConfig builds the inventories to query. When only is set, just
// the host with that name (or LocalHostName) is returned.
func HostsFromConfig(cfg *config.Config, rt container.Runtime, only string, log logrus.FieldLogger) ([]Host, error) {
	var hosts []Host
	if cfg.Discovery.Local && rt != nil && (only == "" || only == LocalHostName) {
		hosts = append(hosts, Host{
			Name:      LocalHostName,
			Address:   cfg.Discovery.LocalAddress,
			Inventory: NewRuntimeInventory(rt),
		})
	}
	for _, h := range cfg.Discovery.Hosts {
		if only != "" && only != h.Name && only != h.Address {
			continue
		}
		name := h.Name
		if name == "" {
			name = h.Address
		}
		hosts = append(hosts, Host{Name: name, Address: h.Address, Inventory: NewSSHInventory(h, log)})
	}
	if len(hosts) == 0 {
		if only != "" {
			return nil, fmt.Errorf("unknown host %q", only)
		}
		return nil, fmt.Errorf("no inventory hosts configured")
	}
	return hosts, nil
}
