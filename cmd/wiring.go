package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/user/gosec-scan/pkg/config"
	"github.com/user/gosec-scan/pkg/container"
	"github.com/user/gosec-scan/pkg/discovery"
	"github.com/user/gosec-scan/pkg/engine"
	"github.com/user/gosec-scan/pkg/store"
)

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openRuntime() (*container.Docker, error) {
	return container.NewDocker(appCfg.Runtime.Host, appCfg.Runtime.APIVersion)
}

// inventoryHosts builds the hosts to query. The local runtime is only
// needed when local discovery is enabled.
func inventoryHosts(rt container.Runtime, only string) ([]discovery.Host, error) {
	return discovery.HostsFromConfig(appCfg, rt, only, log)
}

func openStore() (*store.Store, error) {
	return store.New(appCfg.Store.Dir, log)
}

func selectedKinds(names []string) ([]engine.ToolKind, error) {
	if len(names) == 0 {
		return appCfg.ToolKinds()
	}
	return config.ParseKinds(names)
}
