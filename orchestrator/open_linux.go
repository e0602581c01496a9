//go:build linux

package orchestrator

import (
	"github.com/yllada/wirevault/client"
	"github.com/yllada/wirevault/config"
	"github.com/yllada/wirevault/daemonctl"
	"github.com/yllada/wirevault/registry"
)

// Open builds the orchestrator for this platform: on Linux every tunnel
// operation goes to the privileged daemon.
func Open(cfg *config.Config, version string) (*Orchestrator, error) {
	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(dataDir)
	if err != nil {
		return nil, err
	}
	c := client.New(cfg.DaemonSocket)
	mgr := daemonctl.NewManager(version, daemonctl.Options{Pinger: c})
	return New(reg, NewDaemonBackend(c), mgr), nil
}
