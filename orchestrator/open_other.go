//go:build !linux

package orchestrator

import (
	"context"
	"path/filepath"

	"github.com/yllada/wirevault/config"
	"github.com/yllada/wirevault/elevation"
	"github.com/yllada/wirevault/executor"
	"github.com/yllada/wirevault/registry"
	"github.com/yllada/wirevault/supervisor"
	"github.com/yllada/wirevault/uapi"
)

// Open builds the orchestrator for this platform: tunnels run under an
// in-process supervisor, re-adopting those left by a previous session.
func Open(cfg *config.Config, version string) (*Orchestrator, error) {
	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(dataDir)
	if err != nil {
		return nil, err
	}

	exec, err := executor.New(executor.Options{
		WireGuardGoPath: cfg.WireGuardGoPath,
		Resolver:        uapi.DefaultResolver,
		Elevator:        elevation.NewOsascript(),
		ConfDir:         filepath.Join(dataDir, "windows"),
	})
	if err != nil {
		return nil, err
	}

	opts := supervisor.DefaultOptions()
	opts.StateDir = cfg.StateDir
	if opts.StateDir == "" {
		opts.StateDir = filepath.Join(dataDir, "runtime")
	}
	opts.StartTimeout = cfg.StartTimeout
	opts.EndpointRefresh = cfg.EndpointRefresh
	sup := supervisor.New(exec, opts)
	if err := sup.Restore(context.Background()); err != nil {
		return nil, err
	}
	return New(reg, NewLocalBackend(sup), nil), nil
}
