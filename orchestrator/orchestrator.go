// Package orchestrator is the single entry point used by the user
// interfaces. It combines the tunnel registry with a backend that runs
// tunnels: the in-process supervisor on macOS and Windows, the
// privileged daemon on Linux.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/registry"
	"github.com/yllada/wirevault/stats"
	"github.com/yllada/wirevault/tunnel"
)

// Backend runs tunnels.
type Backend interface {
	Start(ctx context.Context, cfg *tunnel.Config) error
	Stop(ctx context.Context, id string) error
	// State returns the live state of id with current peer counters.
	State(ctx context.Context, id string) (tunnel.RuntimeState, error)
	List(ctx context.Context) ([]tunnel.RuntimeState, error)
	Subscribe(ctx context.Context, interval time.Duration) (Stream, error)
	Close() error
}

// Stream is a live stats subscription.
type Stream interface {
	Events() <-chan stats.Snapshot
	// Err reports why the event channel was closed, nil after Close.
	Err() error
	Close() error
}

// DaemonControl reports on the Linux daemon installation.
type DaemonControl interface {
	Status(ctx context.Context) (tunnel.DaemonStatus, error)
}

// Orchestrator implements the tunnel operations offered to the UI.
type Orchestrator struct {
	registry *registry.Registry
	backend  Backend
	daemon   DaemonControl
}

// New combines a registry and a backend. daemon may be nil on platforms
// without a daemon.
func New(reg *registry.Registry, backend Backend, daemon DaemonControl) *Orchestrator {
	return &Orchestrator{registry: reg, backend: backend, daemon: daemon}
}

// Close releases the backend. Tunnels keep running.
func (o *Orchestrator) Close() error {
	return o.backend.Close()
}

// GetAllTunnelConfigs lists the stored tunnels without key material.
func (o *Orchestrator) GetAllTunnelConfigs(ctx context.Context) ([]tunnel.Summary, error) {
	return o.registry.List()
}

// GetTunnelConfig returns the full stored document of id.
func (o *Orchestrator) GetTunnelConfig(ctx context.Context, id string) (*tunnel.Config, error) {
	return o.registry.Get(id)
}

// GetTunnelDetails merges the stored document with its live state.
func (o *Orchestrator) GetTunnelDetails(ctx context.Context, id string) (*tunnel.Details, error) {
	cfg, err := o.registry.Get(id)
	if err != nil {
		return nil, err
	}
	st, err := o.backend.State(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Name == "" {
		st.Name = cfg.Name
	}
	return &tunnel.Details{Config: cfg, State: st}, nil
}

// SaveTunnelConfig creates the tunnel when it has no id or is not stored
// yet, and updates it otherwise. It returns the id. Changes to a running
// tunnel apply on its next start.
func (o *Orchestrator) SaveTunnelConfig(ctx context.Context, cfg *tunnel.Config) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("%w: no configuration", common.ErrConfigInvalid)
	}
	if cfg.ID == "" || !o.registry.Exists(cfg.ID) {
		return o.registry.Create(cfg)
	}
	if err := o.registry.Update(cfg); err != nil {
		return "", err
	}
	return cfg.ID, nil
}

// DeleteTunnelConfig removes a stored tunnel. A tunnel that is not
// stopped cannot be deleted.
func (o *Orchestrator) DeleteTunnelConfig(ctx context.Context, id string) error {
	if !o.registry.Exists(id) {
		return fmt.Errorf("%w: tunnel %s", common.ErrNotFound, id)
	}
	st, err := o.backend.State(ctx, id)
	switch {
	case errors.Is(err, common.ErrDaemonUnavailable):
		common.LogWarn("Orchestrator: deleting %s without runtime check: %v", id, err)
	case err != nil:
		return err
	case st.Status.Active():
		return fmt.Errorf("%w: tunnel %s is %s", common.ErrConflict, id, st.Status)
	}
	return o.registry.Delete(id)
}

// StartTunnel starts a stored tunnel. Starting a running tunnel
// succeeds without a second process.
func (o *Orchestrator) StartTunnel(ctx context.Context, id string) error {
	cfg, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	common.LogInfo("Orchestrator: starting %s (%s)", cfg.Name, id)
	return o.backend.Start(ctx, cfg)
}

// StopTunnel stops a tunnel. Stopping a stopped tunnel succeeds.
func (o *Orchestrator) StopTunnel(ctx context.Context, id string) error {
	if !common.IsValidID(id) {
		return fmt.Errorf("%w: tunnel %q", common.ErrNotFound, id)
	}
	common.LogInfo("Orchestrator: stopping %s", id)
	return o.backend.Stop(ctx, id)
}

// RunningTunnels returns every tunnel that is not stopped.
func (o *Orchestrator) RunningTunnels(ctx context.Context) ([]tunnel.RuntimeState, error) {
	return o.backend.List(ctx)
}

// DaemonStatus reports the daemon installation. Platforms without a
// daemon report a zero status.
func (o *Orchestrator) DaemonStatus(ctx context.Context) (tunnel.DaemonStatus, error) {
	if o.daemon == nil {
		return tunnel.DaemonStatus{}, nil
	}
	return o.daemon.Status(ctx)
}

// Subscribe streams stats snapshots of every running tunnel.
func (o *Orchestrator) Subscribe(ctx context.Context, interval time.Duration) (Stream, error) {
	if interval <= 0 {
		interval = common.StatsInterval
	}
	return o.backend.Subscribe(ctx, interval)
}
