package orchestrator

import (
	"context"
	"time"

	"github.com/yllada/wirevault/client"
	"github.com/yllada/wirevault/tunnel"
)

// DaemonBackend forwards every operation to the Linux daemon.
type DaemonBackend struct {
	client *client.Client
}

// NewDaemonBackend wraps a daemon client.
func NewDaemonBackend(c *client.Client) *DaemonBackend {
	return &DaemonBackend{client: c}
}

func (b *DaemonBackend) Start(ctx context.Context, cfg *tunnel.Config) error {
	return b.client.StartTunnel(ctx, cfg)
}

func (b *DaemonBackend) Stop(ctx context.Context, id string) error {
	return b.client.StopTunnel(ctx, id)
}

func (b *DaemonBackend) State(ctx context.Context, id string) (tunnel.RuntimeState, error) {
	return b.client.TunnelDetail(ctx, id)
}

func (b *DaemonBackend) List(ctx context.Context) ([]tunnel.RuntimeState, error) {
	return b.client.ListTunnels(ctx)
}

func (b *DaemonBackend) Subscribe(ctx context.Context, interval time.Duration) (Stream, error) {
	sub, err := b.client.Subscribe(ctx, interval)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *DaemonBackend) Close() error {
	return b.client.Close()
}
