package orchestrator

import (
	"context"
	"time"

	"github.com/yllada/wirevault/stats"
	"github.com/yllada/wirevault/supervisor"
	"github.com/yllada/wirevault/tunnel"
)

// LocalBackend runs tunnels in this process.
type LocalBackend struct {
	sup *supervisor.Supervisor
}

// NewLocalBackend wraps a supervisor that has been restored.
func NewLocalBackend(sup *supervisor.Supervisor) *LocalBackend {
	return &LocalBackend{sup: sup}
}

func (b *LocalBackend) Start(ctx context.Context, cfg *tunnel.Config) error {
	return b.sup.Start(ctx, cfg)
}

func (b *LocalBackend) Stop(ctx context.Context, id string) error {
	return b.sup.Stop(ctx, id)
}

func (b *LocalBackend) State(ctx context.Context, id string) (tunnel.RuntimeState, error) {
	st := b.sup.State(id)
	if st.Status == tunnel.StatusRunning {
		b.sup.Sample(ctx)
		st = b.sup.State(id)
	}
	return st, nil
}

func (b *LocalBackend) List(context.Context) ([]tunnel.RuntimeState, error) {
	return b.sup.List(), nil
}

// Subscribe polls the supervisor directly.
func (b *LocalBackend) Subscribe(_ context.Context, interval time.Duration) (Stream, error) {
	c := stats.NewCollector(b.sup, interval)
	c.Start()
	return &collectorStream{c: c}, nil
}

// Close stops background maintenance; tunnels keep running and are
// adopted again on the next start of the application.
func (b *LocalBackend) Close() error {
	b.sup.Shutdown()
	return nil
}

type collectorStream struct {
	c *stats.Collector
}

func (s *collectorStream) Events() <-chan stats.Snapshot {
	return s.c.Events()
}

func (s *collectorStream) Err() error {
	return nil
}

func (s *collectorStream) Close() error {
	s.c.Stop()
	return nil
}
