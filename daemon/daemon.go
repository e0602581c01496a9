package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/config"
	"github.com/yllada/wirevault/executor"
	"github.com/yllada/wirevault/supervisor"
	"github.com/yllada/wirevault/tunnel"
	"github.com/yllada/wirevault/uapi"
)

// Daemon ties the supervisor, the IPC server and the metrics endpoint
// together.
type Daemon struct {
	cfg     *config.Config
	sup     *supervisor.Supervisor
	srv     *Server
	metrics *Metrics

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	errCh   chan error
}

// New builds a daemon around the platform executor.
func New(cfg *config.Config, version string) (*Daemon, error) {
	exec, err := executor.New(executor.Options{
		WireGuardGoPath: cfg.WireGuardGoPath,
		Resolver:        uapi.DefaultResolver,
	})
	if err != nil {
		return nil, err
	}
	return NewWithExecutor(cfg, version, exec), nil
}

// NewWithExecutor builds a daemon around exec.
func NewWithExecutor(cfg *config.Config, version string, exec executor.Executor) *Daemon {
	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = common.DaemonStateDir
	}
	opts := supervisor.DefaultOptions()
	opts.StateDir = stateDir
	opts.StartTimeout = cfg.StartTimeout
	opts.EndpointRefresh = cfg.EndpointRefresh
	opts.OnChange = func(st tunnel.RuntimeState) {
		common.LogInfo("Daemon: tunnel %s is %s", st.ID, st.Status)
	}
	sup := supervisor.New(exec, opts)

	var metrics *Metrics
	if cfg.MetricsListen != "" {
		metrics = NewMetrics(sup)
	}

	srv := NewServer(sup, ServerOptions{
		SocketPath:  cfg.DaemonSocket,
		SocketGroup: cfg.SocketGroup,
		AllowedUIDs: cfg.AllowedUIDs,
		Version:     version,
		Metrics:     metrics,
	})

	return &Daemon{
		cfg:     cfg,
		sup:     sup,
		srv:     srv,
		metrics: metrics,
		errCh:   make(chan error, 2),
	}
}

// Start restores tunnels from the previous run and begins serving. It
// does not block.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}

	if err := d.sup.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore tunnels: %w", err)
	}
	if err := d.srv.Listen(); err != nil {
		d.sup.Shutdown()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.started = true

	go func() {
		if err := d.srv.Serve(); err != nil {
			d.errCh <- fmt.Errorf("ipc server: %w", err)
		}
	}()
	if d.metrics != nil {
		go func() {
			if err := d.metrics.Serve(runCtx, d.cfg.MetricsListen); err != nil {
				common.LogError("Daemon: metrics endpoint failed: %v", err)
			}
		}()
	}

	common.LogInfo("Daemon: started")
	return nil
}

// Errors reports fatal serving errors.
func (d *Daemon) Errors() <-chan error {
	return d.errCh
}

// Stop ends serving and persists runtime handles. Tunnels keep running
// and are adopted by the next start.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false

	var result *multierror.Error
	if err := d.srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		result = multierror.Append(result, fmt.Errorf("ipc server: %w", err))
	}
	d.cancel()
	d.sup.Shutdown()
	common.LogInfo("Daemon: stopped")
	return result.ErrorOrNil()
}

// Run starts the daemon and blocks until ctx ends or serving fails.
func Run(ctx context.Context, cfg *config.Config, version string) error {
	d, err := New(cfg, version)
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-d.Errors():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), common.StopTimeout)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		runErr = multierror.Append(runErr, err)
	}
	return runErr
}
