package daemon

import (
	"context"
	"os"
	"runtime"

	"github.com/kardianos/service"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/config"
)

// ServiceConfig describes the system service running `wirevault daemon run`.
func ServiceConfig(executable string) *service.Config {
	conf := &service.Config{
		Name:        common.DaemonServiceName,
		DisplayName: common.AppName + " Daemon",
		Description: "Privileged WireGuard tunnel manager for " + common.AppName,
		Executable:  executable,
		Arguments:   []string{"daemon", "run"},
		Option:      make(service.KeyValue),
		EnvVars:     make(map[string]string),
	}
	if runtime.GOOS == "linux" {
		conf.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		conf.Option["Restart"] = "on-failure"
		conf.EnvVars["SYSTEMD_UNIT"] = common.DaemonServiceName
	}
	return conf
}

// runner is the part of Daemon the service manager drives.
type runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Errors() <-chan error
}

// program adapts Daemon to the service manager.
type program struct {
	daemon runner
	ctx    context.Context
	cancel context.CancelFunc
	// exit ends the process after a fatal error; os.Exit outside tests.
	exit func(code int)
}

// Start must not block.
func (p *program) Start(service.Service) error {
	common.LogInfo("Daemon: service starting")
	if err := p.daemon.Start(p.ctx); err != nil {
		return err
	}
	go func() {
		select {
		case err := <-p.daemon.Errors():
			p.fail(err)
		case <-p.ctx.Done():
		}
	}()
	return nil
}

// fail stops the daemon and exits non-zero so the unit's restart policy
// applies.
func (p *program) fail(err error) {
	common.LogError("Daemon: %v", err)
	stopCtx, cancel := context.WithTimeout(context.Background(), common.StopTimeout)
	defer cancel()
	if stopErr := p.daemon.Stop(stopCtx); stopErr != nil {
		common.LogError("Daemon: failed to stop after fatal error: %v", stopErr)
	}
	p.cancel()
	_ = common.CloseLogger()
	p.exit(1)
}

func (p *program) Stop(service.Service) error {
	common.LogInfo("Daemon: service stopping")
	defer p.cancel()
	stopCtx, cancel := context.WithTimeout(context.Background(), common.StopTimeout)
	defer cancel()
	return p.daemon.Stop(stopCtx)
}

// RunService runs the daemon under the service manager, or in the
// foreground when started interactively.
func RunService(ctx context.Context, cfg *config.Config, version string) error {
	d, err := New(cfg, version)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prg := &program{daemon: d, ctx: ctx, cancel: cancel, exit: os.Exit}
	s, err := service.New(prg, ServiceConfig(common.DaemonInstallPath))
	if err != nil {
		return err
	}
	return s.Run()
}
