//go:build windows

package executor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/tunnel"
	"github.com/yllada/wirevault/uapi"
)

type windowsExecutor struct {
	opts    Options
	locator Locator
}

// New returns the Windows executor, which installs each tunnel as a
// vendor tunnel service.
func New(opts Options) (Executor, error) {
	if opts.Resolver == nil {
		opts.Resolver = uapi.DefaultResolver
	}
	if opts.SocketReadyTimeout == 0 {
		opts.SocketReadyTimeout = common.SocketReadyTimeout
	}
	if opts.ConfDir == "" {
		dir, err := common.GetDataDir()
		if err != nil {
			return nil, err
		}
		opts.ConfDir = filepath.Join(dir, "windows")
	}
	return &windowsExecutor{opts: opts, locator: SystemLocator()}, nil
}

func (e *windowsExecutor) tool(name string) (string, error) {
	path, ok := e.locator.FindWindowsTool(name)
	if !ok {
		return "", fmt.Errorf("%w: %s not found, install WireGuard for Windows", common.ErrProcessSpawnFailed, name)
	}
	return path, nil
}

func (e *windowsExecutor) run(ctx context.Context, tool string, args ...string) (string, error) {
	path, err := e.tool(tool)
	if err != nil {
		return "", err
	}
	out, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	return string(out), err
}

func (e *windowsExecutor) Prepare(cfg *tunnel.Config) (string, error) {
	if err := cfg.ValidateForStart(); err != nil {
		return "", err
	}
	return WindowsName(cfg.ID), nil
}

func (e *windowsExecutor) Start(ctx context.Context, cfg *tunnel.Config, iface string) (*Handle, error) {
	if err := common.EnsureDir(e.opts.ConfDir); err != nil {
		return nil, err
	}
	confPath := filepath.Join(e.opts.ConfDir, iface+".conf")
	if err := os.WriteFile(confPath, []byte(WindowsConf(cfg)), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", confPath, err)
	}

	out, err := e.run(ctx, "wireguard.exe", "/installtunnelservice", confPath)
	if err := classifyInstall(out, err); err != nil {
		_ = os.Remove(confPath)
		return nil, err
	}

	h := NewHandle(Record{
		TunnelID:  cfg.ID,
		Interface: iface,
		StartedAt: time.Now().Unix(),
		Helper:    HelperService,
		ConfPath:  confPath,
	})
	ready := func(ctx context.Context) bool {
		_, err := e.run(ctx, "wg.exe", "show", iface, "public-key")
		return err == nil
	}
	if err := waitReady(ctx, h, e.opts.SocketReadyTimeout, ready); err != nil {
		return h, err
	}
	common.LogInfo("Executor: %s is up as service %s", cfg.ID, iface)
	return h, nil
}

func (e *windowsExecutor) Stop(ctx context.Context, h *Handle) error {
	rec := h.Snapshot()
	out, err := e.run(ctx, "wireguard.exe", "/uninstalltunnelservice", rec.Interface)
	if err := classifyUninstall(out, err); err != nil {
		return err
	}
	if rec.ConfPath != "" {
		if err := os.Remove(rec.ConfPath); err != nil && !os.IsNotExist(err) {
			common.LogWarn("Executor: failed to remove %s: %v", rec.ConfPath, err)
		}
	}
	h.MarkExited(nil)
	common.LogInfo("Executor: %s service %s removed", rec.TunnelID, rec.Interface)
	return nil
}

func (e *windowsExecutor) Stats(ctx context.Context, h *Handle) (tunnel.PeerStats, error) {
	out, err := e.run(ctx, "wg.exe", "show", h.Interface, "dump")
	if err != nil {
		return nil, fmt.Errorf("wg show %s: %s: %w", h.Interface, firstOutputLine(out), err)
	}
	return ParseDump(out)
}

func (e *windowsExecutor) Alive(h *Handle) bool {
	if h.HasExited() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), common.ControlTimeout)
	defer cancel()
	_, err := e.run(ctx, "wg.exe", "show", h.Interface, "public-key")
	return err == nil
}

func (e *windowsExecutor) UpdateEndpoint(ctx context.Context, h *Handle, peerKey string, endpoint *net.UDPAddr) error {
	out, err := e.run(ctx, "wg.exe", "set", h.Interface, "peer", peerKey, "endpoint", endpoint.String())
	if err != nil {
		return fmt.Errorf("wg set %s: %s: %w", h.Interface, firstOutputLine(out), err)
	}
	return nil
}

func (e *windowsExecutor) Adopt(rec Record) (*Handle, error) {
	h := NewHandle(rec)
	if !e.Alive(h) {
		return nil, fmt.Errorf("%w: service %s", ErrProcessGone, rec.Interface)
	}
	return h, nil
}
