//go:build darwin

package executor

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/libp2p/go-netroute"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/elevation"
	"github.com/yllada/wirevault/tunnel"
	"github.com/yllada/wirevault/uapi"
)

type darwinExecutor struct {
	opts     Options
	locator  Locator
	elevator *elevation.Osascript
	dev      deviceControl
}

// New returns the macOS executor. Each start costs one authorization
// prompt; configuration and statistics use the user-owned control socket.
func New(opts Options) (Executor, error) {
	if opts.Resolver == nil {
		opts.Resolver = uapi.DefaultResolver
	}
	if opts.SocketReadyTimeout == 0 {
		opts.SocketReadyTimeout = common.SocketReadyTimeout
	}
	elevator := opts.Elevator
	if elevator == nil {
		elevator = elevation.NewOsascript()
	}
	dev, err := newDeviceControl(opts)
	if err != nil {
		return nil, err
	}
	return &darwinExecutor{opts: opts, locator: SystemLocator(), elevator: elevator, dev: dev}, nil
}

func interfaceExists(name string) bool {
	_, err := net.InterfaceByName(name)
	return err == nil
}

func (e *darwinExecutor) Prepare(cfg *tunnel.Config) (string, error) {
	if err := cfg.ValidateForStart(); err != nil {
		return "", err
	}
	return NextName(darwinPrefix, maxInterfaceIndex, func(name string) bool {
		return interfaceExists(name) || common.FileExists(uapi.SocketPath(name))
	})
}

func (e *darwinExecutor) Start(ctx context.Context, cfg *tunnel.Config, iface string) (*Handle, error) {
	if interfaceExists(iface) {
		return nil, fmt.Errorf("%w: interface %s already exists", common.ErrInterfaceConflict, iface)
	}
	wgCfg, err := uapi.FromTunnel(ctx, cfg, e.opts.Resolver)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrConfigInvalid, err)
	}
	plan, err := PlanRoutes(cfg)
	if err != nil {
		return nil, err
	}
	prefixes, err := cfg.InterfacePrefixes()
	if err != nil {
		return nil, err
	}

	launch, helper, err := e.launchCommand(cfg, iface)
	if err != nil {
		return nil, err
	}
	rec := Record{TunnelID: cfg.ID, Interface: iface, Helper: helper, StartedAt: time.Now().Unix()}
	if plan.FullTunnel {
		rec.HostRoutes, rec.Gateway = originalGateway(EndpointAddrs(wgCfg))
	}
	for _, p := range plan.Routes {
		rec.Routes = append(rec.Routes, p.String())
	}

	script := StartScript(StartScriptParams{
		Launch:     launch,
		Interface:  iface,
		Socket:     uapi.SocketPath(iface),
		Owner:      os.Getuid(),
		MTU:        cfg.EffectiveMTU(),
		Addresses:  prefixes,
		Routes:     plan.Routes,
		HostRoutes: rec.HostRoutes,
		Gateway:    rec.Gateway,
		Timeout:    e.opts.SocketReadyTimeout,
	})
	out, err := e.elevator.Run(ctx, script)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrProcessSpawnFailed, err)
	}
	pid, err := lastInt(out)
	if err != nil {
		return nil, fmt.Errorf("%w: unexpected start output %q", common.ErrProcessSpawnFailed, out)
	}
	rec.PID = pid
	h := NewHandle(rec)

	if err := waitReady(ctx, h, e.opts.SocketReadyTimeout, e.dev.ready(iface)); err != nil {
		return h, err
	}
	if err := e.dev.configure(iface, wgCfg); err != nil {
		return h, err
	}
	common.LogInfo("Executor: %s is up on %s (pid %d)", cfg.ID, iface, pid)
	return h, nil
}

func (e *darwinExecutor) launchCommand(cfg *tunnel.Config, iface string) ([]string, string, error) {
	if bin, ok := e.locator.FindWireGuardGo(e.opts.WireGuardGoPath, darwinWireGuardGoDirs); ok {
		return []string{bin, "-f", iface}, HelperExternal, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, "", fmt.Errorf("%w: no wireguard-go binary and own executable unknown: %w", common.ErrProcessSpawnFailed, err)
	}
	return []string{self, "dataplane", "--mtu", strconv.Itoa(cfg.EffectiveMTU()),
		"--socket-owner", strconv.Itoa(os.Getuid()), iface}, HelperBundled, nil
}

func originalGateway(addrs []netip.Addr) ([]string, string) {
	if len(addrs) == 0 {
		return nil, ""
	}
	router, err := netroute.New()
	if err != nil {
		common.LogWarn("Executor: cannot read routing table: %v", err)
		return nil, ""
	}
	var hosts []string
	var gateway string
	for _, addr := range addrs {
		_, gw, _, err := router.Route(addr.AsSlice())
		if err != nil || gw == nil {
			continue
		}
		gateway = gw.String()
		hosts = append(hosts, addr.String())
	}
	return hosts, gateway
}

func lastInt(out string) (int, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strconv.Atoi(strings.TrimSpace(lines[len(lines)-1]))
}

func (e *darwinExecutor) Stop(ctx context.Context, h *Handle) error {
	rec := h.Snapshot()
	if rec.PID <= 0 || !processAlive(rec.PID) {
		if len(rec.HostRoutes) == 0 {
			return nil
		}
	}

	if rec.Helper == HelperBundled && len(rec.HostRoutes) == 0 {
		err := uapi.NewClient(uapi.SocketPath(rec.Interface)).Shutdown(ctx)
		if err == nil && waitGone(ctx, h, common.StopTimeout) {
			common.LogInfo("Executor: %s on %s stopped", rec.TunnelID, rec.Interface)
			return nil
		}
		common.LogDebug("Executor: shutdown over socket failed for %s, elevating: %v", rec.Interface, err)
	}

	if _, err := e.elevator.Run(ctx, StopScript(rec)); err != nil {
		return err
	}
	waitGone(ctx, h, common.StopTimeout)
	common.LogInfo("Executor: %s on %s stopped", rec.TunnelID, rec.Interface)
	return nil
}

func (e *darwinExecutor) Stats(_ context.Context, h *Handle) (tunnel.PeerStats, error) {
	return e.dev.stats(h.Interface)
}

func (e *darwinExecutor) Alive(h *Handle) bool {
	return !h.HasExited() && processAlive(h.PID)
}

func (e *darwinExecutor) UpdateEndpoint(_ context.Context, h *Handle, peerKey string, endpoint *net.UDPAddr) error {
	return e.dev.updateEndpoint(h.Interface, peerKey, endpoint)
}

func (e *darwinExecutor) Adopt(rec Record) (*Handle, error) {
	if err := verifyOwned(rec, dataPlaneNames); err != nil {
		return nil, err
	}
	if _, err := os.Stat(uapi.SocketPath(rec.Interface)); err != nil {
		return nil, fmt.Errorf("%w: control socket of %s: %w", ErrProcessGone, rec.Interface, err)
	}
	return NewHandle(rec), nil
}
