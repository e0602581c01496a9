//go:build linux

package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-iptables/iptables"
	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-netroute"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/tunnel"
	"github.com/yllada/wirevault/uapi"
)

type linuxExecutor struct {
	opts    Options
	locator Locator
	resolve uapi.Resolver
	dev     deviceControl
}

// New returns the Linux executor. It needs root and is only used inside
// the daemon.
func New(opts Options) (Executor, error) {
	if opts.Resolver == nil {
		opts.Resolver = uapi.DefaultResolver
	}
	if opts.SocketReadyTimeout == 0 {
		opts.SocketReadyTimeout = common.SocketReadyTimeout
	}
	dev, err := newDeviceControl(opts)
	if err != nil {
		return nil, err
	}
	return &linuxExecutor{opts: opts, locator: SystemLocator(), resolve: opts.Resolver, dev: dev}, nil
}

func linkExists(name string) bool {
	_, err := netlink.LinkByName(name)
	return err == nil
}

func (e *linuxExecutor) Prepare(cfg *tunnel.Config) (string, error) {
	if err := cfg.ValidateForStart(); err != nil {
		return "", err
	}
	return NextName(linuxPrefix, maxInterfaceIndex, func(name string) bool {
		return linkExists(name) || common.FileExists(uapi.SocketPath(name))
	})
}

func (e *linuxExecutor) Start(ctx context.Context, cfg *tunnel.Config, iface string) (*Handle, error) {
	if linkExists(iface) {
		return nil, fmt.Errorf("%w: interface %s already exists", common.ErrInterfaceConflict, iface)
	}
	wgCfg, err := uapi.FromTunnel(ctx, cfg, e.resolve)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrConfigInvalid, err)
	}
	plan, err := PlanRoutes(cfg)
	if err != nil {
		return nil, err
	}

	h, err := e.spawn(cfg, iface)
	if err != nil {
		return nil, err
	}

	if err := waitReady(ctx, h, e.opts.SocketReadyTimeout, e.dev.ready(iface)); err != nil {
		return h, err
	}
	if err := e.dev.configure(iface, wgCfg); err != nil {
		return h, err
	}

	link, err := netlink.LinkByName(iface)
	if err != nil {
		return h, fmt.Errorf("data plane did not create %s: %w", iface, err)
	}
	if err := configureLink(link, cfg); err != nil {
		return h, err
	}

	// Endpoint host routes must be resolved against the original table,
	// before the half-default routes shadow it.
	if plan.FullTunnel {
		pinEndpoints(h, EndpointAddrs(wgCfg))
	}
	for _, prefix := range plan.Routes {
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: ipNet(prefix), Scope: netlink.SCOPE_LINK}
		if err := netlink.RouteReplace(route); err != nil {
			return h, fmt.Errorf("failed to add route %s via %s: %w", prefix, iface, err)
		}
		h.addRoute(prefix.String())
	}

	if cfg.Mode == tunnel.ModeServer {
		if err := enableNAT(cfg, h); err != nil {
			return h, err
		}
	}

	if len(cfg.DNS) > 0 {
		common.LogDebug("Executor: DNS servers for %s are left to the system resolver manager", iface)
	}
	common.LogInfo("Executor: %s is up on %s (pid %d)", cfg.ID, iface, h.PID)
	return h, nil
}

func (e *linuxExecutor) spawn(cfg *tunnel.Config, iface string) (*Handle, error) {
	var cmd *exec.Cmd
	helper := HelperExternal
	if bin, ok := e.locator.FindWireGuardGo(e.opts.WireGuardGoPath, wireGuardGoDirs); ok {
		cmd = exec.Command(bin, "-f", iface)
	} else {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("%w: no wireguard-go binary and own executable unknown: %w", common.ErrProcessSpawnFailed, err)
		}
		helper = HelperBundled
		cmd = exec.Command(self, "dataplane", "--mtu", strconv.Itoa(cfg.EffectiveMTU()), iface)
	}
	cmd.Env = append(os.Environ(), "WG_PROCESS_FOREGROUND=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	output := common.GetLogger().Logrus().WithField("iface", iface).WriterLevel(log.DebugLevel)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		output.Close()
		return nil, fmt.Errorf("%w: %s: %w", common.ErrProcessSpawnFailed, cmd.Path, err)
	}

	h := NewHandle(Record{
		TunnelID:  cfg.ID,
		Interface: iface,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now().Unix(),
		Helper:    helper,
	})
	go func() {
		err := cmd.Wait()
		output.Close()
		if err != nil {
			common.LogWarn("Executor: data plane for %s exited: %v", iface, err)
		}
		h.MarkExited(err)
	}()
	common.LogDebug("Executor: spawned %s helper %s for %s (pid %d)", helper, cmd.Path, iface, h.PID)
	return h, nil
}

func configureLink(link netlink.Link, cfg *tunnel.Config) error {
	name := link.Attrs().Name
	prefixes, err := cfg.InterfacePrefixes()
	if err != nil {
		return err
	}
	for _, prefix := range prefixes {
		addr := &netlink.Addr{IPNet: &net.IPNet{
			IP:   prefix.Addr().AsSlice(),
			Mask: net.CIDRMask(prefix.Bits(), prefix.Addr().BitLen()),
		}}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("failed to assign %s to %s: %w", prefix, name, err)
		}
	}
	if err := netlink.LinkSetMTU(link, cfg.EffectiveMTU()); err != nil {
		return fmt.Errorf("failed to set mtu on %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring %s up: %w", name, err)
	}
	return nil
}

// pinEndpoints routes each endpoint through the gateway currently used
// to reach it. Failures are logged: the tunnel still works for peers
// whose host route could not be added.
func pinEndpoints(h *Handle, addrs []netip.Addr) {
	if len(addrs) == 0 {
		return
	}
	router, err := netroute.New()
	if err != nil {
		common.LogWarn("Executor: cannot read routing table: %v", err)
		return
	}
	for _, addr := range addrs {
		gwIface, gw, _, err := router.Route(addr.AsSlice())
		if err != nil || gwIface == nil {
			common.LogWarn("Executor: no original route to endpoint %s: %v", addr, err)
			continue
		}
		route := &netlink.Route{LinkIndex: gwIface.Index, Dst: ipNet(hostPrefix(addr)), Gw: gw}
		if err := netlink.RouteReplace(route); err != nil {
			common.LogWarn("Executor: failed to pin endpoint %s: %v", addr, err)
			continue
		}
		h.mu.Lock()
		if gw != nil {
			h.Gateway = gw.String()
		}
		h.GatewayDev = gwIface.Name
		h.mu.Unlock()
		h.addHostRoute(addr.String())
	}
}

func enableNAT(cfg *tunnel.Config, h *Handle) error {
	subnets, err := SubnetsForNAT(cfg)
	if err != nil {
		return err
	}
	for _, subnet := range subnets {
		proto := iptables.ProtocolIPv4
		sysctl := "/proc/sys/net/ipv4/ip_forward"
		if subnet.Addr().Is6() {
			proto = iptables.ProtocolIPv6
			sysctl = "/proc/sys/net/ipv6/conf/all/forwarding"
		}
		if err := os.WriteFile(sysctl, []byte("1"), 0o644); err != nil {
			return fmt.Errorf("failed to enable forwarding: %w", err)
		}
		ipt, err := iptables.NewWithProtocol(proto)
		if err != nil {
			return fmt.Errorf("iptables unavailable: %w", err)
		}
		for _, rule := range natRules(h.Interface, subnet.String()) {
			if err := ipt.AppendUnique(rule.table, rule.chain, rule.spec...); err != nil {
				return fmt.Errorf("failed to add %s/%s rule: %w", rule.table, rule.chain, err)
			}
		}
		h.addNATSubnet(subnet.String())
	}
	return nil
}

func disableNAT(iface string, subnets []string) error {
	var result *multierror.Error
	for _, subnet := range subnets {
		prefix, err := netip.ParsePrefix(subnet)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		proto := iptables.ProtocolIPv4
		if prefix.Addr().Is6() {
			proto = iptables.ProtocolIPv6
		}
		ipt, err := iptables.NewWithProtocol(proto)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		for _, rule := range natRules(iface, subnet) {
			if err := ipt.DeleteIfExists(rule.table, rule.chain, rule.spec...); err != nil {
				result = multierror.Append(result, fmt.Errorf("remove %s/%s rule: %w", rule.table, rule.chain, err))
			}
		}
	}
	return result.ErrorOrNil()
}

func (e *linuxExecutor) Stop(ctx context.Context, h *Handle) error {
	rec := h.Snapshot()
	var result *multierror.Error

	if len(rec.NATSubnets) > 0 {
		if err := disableNAT(rec.Interface, rec.NATSubnets); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, ip := range rec.HostRoutes {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			continue
		}
		route := &netlink.Route{Dst: ipNet(hostPrefix(addr))}
		if gw := net.ParseIP(rec.Gateway); gw != nil {
			route.Gw = gw
		}
		if err := netlink.RouteDel(route); err != nil && !errors.Is(err, syscall.ESRCH) {
			result = multierror.Append(result, fmt.Errorf("remove host route %s: %w", ip, err))
		}
	}

	link, linkErr := netlink.LinkByName(rec.Interface)
	if linkErr == nil {
		for _, r := range rec.Routes {
			prefix, err := netip.ParsePrefix(r)
			if err != nil {
				continue
			}
			// The kernel drops these with the link; a failure here is only logged.
			if err := netlink.RouteDel(&netlink.Route{LinkIndex: link.Attrs().Index, Dst: ipNet(prefix)}); err != nil && !errors.Is(err, syscall.ESRCH) {
				common.LogDebug("Executor: remove route %s from %s: %v", r, rec.Interface, err)
			}
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			common.LogDebug("Executor: list addresses of %s: %v", rec.Interface, err)
		}
		for i := range addrs {
			if err := netlink.AddrDel(link, &addrs[i]); err != nil && !errors.Is(err, syscall.EADDRNOTAVAIL) {
				common.LogDebug("Executor: remove address %s from %s: %v", addrs[i].IPNet, rec.Interface, err)
			}
		}
	}

	if err := terminate(ctx, h); err != nil {
		result = multierror.Append(result, err)
	}

	if link, err := netlink.LinkByName(rec.Interface); err == nil {
		if err := netlink.LinkDel(link); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", rec.Interface, err))
		}
	}
	if err := os.Remove(uapi.SocketPath(rec.Interface)); err != nil && !os.IsNotExist(err) {
		common.LogDebug("Executor: stale control socket for %s: %v", rec.Interface, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	common.LogInfo("Executor: %s on %s stopped", rec.TunnelID, rec.Interface)
	return nil
}

func (e *linuxExecutor) Stats(_ context.Context, h *Handle) (tunnel.PeerStats, error) {
	return e.dev.stats(h.Interface)
}

func (e *linuxExecutor) Alive(h *Handle) bool {
	return !h.HasExited() && processAlive(h.PID)
}

func (e *linuxExecutor) UpdateEndpoint(_ context.Context, h *Handle, peerKey string, endpoint *net.UDPAddr) error {
	if err := e.dev.updateEndpoint(h.Interface, peerKey, endpoint); err != nil {
		return err
	}
	if h.Snapshot().GatewayDev != "" {
		if addr, ok := netip.AddrFromSlice(endpoint.IP); ok {
			pinEndpoints(h, []netip.Addr{addr.Unmap()})
		}
	}
	return nil
}

func (e *linuxExecutor) Adopt(rec Record) (*Handle, error) {
	if err := verifyOwned(rec, dataPlaneNames); err != nil {
		return nil, err
	}
	if _, err := netlink.LinkByName(rec.Interface); err != nil {
		return nil, fmt.Errorf("%w: interface %s: %w", ErrProcessGone, rec.Interface, err)
	}
	if _, err := os.Stat(uapi.SocketPath(rec.Interface)); err != nil {
		return nil, fmt.Errorf("%w: control socket of %s: %w", ErrProcessGone, rec.Interface, err)
	}
	return NewHandle(rec), nil
}
