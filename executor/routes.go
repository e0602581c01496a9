package executor

import (
	"net"
	"net/netip"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/yllada/wirevault/tunnel"
)

var (
	halfDefaultV4 = []netip.Prefix{netip.MustParsePrefix("0.0.0.0/1"), netip.MustParsePrefix("128.0.0.0/1")}
	halfDefaultV6 = []netip.Prefix{netip.MustParsePrefix("::/1"), netip.MustParsePrefix("8000::/1")}
)

// RoutePlan is the set of routes a tunnel needs.
type RoutePlan struct {
	// Routes go through the tunnel interface.
	Routes []netip.Prefix
	// FullTunnel is set when a peer claims a default route, which is
	// installed as two half-default routes.
	FullTunnel bool
}

// PlanRoutes computes the routes for cfg. Prefixes covered by an
// interface subnet are skipped because the address already routes them.
func PlanRoutes(cfg *tunnel.Config) (RoutePlan, error) {
	ifacePrefixes, err := cfg.InterfacePrefixes()
	if err != nil {
		return RoutePlan{}, err
	}
	var plan RoutePlan
	seen := map[netip.Prefix]bool{}
	add := func(p netip.Prefix) {
		if seen[p] {
			return
		}
		seen[p] = true
		plan.Routes = append(plan.Routes, p)
	}

	for i := range cfg.Peers {
		prefixes, err := cfg.Peers[i].AllowedPrefixes()
		if err != nil {
			return RoutePlan{}, err
		}
		for _, p := range prefixes {
			if tunnel.IsDefaultRoute(p) {
				plan.FullTunnel = true
				halves := halfDefaultV4
				if p.Addr().Is6() {
					halves = halfDefaultV6
				}
				for _, h := range halves {
					add(h)
				}
				continue
			}
			if coveredBy(p, ifacePrefixes) {
				continue
			}
			add(p)
		}
	}
	return plan, nil
}

func coveredBy(p netip.Prefix, subnets []netip.Prefix) bool {
	for _, s := range subnets {
		s = s.Masked()
		if s.Addr().BitLen() == p.Addr().BitLen() && s.Bits() <= p.Bits() && s.Contains(p.Addr()) {
			return true
		}
	}
	return false
}

// EndpointAddrs returns the distinct resolved peer endpoint addresses
// of a device configuration.
func EndpointAddrs(cfg wgtypes.Config) []netip.Addr {
	var out []netip.Addr
	seen := map[netip.Addr]bool{}
	for _, p := range cfg.Peers {
		if p.Endpoint == nil {
			continue
		}
		addr, ok := netip.AddrFromSlice(p.Endpoint.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

// SubnetsForNAT returns the masked interface subnets.
func SubnetsForNAT(cfg *tunnel.Config) ([]netip.Prefix, error) {
	prefixes, err := cfg.InterfacePrefixes()
	if err != nil {
		return nil, err
	}
	out := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, p.Masked())
	}
	return out, nil
}

// ipNet converts a prefix into the net package form.
func ipNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

// hostPrefix returns the single-address prefix of addr.
func hostPrefix(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, addr.BitLen())
}
