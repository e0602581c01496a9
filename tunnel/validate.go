package tunnel

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/yllada/wirevault/common"
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", common.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the document for internal consistency. It returns an
// error wrapping common.ErrConfigInvalid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("name is required")
	}
	if c.ID != "" && !common.IsValidID(c.ID) {
		return invalid("id %q is not a valid identifier", c.ID)
	}
	if !c.Mode.Valid() {
		return invalid("mode must be %q or %q, got %q", ModeServer, ModeClient, c.Mode)
	}

	if _, err := ParseKey(c.PrivateKey); err != nil {
		return invalid("private key: %v", err)
	}
	if _, err := c.InterfacePrefixes(); err != nil {
		return err
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return invalid("listen port %d out of range", c.ListenPort)
	}
	if c.MTU != 0 && (c.MTU < common.MinMTU || c.MTU > common.MaxMTU) {
		return invalid("mtu %d out of range %d-%d", c.MTU, common.MinMTU, common.MaxMTU)
	}
	for _, dns := range c.DNS {
		if _, err := netip.ParseAddr(strings.TrimSpace(dns)); err != nil {
			return invalid("dns server %q is not an IP address", dns)
		}
	}
	if c.Mode == ModeServer {
		if c.ServerEndpoint != "" {
			if _, _, err := SplitEndpoint(c.ServerEndpoint); err != nil {
				return invalid("server endpoint: %v", err)
			}
		}
		for _, cidr := range c.ServerAllowedIPs {
			if _, err := ParsePrefix(cidr); err != nil {
				return invalid("server allowed ip %q: %v", cidr, err)
			}
		}
	}

	seen := make(map[string]int, len(c.Peers))
	for i := range c.Peers {
		if err := c.validatePeer(i); err != nil {
			return err
		}
		key := c.Peers[i].PublicKey
		if j, dup := seen[key]; dup {
			return invalid("peers %d and %d share public key %s", j+1, i+1, key)
		}
		seen[key] = i
	}
	return nil
}

func (c *Config) validatePeer(i int) error {
	p := &c.Peers[i]
	n := i + 1

	pub, err := ParseKey(p.PublicKey)
	if err != nil {
		return invalid("peer %d public key: %v", n, err)
	}
	if p.PresharedKey != "" {
		psk, err := ParseKey(p.PresharedKey)
		if err != nil {
			return invalid("peer %d preshared key: %v", n, err)
		}
		if psk == pub {
			return invalid("peer %d preshared key must differ from its public key", n)
		}
	}
	if p.ClientPrivateKey != "" {
		if _, err := ParseKey(p.ClientPrivateKey); err != nil {
			return invalid("peer %d client private key: %v", n, err)
		}
	}
	if p.Endpoint != "" {
		if _, _, err := SplitEndpoint(p.Endpoint); err != nil {
			return invalid("peer %d endpoint: %v", n, err)
		}
	}
	if len(p.AllowedIPs) == 0 {
		return invalid("peer %d needs at least one allowed ip", n)
	}
	for _, cidr := range p.AllowedIPs {
		if _, err := ParsePrefix(cidr); err != nil {
			return invalid("peer %d allowed ip %q: %v", n, cidr, err)
		}
	}
	if p.PersistentKeepalive < 0 || p.PersistentKeepalive > 65535 {
		return invalid("peer %d keepalive %d out of range", n, p.PersistentKeepalive)
	}
	return nil
}

// ValidateForStart applies the extra checks needed to bring a tunnel up.
func (c *Config) ValidateForStart() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		return invalid("tunnel has no id")
	}
	if c.Mode == ModeClient {
		for _, p := range c.Peers {
			if p.Endpoint != "" {
				return nil
			}
		}
		return invalid("client tunnel needs a peer with an endpoint")
	}
	return nil
}

// InterfacePrefixes parses the interface address list, keeping host bits.
func (c *Config) InterfacePrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(c.Address, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, invalid("address %q must be in CIDR form", part)
		}
		out = append(out, prefix)
	}
	if len(out) == 0 {
		return nil, invalid("address is required")
	}
	return out, nil
}

// ParsePrefix parses an allowed-ip entry. A bare address becomes a host
// prefix; host bits of a network prefix are cleared.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return prefix.Masked(), nil
}

// AllowedPrefixes parses every allowed ip of the peer.
func (p *Peer) AllowedPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(p.AllowedIPs))
	for _, cidr := range p.AllowedIPs {
		prefix, err := ParsePrefix(cidr)
		if err != nil {
			return nil, invalid("allowed ip %q: %v", cidr, err)
		}
		out = append(out, prefix)
	}
	return out, nil
}

// ParseKey decodes a base64 WireGuard key.
func ParseKey(s string) (wgtypes.Key, error) {
	if strings.TrimSpace(s) == "" {
		return wgtypes.Key{}, fmt.Errorf("key is empty")
	}
	return wgtypes.ParseKey(strings.TrimSpace(s))
}

// SplitEndpoint splits host:port and validates the port.
func SplitEndpoint(endpoint string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(endpoint))
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, fmt.Errorf("endpoint %q has no host", endpoint)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("endpoint %q has an invalid port", endpoint)
	}
	return host, port, nil
}

// IsHostname reports whether the endpoint host needs DNS resolution.
func IsHostname(endpoint string) bool {
	host, _, err := SplitEndpoint(endpoint)
	if err != nil {
		return false
	}
	_, err = netip.ParseAddr(host)
	return err != nil
}

// IsDefaultRoute reports whether the prefix covers the whole address family.
func IsDefaultRoute(p netip.Prefix) bool {
	return p.Bits() == 0
}
