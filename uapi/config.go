package uapi

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/yllada/wirevault/tunnel"
)

// Resolver turns a host:port endpoint into a UDP address.
type Resolver func(ctx context.Context, endpoint string) (*net.UDPAddr, error)

// DefaultResolver resolves with the system resolver, preferring IPv4.
func DefaultResolver(ctx context.Context, endpoint string) (*net.UDPAddr, error) {
	host, port, err := tunnel.SplitEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	chosen := addrs[0]
	for _, a := range addrs {
		if a.IP.To4() != nil {
			chosen = a
			break
		}
	}
	return &net.UDPAddr{IP: chosen.IP, Port: port, Zone: chosen.Zone}, nil
}

// FromTunnel derives the device configuration of cfg. Every peer is
// replaced, so the result fully describes the device.
func FromTunnel(ctx context.Context, cfg *tunnel.Config, resolve Resolver) (wgtypes.Config, error) {
	if resolve == nil {
		resolve = DefaultResolver
	}

	priv, err := tunnel.ParseKey(cfg.PrivateKey)
	if err != nil {
		return wgtypes.Config{}, fmt.Errorf("private key: %w", err)
	}

	out := wgtypes.Config{
		PrivateKey:   &priv,
		ReplacePeers: true,
		Peers:        make([]wgtypes.PeerConfig, 0, len(cfg.Peers)),
	}
	if cfg.ListenPort > 0 {
		port := cfg.ListenPort
		out.ListenPort = &port
	}

	for i := range cfg.Peers {
		peer, err := peerConfig(ctx, &cfg.Peers[i], resolve)
		if err != nil {
			return wgtypes.Config{}, fmt.Errorf("peer %d: %w", i+1, err)
		}
		out.Peers = append(out.Peers, peer)
	}
	return out, nil
}

func peerConfig(ctx context.Context, p *tunnel.Peer, resolve Resolver) (wgtypes.PeerConfig, error) {
	pub, err := tunnel.ParseKey(p.PublicKey)
	if err != nil {
		return wgtypes.PeerConfig{}, fmt.Errorf("public key: %w", err)
	}
	out := wgtypes.PeerConfig{
		PublicKey:         pub,
		ReplaceAllowedIPs: true,
	}
	if p.PresharedKey != "" {
		psk, err := tunnel.ParseKey(p.PresharedKey)
		if err != nil {
			return wgtypes.PeerConfig{}, fmt.Errorf("preshared key: %w", err)
		}
		out.PresharedKey = &psk
	}
	if p.Endpoint != "" {
		addr, err := resolve(ctx, p.Endpoint)
		if err != nil {
			return wgtypes.PeerConfig{}, fmt.Errorf("endpoint: %w", err)
		}
		out.Endpoint = addr
	}
	if p.PersistentKeepalive > 0 {
		interval := time.Duration(p.PersistentKeepalive) * time.Second
		out.PersistentKeepaliveInterval = &interval
	}
	prefixes, err := p.AllowedPrefixes()
	if err != nil {
		return wgtypes.PeerConfig{}, err
	}
	for _, prefix := range prefixes {
		out.AllowedIPs = append(out.AllowedIPs, net.IPNet{
			IP:   prefix.Addr().AsSlice(),
			Mask: net.CIDRMask(prefix.Bits(), prefix.Addr().BitLen()),
		})
	}
	return out, nil
}

// EndpointUpdate builds a configuration that only moves a peer's endpoint.
func EndpointUpdate(peerKey string, endpoint *net.UDPAddr) (wgtypes.Config, error) {
	pub, err := tunnel.ParseKey(peerKey)
	if err != nil {
		return wgtypes.Config{}, err
	}
	return wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey:  pub,
			UpdateOnly: true,
			Endpoint:   endpoint,
		}},
	}, nil
}
