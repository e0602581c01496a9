// Package tunneltest provides tunnel configurations for tests.
package tunneltest

import (
	"testing"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/yllada/wirevault/tunnel"
)

// KeyPair returns a fresh base64 private/public key pair.
func KeyPair(t testing.TB) (private, public string) {
	t.Helper()
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.String(), key.PublicKey().String()
}

// Server returns a valid server-mode configuration with no peers.
func Server(t testing.TB, id string) *tunnel.Config {
	t.Helper()
	priv, _ := KeyPair(t)
	return &tunnel.Config{
		ID:         id,
		Name:       id,
		Mode:       tunnel.ModeServer,
		PrivateKey: priv,
		Address:    "10.0.0.1/24",
		ListenPort: 51820,
		Peers:      []tunnel.Peer{},
	}
}

// Client returns a valid client-mode configuration with one peer.
func Client(t testing.TB, id string) *tunnel.Config {
	t.Helper()
	priv, _ := KeyPair(t)
	_, serverPub := KeyPair(t)
	return &tunnel.Config{
		ID:         id,
		Name:       id,
		Mode:       tunnel.ModeClient,
		PrivateKey: priv,
		Address:    "10.0.0.2/32",
		DNS:        []string{"1.1.1.1"},
		Peers: []tunnel.Peer{{
			PublicKey:           serverPub,
			Endpoint:            "203.0.113.10:51820",
			AllowedIPs:          []string{"10.0.0.0/24"},
			PersistentKeepalive: 25,
		}},
	}
}

// Peer returns a server-side peer with the given allowed ip.
func Peer(t testing.TB, allowedIP string) tunnel.Peer {
	t.Helper()
	_, pub := KeyPair(t)
	return tunnel.Peer{
		PublicKey:  pub,
		AllowedIPs: []string{allowedIP},
	}
}
