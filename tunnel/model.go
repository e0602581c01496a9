// Package tunnel defines the tunnel data model shared by every layer:
// the persisted configuration documents, runtime state and per-peer
// statistics.
package tunnel

import (
	"github.com/yllada/wirevault/common"
)

// Mode selects how a tunnel is used.
type Mode string

const (
	// ModeServer accepts peers and forwards their traffic.
	ModeServer Mode = common.ModeServer
	// ModeClient connects to one or more remote endpoints.
	ModeClient Mode = common.ModeClient
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeServer || m == ModeClient
}

// Config is a tunnel configuration document.
// It is persisted as JSON, one file per tunnel id, and is also read and
// written by the sync collaborator, so field names are part of the format.
type Config struct {
	// ID is a stable opaque identifier. It never changes and is never reused.
	ID string `json:"id"`
	// Name is the display name.
	Name string `json:"name"`
	// Mode cannot change after creation.
	Mode Mode `json:"mode"`

	// PrivateKey is the base64 interface private key.
	PrivateKey string `json:"private_key"`
	// Address is the interface address in CIDR form. Several addresses
	// may be given comma separated for dual stack.
	Address string `json:"address"`
	// ListenPort is the UDP port; zero picks one automatically.
	ListenPort int `json:"listen_port,omitempty"`
	// DNS servers pushed to the system while the tunnel runs.
	DNS []string `json:"dns,omitempty"`
	// MTU of the interface; zero uses common.DefaultMTU.
	MTU int `json:"mtu,omitempty"`

	// ServerEndpoint is the public host:port clients dial (server mode).
	ServerEndpoint string `json:"server_endpoint,omitempty"`
	// ServerAllowedIPs are the ranges handed to clients (server mode).
	ServerAllowedIPs []string `json:"server_allowed_ips,omitempty"`

	// Peers in user-defined order.
	Peers []Peer `json:"peers"`

	CreatedAt int64 `json:"created_at,omitempty"`
	UpdatedAt int64 `json:"updated_at,omitempty"`
}

// Peer is one remote WireGuard endpoint of a tunnel.
type Peer struct {
	PublicKey string `json:"public_key"`
	// ClientPrivateKey is set when the server generated a managed client's keys.
	ClientPrivateKey string `json:"client_private_key,omitempty"`
	PresharedKey     string `json:"preshared_key,omitempty"`
	// Endpoint is host:port; client mode only. Host names are re-resolved.
	Endpoint            string   `json:"endpoint,omitempty"`
	AllowedIPs          []string `json:"allowed_ips"`
	PersistentKeepalive int      `json:"persistent_keepalive,omitempty"`
	Remark              string   `json:"remark,omitempty"`
}

// Summary is the list view of a tunnel. It never carries key material.
type Summary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Mode       Mode   `json:"mode"`
	Address    string `json:"address"`
	ListenPort int    `json:"listen_port,omitempty"`
	PeerCount  int    `json:"peer_count"`
	CreatedAt  int64  `json:"created_at,omitempty"`
	UpdatedAt  int64  `json:"updated_at,omitempty"`
}

// Summary returns the secret-free list view of c.
func (c *Config) Summary() Summary {
	return Summary{
		ID:         c.ID,
		Name:       c.Name,
		Mode:       c.Mode,
		Address:    c.Address,
		ListenPort: c.ListenPort,
		PeerCount:  len(c.Peers),
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.DNS = cloneStrings(c.DNS)
	out.ServerAllowedIPs = cloneStrings(c.ServerAllowedIPs)
	if c.Peers != nil {
		out.Peers = make([]Peer, len(c.Peers))
		for i, p := range c.Peers {
			p.AllowedIPs = cloneStrings(p.AllowedIPs)
			out.Peers[i] = p
		}
	}
	return &out
}

// EffectiveMTU returns the MTU to configure on the interface.
func (c *Config) EffectiveMTU() int {
	if c.MTU == 0 {
		return common.DefaultMTU
	}
	return c.MTU
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
