package uapi

import (
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/yllada/wirevault/tunnel"
)

// Configurer reads and configures WireGuard devices by interface name.
// *wgctrl.Client implements it.
type Configurer interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

var _ Configurer = (*wgctrl.Client)(nil)

// NewConfigurer opens a wgctrl client.
func NewConfigurer() (Configurer, error) {
	return wgctrl.New()
}

// PeerStats converts the peers of dev into per-peer statistics keyed by
// the base64 public key.
func PeerStats(dev *wgtypes.Device) tunnel.PeerStats {
	stats := make(tunnel.PeerStats, len(dev.Peers))
	for _, p := range dev.Peers {
		var handshake int64
		if !p.LastHandshakeTime.IsZero() {
			handshake = p.LastHandshakeTime.Unix()
		}
		stats[p.PublicKey.String()] = tunnel.PeerStat{
			TxBytes:       uint64(p.TransmitBytes),
			RxBytes:       uint64(p.ReceiveBytes),
			LastHandshake: handshake,
		}
	}
	return stats
}
