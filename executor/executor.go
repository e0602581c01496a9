// Package executor drives the WireGuard data-plane process of a tunnel on
// the host operating system: picking an interface name, spawning and
// configuring the process, installing addresses and routes, reading
// statistics and tearing everything down again.
//
// One implementation exists per platform and is selected at build time
// by New. Linux runs only inside the privileged daemon, macOS elevates
// once per start, Windows delegates to the vendor tunnel service.
package executor

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/yllada/wirevault/elevation"
	"github.com/yllada/wirevault/tunnel"
	"github.com/yllada/wirevault/uapi"
)

// Executor is the platform abstraction over the data-plane process.
//
// Start may return a non-nil Handle together with an error when the
// process was spawned but configuration failed; the caller owns that
// handle and must Stop it.
type Executor interface {
	// Prepare validates addressing and returns a free interface name.
	Prepare(cfg *tunnel.Config) (string, error)
	// Start brings the tunnel up on iface.
	Start(ctx context.Context, cfg *tunnel.Config, iface string) (*Handle, error)
	// Stop tears down routes, firewall rules and the process. Stopping an
	// already stopped handle succeeds.
	Stop(ctx context.Context, h *Handle) error
	// Stats reads per-peer counters from the running process.
	Stats(ctx context.Context, h *Handle) (tunnel.PeerStats, error)
	// Alive reports whether the process behind h still runs.
	Alive(h *Handle) bool
	// UpdateEndpoint moves a peer to a newly resolved address.
	UpdateEndpoint(ctx context.Context, h *Handle, peerKey string, endpoint *net.UDPAddr) error
	// Adopt reattaches to a process started by a previous run.
	Adopt(rec Record) (*Handle, error)
}

// Options configure New.
type Options struct {
	// WireGuardGoPath is a configured wireguard-go binary, searched first.
	WireGuardGoPath string
	// Resolver resolves peer endpoints; uapi.DefaultResolver when nil.
	Resolver uapi.Resolver
	// Elevator runs privileged scripts on macOS.
	Elevator *elevation.Osascript
	// ConfDir holds generated vendor configuration files on Windows.
	ConfDir string
	// SocketReadyTimeout bounds the wait for the control socket.
	SocketReadyTimeout time.Duration
	// Configurer reads and configures devices; a wgctrl client when nil.
	Configurer uapi.Configurer
}

// Helper kinds recorded on a handle.
const (
	HelperExternal = "external"
	HelperBundled  = "bundled"
	HelperService  = "service"
)

// Record is the persisted part of a Handle. It holds everything needed
// to tear the tunnel down from a fresh process.
type Record struct {
	TunnelID  string `json:"tunnel_id"`
	Interface string `json:"interface"`
	PID       int    `json:"pid"`
	StartedAt int64  `json:"started_at"`
	Helper    string `json:"helper,omitempty"`

	// Routes are prefixes routed through the interface.
	Routes []string `json:"routes,omitempty"`
	// HostRoutes are peer endpoint addresses pinned to the original gateway.
	HostRoutes []string `json:"host_routes,omitempty"`
	Gateway    string   `json:"gateway,omitempty"`
	GatewayDev string   `json:"gateway_dev,omitempty"`
	// NATSubnets are the interface subnets masqueraded in server mode.
	NATSubnets []string `json:"nat_subnets,omitempty"`
	// ConfPath is the generated vendor configuration file.
	ConfPath string `json:"conf_path,omitempty"`
}

// Handle identifies a started tunnel process.
type Handle struct {
	Record

	mu       sync.Mutex
	exited   chan struct{}
	exitOnce sync.Once
	exitErr  error
}

// NewHandle wraps rec.
func NewHandle(rec Record) *Handle {
	return &Handle{Record: rec, exited: make(chan struct{})}
}

// Snapshot returns a copy of the persisted fields.
func (h *Handle) Snapshot() Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.Record
	rec.Routes = append([]string(nil), h.Routes...)
	rec.HostRoutes = append([]string(nil), h.HostRoutes...)
	rec.NATSubnets = append([]string(nil), h.NATSubnets...)
	return rec
}

// Started returns the start time.
func (h *Handle) Started() time.Time {
	return time.Unix(h.StartedAt, 0)
}

// Exited is closed once the process is known to have exited.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// MarkExited records process exit. Only the first call has an effect.
func (h *Handle) MarkExited(err error) {
	h.exitOnce.Do(func() {
		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		close(h.exited)
	})
}

// HasExited reports whether MarkExited was called.
func (h *Handle) HasExited() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// ExitErr returns the error the process exited with.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *Handle) addRoute(prefix string) {
	h.mu.Lock()
	h.Routes = append(h.Routes, prefix)
	h.mu.Unlock()
}

func (h *Handle) addHostRoute(ip string) {
	h.mu.Lock()
	h.HostRoutes = append(h.HostRoutes, ip)
	h.mu.Unlock()
}

func (h *Handle) addNATSubnet(subnet string) {
	h.mu.Lock()
	h.NATSubnets = append(h.NATSubnets, subnet)
	h.mu.Unlock()
}
