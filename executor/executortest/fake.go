// Package executortest provides an in-memory executor for tests.
package executortest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/yllada/wirevault/executor"
	"github.com/yllada/wirevault/tunnel"
)

// Fake records calls and simulates processes. Its exported fields may be
// set before use; methods are safe for concurrent use.
type Fake struct {
	// StartErr fails every Start after the process was "spawned".
	StartErr error
	// PrepareErr fails Prepare.
	PrepareErr error
	// StopErr fails Stop.
	StopErr error
	// AdoptErr fails Adopt even for live interfaces, as for a recorded
	// PID that now belongs to another process.
	AdoptErr error
	// StartGate, when set, blocks Start until it is closed or ctx ends.
	StartGate chan struct{}

	mu        sync.Mutex
	next      int
	pid       int
	alive     map[string]bool
	stats     map[string]tunnel.PeerStats
	handles   map[string]*executor.Handle
	starts    map[string]int
	stops     map[string]int
	stopPIDs  map[string]int
	endpoints map[string]string
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		pid:       1000,
		alive:     map[string]bool{},
		stats:     map[string]tunnel.PeerStats{},
		handles:   map[string]*executor.Handle{},
		starts:    map[string]int{},
		stops:     map[string]int{},
		stopPIDs:  map[string]int{},
		endpoints: map[string]string{},
	}
}

var _ executor.Executor = (*Fake)(nil)

func (f *Fake) Prepare(cfg *tunnel.Config) (string, error) {
	if err := cfg.ValidateForStart(); err != nil {
		return "", err
	}
	if f.PrepareErr != nil {
		return "", f.PrepareErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := fmt.Sprintf("fake%d", f.next)
	f.next++
	return name, nil
}

func (f *Fake) Start(ctx context.Context, cfg *tunnel.Config, iface string) (*executor.Handle, error) {
	f.mu.Lock()
	f.pid++
	h := executor.NewHandle(executor.Record{
		TunnelID:  cfg.ID,
		Interface: iface,
		PID:       f.pid,
		StartedAt: time.Now().Unix(),
		Helper:    executor.HelperBundled,
	})
	f.starts[cfg.ID]++
	f.alive[iface] = true
	f.handles[cfg.ID] = h
	gate := f.StartGate
	startErr := f.StartErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return h, ctx.Err()
		}
	}
	if startErr != nil {
		return h, startErr
	}
	return h, nil
}

func (f *Fake) Stop(_ context.Context, h *executor.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops[h.TunnelID]++
	f.stopPIDs[h.TunnelID] = h.PID
	if f.StopErr != nil {
		return f.StopErr
	}
	f.alive[h.Interface] = false
	h.MarkExited(nil)
	return nil
}

func (f *Fake) Stats(_ context.Context, h *executor.Handle) (tunnel.PeerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive[h.Interface] {
		return nil, fmt.Errorf("%s is not running", h.Interface)
	}
	return f.stats[h.TunnelID].Clone(), nil
}

func (f *Fake) Alive(h *executor.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[h.Interface] && !h.HasExited()
}

func (f *Fake) UpdateEndpoint(_ context.Context, h *executor.Handle, peerKey string, endpoint *net.UDPAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints[h.TunnelID+"/"+peerKey] = endpoint.String()
	return nil
}

func (f *Fake) Adopt(rec executor.Record) (*executor.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive[rec.Interface] {
		return nil, executor.ErrProcessGone
	}
	if f.AdoptErr != nil {
		return nil, f.AdoptErr
	}
	h := executor.NewHandle(rec)
	f.handles[rec.TunnelID] = h
	return h, nil
}

// SetStats sets the counters reported for a tunnel.
func (f *Fake) SetStats(id string, stats tunnel.PeerStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[id] = stats.Clone()
}

// SetAlive marks an interface as running, as if a process survived a restart.
func (f *Fake) SetAlive(iface string, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[iface] = alive
}

// Crash simulates the process of a tunnel dying.
func (f *Fake) Crash(id string) {
	f.mu.Lock()
	h := f.handles[id]
	if h != nil {
		f.alive[h.Interface] = false
	}
	f.mu.Unlock()
	if h != nil {
		h.MarkExited(fmt.Errorf("signal: killed"))
	}
}

// Starts returns how often Start was called for id.
func (f *Fake) Starts(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[id]
}

// Stops returns how often Stop was called for id.
func (f *Fake) Stops(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops[id]
}

// StoppedPID returns the PID carried by the last Stop of id.
func (f *Fake) StoppedPID(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopPIDs[id]
}

// Endpoint returns the last endpoint pushed for a peer of id.
func (f *Fake) Endpoint(id, peerKey string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoints[id+"/"+peerKey]
}

// Running returns the number of live interfaces.
func (f *Fake) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, alive := range f.alive {
		if alive {
			n++
		}
	}
	return n
}
