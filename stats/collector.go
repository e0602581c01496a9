// Package stats turns periodic counter samples into a stream of snapshot
// events with per-peer deltas and counter-reset detection.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/tunnel"
)

// Source returns the current cumulative counters of every running
// tunnel, keyed by tunnel id.
type Source interface {
	Sample(ctx context.Context) map[string]tunnel.PeerStats
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) map[string]tunnel.PeerStats

// Sample calls f.
func (f SourceFunc) Sample(ctx context.Context) map[string]tunnel.PeerStats {
	return f(ctx)
}

// PeerSample is one peer's counters in a snapshot.
type PeerSample struct {
	TxBytes       uint64 `json:"tx_bytes"`
	RxBytes       uint64 `json:"rx_bytes"`
	LastHandshake int64  `json:"last_handshake"`
	// TxDelta and RxDelta are the bytes since the previous snapshot.
	TxDelta uint64 `json:"tx_delta"`
	RxDelta uint64 `json:"rx_delta"`
	// Reset is set when a counter went backwards; the deltas then count
	// from zero.
	Reset bool `json:"reset,omitempty"`
}

// Snapshot is one stats event.
type Snapshot struct {
	// Timestamp strictly increases from one snapshot to the next.
	Timestamp time.Time                        `json:"timestamp"`
	Tunnels   map[string]map[string]PeerSample `json:"tunnels"`
}

// Collector polls a Source on an interval.
type Collector struct {
	mu       sync.Mutex
	source   Source
	interval time.Duration
	now      func() time.Time

	running  bool
	stopped  bool
	stopChan chan struct{}
	events   chan Snapshot
	wg       sync.WaitGroup

	prev map[string]tunnel.PeerStats
	last time.Time
}

// NewCollector creates a collector. Intervals below
// common.MinStatsInterval are raised to it.
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval < common.MinStatsInterval {
		interval = common.MinStatsInterval
	}
	return &Collector{
		source:   source,
		interval: interval,
		now:      time.Now,
		stopChan: make(chan struct{}),
		events:   make(chan Snapshot, 1),
		prev:     make(map[string]tunnel.PeerStats),
	}
}

// Interval returns the effective polling interval.
func (c *Collector) Interval() time.Duration {
	return c.interval
}

// Events returns the snapshot channel. It is closed by Stop.
func (c *Collector) Events() <-chan Snapshot {
	return c.events
}

// Start begins polling. The first snapshot is taken immediately.
func (c *Collector) Start() {
	c.mu.Lock()
	if c.running || c.stopped {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	common.LogDebug("Stats collector started (interval: %v)", c.interval)

	c.wg.Add(1)
	go c.runLoop()
}

// Stop halts polling and closes the event channel. No event is delivered
// after Stop returns.
func (c *Collector) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.running = false
	close(c.stopChan)
	c.mu.Unlock()

	c.wg.Wait()
	close(c.events)
	common.LogDebug("Stats collector stopped")
}

// IsRunning reports whether the loop is active.
func (c *Collector) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Collector) runLoop() {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		snap := c.Collect(ctx)
		select {
		case <-c.stopChan:
			return
		default:
		}
		select {
		case c.events <- snap:
		case <-c.stopChan:
			return
		}

		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
		}
	}
}

// Collect takes one sample and diffs it against the previous one.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	current := c.source.Sample(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now()
	if !ts.After(c.last) {
		ts = c.last.Add(time.Nanosecond)
	}
	c.last = ts

	snap := Snapshot{Timestamp: ts, Tunnels: make(map[string]map[string]PeerSample, len(current))}
	next := make(map[string]tunnel.PeerStats, len(current))
	for id, peers := range current {
		prevPeers := c.prev[id]
		out := make(map[string]PeerSample, len(peers))
		for key, cur := range peers {
			out[key] = diff(prevPeers, key, cur)
		}
		snap.Tunnels[id] = out
		next[id] = peers.Clone()
	}
	c.prev = next
	return snap
}

func diff(prev tunnel.PeerStats, key string, cur tunnel.PeerStat) PeerSample {
	sample := PeerSample{
		TxBytes:       cur.TxBytes,
		RxBytes:       cur.RxBytes,
		LastHandshake: cur.LastHandshake,
	}
	old, ok := prev[key]
	if !ok {
		return sample
	}
	if cur.TxBytes < old.TxBytes || cur.RxBytes < old.RxBytes {
		sample.Reset = true
		sample.TxDelta = cur.TxBytes
		sample.RxDelta = cur.RxBytes
		return sample
	}
	sample.TxDelta = cur.TxBytes - old.TxBytes
	sample.RxDelta = cur.RxBytes - old.RxBytes
	return sample
}
