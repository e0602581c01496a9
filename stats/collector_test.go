package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/yllada/wirevault/tunnel"
)

type scripted struct {
	mu      sync.Mutex
	samples []map[string]tunnel.PeerStats
	calls   int
}

func (s *scripted) Sample(context.Context) map[string]tunnel.PeerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.samples) {
		i = len(s.samples) - 1
	}
	s.calls++
	return s.samples[i]
}

func TestCollect_DeltasAndReset(t *testing.T) {
	src := &scripted{samples: []map[string]tunnel.PeerStats{
		{"t1": {"p": {TxBytes: 100, RxBytes: 200, LastHandshake: 10}}},
		{"t1": {"p": {TxBytes: 150, RxBytes: 260, LastHandshake: 11}}},
		{"t1": {"p": {TxBytes: 20, RxBytes: 300, LastHandshake: 12}}},
	}}
	c := NewCollector(src, time.Second)
	ctx := context.Background()

	first := c.Collect(ctx).Tunnels["t1"]["p"]
	if first.TxDelta != 0 || first.Reset {
		t.Errorf("first sample should have no delta, got %+v", first)
	}

	second := c.Collect(ctx).Tunnels["t1"]["p"]
	if second.TxDelta != 50 || second.RxDelta != 60 || second.Reset {
		t.Errorf("second sample = %+v, want deltas 50/60", second)
	}

	third := c.Collect(ctx).Tunnels["t1"]["p"]
	if !third.Reset {
		t.Fatalf("counter decrease must be flagged as reset: %+v", third)
	}
	if third.TxDelta != 20 || third.RxDelta != 300 {
		t.Errorf("reset deltas = %d/%d, want counts from zero", third.TxDelta, third.RxDelta)
	}
	if third.TxBytes != 20 {
		t.Errorf("cumulative tx = %d, want 20", third.TxBytes)
	}
}

func TestCollect_StrictlyIncreasingTimestamps(t *testing.T) {
	src := &scripted{samples: []map[string]tunnel.PeerStats{{}}}
	c := NewCollector(src, time.Second)
	frozen := time.Unix(1700000000, 0)
	c.now = func() time.Time { return frozen }

	var last time.Time
	for i := 0; i < 5; i++ {
		ts := c.Collect(context.Background()).Timestamp
		if !ts.After(last) {
			t.Fatalf("timestamp %v not after %v", ts, last)
		}
		last = ts
	}
}

func TestCollect_TunnelGoneAndBack(t *testing.T) {
	src := &scripted{samples: []map[string]tunnel.PeerStats{
		{"t1": {"p": {TxBytes: 100}}},
		{},
		{"t1": {"p": {TxBytes: 5}}},
	}}
	c := NewCollector(src, time.Second)
	ctx := context.Background()
	c.Collect(ctx)
	if snap := c.Collect(ctx); len(snap.Tunnels) != 0 {
		t.Errorf("expected no tunnels, got %v", snap.Tunnels)
	}
	sample := c.Collect(ctx).Tunnels["t1"]["p"]
	if sample.Reset || sample.TxDelta != 0 {
		t.Errorf("a restarted tunnel starts a new baseline: %+v", sample)
	}
}

func TestNewCollector_MinimumInterval(t *testing.T) {
	c := NewCollector(&scripted{samples: []map[string]tunnel.PeerStats{{}}}, time.Millisecond)
	if c.Interval() != 100*time.Millisecond {
		t.Errorf("Interval() = %v, want 100ms", c.Interval())
	}
}

func TestCollector_StartStop(t *testing.T) {
	src := &scripted{samples: []map[string]tunnel.PeerStats{
		{"t1": {"p": {TxBytes: 1}}},
	}}
	c := NewCollector(src, 100*time.Millisecond)

	if c.IsRunning() {
		t.Error("collector should not be running initially")
	}
	c.Start()
	c.Start()
	if !c.IsRunning() {
		t.Error("collector should be running after Start()")
	}

	var got []Snapshot
	for len(got) < 2 {
		select {
		case snap := <-c.Events():
			got = append(got, snap)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for snapshots")
		}
	}
	if !got[1].Timestamp.After(got[0].Timestamp) {
		t.Error("snapshots must have increasing timestamps")
	}

	c.Stop()
	c.Stop()
	if c.IsRunning() {
		t.Error("collector should not be running after Stop()")
	}
	for range c.Events() {
		// drain anything buffered before Stop; the channel must close
	}
	c.Start()
	if c.IsRunning() {
		t.Error("a stopped collector cannot be restarted")
	}
}
