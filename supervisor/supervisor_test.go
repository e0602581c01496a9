package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/executor"
	"github.com/yllada/wirevault/executor/executortest"
	"github.com/yllada/wirevault/tunnel"
	"github.com/yllada/wirevault/tunnel/tunneltest"
)

type recorder struct {
	mu     sync.Mutex
	states []tunnel.Status
}

func (r *recorder) record(st tunnel.RuntimeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st.Status)
}

func (r *recorder) statuses() []tunnel.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tunnel.Status(nil), r.states...)
}

func newSupervisor(t *testing.T, fake *executortest.Fake, opts Options) (*Supervisor, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts.OnChange = rec.record
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Hour
	}
	s := New(fake, opts)
	t.Cleanup(s.Shutdown)
	return s, rec
}

func TestStartStop_StatusOrder(t *testing.T) {
	fake := executortest.New()
	s, rec := newSupervisor(t, fake, Options{})
	cfg := tunneltest.Client(t, "home")
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, cfg))
	st := s.State("home")
	assert.Equal(t, tunnel.StatusRunning, st.Status)
	assert.Equal(t, "fake0", st.Interface)
	assert.NotZero(t, st.PID)

	require.NoError(t, s.Stop(ctx, "home"))
	assert.Equal(t, tunnel.StatusStopped, s.State("home").Status)

	assert.Equal(t, []tunnel.Status{
		tunnel.StatusStarting,
		tunnel.StatusRunning,
		tunnel.StatusStopping,
		tunnel.StatusStopped,
	}, rec.statuses())
}

func TestStart_IsIdempotentWhileAlive(t *testing.T) {
	fake := executortest.New()
	s, _ := newSupervisor(t, fake, Options{})
	cfg := tunneltest.Client(t, "home")

	require.NoError(t, s.Start(context.Background(), cfg))
	require.NoError(t, s.Start(context.Background(), cfg))
	assert.Equal(t, 1, fake.Starts("home"))
	assert.Equal(t, 1, fake.Running())
}

func TestStop_UnknownIsNoop(t *testing.T) {
	fake := executortest.New()
	s, rec := newSupervisor(t, fake, Options{})

	require.NoError(t, s.Stop(context.Background(), "nope"))
	require.NoError(t, s.Stop(context.Background(), "nope"))
	assert.Empty(t, rec.statuses())
	assert.Equal(t, 0, fake.Stops("nope"))
}

func TestStart_InvalidConfig(t *testing.T) {
	fake := executortest.New()
	s, _ := newSupervisor(t, fake, Options{})
	cfg := tunneltest.Client(t, "home")
	cfg.Peers[0].Endpoint = ""

	err := s.Start(context.Background(), cfg)
	assert.ErrorIs(t, err, common.ErrConfigInvalid)
	assert.Equal(t, tunnel.StatusStopped, s.State("home").Status)
	assert.Equal(t, 0, fake.Starts("home"))
}

func TestStart_FailureIsClassifiedAndTornDown(t *testing.T) {
	fake := executortest.New()
	fake.StartErr = errors.New("bind: address in use")
	s, _ := newSupervisor(t, fake, Options{})

	err := s.Start(context.Background(), tunneltest.Client(t, "home"))
	assert.ErrorIs(t, err, common.ErrProcessSpawnFailed)
	assert.NotErrorIs(t, err, common.ErrTimeout)
	assert.Equal(t, common.CodeProcessSpawnFailed, common.ErrorCode(err))

	st := s.State("home")
	assert.Equal(t, tunnel.StatusError, st.Status)
	assert.NotEmpty(t, st.Reason)
	assert.Equal(t, 1, fake.Stops("home"), "partial start must be torn down")
	assert.Equal(t, 0, fake.Running())
}

func TestStart_PrivilegeDeniedStaysTyped(t *testing.T) {
	fake := executortest.New()
	fake.StartErr = common.ErrPrivilegeDenied
	s, _ := newSupervisor(t, fake, Options{})

	err := s.Start(context.Background(), tunneltest.Client(t, "home"))
	assert.ErrorIs(t, err, common.ErrPrivilegeDenied)
	assert.Equal(t, common.CodePrivilegeDenied, common.ErrorCode(err))
}

func TestStart_Timeout(t *testing.T) {
	fake := executortest.New()
	fake.StartGate = make(chan struct{})
	s, _ := newSupervisor(t, fake, Options{StartTimeout: 50 * time.Millisecond})

	err := s.Start(context.Background(), tunneltest.Client(t, "home"))
	assert.ErrorIs(t, err, common.ErrTimeout)
	assert.ErrorIs(t, err, common.ErrProcessSpawnFailed)
	assert.Equal(t, common.CodeProcessSpawnFailed, common.ErrorCode(err))
	assert.Equal(t, tunnel.StatusError, s.State("home").Status)
}

func TestStop_CancelsInFlightStart(t *testing.T) {
	fake := executortest.New()
	fake.StartGate = make(chan struct{})
	s, _ := newSupervisor(t, fake, Options{StartTimeout: time.Minute})

	startErr := make(chan error, 1)
	go func() { startErr <- s.Start(context.Background(), tunneltest.Client(t, "home")) }()

	require.Eventually(t, func() bool {
		return s.State("home").Status == tunnel.StatusStarting && fake.Starts("home") == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background(), "home"))
	assert.Error(t, <-startErr)
	assert.Equal(t, tunnel.StatusStopped, s.State("home").Status)
	assert.Equal(t, 0, fake.Running())
}

func TestCrash_MovesToErrorAndRestartWorks(t *testing.T) {
	fake := executortest.New()
	s, _ := newSupervisor(t, fake, Options{})
	cfg := tunneltest.Client(t, "home")
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, cfg))
	fake.Crash("home")

	require.Eventually(t, func() bool {
		return s.State("home").Status == tunnel.StatusError
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, s.State("home").Reason, "process exited")

	require.NoError(t, s.Start(ctx, cfg))
	assert.Equal(t, tunnel.StatusRunning, s.State("home").Status)
	assert.Equal(t, 2, fake.Starts("home"))
}

func TestPoll_DetectsDeadProcess(t *testing.T) {
	fake := executortest.New()
	s, _ := newSupervisor(t, fake, Options{})
	require.NoError(t, s.Start(context.Background(), tunneltest.Client(t, "home")))

	fake.SetAlive(s.State("home").Interface, false)
	s.Poll(context.Background())
	assert.Equal(t, tunnel.StatusError, s.State("home").Status)

	require.NoError(t, s.Stop(context.Background(), "home"))
	assert.Equal(t, tunnel.StatusStopped, s.State("home").Status)
}

func TestListAndSample(t *testing.T) {
	fake := executortest.New()
	s, _ := newSupervisor(t, fake, Options{})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, tunneltest.Client(t, "b")))
	require.NoError(t, s.Start(ctx, tunneltest.Server(t, "a")))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	fake.SetStats("b", tunnel.PeerStats{"peer": {TxBytes: 10, RxBytes: 20, LastHandshake: 5}})
	sample := s.Sample(ctx)
	assert.Equal(t, uint64(10), sample["b"]["peer"].TxBytes)
	assert.Empty(t, sample["a"])
	assert.Equal(t, uint64(20), s.State("b").Peers["peer"].RxBytes)
	assert.False(t, s.State("b").StatsAt.IsZero())
}

func TestSample_DetectsDeadProcess(t *testing.T) {
	fake := executortest.New()
	s, rec := newSupervisor(t, fake, Options{})
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, tunneltest.Server(t, "vpn1")))

	fake.SetAlive(s.State("vpn1").Interface, false)
	sample := s.Sample(ctx)
	assert.NotContains(t, sample, "vpn1")
	assert.Equal(t, tunnel.StatusError, s.State("vpn1").Status)
	assert.Equal(t, tunnel.StatusError, rec.statuses()[len(rec.statuses())-1])

	require.NoError(t, s.Start(ctx, tunneltest.Server(t, "vpn1")))
	assert.Equal(t, tunnel.StatusRunning, s.State("vpn1").Status)
	assert.Equal(t, 2, fake.Starts("vpn1"))
}

func TestRestore_AdoptsLiveAndDiscardsDead(t *testing.T) {
	dir := t.TempDir()
	fake := executortest.New()
	ctx := context.Background()

	first := New(fake, Options{StateDir: dir, PollInterval: time.Hour})
	require.NoError(t, first.Start(ctx, tunneltest.Client(t, "alive")))
	require.NoError(t, first.Start(ctx, tunneltest.Client(t, "dead")))
	deadIface := first.State("dead").Interface
	first.Shutdown()
	assert.Equal(t, 2, fake.Running(), "shutdown must not stop tunnels")

	fake.SetAlive(deadIface, false)

	second, _ := newSupervisor(t, fake, Options{StateDir: dir})
	require.NoError(t, second.Restore(ctx))

	assert.Equal(t, tunnel.StatusRunning, second.State("alive").Status)
	assert.Equal(t, tunnel.StatusStopped, second.State("dead").Status)
	assert.Equal(t, 1, fake.Stops("dead"), "dead record is cleaned up")

	require.NoError(t, second.Start(ctx, tunneltest.Client(t, "alive")))
	assert.Equal(t, 1, fake.Starts("alive"), "adopted tunnel is not started twice")

	records, err := second.load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alive", records[0].TunnelID)
}

func TestStop_FailedTeardownKeepsHandle(t *testing.T) {
	fake := executortest.New()
	s, _ := newSupervisor(t, fake, Options{})
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, tunneltest.Server(t, "vpn1")))
	pid := s.State("vpn1").PID

	fake.StopErr = errors.New("device busy")
	err := s.Stop(ctx, "vpn1")
	require.Error(t, err)
	st := s.State("vpn1")
	assert.Equal(t, tunnel.StatusStopping, st.Status)
	assert.Equal(t, pid, st.PID)
	assert.NotEmpty(t, st.Reason)

	err = s.Start(ctx, tunneltest.Server(t, "vpn1"))
	assert.ErrorIs(t, err, common.ErrConflict)
	assert.Equal(t, 1, fake.Starts("vpn1"), "no second process while the first survives")

	fake.StopErr = nil
	require.NoError(t, s.Stop(ctx, "vpn1"))
	assert.Equal(t, tunnel.StatusStopped, s.State("vpn1").Status)

	require.NoError(t, s.Start(ctx, tunneltest.Server(t, "vpn1")))
	assert.Equal(t, 2, fake.Starts("vpn1"))
}

func TestRestore_ForeignProcessIsNotAdopted(t *testing.T) {
	dir := t.TempDir()
	fake := executortest.New()
	ctx := context.Background()

	first := New(fake, Options{StateDir: dir, PollInterval: time.Hour})
	require.NoError(t, first.Start(ctx, tunneltest.Client(t, "home")))
	first.Shutdown()

	// The interface looks alive but the recorded PID was reused.
	fake.AdoptErr = fmt.Errorf("%w: pid reused", executor.ErrProcessGone)

	second, _ := newSupervisor(t, fake, Options{StateDir: dir})
	require.NoError(t, second.Restore(ctx))

	assert.Equal(t, tunnel.StatusStopped, second.State("home").Status)
	assert.Equal(t, 1, fake.Stops("home"))
	assert.Zero(t, fake.StoppedPID("home"), "cleanup must not signal the recorded pid")

	fake.AdoptErr = nil
	require.NoError(t, second.Start(ctx, tunneltest.Client(t, "home")))
	assert.Equal(t, 2, fake.Starts("home"), "start spawns a new process")
	assert.Equal(t, tunnel.StatusRunning, second.State("home").Status)
}

func TestRestore_MissingFile(t *testing.T) {
	s, _ := newSupervisor(t, executortest.New(), Options{StateDir: t.TempDir()})
	require.NoError(t, s.Restore(context.Background()))
	assert.Empty(t, s.List())
}

func TestRefreshEndpoints_UpdatesOnlyOnChange(t *testing.T) {
	fake := executortest.New()
	var mu sync.Mutex
	current := "198.51.100.1"
	resolver := func(_ context.Context, endpoint string) (*net.UDPAddr, error) {
		mu.Lock()
		defer mu.Unlock()
		return &net.UDPAddr{IP: net.ParseIP(current), Port: 51820}, nil
	}
	s, _ := newSupervisor(t, fake, Options{Resolver: resolver})

	cfg := tunneltest.Client(t, "home")
	cfg.Peers[0].Endpoint = "vpn.example.com:51820"
	peerKey := cfg.Peers[0].PublicKey
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, cfg))

	s.RefreshEndpoints(ctx)
	assert.Empty(t, fake.Endpoint("home", peerKey), "unchanged address is not pushed")

	mu.Lock()
	current = "198.51.100.2"
	mu.Unlock()
	s.RefreshEndpoints(ctx)
	assert.Equal(t, "198.51.100.2:51820", fake.Endpoint("home", peerKey))
}

func TestClassifyStartError(t *testing.T) {
	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := classifyStartError(context.Background(), fmt.Errorf("%w: bad key", common.ErrConfigInvalid))
	assert.Equal(t, common.CodeConfigInvalid, common.ErrorCode(err))

	err = classifyStartError(expired, context.DeadlineExceeded)
	assert.ErrorIs(t, err, common.ErrTimeout)
	assert.ErrorIs(t, err, common.ErrProcessSpawnFailed)
}
