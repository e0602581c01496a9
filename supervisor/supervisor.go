package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/executor"
	"github.com/yllada/wirevault/tunnel"
	"github.com/yllada/wirevault/uapi"
)

// Options configure a Supervisor.
type Options struct {
	// StateDir receives runtime.json. Empty disables persistence.
	StateDir string
	// StartTimeout bounds a start from Starting to Running.
	StartTimeout time.Duration
	// EndpointRefresh is the host name re-resolution period. Zero disables it.
	EndpointRefresh time.Duration
	// PollInterval is how often liveness is checked in the background.
	PollInterval time.Duration
	// Resolver resolves peer endpoints for the refresh.
	Resolver uapi.Resolver
	// OnChange is called after every status change, outside any lock.
	OnChange func(tunnel.RuntimeState)
}

// DefaultOptions returns the defaults used by the daemon.
func DefaultOptions() Options {
	return Options{
		StartTimeout:    common.StartTimeout,
		EndpointRefresh: common.EndpointRefreshInterval,
		PollInterval:    2 * time.Second,
		Resolver:        uapi.DefaultResolver,
	}
}

// entry is the supervisor's view of one tunnel.
type entry struct {
	state  tunnel.RuntimeState
	handle *executor.Handle
	cfg    *tunnel.Config
	// cancel aborts an in-flight start.
	cancel context.CancelFunc
	// resolved maps peer public keys to the last resolved endpoint.
	resolved map[string]string
}

// Supervisor tracks tunnels and drives the executor.
type Supervisor struct {
	exec executor.Executor
	opts Options

	mu      sync.RWMutex
	entries map[string]*entry

	opsMu sync.Mutex
	ops   map[string]*sync.Mutex

	loopMu  sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a supervisor. Restore must be called before use to pick up
// tunnels left running by a previous process and to start the background
// maintenance.
func New(exec executor.Executor, opts Options) *Supervisor {
	def := DefaultOptions()
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = def.StartTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Resolver == nil {
		opts.Resolver = def.Resolver
	}
	return &Supervisor{
		exec:    exec,
		opts:    opts,
		entries: make(map[string]*entry),
		ops:     make(map[string]*sync.Mutex),
		done:    make(chan struct{}),
	}
}

// opLock returns the lock serializing start and stop of id. Locks are
// never removed so two callers always agree on the same mutex.
func (s *Supervisor) opLock(id string) *sync.Mutex {
	s.opsMu.Lock()
	defer s.opsMu.Unlock()
	l, ok := s.ops[id]
	if !ok {
		l = &sync.Mutex{}
		s.ops[id] = l
	}
	return l
}

// transition moves id to next. It must be called with s.mu held.
func (s *Supervisor) transition(e *entry, next tunnel.Status, reason string) error {
	if e.state.Status == next {
		e.state.Reason = reason
		return nil
	}
	if !e.state.Status.CanTransition(next) {
		return fmt.Errorf("tunnel %s: refused transition %s -> %s", e.state.ID, e.state.Status, next)
	}
	common.LogDebug("Supervisor: %s %s -> %s", e.state.ID, e.state.Status, next)
	e.state.Status = next
	e.state.Reason = reason
	return nil
}

func (s *Supervisor) notify(state tunnel.RuntimeState) {
	if s.opts.OnChange != nil {
		s.opts.OnChange(state)
	}
}

func (s *Supervisor) entryLocked(id string) *entry {
	e, ok := s.entries[id]
	if !ok {
		e = &entry{state: tunnel.StoppedState(id)}
		s.entries[id] = e
	}
	return e
}

// Start brings a tunnel up. Starting a tunnel whose process is alive is a
// no-op; a tunnel whose process died is reaped first.
func (s *Supervisor) Start(ctx context.Context, cfg *tunnel.Config) error {
	if err := cfg.ValidateForStart(); err != nil {
		return err
	}
	cfg = cfg.Clone()
	id := cfg.ID

	lock := s.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	var handle *executor.Handle
	var status tunnel.Status
	if e, ok := s.entries[id]; ok {
		handle, status = e.handle, e.state.Status
	}
	s.mu.RUnlock()

	if handle != nil {
		if status == tunnel.StatusRunning && s.exec.Alive(handle) {
			common.LogDebug("Supervisor: %s already running on %s", id, handle.Interface)
			return nil
		}
		if err := s.reap(ctx, id, handle); err != nil {
			return err
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()

	s.mu.Lock()
	e := s.entryLocked(id)
	if err := s.transition(e, tunnel.StatusStarting, ""); err != nil {
		s.mu.Unlock()
		return err
	}
	e.cfg = cfg
	e.handle = nil
	e.cancel = cancel
	e.state.Name = cfg.Name
	e.state.Interface = ""
	e.state.PID = 0
	e.state.Peers = nil
	state := e.state
	s.mu.Unlock()
	s.notify(state)

	h, err := s.launch(startCtx, cfg)
	if err != nil {
		err = classifyStartError(startCtx, err)
		if h != nil {
			s.teardown(h)
		}
		s.mu.Lock()
		e.cancel = nil
		_ = s.transition(e, tunnel.StatusError, common.UserMessage(err))
		state = e.state
		s.mu.Unlock()
		s.notify(state)
		common.LogError("Supervisor: failed to start %s: %v", id, err)
		return err
	}

	resolved := s.resolveHostnames(ctx, cfg)

	s.mu.Lock()
	e.cancel = nil
	e.handle = h
	e.resolved = resolved
	e.state.Interface = h.Interface
	e.state.PID = h.PID
	e.state.StartedAt = h.Started()
	_ = s.transition(e, tunnel.StatusRunning, "")
	state = e.state
	s.mu.Unlock()

	s.persist()
	s.notify(state)
	s.watch(id, h)
	common.LogInfo("Supervisor: %s running on %s", id, h.Interface)
	return nil
}

func (s *Supervisor) launch(ctx context.Context, cfg *tunnel.Config) (*executor.Handle, error) {
	iface, err := s.exec.Prepare(cfg)
	if err != nil {
		return nil, err
	}
	return s.exec.Start(ctx, cfg, iface)
}

// classifyStartError marks every start failure as ProcessSpawnFailed and
// adds Timeout when the start bound elapsed. More specific causes such
// as ConfigInvalid or PrivilegeDenied stay matchable.
func classifyStartError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, common.ErrTimeout) {
		err = fmt.Errorf("%w: %w", common.ErrTimeout, err)
	}
	if errors.Is(err, common.ErrConfigInvalid) {
		return err
	}
	if !errors.Is(err, common.ErrProcessSpawnFailed) {
		err = fmt.Errorf("%w: %w", common.ErrProcessSpawnFailed, err)
	}
	return err
}

// teardown stops a handle with a fresh bounded context; the caller's
// context may already be done.
func (s *Supervisor) teardown(h *executor.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*common.StopTimeout)
	defer cancel()
	if err := s.exec.Stop(ctx, h); err != nil {
		common.LogWarn("Supervisor: teardown of %s left residue: %v", h.Interface, err)
	}
}

// reap cleans up a handle whose tunnel is not running. It fails with
// ErrConflict when the process survives the teardown, so a second process
// is never spawned for the same tunnel.
func (s *Supervisor) reap(ctx context.Context, id string, h *executor.Handle) error {
	common.LogInfo("Supervisor: reaping previous process of %s", id)
	if err := s.exec.Stop(ctx, h); err != nil {
		if s.exec.Alive(h) {
			return fmt.Errorf("%w: previous process of %s (pid %d) survived teardown: %w", common.ErrConflict, id, h.PID, err)
		}
		common.LogWarn("Supervisor: cleanup of %s: %v", id, err)
	}
	s.mu.Lock()
	if e, ok := s.entries[id]; ok && e.handle == h {
		e.handle = nil
		switch e.state.Status {
		case tunnel.StatusRunning:
			_ = s.transition(e, tunnel.StatusError, "process exited")
		case tunnel.StatusStopping:
			_ = s.transition(e, tunnel.StatusStopped, "")
		}
	}
	s.mu.Unlock()
	return nil
}

// Stop tears a tunnel down. An in-flight start of the same id is
// cancelled first. Stopping an unknown or stopped tunnel succeeds.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.RLock()
	if e, ok := s.entries[id]; ok && e.cancel != nil {
		common.LogInfo("Supervisor: cancelling in-flight start of %s", id)
		e.cancel()
	}
	s.mu.RUnlock()

	lock := s.opLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.state.Status == tunnel.StatusStopped {
		s.mu.Unlock()
		return nil
	}
	h := e.handle
	if err := s.transition(e, tunnel.StatusStopping, ""); err != nil {
		s.mu.Unlock()
		return err
	}
	state := e.state
	s.mu.Unlock()
	s.notify(state)

	var stopErr error
	if h != nil {
		stopErr = s.exec.Stop(ctx, h)
	}

	if stopErr != nil && s.exec.Alive(h) {
		// The process survived: keep the handle so the next Stop retries
		// and Start refuses to spawn a second process.
		s.mu.Lock()
		e.state.Reason = common.UserMessage(stopErr)
		state = e.state
		s.mu.Unlock()
		s.persist()
		s.notify(state)
		common.LogError("Supervisor: %s did not stop: %v", id, stopErr)
		return stopErr
	}

	s.mu.Lock()
	e.handle = nil
	e.resolved = nil
	e.state = tunnel.StoppedState(id)
	e.state.Name = nameOf(e.cfg)
	state = e.state
	s.mu.Unlock()

	s.persist()
	s.notify(state)
	if stopErr != nil {
		common.LogWarn("Supervisor: %s stopped with errors: %v", id, stopErr)
		return stopErr
	}
	common.LogInfo("Supervisor: %s stopped", id)
	return nil
}

func nameOf(cfg *tunnel.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Name
}

// watch moves a running tunnel to Error when its process exits.
func (s *Supervisor) watch(id string, h *executor.Handle) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-h.Exited():
		case <-s.done:
			return
		}
		s.processGone(id, h, h.ExitErr())
	}()
}

func (s *Supervisor) processGone(id string, h *executor.Handle, exitErr error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.handle != h || e.state.Status != tunnel.StatusRunning {
		s.mu.Unlock()
		return
	}
	reason := "process exited"
	if exitErr != nil {
		reason = fmt.Sprintf("process exited: %v", exitErr)
	}
	_ = s.transition(e, tunnel.StatusError, reason)
	state := e.state
	s.mu.Unlock()

	common.LogWarn("Supervisor: %s on %s died: %s", id, h.Interface, reason)
	s.persist()
	s.notify(state)
}

// Poll checks the liveness of every running tunnel and moves dead ones to
// Error.
func (s *Supervisor) Poll(ctx context.Context) {
	type candidate struct {
		id string
		h  *executor.Handle
	}
	var running []candidate
	s.mu.RLock()
	for id, e := range s.entries {
		if e.state.Status == tunnel.StatusRunning && e.handle != nil {
			running = append(running, candidate{id, e.handle})
		}
	}
	s.mu.RUnlock()

	for _, c := range running {
		if ctx.Err() != nil {
			return
		}
		if !s.exec.Alive(c.h) {
			s.processGone(c.id, c.h, c.h.ExitErr())
		}
	}
}

// State returns the runtime state of id; unknown ids are Stopped.
func (s *Supervisor) State(id string) tunnel.RuntimeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[id]; ok {
		st := e.state
		st.Peers = st.Peers.Clone()
		return st
	}
	return tunnel.StoppedState(id)
}

// List returns every tunnel that is not Stopped, sorted by id.
func (s *Supervisor) List() []tunnel.RuntimeState {
	s.mu.RLock()
	out := make([]tunnel.RuntimeState, 0, len(s.entries))
	for _, e := range s.entries {
		if e.state.Status == tunnel.StatusStopped {
			continue
		}
		st := e.state
		st.Peers = st.Peers.Clone()
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sample reads the counters of every running tunnel. It satisfies
// stats.Source. Tunnels whose counters cannot be read are left out.
func (s *Supervisor) Sample(ctx context.Context) map[string]tunnel.PeerStats {
	type candidate struct {
		id string
		h  *executor.Handle
	}
	var running []candidate
	s.mu.RLock()
	for id, e := range s.entries {
		if e.state.Status == tunnel.StatusRunning && e.handle != nil {
			running = append(running, candidate{id, e.handle})
		}
	}
	s.mu.RUnlock()

	out := make(map[string]tunnel.PeerStats, len(running))
	now := time.Now()
	for _, c := range running {
		peers, err := s.exec.Stats(ctx, c.h)
		if err != nil {
			if !s.exec.Alive(c.h) {
				s.processGone(c.id, c.h, c.h.ExitErr())
				continue
			}
			common.LogDebug("Supervisor: stats of %s unavailable: %v", c.id, err)
			continue
		}
		out[c.id] = peers
		s.mu.Lock()
		if e, ok := s.entries[c.id]; ok && e.handle == c.h {
			e.state.Peers = peers.Clone()
			e.state.StatsAt = now
		}
		s.mu.Unlock()
	}
	return out
}

// Restore re-adopts tunnels recorded by a previous process whose
// data-plane processes are still alive and starts background
// maintenance. Records of dead processes are cleaned up and discarded.
func (s *Supervisor) Restore(ctx context.Context) error {
	records, err := s.load()
	if err != nil {
		common.LogWarn("Supervisor: ignoring unreadable runtime state: %v", err)
	}

	for _, rec := range records {
		h, err := s.exec.Adopt(rec)
		if err != nil {
			common.LogInfo("Supervisor: discarding %s on %s: %v", rec.TunnelID, rec.Interface, err)
			// The recorded PID is dead or belongs to another process now;
			// clean up the interface without signalling it.
			stale := rec
			stale.PID = 0
			if cleanupErr := s.exec.Stop(ctx, executor.NewHandle(stale)); cleanupErr != nil {
				common.LogDebug("Supervisor: cleanup of %s: %v", rec.TunnelID, cleanupErr)
			}
			continue
		}
		s.mu.Lock()
		e := s.entryLocked(rec.TunnelID)
		e.handle = h
		e.state = tunnel.RuntimeState{
			ID:        rec.TunnelID,
			Interface: rec.Interface,
			Status:    tunnel.StatusRunning,
			PID:       rec.PID,
			StartedAt: h.Started(),
		}
		s.mu.Unlock()
		common.LogInfo("Supervisor: adopted %s on %s (pid %d)", rec.TunnelID, rec.Interface, rec.PID)
	}
	s.persist()
	s.startLoop()
	return nil
}

// Shutdown stops background work and persists handles. Running tunnels
// are left running so a restarted process can adopt them.
func (s *Supervisor) Shutdown() {
	s.loopMu.Lock()
	if s.running {
		s.running = false
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.loopMu.Unlock()

	s.wg.Wait()
	s.persist()
	common.LogInfo("Supervisor: shut down, running tunnels left in place")
}

func (s *Supervisor) startLoop() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.running {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		poll := time.NewTicker(s.opts.PollInterval)
		defer poll.Stop()

		var refresh <-chan time.Time
		if s.opts.EndpointRefresh > 0 {
			t := time.NewTicker(s.opts.EndpointRefresh)
			defer t.Stop()
			refresh = t.C
		}

		for {
			select {
			case <-s.done:
				return
			case <-poll.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.opts.PollInterval)
				s.Poll(ctx)
				cancel()
			case <-refresh:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				s.RefreshEndpoints(ctx)
				cancel()
			}
		}
	}()
}
