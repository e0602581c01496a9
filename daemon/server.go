// Package daemon implements the privileged Linux service: a Unix-socket
// IPC server in front of the tunnel supervisor, with per-connection
// stats subscriptions and optional Prometheus metrics.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/stats"
	"github.com/yllada/wirevault/tunnel"
)

// Backend is what the IPC methods operate on; the supervisor in
// production.
type Backend interface {
	Start(ctx context.Context, cfg *tunnel.Config) error
	Stop(ctx context.Context, id string) error
	State(id string) tunnel.RuntimeState
	List() []tunnel.RuntimeState
	stats.Source
}

// ServerOptions configure the IPC server.
type ServerOptions struct {
	SocketPath string
	// SocketGroup owns the socket (mode 0660) when the group exists;
	// otherwise the socket is world accessible (mode 0666).
	SocketGroup string
	// AllowedUIDs, when not empty, restricts clients to these users.
	// Root is always allowed.
	AllowedUIDs []int
	// Version is reported by ping.
	Version string
	Metrics *Metrics
}

// Server accepts IPC connections.
type Server struct {
	backend Backend
	opts    ServerOptions

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	closing  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server; Listen must be called before Serve.
func NewServer(backend Backend, opts ServerOptions) *Server {
	if opts.SocketPath == "" {
		opts.SocketPath = common.DaemonSocketPath
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		backend: backend,
		opts:    opts,
		conns:   make(map[*conn]struct{}),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// SocketPath returns the socket the server listens on.
func (s *Server) SocketPath() string {
	return s.opts.SocketPath
}

// Listen creates the socket, replacing a stale one, and applies the
// access mode.
func (s *Server) Listen() error {
	path := s.opts.SocketPath
	if err := common.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if common.FileExists(path) {
		if c, err := net.DialTimeout("unix", path, time.Second); err == nil {
			c.Close()
			return fmt.Errorf("%w: another daemon is listening on %s", common.ErrConflict, path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", path, err)
	}

	mode := os.FileMode(0o666)
	if gid, ok := lookupGroup(s.opts.SocketGroup); ok {
		if err := os.Chown(path, -1, gid); err != nil {
			common.LogWarn("Daemon: cannot hand socket to group %s: %v", s.opts.SocketGroup, err)
		} else {
			mode = 0o660
		}
	}
	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		return fmt.Errorf("failed to set socket mode: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	common.LogInfo("Daemon: listening on %s (mode %04o)", path, mode)
	return nil
}

func lookupGroup(name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, false
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, false
	}
	return gid, true
}

// Serve accepts connections until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.accept(nc)
	}
}

// accept registers nc and serves it on its own goroutine. Rejected peers
// are answered there too so a silent client never holds the accept loop.
func (s *Server) accept(nc net.Conn) {
	var rejectErr error
	cred, err := peerCredentials(nc)
	if err != nil {
		common.LogDebug("Daemon: peer credentials unavailable: %v", err)
	} else {
		common.LogDebug("Daemon: connection from uid %d pid %d", cred.UID, cred.PID)
		if !s.uidAllowed(cred.UID) {
			common.LogWarn("Daemon: rejecting connection from uid %d", cred.UID)
			rejectErr = fmt.Errorf("%w: uid %d may not use the daemon", common.ErrPrivilegeDenied, cred.UID)
		}
	}

	c := newConn(s, nc)
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if rejectErr != nil {
			c.reject(rejectErr)
		} else {
			c.serve()
		}
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
}

func (s *Server) uidAllowed(uid int) bool {
	if len(s.opts.AllowedUIDs) == 0 || uid == 0 {
		return true
	}
	for _, allowed := range s.opts.AllowedUIDs {
		if allowed == uid {
			return true
		}
	}
	return false
}

// Shutdown stops accepting, cancels subscriptions and waits for
// in-flight requests to finish. Connections still open when ctx ends
// are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	ln := s.listener
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.drain()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.cancel()
		s.mu.Lock()
		for c := range s.conns {
			c.nc.Close()
		}
		s.mu.Unlock()
		<-done
	}
	s.cancel()
	_ = os.Remove(s.opts.SocketPath)
	common.LogInfo("Daemon: IPC server stopped")
	return err
}
