package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/daemon"
	"github.com/yllada/wirevault/daemon/protocol"
	"github.com/yllada/wirevault/executor/executortest"
	"github.com/yllada/wirevault/supervisor"
	"github.com/yllada/wirevault/tunnel"
	"github.com/yllada/wirevault/tunnel/tunneltest"
)

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "wvc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

// startDaemon serves a supervisor over a fake executor on path.
func startDaemon(t *testing.T, path string, fake *executortest.Fake) *daemon.Server {
	t.Helper()
	sup := supervisor.New(fake, supervisor.Options{PollInterval: time.Hour})
	t.Cleanup(sup.Shutdown)
	srv := daemon.NewServer(sup, daemon.ServerOptions{SocketPath: path, Version: "0.9.0"})
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() { stopDaemon(srv) })
	return srv
}

func stopDaemon(srv *daemon.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func TestClient_Unavailable(t *testing.T) {
	c := New(socketPath(t))
	_, err := c.Ping(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrDaemonUnavailable)
	assert.Equal(t, common.CodeDaemonUnavailable, common.ErrorCode(err))

	_, err = c.Subscribe(context.Background(), time.Second)
	assert.ErrorIs(t, err, common.ErrDaemonUnavailable)
}

func TestClient_Lifecycle(t *testing.T) {
	path := socketPath(t)
	fake := executortest.New()
	startDaemon(t, path, fake)

	c := New(path)
	defer c.Close()
	ctx := context.Background()

	ping, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.9.0", ping.Version)
	assert.Equal(t, protocol.Version, ping.Protocol)

	cfg := tunneltest.Client(t, "office")
	require.NoError(t, c.StartTunnel(ctx, cfg))
	require.NoError(t, c.StartTunnel(ctx, cfg))
	assert.Equal(t, 1, fake.Starts("office"))

	list, err := c.ListTunnels(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "office", list[0].ID)

	st, err := c.TunnelDetail(ctx, "office")
	require.NoError(t, err)
	assert.Equal(t, tunnel.StatusRunning, st.Status)

	require.NoError(t, c.StopTunnel(ctx, "office"))
	require.NoError(t, c.StopTunnel(ctx, "office"))
	st, err = c.TunnelDetail(ctx, "office")
	require.NoError(t, err)
	assert.Equal(t, tunnel.StatusStopped, st.Status)
}

func TestClient_DaemonErrorsStayTyped(t *testing.T) {
	path := socketPath(t)
	fake := executortest.New()
	fake.StartErr = fmt.Errorf("%w: utun busy", common.ErrInterfaceConflict)
	startDaemon(t, path, fake)
	c := New(path)
	defer c.Close()

	cfg := tunneltest.Client(t, "bad")
	cfg.Peers = nil
	err := c.StartTunnel(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrDaemonCommandFailed)
	assert.ErrorIs(t, err, common.ErrConfigInvalid)

	err = c.StartTunnel(context.Background(), tunneltest.Client(t, "busy"))
	assert.ErrorIs(t, err, common.ErrDaemonCommandFailed)
	assert.ErrorIs(t, err, common.ErrInterfaceConflict)
}

func TestClient_ReconnectsOnce(t *testing.T) {
	path := socketPath(t)
	first := startDaemon(t, path, executortest.New())

	c := New(path)
	defer c.Close()
	_, err := c.Ping(context.Background())
	require.NoError(t, err)

	// The daemon restarts; the cached connection is now broken.
	stopDaemon(first)
	startDaemon(t, path, executortest.New())

	_, err = c.Ping(context.Background())
	require.NoError(t, err)
}

func TestClient_BrokenWithoutDaemon(t *testing.T) {
	path := socketPath(t)
	srv := startDaemon(t, path, executortest.New())

	c := New(path)
	defer c.Close()
	_, err := c.Ping(context.Background())
	require.NoError(t, err)

	stopDaemon(srv)
	_, err = c.Ping(context.Background())
	assert.ErrorIs(t, err, common.ErrDaemonUnavailable)
}

// rawServer answers every request with reply(line).
func rawServer(t *testing.T, reply func(line string) string) string {
	t.Helper()
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if out := reply(line); out != "" {
						fmt.Fprint(conn, out)
					}
				}
			}(conn)
		}
	}()
	return path
}

func TestClient_ReadTimeout(t *testing.T) {
	path := rawServer(t, func(string) string { return "" })
	c := New(path)
	c.ReadTimeout = 100 * time.Millisecond
	defer c.Close()

	_, err := c.Ping(context.Background())
	assert.ErrorIs(t, err, common.ErrTimeout)
}

func TestClient_ContextCancel(t *testing.T) {
	path := rawServer(t, func(string) string { return "" })
	c := New(path)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Ping(ctx)
	assert.ErrorIs(t, err, common.ErrTimeout)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClient_UnsupportedVersion(t *testing.T) {
	path := rawServer(t, func(string) string {
		return `{"v":1,"id":1,"error":{"code":"unsupported_version","message":"unsupported protocol version: got 1, want 2"}}` + "\n"
	})
	c := New(path)
	defer c.Close()

	_, err := c.Ping(context.Background())
	assert.ErrorIs(t, err, common.ErrDaemonCommandFailed)
	assert.ErrorIs(t, err, protocol.ErrUnsupportedVersion)
}

func TestClient_SkipsStaleResponses(t *testing.T) {
	path := rawServer(t, func(string) string {
		return `{"v":1,"id":99,"result":{}}` + "\n" +
			`{"v":1,"id":1,"event":"stats","result":{}}` + "\n" +
			`{"v":1,"id":1,"result":{"version":"2.0.0","protocol":1,"pid":7}}` + "\n"
	})
	c := New(path)
	defer c.Close()

	ping, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", ping.Version)
	assert.Equal(t, 7, ping.PID)
}

func TestSubscription(t *testing.T) {
	path := socketPath(t)
	fake := executortest.New()
	startDaemon(t, path, fake)

	c := New(path)
	defer c.Close()
	ctx := context.Background()

	cfg := tunneltest.Client(t, "home")
	require.NoError(t, c.StartTunnel(ctx, cfg))
	peer := cfg.Peers[0].PublicKey
	fake.SetStats("home", tunnel.PeerStats{peer: {TxBytes: 100, RxBytes: 200}})

	sub, err := c.Subscribe(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, sub.Interval())

	var last time.Time
	for i := 0; i < 3; i++ {
		select {
		case snap, ok := <-sub.Events():
			require.True(t, ok)
			assert.True(t, snap.Timestamp.After(last))
			last = snap.Timestamp
			assert.Equal(t, uint64(200), snap.Tunnels["home"][peer].RxBytes)
		case <-time.After(5 * time.Second):
			t.Fatal("no snapshot")
		}
	}

	require.NoError(t, sub.Close())
	for range sub.Events() {
	}
	assert.NoError(t, sub.Err())

	// Request/response traffic is unaffected by the closed stream.
	_, err = c.Ping(ctx)
	assert.NoError(t, err)
}

func TestSubscription_DaemonGoesAway(t *testing.T) {
	path := socketPath(t)
	srv := startDaemon(t, path, executortest.New())
	c := New(path)

	sub, err := c.Subscribe(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	defer sub.Close()

	stopDaemon(srv)
	for range sub.Events() {
	}
	assert.ErrorIs(t, sub.Err(), common.ErrDaemonUnavailable)
}
