// Package client talks to the Linux daemon over its Unix socket.
//
// A Client keeps one connection for request/response calls and opens a
// dedicated connection per stats subscription. Failures to reach the
// socket are reported as common.ErrDaemonUnavailable; errors returned by
// the daemon wrap common.ErrDaemonCommandFailed together with the typed
// error they carry.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/daemon/protocol"
	"github.com/yllada/wirevault/tunnel"
)

// Client is safe for concurrent use; calls are serialized on the shared
// connection.
type Client struct {
	path string

	// WriteTimeout bounds sending a request.
	WriteTimeout time.Duration
	// ReadTimeout bounds waiting for the response.
	ReadTimeout time.Duration
	// ReconnectDelay is the pause before the single reconnect attempt.
	ReconnectDelay time.Duration

	nextID atomic.Uint64

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// New creates a client for the socket at path. Nothing is dialed until
// the first call.
func New(path string) *Client {
	if path == "" {
		path = common.DaemonSocketPath
	}
	return &Client{
		path:           path,
		WriteTimeout:   common.IPCWriteTimeout,
		ReadTimeout:    common.IPCReadTimeout,
		ReconnectDelay: 100 * time.Millisecond,
	}
}

// SocketPath returns the daemon socket.
func (c *Client) SocketPath() string {
	return c.path
}

// Close drops the shared connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// Ping identifies the daemon.
func (c *Client) Ping(ctx context.Context) (protocol.PingResult, error) {
	var res protocol.PingResult
	err := c.call(ctx, protocol.MethodPing, nil, &res)
	return res, err
}

// StartTunnel hands cfg to the daemon and waits until it is Running.
func (c *Client) StartTunnel(ctx context.Context, cfg *tunnel.Config) error {
	return c.call(ctx, protocol.MethodStartTunnel, protocol.StartParams{Config: cfg}, nil)
}

// StopTunnel stops the tunnel with id.
func (c *Client) StopTunnel(ctx context.Context, id string) error {
	return c.call(ctx, protocol.MethodStopTunnel, protocol.IDParams{ID: id}, nil)
}

// ListTunnels returns every tunnel that is not stopped.
func (c *Client) ListTunnels(ctx context.Context) ([]tunnel.RuntimeState, error) {
	var res protocol.ListResult
	if err := c.call(ctx, protocol.MethodListTunnels, nil, &res); err != nil {
		return nil, err
	}
	return res.Tunnels, nil
}

// TunnelDetail returns the runtime state of id, Stopped when unknown.
func (c *Client) TunnelDetail(ctx context.Context, id string) (tunnel.RuntimeState, error) {
	var st tunnel.RuntimeState
	err := c.call(ctx, protocol.MethodGetTunnelDetail, protocol.IDParams{ID: id}, &st)
	return st, err
}

// brokenConnError marks I/O failures on an established connection, the
// only failures that are retried.
type brokenConnError struct {
	err error
}

func (e *brokenConnError) Error() string { return e.err.Error() }
func (e *brokenConnError) Unwrap() error { return e.err }

func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	req, err := protocol.NewRequest(c.nextID.Add(1), method, params)
	if err != nil {
		return err
	}
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	attempt := 0
	var resp *protocol.Response
	op := func() error {
		attempt++
		if attempt > 1 {
			common.LogDebug("Client: reconnecting to %s for %s", c.path, method)
		}
		r, err := c.roundTrip(ctx, req.ID, line)
		if err == nil {
			resp = r
			return nil
		}
		var broken *brokenConnError
		if errors.As(err, &broken) && ctx.Err() == nil {
			_ = c.closeLocked()
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.ReconnectDelay), 1)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		var broken *brokenConnError
		if errors.As(err, &broken) {
			return fmt.Errorf("%w: connection to %s lost: %v", common.ErrDaemonUnavailable, c.path, broken.err)
		}
		return err
	}

	if resp.Error != nil {
		return fmt.Errorf("%w: %w", common.ErrDaemonCommandFailed, resp.Error.Err())
	}
	if out == nil {
		return nil
	}
	if err := protocol.Decode(resp.Result, out); err != nil {
		return fmt.Errorf("%w: %s result: %v", common.ErrDaemonCommandFailed, method, err)
	}
	return nil
}

// roundTrip sends one request and reads until its response. It must be
// called with c.mu held.
func (c *Client) roundTrip(ctx context.Context, id uint64, line []byte) (*protocol.Response, error) {
	if c.conn == nil {
		conn, err := dial(ctx, c.path)
		if err != nil {
			return nil, err
		}
		c.conn = conn
		c.reader = bufio.NewReaderSize(conn, 64*1024)
	}
	conn := c.conn

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	_ = conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	if _, err := conn.Write(line); err != nil {
		return nil, c.ioError(ctx, err, "write")
	}

	readDeadline := time.Now().Add(c.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(readDeadline) {
		readDeadline = d
	}
	_ = conn.SetReadDeadline(readDeadline)

	for {
		data, err := c.reader.ReadBytes('\n')
		if err != nil {
			return nil, c.ioError(ctx, err, "read")
		}
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			_ = c.closeLocked()
			return nil, fmt.Errorf("%w: malformed response: %v", common.ErrDaemonCommandFailed, err)
		}
		if resp.Event != "" || resp.ID != id {
			continue
		}
		return &resp, nil
	}
}

// ioError classifies a failed read or write and drops the connection,
// whose framing is unknown afterwards.
func (c *Client) ioError(ctx context.Context, err error, op string) error {
	_ = c.closeLocked()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", common.ErrTimeout, ctxErr)
		}
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			return fmt.Errorf("%w: %w", common.ErrTimeout, context.DeadlineExceeded)
		}
		return fmt.Errorf("%w: no daemon %s within the deadline", common.ErrTimeout, op)
	}
	return &brokenConnError{err: fmt.Errorf("%s: %w", op, err)}
}

func dial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		reason := "cannot connect"
		switch {
		case errors.Is(err, os.ErrNotExist):
			reason = "socket not found"
		case errors.Is(err, os.ErrPermission):
			reason = "permission denied"
		}
		return nil, fmt.Errorf("%w: %s at %s: %v", common.ErrDaemonUnavailable, reason, path, err)
	}
	return conn, nil
}
