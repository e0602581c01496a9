package daemon

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/daemon/protocol"
	"github.com/yllada/wirevault/stats"
	"github.com/yllada/wirevault/tunnel"
)

// conn serves one client. Requests are handled in order on the reading
// goroutine; a subscription adds one streaming goroutine.
type conn struct {
	srv *Server
	nc  net.Conn

	writeMu sync.Mutex

	mu  sync.Mutex
	sub *subscription
}

type subscription struct {
	id        uint64
	collector *stats.Collector
	done      chan struct{}
}

func newConn(s *Server, nc net.Conn) *conn {
	return &conn{srv: s, nc: nc}
}

func (c *conn) serve() {
	defer c.nc.Close()
	defer c.stopSubscription()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			c.reply(protocol.NewErrorResponse(0, fmt.Errorf("%w: %v", protocol.ErrBadRequest, err)), "invalid")
			continue
		}
		if req.V != protocol.Version {
			err := fmt.Errorf("%w: got %d, want %d", protocol.ErrUnsupportedVersion, req.V, protocol.Version)
			c.reply(protocol.NewErrorResponse(req.ID, err), req.Method)
			continue
		}
		c.handle(&req)
	}
	if err := scanner.Err(); err != nil && !isClosedOrDeadline(err) {
		common.LogDebug("Daemon: connection read error: %v", err)
	}
}

// reject answers the first request with err and closes the connection.
func (c *conn) reject(err error) {
	defer c.nc.Close()
	_ = c.nc.SetDeadline(time.Now().Add(common.IPCWriteTimeout))
	reader := bufio.NewReader(c.nc)
	var id uint64
	if line, readErr := reader.ReadBytes('\n'); readErr == nil {
		var req protocol.Request
		if json.Unmarshal(line, &req) == nil {
			id = req.ID
		}
	}
	c.write(protocol.NewErrorResponse(id, err))
}

// drain ends the subscription and stops reading after the request in
// progress, letting serve return.
func (c *conn) drain() {
	c.stopSubscription()
	_ = c.nc.SetReadDeadline(time.Now())
}

func (c *conn) write(resp *protocol.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(common.IPCWriteTimeout))
	_, err = c.nc.Write(data)
	return err
}

func (c *conn) reply(resp *protocol.Response, method string) {
	code := "ok"
	if resp.Error != nil {
		code = resp.Error.Code
	}
	c.srv.opts.Metrics.observe(method, code)
	if err := c.write(resp); err != nil {
		common.LogDebug("Daemon: failed to write response: %v", err)
	}
}

func (c *conn) result(id uint64, method string, v interface{}, err error) {
	if err != nil {
		c.reply(protocol.NewErrorResponse(id, err), method)
		return
	}
	resp, encErr := protocol.NewResult(id, v)
	if encErr != nil {
		c.reply(protocol.NewErrorResponse(id, encErr), method)
		return
	}
	c.reply(resp, method)
}

func (c *conn) streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub != nil
}

func (c *conn) handle(req *protocol.Request) {
	if c.streaming() && req.Method != protocol.MethodUnsubscribe && req.Method != protocol.MethodPing {
		c.result(req.ID, req.Method, nil, fmt.Errorf("%w: connection is streaming, unsubscribe first", protocol.ErrBadRequest))
		return
	}

	ctx := c.srv.baseCtx
	backend := c.srv.backend

	switch req.Method {
	case protocol.MethodPing:
		c.result(req.ID, req.Method, protocol.PingResult{
			Version:  c.srv.opts.Version,
			Protocol: protocol.Version,
			PID:      os.Getpid(),
		}, nil)

	case protocol.MethodStartTunnel:
		var p protocol.StartParams
		if err := decodeParams(req, &p); err != nil {
			c.result(req.ID, req.Method, nil, err)
			return
		}
		if p.Config == nil {
			c.result(req.ID, req.Method, nil, fmt.Errorf("%w: config is required", protocol.ErrBadRequest))
			return
		}
		common.LogInfo("Daemon: start_tunnel %s", p.Config.ID)
		c.result(req.ID, req.Method, protocol.Empty{}, backend.Start(ctx, p.Config))

	case protocol.MethodStopTunnel:
		var p protocol.IDParams
		if err := decodeID(req, &p); err != nil {
			c.result(req.ID, req.Method, nil, err)
			return
		}
		common.LogInfo("Daemon: stop_tunnel %s", p.ID)
		c.result(req.ID, req.Method, protocol.Empty{}, backend.Stop(ctx, p.ID))

	case protocol.MethodListTunnels:
		c.result(req.ID, req.Method, protocol.ListResult{Tunnels: backend.List()}, nil)

	case protocol.MethodGetTunnelDetail:
		var p protocol.IDParams
		if err := decodeID(req, &p); err != nil {
			c.result(req.ID, req.Method, nil, err)
			return
		}
		st := backend.State(p.ID)
		if st.Status == tunnel.StatusRunning {
			// Refresh the counters so the detail view is current.
			backend.Sample(ctx)
			st = backend.State(p.ID)
		}
		c.result(req.ID, req.Method, st, nil)

	case protocol.MethodSubscribe:
		var p protocol.SubscribeParams
		if err := decodeParams(req, &p); err != nil {
			c.result(req.ID, req.Method, nil, err)
			return
		}
		c.subscribe(req.ID, p)

	case protocol.MethodUnsubscribe:
		c.stopSubscription()
		c.result(req.ID, req.Method, protocol.Empty{}, nil)

	default:
		c.result(req.ID, req.Method, nil, fmt.Errorf("%w: unknown method %q", protocol.ErrBadRequest, req.Method))
	}
}

func decodeParams(req *protocol.Request, v interface{}) error {
	if err := protocol.Decode(req.Params, v); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrBadRequest, err)
	}
	return nil
}

func decodeID(req *protocol.Request, p *protocol.IDParams) error {
	if err := decodeParams(req, p); err != nil {
		return err
	}
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", protocol.ErrBadRequest)
	}
	return nil
}

func (c *conn) subscribe(id uint64, p protocol.SubscribeParams) {
	interval := time.Duration(p.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = common.StatsInterval
	}
	collector := stats.NewCollector(c.srv.backend, interval)
	sub := &subscription{id: id, collector: collector, done: make(chan struct{})}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	c.srv.opts.Metrics.subscribed(1)

	// The acknowledgement goes out before the first frame.
	c.result(id, protocol.MethodSubscribe, protocol.SubscribeResult{IntervalMs: collector.Interval().Milliseconds()}, nil)

	go func() {
		defer close(sub.done)
		for snap := range collector.Events() {
			raw, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			frame := &protocol.Response{V: protocol.Version, ID: id, Event: protocol.EventStats, Result: raw}
			if err := c.write(frame); err != nil {
				common.LogDebug("Daemon: subscriber gone: %v", err)
				go c.stopSubscription()
				// keep draining until Stop closes the channel
				for range collector.Events() {
				}
				return
			}
		}
	}()
	collector.Start()
	common.LogDebug("Daemon: subscription %d started (interval %v)", id, collector.Interval())
}

// stopSubscription stops the collector and waits until no frame can be
// written any more.
func (c *conn) stopSubscription() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub == nil {
		return
	}
	sub.collector.Stop()
	<-sub.done
	c.srv.opts.Metrics.subscribed(-1)
	common.LogDebug("Daemon: subscription %d stopped", sub.id)
}

func isClosedOrDeadline(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
