package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/daemon/protocol"
	"github.com/yllada/wirevault/stats"
)

// Subscription is a live stats stream on its own connection.
type Subscription struct {
	conn     net.Conn
	id       uint64
	interval time.Duration
	timeout  time.Duration
	nextID   func() uint64
	events   chan stats.Snapshot
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Subscribe opens a stats stream polled every interval.
func (c *Client) Subscribe(ctx context.Context, interval time.Duration) (*Subscription, error) {
	conn, err := dial(ctx, c.path)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	req, err := protocol.NewRequest(id, protocol.MethodSubscribe, protocol.SubscribeParams{IntervalMs: interval.Milliseconds()})
	if err != nil {
		conn.Close()
		return nil, err
	}
	line, _ := json.Marshal(req)

	_ = conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	if _, err := conn.Write(append(line, '\n')); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", common.ErrDaemonUnavailable, err)
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	_ = conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	data, err := reader.ReadBytes('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", common.ErrDaemonUnavailable, err)
	}
	var ack protocol.Response
	if err := json.Unmarshal(data, &ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: malformed response: %v", common.ErrDaemonCommandFailed, err)
	}
	if ack.Error != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", common.ErrDaemonCommandFailed, ack.Error.Err())
	}
	var res protocol.SubscribeResult
	if err := protocol.Decode(ack.Result, &res); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: subscribe result: %v", common.ErrDaemonCommandFailed, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := &Subscription{
		conn:     conn,
		id:       id,
		interval: time.Duration(res.IntervalMs) * time.Millisecond,
		timeout:  c.WriteTimeout,
		nextID:   func() uint64 { return c.nextID.Add(1) },
		events:   make(chan stats.Snapshot, 4),
		done:     make(chan struct{}),
	}
	go s.readLoop(reader)
	common.LogDebug("Client: subscribed to stats every %v", s.interval)
	return s, nil
}

// Events delivers snapshots until the stream ends; the channel is then
// closed and Err reports why.
func (s *Subscription) Events() <-chan stats.Snapshot {
	return s.events
}

// Interval is the interval granted by the daemon.
func (s *Subscription) Interval() time.Duration {
	return s.interval
}

// Err returns the error that ended the stream, nil after Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes and releases the connection.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		req, _ := protocol.NewRequest(s.nextID(), protocol.MethodUnsubscribe, nil)
		line, _ := json.Marshal(req)
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
		if _, werr := s.conn.Write(append(line, '\n')); werr != nil {
			common.LogDebug("Client: unsubscribe failed: %v", werr)
		}
		err = s.conn.Close()
	})
	return err
}

func (s *Subscription) readLoop(reader *bufio.Reader) {
	defer close(s.events)
	for {
		data, err := reader.ReadBytes('\n')
		if err != nil {
			select {
			case <-s.done:
			default:
				s.fail(fmt.Errorf("%w: stats stream ended: %v", common.ErrDaemonUnavailable, err))
			}
			return
		}
		var frame protocol.Response
		if err := json.Unmarshal(data, &frame); err != nil {
			s.fail(fmt.Errorf("%w: malformed frame: %v", common.ErrDaemonCommandFailed, err))
			s.conn.Close()
			return
		}
		if frame.Event != protocol.EventStats || frame.ID != s.id {
			continue
		}
		var snap protocol.Snapshot
		if err := protocol.Decode(frame.Result, &snap); err != nil {
			common.LogDebug("Client: dropping undecodable frame: %v", err)
			continue
		}
		select {
		case s.events <- snap:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
