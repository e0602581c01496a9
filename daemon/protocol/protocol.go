// Package protocol defines the line-delimited JSON envelopes exchanged
// between the daemon and its clients over the local socket.
//
// Every message is a single JSON object terminated by a newline and
// carries the protocol version in "v". Responses echo the request id.
// A subscription answers once and then pushes stream frames with the
// subscribe request's id and "event":"stats" until it is cancelled.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/stats"
	"github.com/yllada/wirevault/tunnel"
)

// Version is the protocol version spoken by this build.
const Version = 1

// MaxLineSize bounds one envelope on the wire.
const MaxLineSize = 1 << 20

// Methods.
const (
	MethodPing            = "ping"
	MethodStartTunnel     = "start_tunnel"
	MethodStopTunnel      = "stop_tunnel"
	MethodListTunnels     = "list_tunnels"
	MethodGetTunnelDetail = "get_tunnel_detail"
	MethodSubscribe       = "subscribe"
	MethodUnsubscribe     = "unsubscribe"
)

// EventStats marks a stats stream frame.
const EventStats = "stats"

// Request is a client to daemon envelope.
type Request struct {
	V      int             `json:"v"`
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a daemon to client envelope: a reply or a stream frame.
type Response struct {
	V      int             `json:"v"`
	ID     uint64          `json:"id"`
	Event  string          `json:"event,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the error object of a failed request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Err converts the wire error back into a typed error.
func (e *Error) Err() error {
	switch e.Code {
	case common.CodeUnsupportedVersion:
		return fmt.Errorf("%w: %s", ErrUnsupportedVersion, strings.TrimPrefix(e.Message, ErrUnsupportedVersion.Error()+": "))
	case common.CodeBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, strings.TrimPrefix(e.Message, ErrBadRequest.Error()+": "))
	}
	return common.ErrorFromCode(e.Code, e.Message)
}

// Protocol level errors.
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrBadRequest         = errors.New("bad request")
)

// NewError builds the wire error of err.
func NewError(err error) *Error {
	switch {
	case errors.Is(err, ErrUnsupportedVersion):
		return &Error{Code: common.CodeUnsupportedVersion, Message: err.Error()}
	case errors.Is(err, ErrBadRequest):
		return &Error{Code: common.CodeBadRequest, Message: err.Error()}
	}
	return &Error{Code: common.ErrorCode(err), Message: err.Error()}
}

// StartParams are the parameters of start_tunnel.
type StartParams struct {
	Config *tunnel.Config `json:"config"`
}

// IDParams select one tunnel.
type IDParams struct {
	ID string `json:"id"`
}

// SubscribeParams are the parameters of subscribe.
type SubscribeParams struct {
	IntervalMs int64 `json:"interval_ms"`
}

// PingResult identifies the daemon.
type PingResult struct {
	Version  string `json:"version"`
	Protocol int    `json:"protocol"`
	PID      int    `json:"pid"`
}

// ListResult is the result of list_tunnels.
type ListResult struct {
	Tunnels []tunnel.RuntimeState `json:"tunnels"`
}

// SubscribeResult acknowledges a subscription.
type SubscribeResult struct {
	IntervalMs int64 `json:"interval_ms"`
}

// Empty is the result of methods without a payload.
type Empty struct{}

// Snapshot is the payload of a stats stream frame.
type Snapshot = stats.Snapshot

// NewRequest encodes params into a request envelope.
func NewRequest(id uint64, method string, params interface{}) (*Request, error) {
	req := &Request{V: Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewResult encodes result into a response envelope.
func NewResult(id uint64, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{V: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse wraps err into a response envelope.
func NewErrorResponse(id uint64, err error) *Response {
	return &Response{V: Version, ID: id, Error: NewError(err)}
}

// Decode unmarshals raw params or results, treating empty input as {}.
func Decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}
