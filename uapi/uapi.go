// Package uapi configures userspace WireGuard devices. Device state and
// configuration go through wgctrl, which serves the control sockets under
// /var/run/wireguard. The raw key=value exchange is kept only for the
// shutdown verb of the bundled data plane.
package uapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/yllada/wirevault/common"
)

const (
	keyErrno               = "errno"
	operationShutdown      = "shutdown=1"
	defaultExchangeTimeout = common.ControlTimeout
)

// ErrProtocol is returned when the peer answers with a non-zero errno.
var ErrProtocol = errors.New("control protocol error")

// SocketPath returns the control socket of iface under the default directory.
func SocketPath(iface string) string {
	return SocketPathIn(common.WireGuardSocketDir, iface)
}

// SocketPathIn returns the control socket of iface under dir.
func SocketPathIn(dir, iface string) string {
	return filepath.Join(dir, iface+".sock")
}

// Client sends raw requests to one control socket. Every call opens a
// fresh connection, like the wg tool does.
type Client struct {
	path    string
	timeout time.Duration
	dialer  net.Dialer
}

// NewClient returns a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{path: path, timeout: defaultExchangeTimeout}
}

// Path returns the socket path.
func (c *Client) Path() string {
	return c.path
}

// Shutdown asks the bundled data plane to close its device and exit.
// Plain wireguard-go answers with an errno, which is returned as an error.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.exchange(ctx, operationShutdown+"\n\n")
	return err
}

func (c *Client) exchange(ctx context.Context, request string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		return "", fmt.Errorf("connect to %s: %w", c.path, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte(request)); err != nil {
		return "", fmt.Errorf("write to %s: %w", c.path, err)
	}

	return readResponse(bufio.NewReader(conn))
}

// readResponse reads key=value lines up to the terminating blank line and
// checks the trailing errno.
func readResponse(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("read response: %w", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, keyErrno+"=") {
			errno, convErr := strconv.Atoi(strings.TrimPrefix(line, keyErrno+"="))
			if convErr != nil {
				return "", fmt.Errorf("%w: malformed errno %q", ErrProtocol, line)
			}
			if errno != 0 {
				return "", fmt.Errorf("%w: errno=%d", ErrProtocol, errno)
			}
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
