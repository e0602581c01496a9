//go:build !linux

package daemon

import (
	"errors"
	"net"
)

type credentials struct {
	UID int
	PID int
}

func peerCredentials(net.Conn) (credentials, error) {
	return credentials{}, errors.New("peer credentials are not supported on this platform")
}
