//go:build linux

package daemon

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

type credentials struct {
	UID int
	PID int
}

// peerCredentials reads SO_PEERCRED of a unix socket connection.
func peerCredentials(nc net.Conn) (credentials, error) {
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		return credentials{}, errors.New("not a unix socket")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return credentials{}, err
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return credentials{}, err
	}
	if credErr != nil {
		return credentials{}, credErr
	}
	return credentials{UID: int(cred.Uid), PID: int(cred.Pid)}, nil
}
