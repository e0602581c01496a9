//go:build !windows

// Package dataplane hosts a userspace WireGuard device in its own process.
// It is the bundled data plane used when no external wireguard-go binary
// is installed: the executor launches `wirevault dataplane <iface>` and
// drives it over the standard control socket.
package dataplane

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/ipc"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/uapi"
)

// Options configure the hosted device.
type Options struct {
	// Interface is the requested interface name. On macOS it must be utun<N>.
	Interface string
	// MTU of the tun device.
	MTU int
	// SocketOwner, when >= 0, becomes the owner of the control socket so an
	// unprivileged user can configure the device without elevation.
	SocketOwner int
	// Verbose enables wireguard-go debug output.
	Verbose bool
}

// shutdownRequest is the control verb understood in addition to get/set.
const shutdownRequest = "shutdown=1"

// Run creates the tun device, serves the control socket and blocks until
// ctx is cancelled, the device closes or a shutdown request arrives.
func Run(ctx context.Context, opts Options) error {
	if opts.Interface == "" {
		return errors.New("interface name is required")
	}
	mtu := opts.MTU
	if mtu == 0 {
		mtu = common.DefaultMTU
	}

	tunDev, err := tun.CreateTUN(opts.Interface, mtu)
	if err != nil {
		return fmt.Errorf("error creating tun device: %w", err)
	}
	name, err := tunDev.Name()
	if err != nil {
		tunDev.Close()
		return fmt.Errorf("error reading tun device name: %w", err)
	}

	uapiFile, err := ipc.UAPIOpen(name)
	if err != nil {
		tunDev.Close()
		return fmt.Errorf("error opening control socket: %w", err)
	}

	dev := device.NewDevice(tunDev, conn.NewDefaultBind(), newDeviceLogger(name, opts.Verbose))

	listener, err := ipc.UAPIListen(name, uapiFile)
	if err != nil {
		uapiFile.Close()
		dev.Close()
		return fmt.Errorf("error listening on control socket: %w", err)
	}

	socketPath := uapi.SocketPath(name)
	if opts.SocketOwner >= 0 {
		if err := os.Chown(socketPath, opts.SocketOwner, -1); err != nil {
			log.Warnf("failed to hand control socket %s to uid %d: %v", socketPath, opts.SocketOwner, err)
		}
	}

	shutdown := make(chan struct{})
	var once sync.Once
	requestShutdown := func() { once.Do(func() { close(shutdown) }) }

	go serveControl(listener, dev, requestShutdown)

	log.Infof("data plane for %s is up (mtu %d)", name, mtu)

	select {
	case <-ctx.Done():
		log.Infof("data plane for %s stopping: %v", name, ctx.Err())
	case <-shutdown:
		log.Infof("data plane for %s stopping on request", name)
	case <-dev.Wait():
		log.Infof("data plane for %s closed", name)
	}

	listener.Close()
	dev.Close()
	_ = os.Remove(socketPath)
	return nil
}

func serveControl(listener net.Listener, dev *device.Device, requestShutdown func()) {
	for {
		c, err := listener.Accept()
		if err != nil {
			log.Tracef("control listener closed: %v", err)
			return
		}
		go handleControl(c, dev, requestShutdown)
	}
}

// handleControl answers the shutdown verb itself and hands every other
// request to wireguard-go.
func handleControl(c net.Conn, dev *device.Device, requestShutdown func()) {
	reader := bufio.NewReader(c)
	first, err := reader.ReadString('\n')
	if err != nil {
		c.Close()
		return
	}
	if strings.TrimSpace(first) == shutdownRequest {
		defer c.Close()
		_, _ = reader.ReadString('\n')
		_, _ = c.Write([]byte("errno=0\n\n"))
		requestShutdown()
		return
	}
	dev.IpcHandle(&bufferedConn{Conn: c, reader: io.MultiReader(strings.NewReader(first), reader)})
}

type bufferedConn struct {
	net.Conn
	reader io.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

func newDeviceLogger(name string, verbose bool) *device.Logger {
	entry := log.WithField("iface", name)
	logger := &device.Logger{
		Verbosef: device.DiscardLogf,
		Errorf:   entry.Errorf,
	}
	if verbose {
		logger.Verbosef = entry.Debugf
	}
	return logger
}
