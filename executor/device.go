package executor

import (
	"context"
	"fmt"
	"net"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/tunnel"
	"github.com/yllada/wirevault/uapi"
)

// deviceControl configures and samples userspace devices by name.
type deviceControl struct {
	wg uapi.Configurer
}

func newDeviceControl(opts Options) (deviceControl, error) {
	if opts.Configurer != nil {
		return deviceControl{wg: opts.Configurer}, nil
	}
	wg, err := uapi.NewConfigurer()
	if err != nil {
		return deviceControl{}, fmt.Errorf("failed to open wireguard control: %w", err)
	}
	return deviceControl{wg: wg}, nil
}

// ready reports whether the device of iface answers.
func (d deviceControl) ready(iface string) func(context.Context) bool {
	return func(context.Context) bool {
		_, err := d.wg.Device(iface)
		return err == nil
	}
}

func (d deviceControl) configure(iface string, cfg wgtypes.Config) error {
	if err := d.wg.ConfigureDevice(iface, cfg); err != nil {
		return fmt.Errorf("failed to configure %s: %w", iface, err)
	}
	return nil
}

func (d deviceControl) stats(iface string) (tunnel.PeerStats, error) {
	dev, err := d.wg.Device(iface)
	if err != nil {
		return nil, err
	}
	return uapi.PeerStats(dev), nil
}

func (d deviceControl) updateEndpoint(iface, peerKey string, endpoint *net.UDPAddr) error {
	update, err := uapi.EndpointUpdate(peerKey, endpoint)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrConfigInvalid, err)
	}
	return d.wg.ConfigureDevice(iface, update)
}
