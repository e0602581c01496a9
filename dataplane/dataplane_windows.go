package dataplane

import (
	"context"
	"errors"
)

// Options configure the hosted device.
type Options struct {
	Interface   string
	MTU         int
	SocketOwner int
	Verbose     bool
}

// Run is unavailable on Windows, where tunnels run as vendor services.
func Run(context.Context, Options) error {
	return errors.New("the bundled data plane is not available on windows")
}
