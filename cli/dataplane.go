package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/dataplane"
)

// dataplaneCommand hosts the bundled userspace device. The executor
// launches it when no wireguard-go binary is installed.
func (c *CLI) dataplaneCommand() *cobra.Command {
	opts := dataplane.Options{SocketOwner: -1}
	cmd := &cobra.Command{
		Use:         "dataplane <interface>",
		Hidden:      true,
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{logAnnotation: logConsole},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Interface = args[0]
			opts.Verbose = c.verbose
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return dataplane.Run(ctx, opts)
		},
	}
	cmd.Flags().IntVar(&opts.MTU, "mtu", common.DefaultMTU, "tun device MTU")
	cmd.Flags().IntVar(&opts.SocketOwner, "socket-owner", -1, "uid that owns the control socket")
	return cmd
}
