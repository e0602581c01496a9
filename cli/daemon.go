package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/daemon"
	"github.com/yllada/wirevault/daemonctl"
	"github.com/yllada/wirevault/elevation"
	"github.com/yllada/wirevault/tunnel"
)

func (c *CLI) daemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the privileged tunnel daemon (Linux)",
	}

	var foreground bool
	run := &cobra.Command{
		Use:         "run",
		Short:       "Run the daemon",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{logAnnotation: logDaemon},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !foreground {
				return daemon.RunService(cmd.Context(), c.cfg, c.info.Version)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, c.cfg, c.info.Version)
		},
	}
	run.Flags().BoolVar(&foreground, "foreground", false, "run without the service manager")

	var lines int
	logs := &cobra.Command{
		Use:   "logs",
		Short: "Print the daemon journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := c.manager().Logs(cmd.Context(), lines)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
	logs.Flags().IntVarP(&lines, "lines", "n", daemonctl.DefaultLogLines, "number of journal lines")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon installation state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := c.manager().Status(cmd.Context())
			if err != nil {
				return err
			}
			printDaemonStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}

	cmd.AddCommand(
		run,
		c.daemonAction("install", "Install and start the daemon", "✓ Daemon installed", DaemonManager.Install),
		c.daemonAction("uninstall", "Stop and remove the daemon", "✓ Daemon removed", DaemonManager.Uninstall),
		c.daemonAction("start", "Start the daemon", "✓ Daemon started", DaemonManager.Start),
		c.daemonAction("stop", "Stop the daemon", "✓ Daemon stopped", DaemonManager.Stop),
		c.daemonAction("restart", "Restart the daemon", "✓ Daemon restarted", DaemonManager.Restart),
		c.daemonAction("enable", "Start the daemon at boot", "✓ Daemon enabled", DaemonManager.Enable),
		c.daemonAction("disable", "Do not start the daemon at boot", "✓ Daemon disabled", DaemonManager.Disable),
		status,
		logs,
	)
	return cmd
}

func (c *CLI) daemonAction(use, short, done string, action func(DaemonManager, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := action(c.manager(), cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), done)
			return nil
		},
	}
}

func printDaemonStatus(out io.Writer, st tunnel.DaemonStatus) {
	fmt.Fprintf(out, "Daemon installed: %s\n", yesNo(st.Installed))
	fmt.Fprintf(out, "Daemon running:   %s\n", yesNo(st.Running))
	fmt.Fprintf(out, "Start at boot:    %s\n", yesNo(st.Enabled))
	if st.Version != "" {
		fmt.Fprintf(out, "Daemon version:   %s\n", st.Version)
	}
	if st.Installed && st.Version != "" && !st.VersionMatches {
		fmt.Fprintf(out, "Warning: daemon version %s differs from client %s; run `wirevault daemon install` to update.\n", st.Version, st.ClientVersion)
	}
}

// serviceCommand holds the root-only verbs reached through pkexec.
func (c *CLI) serviceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "service <verb>",
		Short:       "Privileged daemon actions (run as root)",
		Annotations: map[string]string{logAnnotation: logConsole},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Known verbs are subcommands; anything reaching here is not.
			return fmt.Errorf("%w: unsupported service verb %q", common.ErrConfigInvalid, strings.Join(args, " "))
		},
	}
	for _, verb := range elevation.ServiceVerbs {
		verb := verb
		cmd.AddCommand(&cobra.Command{
			Use:   verb,
			Short: fmt.Sprintf("%s the daemon unit (root)", verb),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.manager().RunPrivileged(cmd.Context(), verb)
			},
		})
	}
	return cmd
}

func (c *CLI) versionCommand() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{logAnnotation: logConsole},
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, c.info.Version)
				return nil
			}
			fmt.Fprintf(out, "%s v%s\n", common.AppName, c.info.Version)
			if c.info.BuildTime != "" && c.info.BuildTime != "unknown" {
				fmt.Fprintf(out, "  Build:  %s\n", c.info.BuildTime)
				fmt.Fprintf(out, "  Commit: %s\n", c.info.Commit)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version number")
	return cmd
}
