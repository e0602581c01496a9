package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/tunnel"
	"github.com/yllada/wirevault/ui"
)

func (c *CLI) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured tunnels",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := c.tunnelManager()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			summaries, err := o.GetAllTunnelConfigs(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No tunnels configured.")
				fmt.Fprintln(out, "Add one with: wirevault save -f tunnel.json")
				return nil
			}

			states := make(map[string]tunnel.RuntimeState)
			running, err := o.RunningTunnels(ctx)
			unknown := err != nil
			if unknown {
				// The list is still useful without live state.
				common.LogWarn("Could not read tunnel states: %v", err)
			}
			for _, st := range running {
				states[st.ID] = st
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMODE\tADDRESS\tPEERS\tSTATUS")
			fmt.Fprintln(w, "--\t----\t----\t-------\t-----\t------")
			for _, s := range summaries {
				status := tunnel.StatusStopped.Label()
				if st, ok := states[s.ID]; ok {
					status = st.Status.Label()
				} else if unknown {
					status = "?"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", s.ID, s.Name, s.Mode, s.Address, s.PeerCount, status)
			}
			return w.Flush()
		},
	}
}

func (c *CLI) showCommand() *cobra.Command {
	var asJSON, showKeys bool
	cmd := &cobra.Command{
		Use:   "show <tunnel>",
		Short: "Show a tunnel with its live state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := c.tunnelManager()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			id, err := resolveTunnel(ctx, o, args[0])
			if err != nil {
				return err
			}
			details, err := o.GetTunnelDetails(ctx, id)
			if err != nil {
				return err
			}
			if !showKeys {
				details.Config = redacted(details.Config)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(details)
			}
			printDetails(out, details)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&showKeys, "show-keys", false, "include private and preshared keys")
	return cmd
}

func redacted(cfg *tunnel.Config) *tunnel.Config {
	out := cfg.Clone()
	if out.PrivateKey != "" {
		out.PrivateKey = "(hidden)"
	}
	for i := range out.Peers {
		if out.Peers[i].PresharedKey != "" {
			out.Peers[i].PresharedKey = "(hidden)"
		}
	}
	return out
}

func printDetails(out io.Writer, d *tunnel.Details) {
	cfg, st := d.Config, d.State
	fmt.Fprintf(out, "Tunnel:     %s (%s)\n", cfg.Name, cfg.ID)
	fmt.Fprintf(out, "Mode:       %s\n", cfg.Mode)
	fmt.Fprintf(out, "Address:    %s\n", cfg.Address)
	if cfg.ListenPort > 0 {
		fmt.Fprintf(out, "Port:       %d\n", cfg.ListenPort)
	}
	if len(cfg.DNS) > 0 {
		fmt.Fprintf(out, "DNS:        %s\n", strings.Join(cfg.DNS, ", "))
	}
	fmt.Fprintf(out, "Status:     %s\n", st.Status.Label())
	if st.Reason != "" {
		fmt.Fprintf(out, "Reason:     %s\n", st.Reason)
	}
	if st.Interface != "" {
		fmt.Fprintf(out, "Interface:  %s\n", st.Interface)
	}
	if st.Status == tunnel.StatusRunning && !st.StartedAt.IsZero() {
		fmt.Fprintf(out, "Uptime:     %s\n", formatDuration(time.Since(st.StartedAt)))
	}

	if len(cfg.Peers) == 0 {
		fmt.Fprintln(out, "Peers:      none")
		return
	}
	fmt.Fprintln(out, "Peers:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  PUBLIC KEY\tALLOWED IPS\tENDPOINT\tRX\tTX\tHANDSHAKE")
	for _, p := range cfg.Peers {
		endpoint := p.Endpoint
		if endpoint == "" {
			endpoint = "-"
		}
		rx, tx, hs := "-", "-", "-"
		if s, ok := st.Peers[p.PublicKey]; ok {
			rx = humanize.IBytes(s.RxBytes)
			tx = humanize.IBytes(s.TxBytes)
			hs = "never"
			if s.LastHandshake > 0 {
				hs = formatDuration(time.Since(time.Unix(s.LastHandshake, 0))) + " ago"
			}
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n", p.PublicKey, strings.Join(p.AllowedIPs, ","), endpoint, rx, tx, hs)
	}
	w.Flush()
}

func (c *CLI) saveCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "save -f <file.json>",
		Short: "Create or update a tunnel from a JSON document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			var cfg tunnel.Config
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&cfg); err != nil {
				return fmt.Errorf("%w: %v", common.ErrConfigInvalid, err)
			}

			o, err := c.tunnelManager()
			if err != nil {
				return err
			}
			id, err := o.SaveTunnelConfig(cmd.Context(), &cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Saved tunnel %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "tunnel document, - for standard input")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (c *CLI) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <tunnel>",
		Aliases: []string{"rm"},
		Short:   "Delete a stopped tunnel",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := c.tunnelManager()
			if err != nil {
				return err
			}
			id, err := resolveTunnel(cmd.Context(), o, args[0])
			if err != nil {
				return err
			}
			if err := o.DeleteTunnelConfig(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted %s\n", id)
			return nil
		},
	}
}

func (c *CLI) startCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "start <tunnel>",
		Aliases: []string{"up"},
		Short:   "Start a tunnel",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := c.tunnelManager()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			id, err := resolveTunnel(ctx, o, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Starting %s...\n", id)
			if err := o.StartTunnel(ctx, id); err != nil {
				return err
			}
			details, err := o.GetTunnelDetails(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ %s is %s on %s\n", details.Config.Name, strings.ToLower(details.State.Status.Label()), details.State.Interface)
			return nil
		},
	}
}

func (c *CLI) stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stop <tunnel>",
		Aliases: []string{"down"},
		Short:   "Stop a tunnel",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := c.tunnelManager()
			if err != nil {
				return err
			}
			id, err := resolveTunnel(cmd.Context(), o, args[0])
			if err != nil {
				return err
			}
			if err := o.StopTunnel(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Stopped %s\n", id)
			return nil
		},
	}
}

func (c *CLI) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon and the active tunnels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := c.tunnelManager()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			ds, err := o.DaemonStatus(ctx)
			if err != nil {
				return err
			}
			if ds.Installed || ds.Running {
				printDaemonStatus(out, ds)
				fmt.Fprintln(out)
			}

			running, err := o.RunningTunnels(ctx)
			if err != nil {
				return err
			}
			if len(running) == 0 {
				fmt.Fprintln(out, "No active tunnels.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TUNNEL\tSTATUS\tUPTIME\tINTERFACE\tPEERS")
			fmt.Fprintln(w, "------\t------\t------\t---------\t-----")
			for _, st := range running {
				uptime := "-"
				if st.Status == tunnel.StatusRunning && !st.StartedAt.IsZero() {
					uptime = formatDuration(time.Since(st.StartedAt))
				}
				name := st.Name
				if name == "" {
					name = st.ID
				}
				iface := st.Interface
				if iface == "" {
					iface = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", name, st.Status.Label(), uptime, iface, len(st.Peers))
			}
			return w.Flush()
		},
	}
}

func (c *CLI) watchCommand() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch live tunnel statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := c.tunnelManager()
			if err != nil {
				return err
			}
			if interval == 0 {
				interval = c.cfg.StatsInterval
			}
			ctx := cmd.Context()
			if term.IsTerminal(int(os.Stdout.Fd())) && cmd.OutOrStdout() == os.Stdout {
				return ui.Run(ctx, o, interval)
			}

			// Not a terminal: one JSON snapshot per line.
			stream, err := o.Subscribe(ctx, interval)
			if err != nil {
				return err
			}
			defer stream.Close()
			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				select {
				case <-ctx.Done():
					return nil
				case snap, ok := <-stream.Events():
					if !ok {
						return stream.Err()
					}
					if err := enc.Encode(snap); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "sampling interval (default from configuration)")
	return cmd
}
