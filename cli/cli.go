// Package cli implements the wirevault command line. Every tunnel command
// goes through the Orchestrator, the same entry point the watch view
// uses.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/wirevault/client"
	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/config"
	"github.com/yllada/wirevault/daemonctl"
	"github.com/yllada/wirevault/orchestrator"
	"github.com/yllada/wirevault/tunnel"
)

// BuildInfo is injected by main from ldflags.
type BuildInfo struct {
	Version   string
	BuildTime string
	Commit    string
}

// Opener builds the Orchestrator for a configuration.
type Opener func(cfg *config.Config, version string) (*orchestrator.Orchestrator, error)

// DaemonManager is the daemon lifecycle used by `wirevault daemon`.
type DaemonManager interface {
	Install(ctx context.Context) error
	Uninstall(ctx context.Context) error
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status(ctx context.Context) (tunnel.DaemonStatus, error)
	Logs(ctx context.Context, lines int) (string, error)
	RunPrivileged(ctx context.Context, verb string) error
}

// logging profiles selected per command through annotations
const (
	logAnnotation = "wirevault/logging"
	logUser       = "user"
	logDaemon     = "daemon"
	logConsole    = "console"
)

// CLI holds the state shared by the commands.
type CLI struct {
	info BuildInfo

	configPath string
	logLevel   string
	verbose    bool

	cfg  *config.Config
	orch *orchestrator.Orchestrator

	open       Opener
	newManager func(cfg *config.Config, version string) DaemonManager
}

// New creates a CLI wired to the real Orchestrator and daemon manager.
func New(info BuildInfo) *CLI {
	return &CLI{
		info: info,
		open: orchestrator.Open,
		newManager: func(cfg *config.Config, version string) DaemonManager {
			return daemonctl.NewManager(version, daemonctl.Options{Pinger: client.New(cfg.DaemonSocket)})
		},
	}
}

// RootCommand builds the command tree.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           common.BinaryName,
		Short:         "Manage WireGuard tunnels",
		SilenceUsage:  true,
		SilenceErrors: true,
		Annotations:   map[string]string{logAnnotation: logUser},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			c.teardown()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "configuration file (default ~/.config/wirevault/config.yaml)")
	root.PersistentFlags().StringVarP(&c.logLevel, "log-level", "l", "", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		c.listCommand(),
		c.showCommand(),
		c.saveCommand(),
		c.deleteCommand(),
		c.startCommand(),
		c.stopCommand(),
		c.statusCommand(),
		c.watchCommand(),
		c.daemonCommand(),
		c.serviceCommand(),
		c.dataplaneCommand(),
		c.versionCommand(),
	)
	return root
}

func loggingProfile(cmd *cobra.Command) string {
	for p := cmd; p != nil; p = p.Parent() {
		if v, ok := p.Annotations[logAnnotation]; ok {
			return v
		}
	}
	return logUser
}

// setup loads the configuration and initializes logging for cmd.
func (c *CLI) setup(cmd *cobra.Command) error {
	profile := loggingProfile(cmd)

	path := c.configPath
	if path == "" {
		if profile == logDaemon {
			path = config.DaemonPath
		} else {
			p, err := config.DefaultPath()
			if err != nil {
				return err
			}
			path = p
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	c.cfg = cfg

	levelName := cfg.LogLevel
	if c.logLevel != "" {
		levelName = c.logLevel
	}
	level := common.ParseLogLevel(levelName)
	if c.verbose {
		level = common.LevelDebug
	}

	logCfg := common.LogConfig{
		Level:       level,
		EnableFile:  true,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}
	switch profile {
	case logDaemon:
		logCfg.Dir = common.DaemonLogDir
		logCfg.FileName = "daemon.log"
	case logConsole:
		logCfg.EnableFile = false
	}
	if err := common.InitLogger(logCfg); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: Could not initialize file logging: %v\n", err)
	}
	return nil
}

func (c *CLI) teardown() {
	if c.orch != nil {
		if err := c.orch.Close(); err != nil {
			common.LogDebug("closing orchestrator: %v", err)
		}
		c.orch = nil
	}
	_ = common.CloseLogger()
}

func (c *CLI) tunnelManager() (*orchestrator.Orchestrator, error) {
	if c.orch != nil {
		return c.orch, nil
	}
	o, err := c.open(c.cfg, c.info.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tunnel manager: %w", err)
	}
	c.orch = o
	return o, nil
}

func (c *CLI) manager() DaemonManager {
	return c.newManager(c.cfg, c.info.Version)
}

// resolveTunnel finds a tunnel by ID, name (case-insensitive) or ID prefix.
func resolveTunnel(ctx context.Context, o *orchestrator.Orchestrator, nameOrID string) (string, error) {
	summaries, err := o.GetAllTunnelConfigs(ctx)
	if err != nil {
		return "", err
	}
	needle := strings.ToLower(strings.TrimSpace(nameOrID))
	for _, s := range summaries {
		if strings.ToLower(s.ID) == needle {
			return s.ID, nil
		}
	}
	var matches []string
	for _, s := range summaries {
		if strings.ToLower(s.Name) == needle || strings.HasPrefix(strings.ToLower(s.ID), needle) {
			matches = append(matches, s.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", common.ErrNotFound, nameOrID)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q matches %d tunnels, use the ID", nameOrID, len(matches))
	}
}

// readInput reads a file, or standard input when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(filepath.Clean(path))
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
