// Package daemonctl manages the lifecycle of the Linux daemon: install
// and uninstall of the systemd unit, start, stop and restart over D-Bus,
// status and logs.
//
// The unprivileged half runs in the GUI or CLI. Installing, removing,
// enabling and disabling need root and go through
// `pkexec wirevault service <verb>`, which lands in RunPrivileged. Start,
// stop and restart are granted to local users by the polkit rule written
// at install time.
package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kardianos/service"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/daemon"
	"github.com/yllada/wirevault/daemon/protocol"
	"github.com/yllada/wirevault/elevation"
	"github.com/yllada/wirevault/tunnel"
)

// DefaultLogLines is the number of journal lines returned by Logs.
const DefaultLogLines = 100

// Paths locate the installed artifacts.
type Paths struct {
	Binary     string
	Unit       string
	PolkitRule string
	Socket     string
}

// DefaultPaths returns the system locations.
func DefaultPaths() Paths {
	return Paths{
		Binary:     common.DaemonInstallPath,
		Unit:       filepath.Join("/etc/systemd/system", common.DaemonUnitName),
		PolkitRule: common.PolkitRulePath,
		Socket:     common.DaemonSocketPath,
	}
}

// Pinger reaches a running daemon; *client.Client in production.
type Pinger interface {
	Ping(ctx context.Context) (protocol.PingResult, error)
}

// Options configure a Manager. Zero values select the system defaults.
type Options struct {
	Paths   Paths
	Runner  elevation.Runner
	Pkexec  *elevation.Pkexec
	Systemd func() (Systemd, error)
	Pinger  Pinger
	// NewService builds the kardianos service for the unit.
	NewService func(conf *service.Config) (service.Service, error)
	// GroupExists decides whether the polkit rule is limited to the group.
	GroupExists func(name string) bool
	// Executable is the binary copied on install.
	Executable func() (string, error)
	IsRoot     func() bool
}

// Manager implements the daemon lifecycle.
type Manager struct {
	version string
	opts    Options
}

// NewManager creates a manager for a client of the given version.
func NewManager(version string, opts Options) *Manager {
	if opts.Paths == (Paths{}) {
		opts.Paths = DefaultPaths()
	}
	if opts.Runner == nil {
		opts.Runner = elevation.ExecRunner
	}
	if opts.Systemd == nil {
		opts.Systemd = ConnectSystemd
	}
	if opts.NewService == nil {
		opts.NewService = func(conf *service.Config) (service.Service, error) {
			return service.New(noopProgram{}, conf)
		}
	}
	if opts.GroupExists == nil {
		opts.GroupExists = func(name string) bool {
			_, err := user.LookupGroup(name)
			return err == nil
		}
	}
	if opts.Executable == nil {
		opts.Executable = os.Executable
	}
	if opts.IsRoot == nil {
		opts.IsRoot = func() bool { return os.Geteuid() == 0 }
	}
	return &Manager{version: version, opts: opts}
}

// noopProgram satisfies kardianos for install and uninstall; the daemon
// itself runs through daemon.RunService.
type noopProgram struct{}

func (noopProgram) Start(service.Service) error {
	return nil
}

func (noopProgram) Stop(service.Service) error {
	return nil
}

func (m *Manager) pkexec() (*elevation.Pkexec, error) {
	if m.opts.Pkexec != nil {
		return m.opts.Pkexec, nil
	}
	p, err := elevation.NewPkexec()
	if err != nil {
		return nil, err
	}
	m.opts.Pkexec = p
	return p, nil
}

func (m *Manager) elevated(ctx context.Context, verb string) error {
	p, err := m.pkexec()
	if err != nil {
		return err
	}
	common.LogInfo("Daemon: requesting authorization to %s the service", verb)
	return p.Service(ctx, verb)
}

// Install copies the binary, installs the unit and polkit rule and
// starts the daemon. It prompts for authorization.
func (m *Manager) Install(ctx context.Context) error {
	return m.elevated(ctx, elevation.VerbInstall)
}

// Uninstall stops the daemon and removes everything Install created.
func (m *Manager) Uninstall(ctx context.Context) error {
	return m.elevated(ctx, elevation.VerbUninstall)
}

// Enable makes the daemon start at boot.
func (m *Manager) Enable(ctx context.Context) error {
	return m.elevated(ctx, elevation.VerbEnable)
}

// Disable stops the daemon from starting at boot.
func (m *Manager) Disable(ctx context.Context) error {
	return m.elevated(ctx, elevation.VerbDisable)
}

func (m *Manager) withSystemd(fn func(Systemd) error) error {
	sd, err := m.opts.Systemd()
	if err != nil {
		return err
	}
	defer sd.Close()
	return fn(sd)
}

// Start starts the unit; authorized by the polkit rule.
func (m *Manager) Start(ctx context.Context) error {
	return m.withSystemd(func(sd Systemd) error {
		return sd.StartUnit(ctx, common.DaemonUnitName)
	})
}

// Stop stops the unit. Tunnels keep running and are adopted on the next
// start.
func (m *Manager) Stop(ctx context.Context) error {
	return m.withSystemd(func(sd Systemd) error {
		return sd.StopUnit(ctx, common.DaemonUnitName)
	})
}

// Restart restarts the unit.
func (m *Manager) Restart(ctx context.Context) error {
	return m.withSystemd(func(sd Systemd) error {
		return sd.RestartUnit(ctx, common.DaemonUnitName)
	})
}

// Status reports installation, activity and version compatibility.
func (m *Manager) Status(ctx context.Context) (tunnel.DaemonStatus, error) {
	st := tunnel.DaemonStatus{ClientVersion: m.version}
	st.Installed = common.FileExists(m.opts.Paths.Unit) && common.FileExists(m.opts.Paths.Binary)

	err := m.withSystemd(func(sd Systemd) error {
		active, err := sd.ActiveState(ctx, common.DaemonUnitName)
		if err != nil {
			return err
		}
		st.Running = active == "active"
		fileState, err := sd.UnitFileState(ctx, common.DaemonUnitName)
		if err != nil {
			return err
		}
		st.Enabled = fileState == "enabled"
		return nil
	})
	if err != nil {
		common.LogDebug("Daemon: systemd state unavailable: %v", err)
	}

	switch {
	case st.Running && m.opts.Pinger != nil:
		ping, pingErr := m.opts.Pinger.Ping(ctx)
		if pingErr == nil {
			st.Version = ping.Version
		} else {
			common.LogDebug("Daemon: ping failed: %v", pingErr)
		}
	case st.Installed:
		st.Version = m.installedVersion(ctx)
	}
	st.VersionMatches = VersionsMatch(st.Version, m.version)
	return st, nil
}

func (m *Manager) installedVersion(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, common.ControlTimeout)
	defer cancel()
	out, err := m.opts.Runner(ctx, m.opts.Paths.Binary, "version", "--short")
	if err != nil {
		common.LogDebug("Daemon: cannot read installed version: %v", err)
		return ""
	}
	return strings.TrimSpace(firstLine(string(out)))
}

// Logs returns the last lines of the daemon journal.
func (m *Manager) Logs(ctx context.Context, lines int) (string, error) {
	if lines <= 0 {
		lines = DefaultLogLines
	}
	out, err := m.opts.Runner(ctx, "journalctl", "-u", common.DaemonServiceName, "-n", strconv.Itoa(lines), "--no-pager")
	if err != nil {
		return "", fmt.Errorf("failed to read daemon logs: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// RunPrivileged executes an allow-listed verb as root. It is the body of
// `wirevault service <verb>`.
func (m *Manager) RunPrivileged(ctx context.Context, verb string) error {
	if !elevation.IsServiceVerb(verb) {
		return fmt.Errorf("%w: unknown service action %q", common.ErrConfigInvalid, verb)
	}
	if !m.opts.IsRoot() {
		return fmt.Errorf("%w: %s must run as root", common.ErrPrivilegeDenied, verb)
	}
	switch verb {
	case elevation.VerbInstall:
		return m.installPrivileged(ctx)
	case elevation.VerbUninstall:
		return m.uninstallPrivileged(ctx)
	case elevation.VerbEnable:
		return m.withSystemd(func(sd Systemd) error {
			return sd.EnableUnitFiles(ctx, common.DaemonUnitName)
		})
	default:
		return m.withSystemd(func(sd Systemd) error {
			return sd.DisableUnitFiles(ctx, common.DaemonUnitName)
		})
	}
}

func (m *Manager) newService() (service.Service, error) {
	return m.opts.NewService(daemon.ServiceConfig(m.opts.Paths.Binary))
}

func (m *Manager) installPrivileged(ctx context.Context) error {
	self, err := m.opts.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	if err := copyBinary(self, m.opts.Paths.Binary); err != nil {
		return err
	}
	common.LogInfo("Daemon: installed binary to %s", m.opts.Paths.Binary)

	svc, err := m.newService()
	if err != nil {
		return err
	}
	if _, err := svc.Status(); !errors.Is(err, service.ErrNotInstalled) {
		// Reinstall over an existing unit, e.g. on upgrade.
		_ = svc.Stop()
		if err := svc.Uninstall(); err != nil {
			common.LogWarn("Daemon: failed to remove previous unit: %v", err)
		}
	}
	if err := svc.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}

	group := common.DaemonSocketGroup
	if !m.opts.GroupExists(group) {
		group = ""
	}
	if err := writeFileAtomic(m.opts.Paths.PolkitRule, []byte(PolkitRule(common.DaemonUnitName, group)), 0o644); err != nil {
		return fmt.Errorf("failed to write polkit rule: %w", err)
	}

	return m.withSystemd(func(sd Systemd) error {
		if err := sd.Reload(ctx); err != nil {
			return err
		}
		if err := sd.EnableUnitFiles(ctx, common.DaemonUnitName); err != nil {
			return err
		}
		return sd.StartUnit(ctx, common.DaemonUnitName)
	})
}

func (m *Manager) uninstallPrivileged(ctx context.Context) error {
	var result *multierror.Error

	sdErr := m.withSystemd(func(sd Systemd) error {
		if err := sd.StopUnit(ctx, common.DaemonUnitName); err != nil {
			common.LogDebug("Daemon: stop before uninstall: %v", err)
		}
		if err := sd.DisableUnitFiles(ctx, common.DaemonUnitName); err != nil {
			common.LogDebug("Daemon: disable before uninstall: %v", err)
		}
		return nil
	})
	if sdErr != nil {
		common.LogWarn("Daemon: systemd unavailable during uninstall: %v", sdErr)
	}

	svc, err := m.newService()
	if err != nil {
		result = multierror.Append(result, err)
	} else if err := svc.Uninstall(); err != nil && common.FileExists(m.opts.Paths.Unit) {
		result = multierror.Append(result, fmt.Errorf("uninstall service: %w", err))
	}

	for _, path := range []string{m.opts.Paths.PolkitRule, m.opts.Paths.Binary, m.opts.Paths.Socket} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}

	if err := m.withSystemd(func(sd Systemd) error { return sd.Reload(ctx) }); err != nil {
		common.LogDebug("Daemon: reload after uninstall: %v", err)
	}
	return result.ErrorOrNil()
}

// copyBinary installs src at dst with mode 0755 through a temporary file.
func copyBinary(src, dst string) error {
	if same, _ := filepath.EvalSymlinks(src); same == dst {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".wirevault-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy binary: %w", err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp-%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Chmod(tmp, mode); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
