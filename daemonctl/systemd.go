package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/wirevault/common"
)

const (
	systemdDest             = "org.freedesktop.systemd1"
	systemdObjectPath       = dbus.ObjectPath("/org/freedesktop/systemd1")
	systemdManagerInterface = "org.freedesktop.systemd1.Manager"
	systemdUnitInterface    = "org.freedesktop.systemd1.Unit"

	systemdStartUnitMethod        = systemdManagerInterface + ".StartUnit"
	systemdStopUnitMethod         = systemdManagerInterface + ".StopUnit"
	systemdRestartUnitMethod      = systemdManagerInterface + ".RestartUnit"
	systemdEnableUnitFilesMethod  = systemdManagerInterface + ".EnableUnitFiles"
	systemdDisableUnitFilesMethod = systemdManagerInterface + ".DisableUnitFiles"
	systemdGetUnitFileStateMethod = systemdManagerInterface + ".GetUnitFileState"
	systemdLoadUnitMethod         = systemdManagerInterface + ".LoadUnit"
	systemdReloadMethod           = systemdManagerInterface + ".Reload"
	systemdActiveStateProperty    = systemdUnitInterface + ".ActiveState"

	// jobModeReplace queues the job replacing conflicting ones.
	jobModeReplace = "replace"
)

// Systemd is the subset of the systemd manager API used to control the
// daemon unit.
type Systemd interface {
	StartUnit(ctx context.Context, unit string) error
	StopUnit(ctx context.Context, unit string) error
	RestartUnit(ctx context.Context, unit string) error
	EnableUnitFiles(ctx context.Context, unit string) error
	DisableUnitFiles(ctx context.Context, unit string) error
	// UnitFileState returns e.g. "enabled", "disabled" or "" when unknown.
	UnitFileState(ctx context.Context, unit string) (string, error)
	// ActiveState returns e.g. "active", "inactive" or "failed".
	ActiveState(ctx context.Context, unit string) (string, error)
	Reload(ctx context.Context) error
	Close() error
}

// dbusSystemd talks to systemd on the system bus. Unit jobs are
// authorized by polkit for unprivileged callers.
type dbusSystemd struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// ConnectSystemd opens a private system bus connection.
func ConnectSystemd() (Systemd, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("get dbus: %w", err)
	}
	return &dbusSystemd{conn: conn, obj: conn.Object(systemdDest, systemdObjectPath)}, nil
}

func (s *dbusSystemd) Close() error {
	return s.conn.Close()
}

func (s *dbusSystemd) job(ctx context.Context, method, unit string) error {
	var job dbus.ObjectPath
	if err := s.obj.CallWithContext(ctx, method, 0, unit, jobModeReplace).Store(&job); err != nil {
		return classifyDbusError(err)
	}
	common.LogDebug("systemd: queued %s for %s as %s", method, unit, job)
	return nil
}

func (s *dbusSystemd) StartUnit(ctx context.Context, unit string) error {
	return s.job(ctx, systemdStartUnitMethod, unit)
}

func (s *dbusSystemd) StopUnit(ctx context.Context, unit string) error {
	return s.job(ctx, systemdStopUnitMethod, unit)
}

func (s *dbusSystemd) RestartUnit(ctx context.Context, unit string) error {
	return s.job(ctx, systemdRestartUnitMethod, unit)
}

// unitFileChange maps to the a(sss) change list returned by
// EnableUnitFiles and DisableUnitFiles.
type unitFileChange struct {
	Type        string
	Filename    string
	Destination string
}

func (s *dbusSystemd) EnableUnitFiles(ctx context.Context, unit string) error {
	var (
		carriesInstallInfo bool
		changes            []unitFileChange
	)
	// runtime=false, force=true
	call := s.obj.CallWithContext(ctx, systemdEnableUnitFilesMethod, 0, []string{unit}, false, true)
	if err := call.Store(&carriesInstallInfo, &changes); err != nil {
		return classifyDbusError(err)
	}
	for _, c := range changes {
		common.LogDebug("systemd: %s %s -> %s", c.Type, c.Filename, c.Destination)
	}
	return nil
}

func (s *dbusSystemd) DisableUnitFiles(ctx context.Context, unit string) error {
	var changes []unitFileChange
	call := s.obj.CallWithContext(ctx, systemdDisableUnitFilesMethod, 0, []string{unit}, false)
	if err := call.Store(&changes); err != nil {
		return classifyDbusError(err)
	}
	return nil
}

func (s *dbusSystemd) UnitFileState(ctx context.Context, unit string) (string, error) {
	var state string
	if err := s.obj.CallWithContext(ctx, systemdGetUnitFileStateMethod, 0, unit).Store(&state); err != nil {
		if isNoSuchUnit(err) {
			return "", nil
		}
		return "", classifyDbusError(err)
	}
	return state, nil
}

func (s *dbusSystemd) ActiveState(ctx context.Context, unit string) (string, error) {
	var path dbus.ObjectPath
	if err := s.obj.CallWithContext(ctx, systemdLoadUnitMethod, 0, unit).Store(&path); err != nil {
		return "", classifyDbusError(err)
	}
	prop, err := s.conn.Object(systemdDest, path).GetProperty(systemdActiveStateProperty)
	if err != nil {
		return "", classifyDbusError(err)
	}
	state, ok := prop.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected ActiveState type %T", prop.Value())
	}
	return state, nil
}

func (s *dbusSystemd) Reload(ctx context.Context) error {
	if err := s.obj.CallWithContext(ctx, systemdReloadMethod, 0).Store(); err != nil {
		return classifyDbusError(err)
	}
	return nil
}

func dbusErrorName(err error) string {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name
	}
	var dep *dbus.Error
	if errors.As(err, &dep) && dep != nil {
		return dep.Name
	}
	return ""
}

func isNoSuchUnit(err error) bool {
	name := dbusErrorName(err)
	return strings.HasSuffix(name, ".NoSuchUnit") || strings.HasSuffix(name, ".FileNotFound")
}

// classifyDbusError maps authorization failures to ErrPrivilegeDenied.
func classifyDbusError(err error) error {
	name := dbusErrorName(err)
	if strings.HasSuffix(name, ".AccessDenied") || strings.HasSuffix(name, ".InteractiveAuthorizationRequired") ||
		strings.Contains(strings.ToLower(err.Error()), "access denied") {
		return fmt.Errorf("%w: %v", common.ErrPrivilegeDenied, err)
	}
	return fmt.Errorf("systemd: %w", err)
}
