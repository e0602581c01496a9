package daemonctl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/daemon/protocol"
	"github.com/yllada/wirevault/elevation"
)

func TestPolkitRule(t *testing.T) {
	rule := PolkitRule("wirevault.service", "wirevault")
	assert.Contains(t, rule, `action.id == "org.freedesktop.systemd1.manage-units"`)
	assert.Contains(t, rule, `action.lookup("unit") == "wirevault.service"`)
	assert.Contains(t, rule, `verb == "start" || verb == "stop" || verb == "restart"`)
	assert.Contains(t, rule, `subject.local && subject.active && subject.isInGroup("wirevault")`)
	assert.NotContains(t, rule, "enable")
	assert.Equal(t, 1, strings.Count(rule, "polkit.Result.YES"))

	open := PolkitRule("wirevault.service", "")
	assert.NotContains(t, open, "isInGroup")
	assert.Contains(t, open, "subject.local && subject.active) {")
}

func TestVersionsMatch(t *testing.T) {
	tests := []struct {
		daemon, client string
		want           bool
	}{
		{"1.2.0", "1.2.0", true},
		{"v1.2.0", "1.2.0", true},
		{"1.2", "1.2.0", true},
		{"1.2.0", "1.3.0", false},
		{"1.2.0-rc1", "1.2.0", false},
		{"1.2.0+abc", "1.2.0+def", false},
		{"dev", "dev", true},
		{"dev", "1.0.0", false},
		{"", "1.0.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.daemon+"/"+tt.client, func(t *testing.T) {
			assert.Equal(t, tt.want, VersionsMatch(tt.daemon, tt.client))
		})
	}

	assert.True(t, DaemonOlder("1.1.9", "1.2.0"))
	assert.False(t, DaemonOlder("1.2.0", "1.2.0"))
	assert.False(t, DaemonOlder("dev", "1.2.0"))
}

type fakeSystemd struct {
	mu        sync.Mutex
	calls     []string
	active    string
	fileState string
	err       error
}

func (f *fakeSystemd) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeSystemd) StartUnit(_ context.Context, unit string) error {
	return f.record("start " + unit)
}

func (f *fakeSystemd) StopUnit(_ context.Context, unit string) error {
	return f.record("stop " + unit)
}

func (f *fakeSystemd) RestartUnit(_ context.Context, unit string) error {
	return f.record("restart " + unit)
}

func (f *fakeSystemd) EnableUnitFiles(_ context.Context, unit string) error {
	return f.record("enable " + unit)
}

func (f *fakeSystemd) DisableUnitFiles(_ context.Context, unit string) error {
	return f.record("disable " + unit)
}

func (f *fakeSystemd) UnitFileState(context.Context, string) (string, error) {
	return f.fileState, f.err
}

func (f *fakeSystemd) ActiveState(context.Context, string) (string, error) {
	return f.active, f.err
}

func (f *fakeSystemd) Reload(context.Context) error {
	return f.record("reload")
}

func (f *fakeSystemd) Close() error {
	return nil
}

func (f *fakeSystemd) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeService struct {
	installed  bool
	installs   int
	uninstalls int
	unitPath   string
	conf       *service.Config
}

var _ service.Service = (*fakeService)(nil)

func (f *fakeService) Install() error {
	f.installs++
	f.installed = true
	return os.WriteFile(f.unitPath, []byte("[Unit]\n"), 0o644)
}

func (f *fakeService) Uninstall() error {
	f.uninstalls++
	f.installed = false
	return os.Remove(f.unitPath)
}

func (f *fakeService) Status() (service.Status, error) {
	if !f.installed {
		return service.StatusUnknown, service.ErrNotInstalled
	}
	return service.StatusStopped, nil
}

func (f *fakeService) Run() error     { return nil }
func (f *fakeService) Start() error   { return nil }
func (f *fakeService) Stop() error    { return nil }
func (f *fakeService) Restart() error { return nil }
func (f *fakeService) String() string { return "fake" }

func (f *fakeService) Platform() string { return "fake" }

func (f *fakeService) Logger(chan<- error) (service.Logger, error) {
	return nil, nil
}

func (f *fakeService) SystemLogger(chan<- error) (service.Logger, error) {
	return nil, nil
}

type fakePinger struct {
	version string
	err     error
}

func (p fakePinger) Ping(context.Context) (protocol.PingResult, error) {
	return protocol.PingResult{Version: p.version, Protocol: protocol.Version}, p.err
}

type env struct {
	mgr   *Manager
	sd    *fakeSystemd
	svc   *fakeService
	paths Paths
	runs  *[]string
	root  *bool
}

func newEnv(t *testing.T, version string) *env {
	t.Helper()
	dir := t.TempDir()
	paths := Paths{
		Binary:     filepath.Join(dir, "bin", "wirevault"),
		Unit:       filepath.Join(dir, "wirevault.service"),
		PolkitRule: filepath.Join(dir, "polkit", "49-wirevault.rules"),
		Socket:     filepath.Join(dir, "wirevault.sock"),
	}
	self := filepath.Join(dir, "self")
	require.NoError(t, os.WriteFile(self, []byte("#!binary"), 0o755))

	sd := &fakeSystemd{}
	svc := &fakeService{unitPath: paths.Unit}
	var runs []string
	root := true
	e := &env{sd: sd, svc: svc, paths: paths, runs: &runs, root: &root}
	e.mgr = NewManager(version, Options{
		Paths:   paths,
		Systemd: func() (Systemd, error) { return sd, nil },
		Runner: func(_ context.Context, name string, args ...string) ([]byte, error) {
			runs = append(runs, name+" "+strings.Join(args, " "))
			switch {
			case name == paths.Binary:
				return []byte("1.4.0\n"), nil
			case name == "journalctl":
				return []byte("line1\nline2\n"), nil
			}
			return nil, errors.New("unexpected command")
		},
		NewService: func(conf *service.Config) (service.Service, error) {
			svc.conf = conf
			return svc, nil
		},
		GroupExists: func(string) bool { return false },
		Executable:  func() (string, error) { return self, nil },
		IsRoot:      func() bool { return root },
	})
	return e
}

func TestRunPrivileged_Install(t *testing.T) {
	e := newEnv(t, "1.4.0")
	require.NoError(t, e.mgr.RunPrivileged(context.Background(), elevation.VerbInstall))

	data, err := os.ReadFile(e.paths.Binary)
	require.NoError(t, err)
	assert.Equal(t, "#!binary", string(data))
	info, err := os.Stat(e.paths.Binary)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	assert.Equal(t, 1, e.svc.installs)
	require.NotNil(t, e.svc.conf)
	assert.Equal(t, common.DaemonServiceName, e.svc.conf.Name)
	assert.Equal(t, e.paths.Binary, e.svc.conf.Executable)
	assert.Equal(t, []string{"daemon", "run"}, e.svc.conf.Arguments)

	rule, err := os.ReadFile(e.paths.PolkitRule)
	require.NoError(t, err)
	assert.Equal(t, PolkitRule(common.DaemonUnitName, ""), string(rule))

	want := []string{"reload", "enable " + common.DaemonUnitName, "start " + common.DaemonUnitName}
	if diff := cmp.Diff(want, e.sd.Calls()); diff != "" {
		t.Errorf("systemd calls (-want +got):\n%s", diff)
	}

	// A second install replaces the unit.
	require.NoError(t, e.mgr.RunPrivileged(context.Background(), elevation.VerbInstall))
	assert.Equal(t, 2, e.svc.installs)
	assert.Equal(t, 1, e.svc.uninstalls)
}

func TestRunPrivileged_Uninstall(t *testing.T) {
	e := newEnv(t, "1.4.0")
	ctx := context.Background()
	require.NoError(t, e.mgr.RunPrivileged(ctx, elevation.VerbInstall))
	require.NoError(t, os.WriteFile(e.paths.Socket, nil, 0o600))

	require.NoError(t, e.mgr.RunPrivileged(ctx, elevation.VerbUninstall))
	for _, path := range []string{e.paths.Binary, e.paths.Unit, e.paths.PolkitRule, e.paths.Socket} {
		assert.NoFileExists(t, path)
	}
	calls := e.sd.Calls()
	assert.Contains(t, calls, "stop "+common.DaemonUnitName)
	assert.Contains(t, calls, "disable "+common.DaemonUnitName)
	assert.Equal(t, "reload", calls[len(calls)-1])
}

func TestRunPrivileged_Guards(t *testing.T) {
	e := newEnv(t, "1.4.0")
	err := e.mgr.RunPrivileged(context.Background(), "reboot")
	assert.ErrorIs(t, err, common.ErrConfigInvalid)

	*e.root = false
	err = e.mgr.RunPrivileged(context.Background(), elevation.VerbEnable)
	assert.ErrorIs(t, err, common.ErrPrivilegeDenied)
	assert.Empty(t, e.sd.Calls())

	*e.root = true
	require.NoError(t, e.mgr.RunPrivileged(context.Background(), elevation.VerbEnable))
	require.NoError(t, e.mgr.RunPrivileged(context.Background(), elevation.VerbDisable))
	assert.Equal(t, []string{"enable " + common.DaemonUnitName, "disable " + common.DaemonUnitName}, e.sd.Calls())
}

func TestStartStopRestart(t *testing.T) {
	e := newEnv(t, "1.4.0")
	ctx := context.Background()
	require.NoError(t, e.mgr.Start(ctx))
	require.NoError(t, e.mgr.Restart(ctx))
	require.NoError(t, e.mgr.Stop(ctx))
	assert.Equal(t, []string{
		"start " + common.DaemonUnitName,
		"restart " + common.DaemonUnitName,
		"stop " + common.DaemonUnitName,
	}, e.sd.Calls())

	e.sd.err = classifyDbusError(errors.New("Access denied"))
	assert.ErrorIs(t, e.mgr.Start(ctx), common.ErrPrivilegeDenied)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("not installed", func(t *testing.T) {
		e := newEnv(t, "1.4.0")
		e.sd.active = "inactive"
		st, err := e.mgr.Status(ctx)
		require.NoError(t, err)
		assert.False(t, st.Installed)
		assert.False(t, st.Running)
		assert.Empty(t, st.Version)
		assert.False(t, st.VersionMatches)
		assert.Equal(t, "1.4.0", st.ClientVersion)
	})

	t.Run("installed and stopped", func(t *testing.T) {
		e := newEnv(t, "1.4.0")
		require.NoError(t, e.mgr.RunPrivileged(ctx, elevation.VerbInstall))
		e.sd.active = "inactive"
		e.sd.fileState = "enabled"
		st, err := e.mgr.Status(ctx)
		require.NoError(t, err)
		assert.True(t, st.Installed)
		assert.False(t, st.Running)
		assert.True(t, st.Enabled)
		assert.Equal(t, "1.4.0", st.Version)
		assert.True(t, st.VersionMatches)
		assert.Contains(t, *e.runs, e.paths.Binary+" version --short")
	})

	t.Run("running with older daemon", func(t *testing.T) {
		e := newEnv(t, "1.5.0")
		e.mgr.opts.Pinger = fakePinger{version: "1.4.0"}
		e.sd.active = "active"
		st, err := e.mgr.Status(ctx)
		require.NoError(t, err)
		assert.True(t, st.Running)
		assert.Equal(t, "1.4.0", st.Version)
		assert.False(t, st.VersionMatches)
	})
}

func TestLogs(t *testing.T) {
	e := newEnv(t, "1.4.0")
	out, err := e.mgr.Logs(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", out)
	assert.Equal(t, []string{"journalctl -u wirevault -n 100 --no-pager"}, *e.runs)
}

func TestUnprivilegedVerbsUsePkexec(t *testing.T) {
	var got []string
	p := elevation.NewPkexecWithRunner(func(_ context.Context, name string, args ...string) ([]byte, error) {
		got = append(got, name+" "+strings.Join(args, " "))
		return nil, nil
	}, "/usr/bin/wirevault")
	m := NewManager("1.0.0", Options{Pkexec: p})

	ctx := context.Background()
	require.NoError(t, m.Install(ctx))
	require.NoError(t, m.Enable(ctx))
	require.NoError(t, m.Disable(ctx))
	require.NoError(t, m.Uninstall(ctx))
	assert.Equal(t, []string{
		"pkexec /usr/bin/wirevault service install",
		"pkexec /usr/bin/wirevault service enable",
		"pkexec /usr/bin/wirevault service disable",
		"pkexec /usr/bin/wirevault service uninstall",
	}, got)
}
