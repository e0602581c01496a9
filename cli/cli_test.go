package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/config"
	"github.com/yllada/wirevault/executor/executortest"
	"github.com/yllada/wirevault/orchestrator"
	"github.com/yllada/wirevault/registry"
	"github.com/yllada/wirevault/supervisor"
	"github.com/yllada/wirevault/tunnel"
	"github.com/yllada/wirevault/tunnel/tunneltest"
)

// keepOpen survives the per-command teardown so that several commands
// share one supervisor.
type keepOpen struct {
	*orchestrator.LocalBackend
}

func (keepOpen) Close() error {
	return nil
}

type fakeManager struct {
	calls      []string
	status     tunnel.DaemonStatus
	privileged []string
	err        error
}

func (f *fakeManager) record(name string) error {
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeManager) Install(context.Context) error {
	return f.record("install")
}

func (f *fakeManager) Uninstall(context.Context) error {
	return f.record("uninstall")
}

func (f *fakeManager) Enable(context.Context) error {
	return f.record("enable")
}

func (f *fakeManager) Disable(context.Context) error {
	return f.record("disable")
}

func (f *fakeManager) Start(context.Context) error {
	return f.record("start")
}

func (f *fakeManager) Stop(context.Context) error {
	return f.record("stop")
}

func (f *fakeManager) Restart(context.Context) error {
	return f.record("restart")
}

func (f *fakeManager) Status(context.Context) (tunnel.DaemonStatus, error) {
	return f.status, f.err
}

func (f *fakeManager) Logs(_ context.Context, lines int) (string, error) {
	f.calls = append(f.calls, "logs")
	return "line one\nline two\n", f.err
}

func (f *fakeManager) RunPrivileged(_ context.Context, verb string) error {
	f.privileged = append(f.privileged, verb)
	return f.err
}

type env struct {
	t       *testing.T
	cli     *CLI
	fake    *executortest.Fake
	manager *fakeManager
	dir     string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	reg, err := registry.New(filepath.Join(dir, "tunnels"))
	require.NoError(t, err)
	fake := executortest.New()
	sup := supervisor.New(fake, supervisor.Options{PollInterval: time.Hour})
	t.Cleanup(sup.Shutdown)
	o := orchestrator.New(reg, keepOpen{orchestrator.NewLocalBackend(sup)}, nil)

	manager := &fakeManager{}
	c := New(BuildInfo{Version: "1.4.0", BuildTime: "unknown", Commit: "unknown"})
	c.open = func(*config.Config, string) (*orchestrator.Orchestrator, error) {
		return o, nil
	}
	c.newManager = func(*config.Config, string) DaemonManager {
		return manager
	}
	return &env{t: t, cli: c, fake: fake, manager: manager, dir: dir}
}

func (e *env) run(args ...string) (string, error) {
	e.t.Helper()
	root := e.cli.RootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", filepath.Join(e.dir, "config.yaml")}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *env) writeTunnel(cfg *tunnel.Config) string {
	e.t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(e.t, err)
	path := filepath.Join(e.dir, cfg.Name+".json")
	require.NoError(e.t, os.WriteFile(path, data, 0o600))
	return path
}

func TestTunnelCommands(t *testing.T) {
	e := newEnv(t)

	out, err := e.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "No tunnels configured.")

	cfg := tunneltest.Server(t, "vpn1")
	cfg.Name = "office"
	out, err = e.run("save", "-f", e.writeTunnel(cfg))
	require.NoError(t, err)
	assert.Equal(t, "✓ Saved tunnel vpn1\n", out)

	out, err = e.run("start", "office")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ office is running")
	assert.Equal(t, 1, e.fake.Starts("vpn1"))

	out, err = e.run("list")
	require.NoError(t, err)
	assert.Contains(t, out, "office")
	assert.Contains(t, out, "Running")

	out, err = e.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "TUNNEL")
	assert.Contains(t, out, "office")
	assert.NotContains(t, out, "Daemon installed")

	out, err = e.run("show", "--json", "vpn1")
	require.NoError(t, err)
	var details tunnel.Details
	require.NoError(t, json.Unmarshal([]byte(out), &details))
	assert.Equal(t, "(hidden)", details.Config.PrivateKey)
	assert.Equal(t, tunnel.StatusRunning, details.State.Status)

	_, err = e.run("delete", "vpn1")
	assert.ErrorIs(t, err, common.ErrConflict)

	out, err = e.run("stop", "vpn")
	require.NoError(t, err)
	assert.Equal(t, "✓ Stopped vpn1\n", out)

	out, err = e.run("delete", "office")
	require.NoError(t, err)
	assert.Equal(t, "✓ Deleted vpn1\n", out)

	_, err = e.run("start", "office")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSave_RejectsUnknownFields(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(e.dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"x","colour":"red"}`), 0o600))

	_, err := e.run("save", "-f", path)
	assert.ErrorIs(t, err, common.ErrConfigInvalid)

	_, err = e.run("save")
	assert.Error(t, err, "--file is required")
}

func TestResolveTunnel_Ambiguous(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"home-a", "home-b"} {
		_, err := e.run("save", "-f", e.writeTunnel(tunneltest.Server(t, id)))
		require.NoError(t, err)
	}

	_, err := e.run("start", "home")
	assert.ErrorContains(t, err, "matches 2 tunnels")

	_, err = e.run("start", "HOME-B")
	require.NoError(t, err)
	assert.Equal(t, 1, e.fake.Starts("home-b"))
}

func TestDaemonCommands(t *testing.T) {
	e := newEnv(t)

	for _, verb := range []string{"install", "uninstall", "start", "stop", "restart", "enable", "disable"} {
		out, err := e.run("daemon", verb)
		require.NoError(t, err, verb)
		assert.Contains(t, out, "✓ Daemon")
	}
	assert.Equal(t, []string{"install", "uninstall", "start", "stop", "restart", "enable", "disable"}, e.manager.calls)

	e.manager.status = tunnel.DaemonStatus{Installed: true, Running: true, Version: "1.3.0", ClientVersion: "1.4.0"}
	out, err := e.run("daemon", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Daemon running:   Yes")
	assert.Contains(t, out, "differs from client 1.4.0")

	out, err = e.run("daemon", "logs", "-n", "2")
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", out)

	e.manager.err = common.ErrPrivilegeDenied
	_, err = e.run("daemon", "install")
	assert.ErrorIs(t, err, common.ErrPrivilegeDenied)
}

func TestServiceCommands(t *testing.T) {
	e := newEnv(t)
	for _, verb := range []string{"install", "uninstall", "enable", "disable"} {
		_, err := e.run("service", verb)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"install", "uninstall", "enable", "disable"}, e.manager.privileged)

	_, err := e.run("service", "restart")
	assert.ErrorIs(t, err, common.ErrConfigInvalid)
	assert.Len(t, e.manager.privileged, 4)
}

func TestVersion(t *testing.T) {
	e := newEnv(t)

	out, err := e.run("version", "--short")
	require.NoError(t, err)
	assert.Equal(t, "1.4.0\n", out)

	out, err = e.run("version")
	require.NoError(t, err)
	assert.Equal(t, "WireVault v1.4.0\n", out)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m 30s"},
		{3*time.Hour + 2*time.Minute + 1*time.Second, "3h 2m 1s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}
