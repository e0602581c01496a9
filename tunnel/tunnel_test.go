package tunnel_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/tunnel"
	"github.com/yllada/wirevault/tunnel/tunneltest"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status tunnel.Status
		name   string
		label  string
	}{
		{tunnel.StatusStopped, "stopped", "Stopped"},
		{tunnel.StatusStarting, "starting", "Starting..."},
		{tunnel.StatusRunning, "running", "Running"},
		{tunnel.StatusStopping, "stopping", "Stopping..."},
		{tunnel.StatusError, "error", "Error"},
		{tunnel.Status(99), "unknown", "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.status.String())
			assert.Equal(t, tt.label, tt.status.Label())
		})
	}
}

func TestStatus_JSON(t *testing.T) {
	data, err := json.Marshal(tunnel.RuntimeState{ID: "vpn1", Status: tunnel.StatusRunning})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"running"`)

	var st tunnel.RuntimeState
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, tunnel.StatusRunning, st.Status)

	assert.Error(t, json.Unmarshal([]byte(`{"status":"flying"}`), &st))
}

func TestStatus_CanTransition(t *testing.T) {
	all := []tunnel.Status{
		tunnel.StatusStopped, tunnel.StatusStarting, tunnel.StatusRunning,
		tunnel.StatusStopping, tunnel.StatusError,
	}
	allowed := map[[2]tunnel.Status]bool{
		{tunnel.StatusStopped, tunnel.StatusStarting}: true,
		{tunnel.StatusStarting, tunnel.StatusRunning}: true,
		{tunnel.StatusStarting, tunnel.StatusError}:   true,
		{tunnel.StatusRunning, tunnel.StatusStopping}: true,
		{tunnel.StatusRunning, tunnel.StatusError}:    true,
		{tunnel.StatusStopping, tunnel.StatusStopped}: true,
		{tunnel.StatusError, tunnel.StatusStarting}:   true,
		{tunnel.StatusError, tunnel.StatusStopping}:   true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]tunnel.Status{from, to}]
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
	// Running is never reachable without passing through Starting.
	assert.False(t, tunnel.StatusStopped.CanTransition(tunnel.StatusRunning))
}

func TestConfig_ValidateAccepts(t *testing.T) {
	server := tunneltest.Server(t, "vpn1")
	server.Peers = append(server.Peers, tunneltest.Peer(t, "10.0.0.2/32"))
	require.NoError(t, server.Validate())
	require.NoError(t, server.ValidateForStart())

	client := tunneltest.Client(t, "home")
	require.NoError(t, client.ValidateForStart())
}

func TestConfig_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, c *tunnel.Config)
	}{
		{"empty name", func(t *testing.T, c *tunnel.Config) { c.Name = " " }},
		{"bad mode", func(t *testing.T, c *tunnel.Config) { c.Mode = "mesh" }},
		{"bad id", func(t *testing.T, c *tunnel.Config) { c.ID = "../x" }},
		{"bad private key", func(t *testing.T, c *tunnel.Config) { c.PrivateKey = "nope" }},
		{"address without prefix", func(t *testing.T, c *tunnel.Config) { c.Address = "10.0.0.1" }},
		{"empty address", func(t *testing.T, c *tunnel.Config) { c.Address = "" }},
		{"port out of range", func(t *testing.T, c *tunnel.Config) { c.ListenPort = 70000 }},
		{"mtu too small", func(t *testing.T, c *tunnel.Config) { c.MTU = 100 }},
		{"dns not ip", func(t *testing.T, c *tunnel.Config) { c.DNS = []string{"dns.example"} }},
		{"psk equals public key", func(t *testing.T, c *tunnel.Config) {
			c.Peers[0].PresharedKey = c.Peers[0].PublicKey
		}},
		{"peer without allowed ips", func(t *testing.T, c *tunnel.Config) { c.Peers[0].AllowedIPs = nil }},
		{"bad allowed ip", func(t *testing.T, c *tunnel.Config) { c.Peers[0].AllowedIPs = []string{"10.0.0.0/33"} }},
		{"bad endpoint", func(t *testing.T, c *tunnel.Config) { c.Peers[0].Endpoint = "host-without-port" }},
		{"endpoint port zero", func(t *testing.T, c *tunnel.Config) { c.Peers[0].Endpoint = "vpn.example.com:0" }},
		{"duplicate peers", func(t *testing.T, c *tunnel.Config) { c.Peers = append(c.Peers, c.Peers[0]) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tunneltest.Client(t, "home")
			tt.mutate(t, cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrConfigInvalid), "got %v", err)
		})
	}
}

func TestConfig_ValidateForStartNeedsEndpoint(t *testing.T) {
	cfg := tunneltest.Client(t, "home")
	cfg.Peers[0].Endpoint = ""
	require.NoError(t, cfg.Validate())
	assert.ErrorIs(t, cfg.ValidateForStart(), common.ErrConfigInvalid)
}

func TestConfig_CloneIsDeep(t *testing.T) {
	cfg := tunneltest.Client(t, "home")
	clone := cfg.Clone()
	require.Empty(t, cmp.Diff(cfg, clone))

	clone.Peers[0].AllowedIPs[0] = "0.0.0.0/0"
	clone.DNS[0] = "9.9.9.9"
	assert.Equal(t, "10.0.0.0/24", cfg.Peers[0].AllowedIPs[0])
	assert.Equal(t, "1.1.1.1", cfg.DNS[0])
}

func TestConfig_SummaryOmitsKeys(t *testing.T) {
	cfg := tunneltest.Client(t, "home")
	data, err := json.Marshal(cfg.Summary())
	require.NoError(t, err)
	assert.NotContains(t, string(data), cfg.PrivateKey)
	assert.NotContains(t, string(data), "private_key")
	assert.Equal(t, 1, cfg.Summary().PeerCount)
}

func TestParsePrefix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10.0.0.2", "10.0.0.2/32"},
		{"10.0.0.7/24", "10.0.0.0/24"},
		{" fd00::1 ", "fd00::1/128"},
		{"0.0.0.0/0", "0.0.0.0/0"},
	}
	for _, tt := range tests {
		got, err := tunnel.ParsePrefix(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got.String())
	}
}

func TestIsHostname(t *testing.T) {
	assert.True(t, tunnel.IsHostname("vpn.example.com:51820"))
	assert.False(t, tunnel.IsHostname("203.0.113.1:51820"))
	assert.False(t, tunnel.IsHostname("[2001:db8::1]:51820"))
	assert.False(t, tunnel.IsHostname("garbage"))
}

func TestPeerStats(t *testing.T) {
	stats := tunnel.PeerStats{
		"b": {TxBytes: 10, RxBytes: 1},
		"a": {TxBytes: 5, RxBytes: 2},
	}
	assert.Equal(t, []string{"a", "b"}, stats.Keys())
	tx, rx := stats.Totals()
	assert.Equal(t, uint64(15), tx)
	assert.Equal(t, uint64(3), rx)

	clone := stats.Clone()
	clone["a"] = tunnel.PeerStat{}
	assert.Equal(t, uint64(5), stats["a"].TxBytes)
}
