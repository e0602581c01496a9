// Package common provides shared constants, types, and utilities
// used across wirevault.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "WireVault"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "wirevault"
	// BinaryName is the name of the installed executable.
	BinaryName = "wirevault"
)

// File names used by the application.
const (
	ConfigFileName  = "config.yaml"
	LogFileName     = "wirevault.log"
	TunnelsDirName  = "tunnels"
	RuntimeFileName = "runtime.json"
)

// Daemon locations (Linux).
const (
	// DaemonSocketPath is the well-known IPC endpoint of the privileged daemon.
	DaemonSocketPath = "/var/run/wirevault.sock"
	// DaemonUnitName is the systemd unit running the daemon.
	DaemonUnitName = "wirevault.service"
	// DaemonServiceName is the service name without the unit suffix.
	DaemonServiceName = "wirevault"
	// DaemonInstallPath is where the installer copies the binary.
	DaemonInstallPath = "/usr/local/bin/wirevault"
	// DaemonStateDir holds runtime handle records across daemon restarts.
	DaemonStateDir = "/var/lib/wirevault"
	// DaemonLogDir holds the daemon log file.
	DaemonLogDir = "/var/log/wirevault"
	// DaemonSocketGroup is the group allowed to talk to the daemon.
	DaemonSocketGroup = "wirevault"
	// PolkitRulePath is the rule allow-listing daemon lifecycle verbs.
	PolkitRulePath = "/etc/polkit-1/rules.d/49-wirevault.rules"
)

// WireGuardSocketDir is where userspace WireGuard processes expose their
// control sockets on Unix systems.
const WireGuardSocketDir = "/var/run/wireguard"

// Default timeouts and intervals.
const (
	// StartTimeout bounds the whole start sequence of a tunnel.
	StartTimeout = 15 * time.Second
	// SocketReadyTimeout bounds the wait for the control socket to appear.
	SocketReadyTimeout = 10 * time.Second
	// StopTimeout bounds graceful process termination before it is killed.
	StopTimeout = 5 * time.Second
	// StatsInterval is the default stats polling interval.
	StatsInterval = 1 * time.Second
	// MinStatsInterval is the smallest subscription interval accepted.
	MinStatsInterval = 100 * time.Millisecond
	// EndpointRefreshInterval is how often peer host names are re-resolved.
	EndpointRefreshInterval = 120 * time.Second
	// IPCReadTimeout bounds waiting for a daemon response.
	IPCReadTimeout = 30 * time.Second
	// IPCWriteTimeout bounds writing a request to the daemon.
	IPCWriteTimeout = 10 * time.Second
	// ControlTimeout is the timeout for control protocol exchanges.
	ControlTimeout = 5 * time.Second
)

// WireGuard defaults.
const (
	DefaultMTU = 1420
	MinMTU     = 576
	MaxMTU     = 9000
)

// Tunnel modes.
const (
	ModeServer = "server"
	ModeClient = "client"
)
