package tunnel

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a tunnel.
type Status int

const (
	// StatusStopped indicates no process owns the tunnel.
	StatusStopped Status = iota
	// StatusStarting indicates the process is being launched and configured.
	StatusStarting
	// StatusRunning indicates the interface is up.
	StatusRunning
	// StatusStopping indicates teardown is in progress.
	StatusStopping
	// StatusError indicates the start failed or the process died.
	StatusError
)

var statusNames = map[Status]string{
	StatusStopped:  "stopped",
	StatusStarting: "starting",
	StatusRunning:  "running",
	StatusStopping: "stopping",
	StatusError:    "error",
}

// String returns the wire name of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Label returns a human-readable status string.
func (s Status) Label() string {
	switch s {
	case StatusStopped:
		return "Stopped"
	case StatusStarting:
		return "Starting..."
	case StatusRunning:
		return "Running"
	case StatusStopping:
		return "Stopping..."
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ParseStatus converts a wire name back into a Status.
func ParseStatus(s string) (Status, error) {
	for status, name := range statusNames {
		if name == s {
			return status, nil
		}
	}
	return StatusStopped, fmt.Errorf("unknown tunnel status %q", s)
}

// MarshalJSON encodes the status by name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanTransition reports whether moving from s to next is allowed.
// Error is reachable from Starting or Running only; a tunnel in Error may
// be started again or cleaned up through Stopping.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusStopped:
		return next == StatusStarting
	case StatusStarting:
		return next == StatusRunning || next == StatusError
	case StatusRunning:
		return next == StatusStopping || next == StatusError
	case StatusStopping:
		return next == StatusStopped
	case StatusError:
		return next == StatusStarting || next == StatusStopping
	default:
		return false
	}
}

// Active reports whether a process may currently own the tunnel.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// RuntimeState is the live state of a tunnel. It exists from start until
// stop and is owned by the supervisor (the daemon on Linux).
type RuntimeState struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Interface string    `json:"interface,omitempty"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Peers     PeerStats `json:"peers,omitempty"`
	// StatsAt is when Peers was last refreshed.
	StatsAt time.Time `json:"stats_at,omitempty"`
}

// StoppedState is the state reported for a tunnel without runtime state.
func StoppedState(id string) RuntimeState {
	return RuntimeState{ID: id, Status: StatusStopped}
}

// Details is a tunnel configuration merged with its live state.
type Details struct {
	Config *Config      `json:"config"`
	State  RuntimeState `json:"state"`
}

// DaemonStatus describes the Linux daemon installation.
type DaemonStatus struct {
	Installed      bool   `json:"installed"`
	Running        bool   `json:"running"`
	Enabled        bool   `json:"enabled"`
	Version        string `json:"version,omitempty"`
	ClientVersion  string `json:"client_version,omitempty"`
	VersionMatches bool   `json:"version_matches"`
}
