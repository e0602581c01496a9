// Package ui provides the terminal watch view of wirevault.
//
// The view lists every stored tunnel with its live status and, for
// running tunnels, one row per peer with transfer counters, rates and
// the age of the last handshake.
//
// # Architecture
//
// The view is a bubbletea program driven by three message sources:
//
//   - the stats subscription of the Orchestrator, one message per snapshot
//   - a periodic refresh of the tunnel list and runtime states
//   - the results of start/stop commands dispatched from the keyboard
//
// Commands never block the update loop: each Orchestrator call runs in a
// tea.Cmd and reports back as a message.
//
// # Keys
//
//   - up/down, j/k: move the selection
//   - enter, space: start or stop the selected tunnel
//   - r: refresh the tunnel list now
//   - q, ctrl+c: quit (tunnels keep running)
//
// # File Organization
//
//   - watch.go: model, messages and update loop
//   - rows.go: table rows built from summaries, states and snapshots
//   - styles.go: lipgloss styles
package ui
