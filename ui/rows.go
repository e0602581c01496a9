package ui

import (
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/dustin/go-humanize"

	"github.com/yllada/wirevault/stats"
	"github.com/yllada/wirevault/tunnel"
)

var columns = []table.Column{
	{Title: "TUNNEL", Width: 16},
	{Title: "STATUS", Width: 9},
	{Title: "PEER", Width: 12},
	{Title: "RX", Width: 10},
	{Title: "TX", Width: 10},
	{Title: "RX/S", Width: 10},
	{Title: "TX/S", Width: 10},
	{Title: "HANDSHAKE", Width: 16},
}

// buildRows returns one row per peer of a running tunnel and one row for
// every other tunnel. ids[i] is the tunnel shown on row i.
func buildRows(summaries []tunnel.Summary, states map[string]tunnel.RuntimeState, snap stats.Snapshot, interval time.Duration, now time.Time) (rows []table.Row, ids []string) {
	for _, s := range summaries {
		st, ok := states[s.ID]
		if !ok {
			st = tunnel.RuntimeState{ID: s.ID, Status: tunnel.StatusStopped}
		}
		name := s.Name
		if name == "" {
			name = s.ID
		}

		peers := snap.Tunnels[s.ID]
		if st.Status != tunnel.StatusRunning || len(peers) == 0 {
			rows = append(rows, table.Row{name, st.Status.String(), "-", "-", "-", "-", "-", "-"})
			ids = append(ids, s.ID)
			continue
		}

		status := st.Status.String()
		for _, key := range sortedKeys(peers) {
			p := peers[key]
			rows = append(rows, table.Row{
				name,
				status,
				shortKey(key),
				humanize.IBytes(p.RxBytes),
				humanize.IBytes(p.TxBytes),
				rate(p.RxDelta, interval),
				rate(p.TxDelta, interval),
				handshake(p.LastHandshake, now),
			})
			ids = append(ids, s.ID)
			// Only the first row of a tunnel carries its name and status.
			name, status = "", ""
		}
	}
	return rows, ids
}

func sortedKeys(peers map[string]stats.PeerSample) []string {
	keys := make([]string, 0, len(peers))
	for k := range peers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortKey(key string) string {
	if len(key) > 10 {
		return key[:10] + "…"
	}
	return key
}

func rate(delta uint64, interval time.Duration) string {
	if interval <= 0 {
		return "-"
	}
	perSec := float64(delta) / interval.Seconds()
	return humanize.IBytes(uint64(perSec)) + "/s"
}

func handshake(unix int64, now time.Time) string {
	if unix == 0 {
		return "never"
	}
	return humanize.RelTime(time.Unix(unix, 0), now, "ago", "from now")
}
