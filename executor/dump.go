package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yllada/wirevault/tunnel"
)

// ParseDump parses `wg show <iface> dump`. The first line describes the
// interface; each following line is a tab separated peer record:
// public key, preshared key, endpoint, allowed ips, latest handshake,
// rx bytes, tx bytes, keepalive.
func ParseDump(text string) (tunnel.PeerStats, error) {
	stats := tunnel.PeerStats{}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 8 {
			// interface line or an unrelated record
			continue
		}
		handshake, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: latest handshake: %w", i+1, err)
		}
		rx, err := strconv.ParseUint(fields[5], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: rx bytes: %w", i+1, err)
		}
		tx, err := strconv.ParseUint(fields[6], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: tx bytes: %w", i+1, err)
		}
		stats[fields[0]] = tunnel.PeerStat{TxBytes: tx, RxBytes: rx, LastHandshake: handshake}
	}
	return stats, nil
}
