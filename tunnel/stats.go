package tunnel

import "sort"

// PeerStat holds the cumulative counters the data-plane process reports
// for one peer.
type PeerStat struct {
	TxBytes uint64 `json:"tx_bytes"`
	RxBytes uint64 `json:"rx_bytes"`
	// LastHandshake is in unix seconds; zero means no handshake yet.
	LastHandshake int64 `json:"last_handshake"`
}

// PeerStats maps a base64 peer public key to its counters.
type PeerStats map[string]PeerStat

// Clone returns a copy of s.
func (s PeerStats) Clone() PeerStats {
	if s == nil {
		return nil
	}
	out := make(PeerStats, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Keys returns the peer keys in sorted order.
func (s PeerStats) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Totals sums the counters of every peer.
func (s PeerStats) Totals() (tx, rx uint64) {
	for _, st := range s {
		tx += st.TxBytes
		rx += st.RxBytes
	}
	return tx, rx
}
