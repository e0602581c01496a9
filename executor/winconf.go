package executor

import (
	"fmt"
	"strings"

	"github.com/yllada/wirevault/tunnel"
)

// WindowsConf renders cfg in the vendor configuration format with CRLF
// line endings, as wireguard.exe expects.
func WindowsConf(cfg *tunnel.Config) string {
	var lines []string
	add := func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}

	add("[Interface]")
	add("PrivateKey = %s", cfg.PrivateKey)
	add("Address = %s", joinList(strings.Split(cfg.Address, ",")))
	if cfg.ListenPort > 0 {
		add("ListenPort = %d", cfg.ListenPort)
	}
	if len(cfg.DNS) > 0 {
		add("DNS = %s", joinList(cfg.DNS))
	}
	add("MTU = %d", cfg.EffectiveMTU())

	for _, p := range cfg.Peers {
		add("")
		add("[Peer]")
		add("PublicKey = %s", p.PublicKey)
		if p.PresharedKey != "" {
			add("PresharedKey = %s", p.PresharedKey)
		}
		if len(p.AllowedIPs) > 0 {
			add("AllowedIPs = %s", joinList(p.AllowedIPs))
		}
		if p.Endpoint != "" && cfg.Mode == tunnel.ModeClient {
			add("Endpoint = %s", p.Endpoint)
		}
		if p.PersistentKeepalive > 0 {
			add("PersistentKeepalive = %d", p.PersistentKeepalive)
		}
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

func joinList(items []string) string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return strings.Join(out, ", ")
}
