package executor

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/yllada/wirevault/uapi"
)

// StartScriptParams describe one elevated macOS start.
type StartScriptParams struct {
	Launch     []string
	Interface  string
	Socket     string
	Owner      int
	MTU        int
	Addresses  []netip.Prefix
	Routes     []netip.Prefix
	HostRoutes []string
	Gateway    string
	Timeout    time.Duration
}

// StartScript builds the root shell script that launches the helper,
// waits for its control socket, hands the socket to the invoking user,
// configures the interface and routes and finally prints the helper pid.
func StartScript(p StartScriptParams) string {
	var lines []string
	add := func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}

	add("set -e")
	add("%s >/dev/null 2>&1 &", shellJoin(p.Launch))
	add("PID=$!")
	tries := int(p.Timeout / (100 * time.Millisecond))
	if tries < 1 {
		tries = 1
	}
	add("i=0; while [ ! -S %s ]; do i=$((i+1)); if [ $i -gt %d ]; then kill $PID 2>/dev/null; exit 1; fi; sleep 0.1; done", shellQuote(p.Socket), tries)
	add("chown %d %s", p.Owner, shellQuote(p.Socket))
	for _, a := range p.Addresses {
		if a.Addr().Is4() {
			add("ifconfig %s inet %s %s alias", p.Interface, a.String(), a.Addr().String())
		} else {
			add("ifconfig %s inet6 %s alias", p.Interface, a.String())
		}
	}
	add("ifconfig %s mtu %d", p.Interface, p.MTU)
	add("ifconfig %s up", p.Interface)
	for _, host := range p.HostRoutes {
		add("route -q -n add -%s %s -gateway %s || true", family(host), host, p.Gateway)
	}
	for _, r := range p.Routes {
		add("route -q -n add -%s %s -interface %s", family(r.Addr().String()), r.String(), p.Interface)
	}
	add("echo $PID")
	return strings.Join(lines, "\n")
}

// StopScript removes pinned endpoint routes and terminates the helper.
func StopScript(rec Record) string {
	var lines []string
	for _, host := range rec.HostRoutes {
		lines = append(lines, fmt.Sprintf("route -q -n delete -%s %s -gateway %s || true", family(host), host, rec.Gateway))
	}
	if rec.PID > 0 {
		lines = append(lines, fmt.Sprintf("kill %d 2>/dev/null || true", rec.PID))
	}
	lines = append(lines, fmt.Sprintf("rm -f %s", shellQuote(uapi.SocketPath(rec.Interface))))
	return strings.Join(lines, "\n")
}

func family(addr string) string {
	if strings.Contains(addr, ":") {
		return "inet6"
	}
	return "inet"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}
