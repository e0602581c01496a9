package executor

// natRule is one iptables rule installed for a server tunnel.
type natRule struct {
	table string
	chain string
	spec  []string
}

// natRules masquerades traffic from subnet leaving through any other
// interface and accepts forwarding to and from iface.
func natRules(iface, subnet string) []natRule {
	return []natRule{
		{table: "nat", chain: "POSTROUTING", spec: []string{"-s", subnet, "!", "-o", iface, "-j", "MASQUERADE"}},
		{table: "filter", chain: "FORWARD", spec: []string{"-i", iface, "-j", "ACCEPT"}},
		{table: "filter", chain: "FORWARD", spec: []string{"-o", iface, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"}},
	}
}
