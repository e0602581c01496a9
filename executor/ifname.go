package executor

import (
	"fmt"
	"strings"

	"github.com/yllada/wirevault/common"
)

const (
	linuxPrefix   = "wv"
	darwinPrefix  = "utun"
	windowsPrefix = "wgx-"

	maxInterfaceIndex = 200
	// Windows tunnel service names are limited to 32 characters.
	maxWindowsName = 32
)

// NextName returns prefix<N> for the first N in 0..max not in use.
func NextName(prefix string, max int, inUse func(string) bool) (string, error) {
	for i := 0; i <= max; i++ {
		name := fmt.Sprintf("%s%d", prefix, i)
		if !inUse(name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: no free %s interface name", common.ErrInterfaceConflict, prefix)
}

// WindowsName derives the tunnel service name of a tunnel id.
func WindowsName(id string) string {
	var sb strings.Builder
	sb.WriteString(windowsPrefix)
	for _, r := range id {
		if sb.Len() >= maxWindowsName {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '=', r == '+', r == '.', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}
	return sb.String()
}
