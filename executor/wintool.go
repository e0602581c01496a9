package executor

import (
	"fmt"
	"strings"

	"github.com/yllada/wirevault/common"
)

// classifyInstall maps wireguard.exe output of a failed
// /installtunnelservice to the error taxonomy.
func classifyInstall(output string, err error) error {
	if err == nil {
		return nil
	}
	if accessDenied(output) {
		return fmt.Errorf("%w: %s", common.ErrPrivilegeDenied, firstOutputLine(output))
	}
	if strings.Contains(strings.ToLower(output), "already installed") {
		return fmt.Errorf("%w: %s", common.ErrInterfaceConflict, firstOutputLine(output))
	}
	return fmt.Errorf("%w: %s: %w", common.ErrProcessSpawnFailed, firstOutputLine(output), err)
}

// classifyUninstall treats a missing service as already stopped.
func classifyUninstall(output string, err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(output)
	if strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist") {
		return nil
	}
	if accessDenied(output) {
		return fmt.Errorf("%w: %s", common.ErrPrivilegeDenied, firstOutputLine(output))
	}
	return fmt.Errorf("failed to remove tunnel service: %s: %w", firstOutputLine(output), err)
}

func accessDenied(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "access is denied") || strings.Contains(lower, "access denied")
}

func firstOutputLine(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return "no output"
	}
	if i := strings.IndexAny(output, "\r\n"); i >= 0 {
		return output[:i]
	}
	return output
}
