//go:build !windows

package executor

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/yllada/wirevault/common"
)

// terminate asks the process behind h to exit and kills it when it does
// not within common.StopTimeout.
func terminate(ctx context.Context, h *Handle) error {
	if h.PID <= 0 || h.HasExited() || !processAlive(h.PID) {
		return nil
	}
	if err := unix.Kill(h.PID, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		if errors.Is(err, unix.EPERM) {
			return fmt.Errorf("%w: cannot signal process %d", common.ErrPrivilegeDenied, h.PID)
		}
		return fmt.Errorf("failed to signal process %d: %w", h.PID, err)
	}
	if waitGone(ctx, h, common.StopTimeout) {
		return nil
	}

	common.LogWarn("Executor: process %d ignored SIGTERM, killing", h.PID)
	if err := unix.Kill(h.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill process %d: %w", h.PID, err)
	}
	waitGone(ctx, h, common.StopTimeout)
	return nil
}
