package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/yllada/wirevault/common"
)

var errNotReady = errors.New("not ready")

// ErrProcessGone is returned by Adopt when the recorded process has exited.
var ErrProcessGone = errors.New("data-plane process is not running")

// waitReady polls ready with exponential backoff until it succeeds, the
// process behind h exits or timeout elapses.
func waitReady(ctx context.Context, h *Handle, timeout time.Duration, ready func(context.Context) bool) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = timeout

	op := func() error {
		if h != nil && h.HasExited() {
			return backoff.Permanent(fmt.Errorf("%w: data plane exited early: %v", common.ErrProcessSpawnFailed, h.ExitErr()))
		}
		if ready(ctx) {
			return nil
		}
		return errNotReady
	}

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, common.ErrProcessSpawnFailed):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", common.ErrTimeout, ctx.Err())
	default:
		return fmt.Errorf("%w: data plane not ready after %s", common.ErrTimeout, timeout)
	}
}

// waitGone polls until the process behind h is gone or timeout elapses.
func waitGone(ctx context.Context, h *Handle, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if h.HasExited() || !processAlive(h.PID) {
			return true
		}
		select {
		case <-h.Exited():
			return true
		case <-ticker.C:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
