//go:build !linux && !darwin && !windows

package executor

import (
	"errors"
	"runtime"
)

// New fails on platforms without a tunnel implementation.
func New(Options) (Executor, error) {
	return nil, errors.New("tunnels are not supported on " + runtime.GOOS)
}
