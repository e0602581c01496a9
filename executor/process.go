package executor

import (
	"fmt"
	"slices"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/yllada/wirevault/common"
)

// processAlive reports whether pid names a running, non-zombie process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// ProcessAlive is processAlive for other packages.
func ProcessAlive(pid int) bool {
	return processAlive(pid)
}

// adoptionSlack bounds the distance between the recorded start of a
// tunnel and the creation time of the process holding its PID.
const adoptionSlack = 5 * time.Second

// dataPlaneNames are the process names a recorded data plane may carry.
var dataPlaneNames = []string{"wireguard-go", common.BinaryName}

// verifyOwned checks that rec.PID is still the data-plane process that
// was recorded, not a process that reused the PID after a reboot or a
// crash.
func verifyOwned(rec Record, names []string) error {
	if !processAlive(rec.PID) {
		return fmt.Errorf("%w: pid %d", ErrProcessGone, rec.PID)
	}
	p, err := process.NewProcess(int32(rec.PID))
	if err != nil {
		return fmt.Errorf("%w: pid %d: %w", ErrProcessGone, rec.PID, err)
	}

	createdMs, err := p.CreateTime()
	if err != nil {
		return fmt.Errorf("%w: pid %d: creation time unknown: %w", ErrProcessGone, rec.PID, err)
	}
	created := time.UnixMilli(createdMs)
	started := time.Unix(rec.StartedAt, 0)
	if d := created.Sub(started); d > adoptionSlack || d < -adoptionSlack {
		return fmt.Errorf("%w: pid %d was created at %s, tunnel started at %s",
			ErrProcessGone, rec.PID, created.Format(time.RFC3339), started.Format(time.RFC3339))
	}

	name, err := p.Name()
	if err != nil {
		return fmt.Errorf("%w: pid %d: name unknown: %w", ErrProcessGone, rec.PID, err)
	}
	if !slices.Contains(names, name) {
		return fmt.Errorf("%w: pid %d runs %q", ErrProcessGone, rec.PID, name)
	}
	return nil
}
