package orchestrator

import (
	"context"
	"fmt"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/tunnel"
)

// Op names an asynchronous command.
type Op string

const (
	OpStart  Op = "start"
	OpStop   Op = "stop"
	OpSave   Op = "save"
	OpDelete Op = "delete"
)

// Command is a lifecycle request run off the interactive thread.
type Command struct {
	Op     Op
	ID     string
	Config *tunnel.Config
}

// Result is delivered once per dispatched command.
type Result struct {
	Command Command
	// ID is the tunnel affected; the new id after saving a new tunnel.
	ID  string
	Err error
	// Message is a user-presentable description of Err.
	Message string
}

// Dispatch runs cmd in the background and delivers its Result on the
// returned channel, which is closed afterwards.
func (o *Orchestrator) Dispatch(ctx context.Context, cmd Command) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		id, err := o.run(ctx, cmd)
		res := Result{Command: cmd, ID: id, Err: err}
		if err != nil {
			res.Message = common.UserMessage(err)
			common.LogWarn("Orchestrator: %s %s failed: %v", cmd.Op, id, err)
		}
		out <- res
	}()
	return out
}

func (o *Orchestrator) run(ctx context.Context, cmd Command) (string, error) {
	switch cmd.Op {
	case OpStart:
		return cmd.ID, o.StartTunnel(ctx, cmd.ID)
	case OpStop:
		return cmd.ID, o.StopTunnel(ctx, cmd.ID)
	case OpDelete:
		return cmd.ID, o.DeleteTunnelConfig(ctx, cmd.ID)
	case OpSave:
		id, err := o.SaveTunnelConfig(ctx, cmd.Config)
		if err != nil && cmd.Config != nil {
			id = cmd.Config.ID
		}
		return id, err
	default:
		return cmd.ID, fmt.Errorf("%w: unknown operation %q", common.ErrConfigInvalid, cmd.Op)
	}
}
