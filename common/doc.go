// Package common provides shared constants, errors, logging and utilities
// used throughout wirevault.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: Timeouts, file names and well-known paths of the daemon
//   - Errors: The sentinel error taxonomy and its stable wire codes
//   - Logger: Leveled logging on top of logrus with rotated file output
//   - Utils: Directory helpers and tunnel id generation
//
// # Usage
//
//	import "github.com/yllada/wirevault/common"
//
//	common.LogInfo("Starting tunnel %s", cfg.Name)
//
//	if errors.Is(err, common.ErrDaemonUnavailable) {
//	    // Offer to install or start the daemon
//	}
//
// Errors cross the daemon socket as codes (see ErrorCode and
// ErrorFromCode) so errors.Is keeps working on the GUI side.
package common
