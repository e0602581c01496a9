// Package elevation obtains administrator rights for the operations that
// need them. macOS runs one elevated shell script per tunnel start through
// osascript, Linux runs a fixed set of `wirevault service <verb>` actions
// through pkexec, and Windows has no elevator because tunnels are managed
// by the vendor service manager.
package elevation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/yllada/wirevault/common"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type exitCoder interface {
	ExitCode() int
}

func exitCode(err error) int {
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

// Osascript elevates shell scripts on macOS with the system
// authorization dialog.
type Osascript struct {
	run Runner

	mu         sync.Mutex
	authorized bool
}

// NewOsascript returns an elevator using osascript.
func NewOsascript() *Osascript {
	return &Osascript{run: ExecRunner}
}

// NewOsascriptWithRunner is used by tests.
func NewOsascriptWithRunner(run Runner) *Osascript {
	return &Osascript{run: run}
}

// Authorized reports whether the user approved at least one elevation
// during this session.
func (o *Osascript) Authorized() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.authorized
}

// Run executes script as root and returns its trimmed standard output.
// A cancelled dialog yields common.ErrPrivilegeDenied.
func (o *Osascript) Run(ctx context.Context, script string) (string, error) {
	source := fmt.Sprintf("do shell script %s with administrator privileges", AppleScriptString(script))
	out, err := o.run(ctx, "osascript", "-e", source)
	text := strings.TrimSpace(string(out))
	if err != nil {
		if isCancelled(text) {
			common.LogInfo("Elevation: authorization dialog cancelled")
			return "", fmt.Errorf("%w: authorization was cancelled", common.ErrPrivilegeDenied)
		}
		return "", fmt.Errorf("elevated script failed: %s: %w", text, err)
	}

	o.mu.Lock()
	o.authorized = true
	o.mu.Unlock()
	return text, nil
}

func isCancelled(output string) bool {
	return strings.Contains(output, "User canceled") || strings.Contains(output, "(-128)")
}

// AppleScriptString quotes s as an AppleScript string literal.
func AppleScriptString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// Service verbs accepted by the root `service` subcommand.
const (
	VerbInstall   = "install"
	VerbUninstall = "uninstall"
	VerbEnable    = "enable"
	VerbDisable   = "disable"
)

// ServiceVerbs is the allow-list of privileged daemon actions.
var ServiceVerbs = []string{VerbInstall, VerbUninstall, VerbEnable, VerbDisable}

// IsServiceVerb reports whether verb is on the allow-list.
func IsServiceVerb(verb string) bool {
	return common.StringInSlice(verb, ServiceVerbs)
}

// Pkexec runs privileged daemon actions on Linux.
type Pkexec struct {
	run  Runner
	self string
}

// NewPkexec returns an elevator that re-executes the running binary.
func NewPkexec() (*Pkexec, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate own executable: %w", err)
	}
	return &Pkexec{run: ExecRunner, self: self}, nil
}

// NewPkexecWithRunner is used by tests.
func NewPkexecWithRunner(run Runner, self string) *Pkexec {
	return &Pkexec{run: run, self: self}
}

// Service runs `pkexec <self> service <verb>`.
func (p *Pkexec) Service(ctx context.Context, verb string) error {
	if !IsServiceVerb(verb) {
		return fmt.Errorf("%w: unsupported service action %q", common.ErrConfigInvalid, verb)
	}
	common.LogInfo("Elevation: running privileged action %s", verb)
	out, err := p.run(ctx, "pkexec", p.self, "service", verb)
	if err == nil {
		return nil
	}
	text := strings.TrimSpace(string(out))
	if pkexecDenied(text, exitCode(err)) {
		return fmt.Errorf("%w: %s", common.ErrPrivilegeDenied, firstLine(text, "authorization failed"))
	}
	return fmt.Errorf("service %s failed: %s: %w", verb, firstLine(text, "no output"), err)
}

// pkexec exits 126 when the dialog is dismissed and 127 when the user is
// not authorized.
func pkexecDenied(output string, code int) bool {
	if code == 126 || code == 127 {
		return true
	}
	lower := strings.ToLower(output)
	return strings.Contains(lower, "dismissed") || strings.Contains(lower, "not authorized")
}

func firstLine(s, fallback string) string {
	if s == "" {
		return fallback
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
