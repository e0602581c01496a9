package executor

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Locator finds helper binaries. Its fields are replaceable in tests.
type Locator struct {
	LookPath func(string) (string, error)
	IsFile   func(string) bool
	Getenv   func(string) string
}

// SystemLocator uses the real PATH and file system.
func SystemLocator() Locator {
	return Locator{
		LookPath: exec.LookPath,
		IsFile: func(path string) bool {
			info, err := os.Stat(path)
			return err == nil && !info.IsDir()
		},
		Getenv: os.Getenv,
	}
}

const wireguardGo = "wireguard-go"

// wireGuardGoDirs are searched in order after the configured path.
var wireGuardGoDirs = []string{
	"/opt/wirevault",
	"/usr/local/bin",
	"/usr/bin",
	"/opt/wireguard-go",
}

// darwinWireGuardGoDirs adds the Homebrew prefixes.
var darwinWireGuardGoDirs = []string{
	"/opt/wirevault",
	"/usr/local/bin",
	"/opt/homebrew/bin",
	"/usr/bin",
}

// FindWireGuardGo returns the first wireguard-go binary found in dirs
// after configured, then on PATH. ok is false when the bundled data plane
// must be used.
func (l Locator) FindWireGuardGo(configured string, dirs []string) (path string, ok bool) {
	if configured != "" && l.IsFile(configured) {
		return configured, true
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, wireguardGo)
		if l.IsFile(candidate) {
			return candidate, true
		}
	}
	if found, err := l.LookPath(wireguardGo); err == nil {
		return found, true
	}
	return "", false
}

// WindowsCandidates lists where the vendor tool may be installed, in
// search order after PATH.
func (l Locator) WindowsCandidates(tool string) []string {
	var out []string
	add := func(base string, parts ...string) {
		if base == "" {
			return
		}
		out = append(out, strings.Join(append([]string{strings.TrimRight(base, `\`)}, parts...), `\`))
	}
	add(l.Getenv("ProgramFiles"), "WireGuard", tool)
	add(l.Getenv("ProgramFiles(x86)"), "WireGuard", tool)
	add(`C:\Program Files`, "WireGuard", tool)
	add(`C:\Program Files (x86)`, "WireGuard", tool)
	add(l.Getenv("LOCALAPPDATA"), "Programs", "WireGuard", tool)
	return dedupe(out)
}

// FindWindowsTool locates wireguard.exe or wg.exe.
func (l Locator) FindWindowsTool(tool string) (string, bool) {
	if found, err := l.LookPath(tool); err == nil {
		return found, true
	}
	for _, candidate := range l.WindowsCandidates(tool) {
		if l.IsFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
