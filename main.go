// Package main provides the entry point for WireVault, a WireGuard tunnel
// manager. The same binary is the command line front end, the Linux
// daemon (`wirevault daemon run`), the root helper reached through
// pkexec (`wirevault service <verb>`) and the bundled userspace data
// plane (`wirevault dataplane <iface>`).
//
// Usage:
//
//	wirevault [command] [flags]
//
// Environment:
//
//	Tunnels need wireguard-go (macOS, Linux) or the WireGuard for Windows
//	service. When wireguard-go is missing the bundled data plane is used.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yllada/wirevault/cli"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.New(cli.BuildInfo{
		Version:   appVersion,
		BuildTime: buildTime,
		Commit:    commitSHA,
	}).RootCommand()

	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
