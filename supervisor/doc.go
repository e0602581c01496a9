// Package supervisor owns the runtime state of every tunnel.
//
// # Architecture
//
// A Supervisor sits between the callers that start and stop tunnels (the
// orchestrator on macOS and Windows, the daemon on Linux) and the
// platform executor that drives the data-plane processes:
//
//   - Supervisor: holds a RuntimeState per tunnel id and enforces the
//     status machine Stopped → Starting → Running → Stopping → Stopped,
//     with Error reachable from Starting or Running.
//   - executor.Handle: identifies the process behind a running tunnel.
//   - runtime.json: the persisted handles, re-adopted by Restore after a
//     restart of the owning process.
//
// # Start Flow
//
//  1. The caller invokes Start with a tunnel configuration.
//  2. A live process already owning the id makes Start a no-op.
//  3. Otherwise the executor prepares an interface and starts the process
//     under a bounded timeout.
//  4. An exit watcher moves the tunnel to Error if the process dies.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Start and Stop of the same id
// are serialized by a per-id lock; reads never wait for them.
package supervisor
