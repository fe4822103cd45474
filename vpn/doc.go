// Package vpn implements the VeilVPN session core.
//
// # Architecture
//
// The package is organized around two main types:
//
//   - Machine: owns one session at a time and enforces the lifecycle
//     Idle -> Connecting -> Connected -> Disconnecting -> Disconnected,
//     with Failed as the second terminal state
//   - Supervisor: the entry point for callers. It tracks the selected
//     server and the user's intent, applies the kill-switch policy and
//     samples tunnel traffic while connected
//
// # Connection Flow
//
//  1. The caller selects a server from the catalog
//  2. Supervisor.Connect resolves credentials and calls Machine.Begin
//  3. A worker goroutine runs the driver handshake, retrying transient
//     failures with exponential backoff and jitter
//  4. Every transition publishes one StatusEvent on the event bus before
//     the triggering call returns
//  5. Supervisor.Disconnect ends or cancels the session
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Machine mutations are
// serialized by one mutex; Snapshot reads are lock-free.
package vpn
