// Package common provides shared constants, types, utilities, and interfaces
// used throughout the VeilVPN session core.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: session, catalog and event bus defaults, file names
//   - Errors: sentinel errors and the classified DriverError taxonomy
//   - Interfaces: TunnelDriver, KillSwitch, CredentialStore and Notifier
//   - Logger: zerolog-based logging with optional rotating file output
//   - Utils: configuration and data directory helpers
//
// # Usage
//
//	import "github.com/yllada/veilvpn/common"
//
//	timeout := common.DefaultTeardownTimeout
//
//	common.LogInfo("Connecting to %s", server.ID)
//
//	if errors.Is(err, common.ErrInvalidState) {
//	    // operation not valid in the current session state
//	}
//
//	if common.Classify(err).Retryable() {
//	    // transient driver failure
//	}
package common
