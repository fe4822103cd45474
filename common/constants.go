// Package common provides shared constants, types, and utilities
// used across the VeilVPN session core.
package common

import "time"

// Application metadata.
const (
	// AppID is the unique identifier for the application.
	AppID = "com.veilvpn.core"
	// AppName is the display name of the application.
	AppName = "VeilVPN"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "veilvpn"
)

// File names used by the application.
const (
	ServersFileName     = "servers.yaml"
	ConfigFileName      = "config.yaml"
	CredentialsFileName = ".credentials"
	HistoryFileName     = "history.db"
	LogFileName         = "veilvpn.log"
)

// Session defaults.
const (
	// DefaultMaxAttempts is the number of handshake attempts per session.
	DefaultMaxAttempts = 3
	// DefaultBackoffBase is the delay before the first retry.
	DefaultBackoffBase = 1 * time.Second
	// DefaultBackoffMultiplier grows the delay between consecutive retries.
	DefaultBackoffMultiplier = 2.0
	// DefaultBackoffCap bounds any single retry delay.
	DefaultBackoffCap = 30 * time.Second
	// DefaultBackoffJitter is the symmetric jitter fraction applied to each delay.
	DefaultBackoffJitter = 0.2
	// DefaultHandshakeTimeout bounds one handshake attempt.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultTeardownTimeout bounds driver teardown before forcing Disconnected.
	DefaultTeardownTimeout = 5 * time.Second
	// DefaultTrafficPollInterval is how often byte counters are pulled from the driver.
	DefaultTrafficPollInterval = 1 * time.Second
)

// Catalog and health defaults.
const (
	DefaultCatalogRefreshInterval = 5 * time.Minute
	DefaultHealthCheckInterval    = 30 * time.Second
	DefaultHealthFailureThreshold = 3
	DefaultHealthDialTimeout      = 5 * time.Second
	// DegradedLatencyMs marks a reachable server as degraded when exceeded.
	DegradedLatencyMs = 300
)

// EventBus defaults.
const (
	DefaultEventQueueSize = 64
)

// Catalog tiers, as offered by the server list.
const (
	TierAll     = "all"
	TierFree    = "free"
	TierPremium = "premium"
)

// Teardown policies applied when a driver does not confirm teardown in time.
const (
	TeardownFailOpen   = "fail-open"
	TeardownFailClosed = "fail-closed"
)
