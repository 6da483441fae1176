package models

import "errors"

// Supervisor error taxonomy. Startup failures abort Start and are
// returned to its caller; ErrNotReady is returned to Call callers;
// asynchronous failures are logged, never returned.
var (
	// ErrNotLoaded means the identity is unknown to the service registry.
	ErrNotLoaded = errors.New("identity is not a registered service")

	// ErrConfigMissing marks an absent worker config entry. It is
	// tolerated internally (treated as an empty config) and never
	// surfaces from Start.
	ErrConfigMissing = errors.New("no worker configuration found")

	// ErrLaunchFailure means the worker process could not be spawned.
	ErrLaunchFailure = errors.New("worker launch failed")

	// ErrStartupTimeout means the reachability probe exhausted its retries.
	ErrStartupTimeout = errors.New("worker did not become reachable")

	// ErrNotReady means a call was issued outside the ready phase.
	ErrNotReady = errors.New("worker is not ready")
)
