package models

import "fmt"

// Phase is the supervisor lifecycle phase. Transitions are monotonic:
// a supervisor walks forward through the startup phases, and once it
// reaches Stopped it never leaves it.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized" // Instance created, nothing done yet
	PhaseLoading       Phase = "loading"       // Verifying identity against the registry
	PhaseConfiguring   Phase = "configuring"   // Fetching worker config
	PhaseLaunching     Phase = "launching"     // Spawning the worker process
	PhaseProbing       Phase = "probing"       // Waiting for the worker to become reachable
	PhaseLinking       Phase = "linking"       // Registering disconnect and exit monitors
	PhaseInitializing  Phase = "initializing"  // Running the optional init hook
	PhaseReady         Phase = "ready"         // Accepting calls
	PhaseStopping      Phase = "stopping"      // Shutdown in progress
	PhaseStopped       Phase = "stopped"       // Terminal
)

// validTransitions maps from-phase to allowed to-phases.
// Early startup failures (registry, config) have nothing to clean up and
// fall straight to Stopped; anything from Launching onward goes through
// Stopping so the shutdown controller can release the worker.
var validTransitions = map[Phase]map[Phase]bool{
	PhaseUninitialized: {
		PhaseLoading: true,
		PhaseStopped: true, // Stop before Start is a no-op success
	},
	PhaseLoading: {
		PhaseConfiguring: true,
		PhaseStopped:     true, // Identity not registered
	},
	PhaseConfiguring: {
		PhaseLaunching: true,
		PhaseStopped:   true,
	},
	PhaseLaunching: {
		PhaseProbing:  true,
		PhaseStopping: true, // Spawn failed mid-way, release what was acquired
		PhaseStopped:  true, // Spawn failed outright
	},
	PhaseProbing: {
		PhaseLinking:  true,
		PhaseStopping: true, // Probe exhausted, worker must be torn down
	},
	PhaseLinking: {
		PhaseInitializing: true,
		PhaseStopping:     true,
	},
	PhaseInitializing: {
		PhaseReady:    true,
		PhaseStopping: true, // Init hook failed
	},
	PhaseReady: {
		PhaseStopping: true,
	},
	PhaseStopping: {
		PhaseStopped: true,
	},
	// Terminal
	PhaseStopped: {},
}

// ValidateTransition checks whether a phase transition is allowed.
func ValidateTransition(from, to Phase) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source phase: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalPhase returns true once no further transitions are possible.
func IsTerminalPhase(p Phase) bool {
	return p == PhaseStopped
}

// CanCall returns true if bridge calls are permitted in this phase.
func CanCall(p Phase) bool {
	return p == PhaseReady
}
