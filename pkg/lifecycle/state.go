// Package lifecycle manages the start and stop sequence of a long-running
// authgate process.
//
// # Service Lifecycle
//
// A [Service] moves through a finite state machine. The [State] type is its
// current position, and every transition is checked against
// [validTransitions]:
//
//	Unknown → Starting → Running → Stopping → Stopped
//
// Any non-terminal state may move to Failed when a hook errors. Both
// terminal states (Stopped, Failed) may move back to Starting for a
// restart.
//
// Start hooks run in registration order and stop hooks in reverse, so a
// resource opened by an early start hook is released by a late stop hook.
//
// # Thread Safety
//
// State is guarded by a [sync.RWMutex]. [Service.State], [Service.Info] and
// [Service.Health] are safe to call from request handlers while Start or
// Stop runs.
//
// # OpenTelemetry Integration
//
// Start and Stop create spans under the scope
// "github.com/StricklySoft/authgate/pkg/lifecycle".
package lifecycle

// State is the lifecycle state of a [Service]. The zero value ("") is not a
// valid state; services begin in [StateUnknown].
type State string

const (
	// StateUnknown is the state of a service that has never been started.
	StateUnknown State = "unknown"

	// StateStarting is set while start hooks run. Health checks fail in
	// this state, so a load balancer keeps traffic away until keys are
	// warm.
	StateStarting State = "starting"

	// StateRunning is the only state in which [Service.Health] reports
	// healthy.
	StateRunning State = "running"

	// StateStopping is set while stop hooks run.
	StateStopping State = "stopping"

	// StateStopped is a terminal state reached after a clean shutdown.
	StateStopped State = "stopped"

	// StateFailed is a terminal state reached when a hook returns an error.
	StateFailed State = "failed"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Valid reports whether s is one of the recognized states.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning,
		StateStopping, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is [StateStopped] or [StateFailed].
func (s State) IsTerminal() bool {
	switch s {
	case StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// validTransitions lists the allowed targets of each state.
//
//	Unknown  → Starting, Failed
//	Starting → Running, Failed, Stopping
//	Running  → Stopping, Failed
//	Stopping → Stopped, Failed
//	Stopped  → Starting              (restart)
//	Failed   → Starting              (recovery restart)
var validTransitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateFailed, StateStopping},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

// ValidTransition reports whether moving from one state to another is
// allowed. Same-state transitions are always rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
