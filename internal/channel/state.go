package channel

// State is the lifecycle state of a channel.
type State int32

// Channel states, in lifecycle order.
const (
	StateConnecting State = iota
	StateAuthenticating
	StateIdle
	StateRunningTask
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateIdle:
		return "idle"
	case StateRunningTask:
		return "running_task"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
