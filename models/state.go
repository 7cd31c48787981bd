package models

// SourceState tracks where a collector session is in its
// connect/login/subscribe lifecycle. Each state is owned exclusively by
// one collector lifecycle and mutated only by it.
type SourceState int32

const (
	StateDisconnected SourceState = iota
	StateConnecting
	StateConnected
	StateLoggingIn
	StateLoggedIn
	StateSubscribing
	StateSubscribed
	StateClosing
	StateFailed
	// StateDisabled marks a source whose credentials were rejected or
	// whose retry budget is exhausted; it requires operator action.
	StateDisabled
)

var stateNames = map[SourceState]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateLoggingIn:    "logging_in",
	StateLoggedIn:     "logged_in",
	StateSubscribing:  "subscribing",
	StateSubscribed:   "subscribed",
	StateClosing:      "closing",
	StateFailed:       "failed",
	StateDisabled:     "disabled",
}

func (s SourceState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the lifecycle will make no further progress
// from this state without operator action.
func (s SourceState) Terminal() bool {
	return s == StateDisabled
}
