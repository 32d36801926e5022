package negotiation

// State is the connection status exposed to the session page.
type State int

const (
	StateIdle State = iota
	StateAcquiringMedia
	// StateNegotiating covers the whole offer/answer/candidate exchange,
	// including a local offer still waiting for its answer.
	StateNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringMedia:
		return "acquiring-media"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions except cleanup can happen.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}
