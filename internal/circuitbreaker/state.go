package circuitbreaker

type State int

const (
	// StateClosed - backend is used for every call
	StateClosed State = iota

	// StateOpen - backend is skipped until the cool-down elapses
	StateOpen

	// StateHalfOpen - probing calls decide whether to close again
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
