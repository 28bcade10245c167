package bus

// ReadyState is the delegate's belief about transport connectivity.
type ReadyState int

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// LoginState tracks the optional authentication step gating application sends.
type LoginState int

const (
	LoginNotRequired LoginState = iota
	LoginPending
	LoginAuthenticated
	LoginFailed
)

func (s LoginState) String() string {
	switch s {
	case LoginNotRequired:
		return "not-required"
	case LoginPending:
		return "pending"
	case LoginAuthenticated:
		return "authenticated"
	case LoginFailed:
		return "failed"
	default:
		return "unknown"
	}
}
