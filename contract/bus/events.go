package bus

// EventType identifies a lifecycle event raised by the active delegate.
type EventType string

const (
	EventConnected      EventType = "system.connected"
	EventDisconnected   EventType = "system.disconnected"
	EventLoginSucceeded EventType = "system.login.succeeded"
	EventLoginFailed    EventType = "system.login.failed"
)

// Event is a lifecycle notification. Name is the EventType prefixed with Options.Prefix.
type Event struct {
	Type EventType
	Name string
	Err  error
}

// EventName joins the configured prefix and an event type.
func EventName(prefix string, t EventType) string { return prefix + string(t) }
