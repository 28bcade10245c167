package bus

// Handler receives messages for an address it was registered on.
// Handlers are matched by interface equality on unregister. A handler whose type is not comparable
// still receives messages but can never be unregistered; pointer receivers avoid that. Use Handle
// to wrap a plain function.
type Handler interface {
	Handle(msg Message)
}

// HandlerFunc adapts a function to Handler. Always use it through a pointer (see Handle):
// function values are not comparable.
type HandlerFunc func(msg Message)

// Handle calls f(msg).
func (f *HandlerFunc) Handle(msg Message) { (*f)(msg) }

// Handle wraps fn into a comparable Handler.
func Handle(fn func(msg Message)) Handler {
	h := HandlerFunc(fn)
	return &h
}

// ReplyFunc receives the single reply to a Send (or a login request). err is non-nil on failure.
type ReplyFunc func(reply Message, err error)

// FailureFunc receives the failure of a Send that could not be delivered.
type FailureFunc func(err error)

// SendFunc is the raw transport send handed to login interceptors. It bypasses buffering and the login gate.
type SendFunc func(address string, body any, reply ReplyFunc)
