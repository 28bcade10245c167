package delegate

import (
	"reflect"
	"slices"
	"sync"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
)

// registry maps addresses to their handlers in registration order.
// It outlives every connection: entries are only changed by register/unregister calls.
type registry struct {
	mu       sync.RWMutex
	handlers map[string][]cbus.Handler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string][]cbus.Handler)}
}

// identifiable reports whether h can be found again by ==. Handlers whose dynamic type is not
// comparable (value types holding slices, maps or funcs) can be registered but never matched.
func identifiable(h cbus.Handler) bool {
	return reflect.TypeOf(h).Comparable()
}

// sameHandler compares by identity. A comparable struct can still hold a non-comparable value in
// an interface field; such pairs never match.
func sameHandler(a, b cbus.Handler) (same bool) {
	if reflect.TypeOf(a) != reflect.TypeOf(b) || !identifiable(a) {
		return false
	}

	defer func() {
		if recover() != nil {
			same = false
		}
	}()

	return a == b
}

func (r *registry) indexLocked(address string, h cbus.Handler) int {
	return slices.IndexFunc(r.handlers[address], func(x cbus.Handler) bool { return sameHandler(x, h) })
}

// add appends h to address and reports whether address was previously empty.
// Registering the same handler twice on one address is ignored.
func (r *registry) add(address string, h cbus.Handler) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hs := r.handlers[address]
	if r.indexLocked(address, h) >= 0 {
		return false
	}

	r.handlers[address] = append(hs, h)

	return len(hs) == 0
}

// remove drops h from address and reports whether address is now empty.
// found is false when the pair was never registered.
func (r *registry) remove(address string, h cbus.Handler) (last, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hs := r.handlers[address]

	i := r.indexLocked(address, h)
	if i < 0 {
		return false, false
	}

	hs = slices.Delete(slices.Clone(hs), i, i+1)
	if len(hs) == 0 {
		delete(r.handlers, address)
		return true, true
	}

	r.handlers[address] = hs

	return false, true
}

func (r *registry) addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}

	slices.Sort(out)

	return out
}

func (r *registry) snapshot(address string) []cbus.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.handlers[address])
}

// dispatcher returns the route handed to the transport for address.
// Handlers are looked up per message, so later registrations take effect without resubscribing.
func (r *registry) dispatcher(address string) func(cbus.Message) {
	return func(msg cbus.Message) {
		for _, h := range r.snapshot(address) {
			h.Handle(msg)
		}
	}
}
