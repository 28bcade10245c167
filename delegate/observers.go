package delegate

import (
	"slices"
	"sync"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
)

type observer struct{ fn func(cbus.Event) }

// observers is a list of lifecycle callbacks. Adding one never replaces another.
type observers struct {
	mu   sync.Mutex
	list []*observer
}

func (o *observers) add(fn func(cbus.Event)) (cancel func()) {
	ob := &observer{fn: fn}

	o.mu.Lock()
	o.list = append(o.list, ob)
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()

		if i := slices.Index(o.list, ob); i >= 0 {
			o.list = slices.Delete(slices.Clone(o.list), i, i+1)
		}
	}
}

func (o *observers) notify(ev cbus.Event) {
	o.mu.Lock()
	list := slices.Clone(o.list)
	o.mu.Unlock()

	for _, ob := range list {
		ob.fn(ev)
	}
}
