package delegate

import (
	"context"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

type entryKind int

const (
	kindSend entryKind = iota
	kindPublish
)

func (k entryKind) String() string {
	if k == kindPublish {
		return "publish"
	}

	return "send"
}

// entry is one pending send or publish.
type entry struct {
	kind    entryKind
	ctx     context.Context
	address string
	body    any
	headers map[string]string
	reply   cbus.ReplyFunc
	failure cbus.FailureFunc
}

// buffer is a bounded FIFO. When full it rejects the newest entry; it never evicts.
type buffer struct {
	capacity int
	items    []entry
}

func newBuffer(capacity int) *buffer {
	return &buffer{capacity: capacity}
}

func (b *buffer) push(e entry) error {
	if b.capacity <= 0 {
		return berr.ErrBufferingDisabled
	}

	if len(b.items) >= b.capacity {
		return berr.ErrBufferFull
	}

	b.items = append(b.items, e)

	return nil
}

func (b *buffer) peek() (entry, bool) {
	if len(b.items) == 0 {
		return entry{}, false
	}

	return b.items[0], true
}

func (b *buffer) pop() {
	if len(b.items) == 0 {
		return
	}

	b.items[0] = entry{}
	b.items = b.items[1:]
}

func (b *buffer) len() int { return len(b.items) }

func (b *buffer) drain() []entry {
	out := b.items
	b.items = nil

	return out
}
