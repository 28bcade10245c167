package websocket_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	gws "github.com/gorilla/websocket"

	"github.com/next-trace/scg-eventbus/adapters/websocket"
)

// bridge is a minimal event bus bridge: it routes send/publish frames between the sockets that
// registered an address and routes replies back to the sender.
type bridge struct {
	upgrader gws.Upgrader

	mu     sync.Mutex
	regs   map[string][]*peer
	routes map[string]*peer
	peers  map[*peer]struct{}
	pings  int
}

type peer struct {
	ws  *gws.Conn
	wmu sync.Mutex
}

func (p *peer) write(f websocket.Frame) {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	_ = p.ws.WriteJSON(f)
}

func newBridge(t *testing.T) (*bridge, string) {
	t.Helper()

	b := &bridge{
		regs:   make(map[string][]*peer),
		routes: make(map[string]*peer),
		peers:  make(map[*peer]struct{}),
	}

	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{ws: ws}

	b.mu.Lock()
	b.peers[p] = struct{}{}
	b.mu.Unlock()

	defer b.forget(p)

	for {
		var f websocket.Frame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}

		b.handle(p, f)
	}
}

func (b *bridge) handle(from *peer, f websocket.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch f.Type {
	case "ping":
		b.pings++
	case "register":
		b.regs[f.Address] = append(b.regs[f.Address], from)
	case "unregister":
		b.regs[f.Address] = without(b.regs[f.Address], from)
	case "publish":
		for _, p := range b.regs[f.Address] {
			p.write(websocket.Frame{Type: "message", Address: f.Address, Headers: f.Headers, Body: f.Body})
		}
	case "send":
		if to, ok := b.routes[f.Address]; ok {
			delete(b.routes, f.Address)
			to.write(websocket.Frame{Type: "message", Address: f.Address, Body: f.Body})

			return
		}

		regs := b.regs[f.Address]
		if len(regs) == 0 {
			if f.ReplyAddress != "" {
				from.write(websocket.Frame{
					Type:        "err",
					Address:     f.ReplyAddress,
					FailureCode: -1,
					FailureType: "NO_HANDLERS",
					Message:     "No handlers for address " + f.Address,
				})
			}

			return
		}

		if f.ReplyAddress != "" {
			b.routes[f.ReplyAddress] = from
		}

		regs[0].write(websocket.Frame{
			Type:         "message",
			Address:      f.Address,
			ReplyAddress: f.ReplyAddress,
			Headers:      f.Headers,
			Body:         f.Body,
		})
	}
}

func (b *bridge) forget(p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.peers, p)

	for address, regs := range b.regs {
		b.regs[address] = without(regs, p)
	}
}

// kick drops every socket from the server side.
func (b *bridge) kick() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for p := range b.peers {
		_ = p.ws.Close()
	}

	b.regs = make(map[string][]*peer)
}

func (b *bridge) registered(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.regs[address])
}

func (b *bridge) pingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.pings
}

func without(peers []*peer, p *peer) []*peer {
	out := peers[:0:0]

	for _, q := range peers {
		if q != p {
			out = append(out, q)
		}
	}

	return out
}
