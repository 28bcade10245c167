package bus_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	cbus "github.com/next-trace/scg-eventbus/contract/bus"
	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

func TestMessage_DecodeAndStatus(t *testing.T) {
	m := cbus.NewMessage("a", "", nil, json.RawMessage(`{"status":"ok","n":3}`), nil)

	var v struct{ N int }
	require.NoError(t, m.Decode(&v))
	require.Equal(t, 3, v.N)
	require.Equal(t, "ok", m.Status())

	bad := cbus.NewMessage("a", "", nil, json.RawMessage(`[1,2`), nil)
	require.ErrorIs(t, bad.Decode(&v), berr.ErrSerializationFailed)
	require.Equal(t, "", bad.Status())
}

func TestMessage_Reply(t *testing.T) {
	var got any
	m := cbus.NewMessage("a", "r1", nil, nil, func(body any) error { got = body; return nil })
	require.True(t, m.CanReply())
	require.NoError(t, m.Reply("pong"))
	require.Equal(t, "pong", got)

	noReply := cbus.NewMessage("a", "", nil, nil, nil)
	require.False(t, noReply.CanReply())
	require.True(t, errors.Is(noReply.Reply("x"), berr.ErrTransportError))
}

func TestMarshal_PassThrough(t *testing.T) {
	raw := json.RawMessage(`{"a":1}`)
	b, err := cbus.Marshal(raw)
	require.NoError(t, err)
	require.Equal(t, raw, b)

	b, err = cbus.Marshal(map[string]int{"a": 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(b))

	b, err = cbus.Marshal(nil)
	require.NoError(t, err)
	require.Equal(t, "null", string(b))

	_, err = cbus.Marshal(make(chan int))
	require.ErrorIs(t, err, berr.ErrSerializationFailed)
}

func TestHandle_Comparable(t *testing.T) {
	calls := 0
	h1 := cbus.Handle(func(cbus.Message) { calls++ })
	h2 := cbus.Handle(func(cbus.Message) { calls++ })

	same := h1
	require.True(t, h1 == same)
	require.False(t, h1 == h2)

	h1.Handle(cbus.Message{})
	require.Equal(t, 1, calls)
}

func TestOptions_Apply(t *testing.T) {
	base := cbus.Options{Enabled: true, Prefix: "p.", BufferCapacity: 5}
	off := false
	capacity := 0
	prefix := "q."

	got := base.Apply(cbus.Overrides{Enabled: &off, BufferCapacity: &capacity, Prefix: &prefix})
	require.False(t, got.Enabled)
	require.Equal(t, 0, got.BufferCapacity)
	require.Equal(t, "q.", got.Prefix)
	// the receiver is a copy
	require.True(t, base.Enabled)
	require.Equal(t, 5, base.BufferCapacity)
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "connecting", cbus.Connecting.String())
	require.Equal(t, "open", cbus.Open.String())
	require.Equal(t, "closing", cbus.Closing.String())
	require.Equal(t, "closed", cbus.Closed.String())
	require.Equal(t, "authenticated", cbus.LoginAuthenticated.String())
	require.Equal(t, "vertx-eventbus.system.connected", cbus.EventName("vertx-eventbus.", cbus.EventConnected))
}
