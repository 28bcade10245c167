package bus

import (
	"encoding/json"
	"errors"
	"fmt"

	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

// Message is a message delivered by a transport, either to a registered handler or as a reply.
// Body holds the raw JSON payload; use Decode to unmarshal it.
type Message struct {
	Address      string
	ReplyAddress string
	Headers      map[string]string
	Body         json.RawMessage

	reply func(body any) error
}

// NewMessage builds a Message. reply may be nil when the sender expects no answer.
// Transports use this so that handlers can answer through Reply without knowing the wire protocol.
func NewMessage(address, replyAddress string, headers map[string]string, body json.RawMessage, reply func(any) error) Message {
	return Message{
		Address:      address,
		ReplyAddress: replyAddress,
		Headers:      headers,
		Body:         body,
		reply:        reply,
	}
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	if len(m.Body) == 0 {
		return nil
	}

	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Address, errors.Join(berr.ErrSerializationFailed, err))
	}

	return nil
}

// CanReply reports whether the sender is waiting for an answer.
func (m Message) CanReply() bool { return m.reply != nil }

// Reply answers a point-to-point message.
func (m Message) Reply(body any) error {
	if m.reply == nil {
		return fmt.Errorf("reply to %s: no reply address: %w", m.Address, berr.ErrTransportError)
	}

	return m.reply(body)
}

// Status returns the "status" field of a JSON object body, or "" when absent.
// Login replies use the conventional {"status":"ok"} shape.
func (m Message) Status() string {
	var probe struct {
		Status string `json:"status"`
	}

	if len(m.Body) == 0 || json.Unmarshal(m.Body, &probe) != nil {
		return ""
	}

	return probe.Status
}

// Marshal encodes an outgoing body. A json.RawMessage or []byte is passed through untouched.
func Marshal(v any) (json.RawMessage, error) {
	switch b := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return json.RawMessage(b), nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Join(berr.ErrSerializationFailed, err)
	}

	return b, nil
}
