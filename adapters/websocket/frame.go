package websocket

import (
	"encoding/json"
	"fmt"

	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

// Frame types of the Vert.x event bus bridge protocol.
const (
	frameSend       = "send"
	framePublish    = "publish"
	frameRegister   = "register"
	frameUnregister = "unregister"
	framePing       = "ping"
	frameMessage    = "message"
	frameErr        = "err"
)

// Frame is one JSON text message on the bridge socket.
type Frame struct {
	Type         string            `json:"type"`
	Address      string            `json:"address,omitempty"`
	ReplyAddress string            `json:"replyAddress,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	FailureCode  int               `json:"failureCode,omitempty"`
	FailureType  string            `json:"failureType,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// failure maps an err frame to a coded error.
func (f Frame) failure() error {
	base := berr.ErrTransportError
	if f.FailureType == "NO_HANDLERS" {
		base = berr.ErrAddressNotFound
	}

	if f.Message == "" {
		return fmt.Errorf("bridge %s (%d): %w", f.FailureType, f.FailureCode, base)
	}

	return fmt.Errorf("bridge %s (%d): %s: %w", f.FailureType, f.FailureCode, f.Message, base)
}
