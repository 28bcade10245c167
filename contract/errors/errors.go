package errors

import stderrors "errors"

// Error codes for the event bus contracts. Keep stable; used across transports, delegates and config.
const (
	ErrCodeTransportUnavailable = "eventbus.transport_unavailable"
	ErrCodeBufferFull           = "eventbus.buffer_full"
	ErrCodeBufferingDisabled    = "eventbus.buffering_disabled"
	ErrCodeLoginRequired        = "eventbus.login_required"
	ErrCodeLoginFailed          = "eventbus.login_failed"
	ErrCodeAddressNotFound      = "eventbus.address_not_found"
	ErrCodeTransportError       = "eventbus.transport_error"
	ErrCodeClosed               = "eventbus.closed"
	ErrCodeAborted              = "eventbus.aborted"
	ErrCodeInvalidOptions       = "eventbus.invalid_options"
	ErrCodeConfigFrozen         = "eventbus.config_frozen"
	ErrCodeSerializationFailed  = "eventbus.serialization_failed"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrTransportUnavailable = Code(ErrCodeTransportUnavailable)
	ErrBufferFull           = Code(ErrCodeBufferFull)
	ErrBufferingDisabled    = Code(ErrCodeBufferingDisabled)
	ErrLoginRequired        = Code(ErrCodeLoginRequired)
	ErrLoginFailed          = Code(ErrCodeLoginFailed)
	ErrAddressNotFound      = Code(ErrCodeAddressNotFound)
	ErrTransportError       = Code(ErrCodeTransportError)
	ErrClosed               = Code(ErrCodeClosed)
	ErrAborted              = Code(ErrCodeAborted)
	ErrInvalidOptions       = Code(ErrCodeInvalidOptions)
	ErrConfigFrozen         = Code(ErrCodeConfigFrozen)
	ErrSerializationFailed  = Code(ErrCodeSerializationFailed)
)

// CodeOf returns the most specific known code carried by err, or "" when err carries none.
// Used for metric labels and log attributes.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}

	for _, known := range bySpecificity {
		if stderrors.Is(err, known) {
			return known.Error()
		}
	}

	return ""
}

// bySpecificity lists codes from the most to the least specific: rejections are often joined with
// the condition that caused them (a full buffer with an unavailable transport).
var bySpecificity = []error{
	ErrBufferFull,
	ErrBufferingDisabled,
	ErrLoginRequired,
	ErrLoginFailed,
	ErrAborted,
	ErrClosed,
	ErrAddressNotFound,
	ErrSerializationFailed,
	ErrConfigFrozen,
	ErrInvalidOptions,
	ErrTransportUnavailable,
	ErrTransportError,
}
