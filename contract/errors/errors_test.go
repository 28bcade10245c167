package errors_test

import (
	"errors"
	"fmt"
	"testing"

	berr "github.com/next-trace/scg-eventbus/contract/errors"
)

func TestCodeAndVars(t *testing.T) {
	e := berr.Code(berr.ErrCodeBufferFull)
	if e.Error() != berr.ErrCodeBufferFull {
		t.Fatalf("unexpected error string: %s", e.Error())
	}

	// exported variables must carry their codes
	tests := []struct {
		err  error
		code string
	}{
		{berr.ErrTransportUnavailable, berr.ErrCodeTransportUnavailable},
		{berr.ErrBufferFull, berr.ErrCodeBufferFull},
		{berr.ErrBufferingDisabled, berr.ErrCodeBufferingDisabled},
		{berr.ErrLoginRequired, berr.ErrCodeLoginRequired},
		{berr.ErrLoginFailed, berr.ErrCodeLoginFailed},
		{berr.ErrAddressNotFound, berr.ErrCodeAddressNotFound},
		{berr.ErrTransportError, berr.ErrCodeTransportError},
		{berr.ErrClosed, berr.ErrCodeClosed},
		{berr.ErrAborted, berr.ErrCodeAborted},
		{berr.ErrInvalidOptions, berr.ErrCodeInvalidOptions},
		{berr.ErrConfigFrozen, berr.ErrCodeConfigFrozen},
		{berr.ErrSerializationFailed, berr.ErrCodeSerializationFailed},
	}

	for _, tc := range tests {
		if !errors.Is(tc.err, berr.Code(tc.code)) {
			t.Fatalf("expected %s to be %s", tc.err, tc.code)
		}

		if got := berr.CodeOf(tc.err); got != tc.code {
			t.Fatalf("CodeOf(%s) = %q", tc.err, got)
		}
	}
}

func TestCodeOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("send a.b: %w", errors.Join(berr.ErrTransportError, errors.New("boom")))
	if got := berr.CodeOf(err); got != berr.ErrCodeTransportError {
		t.Fatalf("CodeOf = %q", got)
	}

	if got := berr.CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("CodeOf(plain) = %q", got)
	}

	if got := berr.CodeOf(nil); got != "" {
		t.Fatalf("CodeOf(nil) = %q", got)
	}
}

func TestCodeOf_PrefersSpecificCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{errors.Join(berr.ErrTransportUnavailable, berr.ErrBufferFull), berr.ErrCodeBufferFull},
		{errors.Join(berr.ErrTransportUnavailable, berr.ErrBufferingDisabled), berr.ErrCodeBufferingDisabled},
		{errors.Join(berr.ErrLoginRequired, berr.ErrBufferFull), berr.ErrCodeBufferFull},
		{errors.Join(berr.ErrTransportError, berr.ErrAddressNotFound), berr.ErrCodeAddressNotFound},
		{errors.Join(berr.ErrTransportError, berr.ErrTransportUnavailable), berr.ErrCodeTransportUnavailable},
	}

	for _, tc := range tests {
		if got := berr.CodeOf(fmt.Errorf("publish q: %w", tc.err)); got != tc.code {
			t.Fatalf("CodeOf(%v) = %q, want %q", tc.err, got, tc.code)
		}
	}
}
