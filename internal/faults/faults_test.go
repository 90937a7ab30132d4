package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "direct fault", err: New(NotFound, "device not found"), want: NotFound},
		{name: "wrapped fault", err: fmt.Errorf("outer: %w", New(Conflict, "duplicate")), want: Conflict},
		{name: "wrap helper", err: Wrap(errors.New("disk full"), Internal, "write artifact"), want: Internal},
		{name: "bare context cancel", err: context.Canceled, want: Cancelled},
		{name: "bare deadline", err: context.DeadlineExceeded, want: Timeout},
		{name: "wrapped deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: Timeout},
		{name: "unclassified", err: errors.New("something"), want: Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapNilIsNil(t *testing.T) {
	require.NoError(t, Wrap(nil, Internal, "unused"))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, TransportClosed, "session closed")

	require.ErrorIs(t, err, cause)
	assert.True(t, IsKind(err, TransportClosed))
	assert.Contains(t, err.Error(), "connection reset")
}

// Message is what reaches API clients and agents; the underlying cause text
// must never leak through it.
func TestMessageHidesCause(t *testing.T) {
	err := Wrap(errors.New("dial tcp 10.0.0.1:22: password rejected"), VendorProtocol, "device login failed")
	assert.Equal(t, "device login failed", Message(err))
}

func TestMessageFallbacks(t *testing.T) {
	assert.Equal(t, "operation cancelled", Message(context.Canceled))
	assert.Equal(t, "operation timed out", Message(context.DeadlineExceeded))
	assert.Equal(t, "an internal error occurred", Message(errors.New("raw sql error")))
}

func TestStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{Validation, http.StatusUnprocessableEntity},
		{NotFound, http.StatusNotFound},
		{Conflict, http.StatusConflict},
		{PreconditionFailed, http.StatusPreconditionFailed},
		{PreChangeBackupFailed, http.StatusPreconditionFailed},
		{AgentOffline, http.StatusServiceUnavailable},
		{AgentNotApproved, http.StatusConflict},
		{Timeout, http.StatusGatewayTimeout},
		{Cancelled, 499},
		{VendorProtocol, http.StatusInternalServerError},
		{TransportClosed, http.StatusInternalServerError},
		{Internal, http.StatusInternalServerError},
		{Kind("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, Status(tt.kind))
		})
	}
}
