// Package faults defines the categorical error kinds surfaced by the core.
// Every layer wraps lower-level failures with a Kind so the REST surface can
// map them to HTTP status codes and agents receive the same shape inside
// rpc.error frames. The original cause is preserved for logs via Unwrap, but
// the message presented to callers never carries credential or token material.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable error category. The set is closed: new kinds
// require a corresponding HTTP mapping in Status and a wire mapping in the
// protocol docs.
type Kind string

const (
	Validation             Kind = "validation"
	NotFound               Kind = "not_found"
	Conflict               Kind = "conflict"
	PreconditionFailed     Kind = "precondition_failed"
	AgentOffline           Kind = "agent_offline"
	AgentNotApproved       Kind = "agent_not_approved"
	Timeout                Kind = "timeout"
	Cancelled              Kind = "cancelled"
	PreChangeBackupFailed  Kind = "pre_change_backup_failed"
	VendorProtocol         Kind = "vendor_protocol"
	CredentialDecrypt      Kind = "credential_decrypt"
	TransportClosed        Kind = "transport_closed"
	ReplacedByNewerSession Kind = "replaced_by_newer_session"
	Internal               Kind = "internal"
)

// Fault is an error with a categorical kind. The Message is safe to return
// to API callers; the wrapped cause is for logs only.
type Fault struct {
	Kind    Kind
	Message string
	cause   error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (f *Fault) Unwrap() error { return f.cause }

// New returns a Fault with the given kind and message.
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

// Newf returns a Fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and caller-safe message to an underlying error.
// A nil err yields nil so call sites can wrap unconditionally.
func Wrap(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Message: message, cause: err}
}

// KindOf extracts the Kind from err. Unclassified errors report Internal;
// context cancellation and deadline errors are classified even when they
// were never wrapped, since they leak out of blocking calls routinely.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// Message returns the caller-safe message of err, or a generic fallback for
// unclassified errors whose text must not reach API clients.
func Message(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Message
	}
	switch KindOf(err) {
	case Cancelled:
		return "operation cancelled"
	case Timeout:
		return "operation timed out"
	}
	return "an internal error occurred"
}

// Status maps a kind to its HTTP status code. This is the only place the
// mapping lives; handlers never pick codes themselves.
func Status(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusUnprocessableEntity
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case PreconditionFailed, PreChangeBackupFailed:
		return http.StatusPreconditionFailed
	case AgentOffline:
		return http.StatusServiceUnavailable
	case AgentNotApproved:
		return http.StatusConflict
	case Timeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return 499 // client closed request (nginx convention)
	case VendorProtocol, CredentialDecrypt, TransportClosed,
		ReplacedByNewerSession, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
