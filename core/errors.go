package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a failure. The set is closed so that the retry
// classifier can switch over it exhaustively.
type Kind uint8

const (
	KindUnknown Kind = iota

	// Local usage errors
	KindIllegalIdentity
	KindMalformedReference
	KindAlreadyRegistered
	KindNotRegistered
	KindAdapterDeactivated
	KindAdapterDestroyed
	KindCommunicatorDestroyed
	KindMarshal

	// Request failed on the server
	KindObjectNotExist
	KindFacetNotExist
	KindOperationNotExist

	// Transport failures
	KindConnectionRefused
	KindConnectionLost
	KindDNS
	KindCloseConnection

	// Timeouts
	KindConnectTimeout
	KindInvocationTimeout

	// Caller cancellation
	KindInvocationCanceled

	// Raised by a servant
	KindUser
)

var kindNames = [...]string{
	KindUnknown:               "unknown",
	KindIllegalIdentity:       "illegal identity",
	KindMalformedReference:    "malformed reference",
	KindAlreadyRegistered:     "already registered",
	KindNotRegistered:         "not registered",
	KindAdapterDeactivated:    "object adapter deactivated",
	KindAdapterDestroyed:      "object adapter destroyed",
	KindCommunicatorDestroyed: "communicator destroyed",
	KindMarshal:               "marshal error",
	KindObjectNotExist:        "object does not exist",
	KindFacetNotExist:         "facet does not exist",
	KindOperationNotExist:     "operation does not exist",
	KindConnectionRefused:     "connection refused",
	KindConnectionLost:        "connection lost",
	KindDNS:                   "dns failure",
	KindCloseConnection:       "connection closed by peer",
	KindConnectTimeout:        "connect timeout",
	KindInvocationTimeout:     "invocation timeout",
	KindInvocationCanceled:    "invocation canceled",
	KindUser:                  "user exception",
}

// String returns the string representation of Kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Family groups kinds by how the caller should react to them.
type Family uint8

const (
	FamilyLocal Family = iota
	FamilyRequestFailed
	FamilyTransport
	FamilyTimeout
	FamilyCanceled
	FamilyApplication
)

// String returns the string representation of Family.
func (f Family) String() string {
	switch f {
	case FamilyLocal:
		return "local"
	case FamilyRequestFailed:
		return "request_failed"
	case FamilyTransport:
		return "transport"
	case FamilyTimeout:
		return "timeout"
	case FamilyCanceled:
		return "canceled"
	case FamilyApplication:
		return "application"
	default:
		return "unknown"
	}
}

// Family returns the family the kind belongs to.
func (k Kind) Family() Family {
	switch k {
	case KindIllegalIdentity, KindMalformedReference, KindAlreadyRegistered, KindNotRegistered,
		KindAdapterDeactivated, KindAdapterDestroyed, KindCommunicatorDestroyed, KindMarshal:
		return FamilyLocal
	case KindObjectNotExist, KindFacetNotExist, KindOperationNotExist:
		return FamilyRequestFailed
	case KindConnectionRefused, KindConnectionLost, KindDNS, KindCloseConnection:
		return FamilyTransport
	case KindConnectTimeout, KindInvocationTimeout:
		return FamilyTimeout
	case KindInvocationCanceled:
		return FamilyCanceled
	default:
		return FamilyApplication
	}
}

// Error is the structured error raised by every layer of the runtime.
type Error struct {
	Kind Kind

	// KindOfObject names what was (not) registered: "servant",
	// "default servant", "servant locator", "object adapter"
	KindOfObject string

	// ID is the stringified identity, category or adapter name involved
	ID string

	Facet     string
	Operation string

	// Sent is set by transports when the request may have reached the peer
	Sent bool

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.KindOfObject != "" {
		b.WriteString(": ")
		b.WriteString(e.KindOfObject)
	}
	if e.ID != "" {
		b.WriteString(" '")
		b.WriteString(e.ID)
		b.WriteString("'")
	}
	if e.Facet != "" {
		b.WriteString(" facet '")
		b.WriteString(e.Facet)
		b.WriteString("'")
	}
	if e.Operation != "" {
		b.WriteString(" operation '")
		b.WriteString(e.Operation)
		b.WriteString("'")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates an Error of the given kind.
func NewError(kind Kind, id string) *Error {
	return &Error{Kind: kind, ID: id}
}

// WrapError wraps cause into an Error of the given kind.
func WrapError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// AlreadyRegistered reports a duplicate registration.
func AlreadyRegistered(kindOfObject, id string) *Error {
	return &Error{Kind: KindAlreadyRegistered, KindOfObject: kindOfObject, ID: id}
}

// NotRegistered reports removal or lookup of something never registered.
func NotRegistered(kindOfObject, id string) *Error {
	return &Error{Kind: KindNotRegistered, KindOfObject: kindOfObject, ID: id}
}

// Sentinels for errors.Is comparisons.
var (
	ErrIllegalIdentity       = &Error{Kind: KindIllegalIdentity}
	ErrMalformedReference    = &Error{Kind: KindMalformedReference}
	ErrAlreadyRegistered     = &Error{Kind: KindAlreadyRegistered}
	ErrNotRegistered         = &Error{Kind: KindNotRegistered}
	ErrAdapterDeactivated    = &Error{Kind: KindAdapterDeactivated}
	ErrAdapterDestroyed      = &Error{Kind: KindAdapterDestroyed}
	ErrCommunicatorDestroyed = &Error{Kind: KindCommunicatorDestroyed}
	ErrObjectNotExist        = &Error{Kind: KindObjectNotExist}
	ErrFacetNotExist         = &Error{Kind: KindFacetNotExist}
	ErrOperationNotExist     = &Error{Kind: KindOperationNotExist}
	ErrConnectionRefused     = &Error{Kind: KindConnectionRefused}
	ErrConnectionLost        = &Error{Kind: KindConnectionLost}
	ErrCloseConnection       = &Error{Kind: KindCloseConnection}
	ErrInvocationTimeout     = &Error{Kind: KindInvocationTimeout}
	ErrInvocationCanceled    = &Error{Kind: KindInvocationCanceled}
)

// KindOf extracts the Kind of err. Context cancellation and deadline
// errors map to their invocation kinds; anything else foreign is
// KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindInvocationCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindInvocationTimeout
	}
	return KindUnknown
}

// WasSent reports whether a transport failure happened after the request
// may have reached the peer.
func WasSent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Sent
	}
	return false
}

// FromContext converts a finished context into the matching Error.
func FromContext(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return WrapError(KindInvocationTimeout, ctx.Err())
	default:
		return WrapError(KindInvocationCanceled, ctx.Err())
	}
}
