package core

import (
	"fmt"
	"time"
)

// Mode is the invocation mode carried by a Reference.
type Mode uint8

const (
	// ModeTwoway waits for a reply
	ModeTwoway Mode = iota

	// ModeOneway sends over a stream transport without a reply
	ModeOneway

	// ModeBatchOneway queues oneway requests for a later flush
	ModeBatchOneway

	// ModeDatagram sends over a datagram transport without a reply
	ModeDatagram

	// ModeBatchDatagram queues datagram requests for a later flush
	ModeBatchDatagram
)

// String returns the string representation of Mode.
func (m Mode) String() string {
	switch m {
	case ModeTwoway:
		return "twoway"
	case ModeOneway:
		return "oneway"
	case ModeBatchOneway:
		return "batch-oneway"
	case ModeDatagram:
		return "datagram"
	case ModeBatchDatagram:
		return "batch-datagram"
	default:
		return "unknown"
	}
}

// IsTwoway reports whether the mode expects a reply.
func (m Mode) IsTwoway() bool {
	return m == ModeTwoway
}

// IsBatch reports whether requests are queued rather than sent.
func (m Mode) IsBatch() bool {
	return m == ModeBatchOneway || m == ModeBatchDatagram
}

// OperationMode describes whether an operation may be safely repeated.
type OperationMode uint8

const (
	// OperationNormal may change server state; it is at-most-once
	OperationNormal OperationMode = iota

	// OperationIdempotent can be repeated without changing the outcome
	OperationIdempotent
)

// String returns the string representation of OperationMode.
func (m OperationMode) String() string {
	switch m {
	case OperationNormal:
		return "normal"
	case OperationIdempotent:
		return "idempotent"
	default:
		return "unknown"
	}
}

// Selection is the endpoint-selection policy applied when a reference
// resolves to more than one candidate.
type Selection uint8

const (
	// SelectRandom shuffles candidates for every call
	SelectRandom Selection = iota

	// SelectOrdered always prefers the first candidate
	SelectOrdered

	// SelectRoundRobin cycles through candidates in order
	SelectRoundRobin
)

// String returns the string representation of Selection.
func (s Selection) String() string {
	switch s {
	case SelectRandom:
		return "random"
	case SelectOrdered:
		return "ordered"
	case SelectRoundRobin:
		return "round_robin"
	default:
		return "unknown"
	}
}

// ParseSelection converts a configuration string into a Selection.
func ParseSelection(s string) (Selection, error) {
	switch s {
	case "", "random":
		return SelectRandom, nil
	case "ordered":
		return SelectOrdered, nil
	case "round_robin", "round-robin":
		return SelectRoundRobin, nil
	default:
		return SelectRandom, fmt.Errorf("unknown endpoint selection %q", s)
	}
}

// CacheTimeoutDefault tells the resolver to use its configured timeout.
const CacheTimeoutDefault time.Duration = -2

// CacheTimeoutNever keeps resolved entries until they are invalidated.
const CacheTimeoutNever time.Duration = -1
