package protocol

import (
	"errors"
	"fmt"

	"github.com/najoast/orb/core"
)

// RequestFrame is one encoded invocation.
type RequestFrame struct {
	RequestID uint32             `cbor:"1,keyasint,omitempty"`
	Identity  core.Identity      `cbor:"2,keyasint"`
	Facet     string             `cbor:"3,keyasint,omitempty"`
	Operation string             `cbor:"4,keyasint"`
	Mode      core.OperationMode `cbor:"5,keyasint,omitempty"`
	Context   core.Context       `cbor:"6,keyasint,omitempty"`
	Payload   []byte             `cbor:"7,keyasint,omitempty"`

	// Oneway requests never get a reply
	Oneway bool `cbor:"8,keyasint,omitempty"`
}

// ReplyStatus is the outcome carried by a ReplyFrame.
type ReplyStatus uint8

const (
	StatusOK ReplyStatus = iota
	StatusUser
	StatusObjectNotExist
	StatusFacetNotExist
	StatusOperationNotExist
	StatusUnknown
)

// String returns the string representation of ReplyStatus.
func (s ReplyStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUser:
		return "user"
	case StatusObjectNotExist:
		return "object_not_exist"
	case StatusFacetNotExist:
		return "facet_not_exist"
	case StatusOperationNotExist:
		return "operation_not_exist"
	case StatusUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ReplyFrame answers a twoway RequestFrame.
type ReplyFrame struct {
	RequestID uint32      `cbor:"1,keyasint,omitempty"`
	Status    ReplyStatus `cbor:"2,keyasint,omitempty"`

	// Payload holds the result when Status is StatusOK
	Payload []byte `cbor:"3,keyasint,omitempty"`

	// Identity, Facet and Operation describe a not-exist status
	Identity  core.Identity `cbor:"4,keyasint,omitempty"`
	Facet     string        `cbor:"5,keyasint,omitempty"`
	Operation string        `cbor:"6,keyasint,omitempty"`

	// Message describes a user or unknown failure
	Message string `cbor:"7,keyasint,omitempty"`
}

// EncodeRequest encodes f.
func EncodeRequest(f *RequestFrame) ([]byte, error) {
	data, err := Marshal(f)
	if err != nil {
		return nil, core.WrapError(core.KindMarshal, fmt.Errorf("encode request: %w", err))
	}
	return data, nil
}

// DecodeRequest decodes a RequestFrame.
func DecodeRequest(data []byte) (*RequestFrame, error) {
	var f RequestFrame
	if err := Unmarshal(data, &f); err != nil {
		return nil, core.WrapError(core.KindMarshal, fmt.Errorf("decode request: %w", err))
	}
	return &f, nil
}

// EncodeReply encodes f.
func EncodeReply(f *ReplyFrame) ([]byte, error) {
	data, err := Marshal(f)
	if err != nil {
		return nil, core.WrapError(core.KindMarshal, fmt.Errorf("encode reply: %w", err))
	}
	return data, nil
}

// DecodeReply decodes a ReplyFrame.
func DecodeReply(data []byte) (*ReplyFrame, error) {
	var f ReplyFrame
	if err := Unmarshal(data, &f); err != nil {
		return nil, core.WrapError(core.KindMarshal, fmt.Errorf("decode reply: %w", err))
	}
	return &f, nil
}

// ReplyFromError builds the reply for the outcome of req. A deactivated
// adapter is reported as a missing object so that callers re-resolve.
func ReplyFromError(req *RequestFrame, result []byte, err error) *ReplyFrame {
	reply := &ReplyFrame{RequestID: req.RequestID}
	if err == nil {
		reply.Payload = result
		return reply
	}

	switch kind := core.KindOf(err); kind {
	case core.KindObjectNotExist, core.KindAdapterDeactivated, core.KindAdapterDestroyed:
		reply.Status = StatusObjectNotExist
	case core.KindFacetNotExist:
		reply.Status = StatusFacetNotExist
	case core.KindOperationNotExist:
		reply.Status = StatusOperationNotExist
	case core.KindUser, core.KindUnknown:
		reply.Status = StatusUser
		reply.Message = err.Error()
		return reply
	default:
		reply.Status = StatusUnknown
		reply.Message = err.Error()
		return reply
	}

	reply.Identity = req.Identity
	reply.Facet = req.Facet
	reply.Operation = req.Operation
	return reply
}

// Err converts a non-OK reply into the matching core error.
func (f *ReplyFrame) Err() error {
	switch f.Status {
	case StatusOK:
		return nil
	case StatusObjectNotExist:
		return f.notExist(core.KindObjectNotExist)
	case StatusFacetNotExist:
		return f.notExist(core.KindFacetNotExist)
	case StatusOperationNotExist:
		return f.notExist(core.KindOperationNotExist)
	case StatusUser:
		return &core.Error{Kind: core.KindUser, Err: errors.New(f.Message)}
	default:
		return &core.Error{Kind: core.KindUnknown, Err: errors.New(f.Message)}
	}
}

func (f *ReplyFrame) notExist(kind core.Kind) error {
	return &core.Error{
		Kind:      kind,
		ID:        f.Identity.String(),
		Facet:     f.Facet,
		Operation: f.Operation,
	}
}
