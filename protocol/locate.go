package protocol

import "github.com/najoast/orb/core"

// Operations served by a directory servant.
const (
	OpFindAdapterByID      = "findAdapterById"
	OpFindReplicaGroupByID = "findReplicaGroupById"
	OpFindObjectByID       = "findObjectById"
	OpRegisterAdapter      = "registerAdapter"
	OpUnregisterAdapter    = "unregisterAdapter"
	OpRegisterObject       = "registerObject"
	OpUnregisterObject     = "unregisterObject"
)

// LocateRequest is the payload of every directory operation. Only the
// fields relevant to the operation are set.
type LocateRequest struct {
	AdapterID      string          `cbor:"1,keyasint,omitempty"`
	ReplicaGroupID string          `cbor:"2,keyasint,omitempty"`
	Identity       core.Identity   `cbor:"3,keyasint,omitempty"`
	Endpoints      []core.Endpoint `cbor:"4,keyasint,omitempty"`
}

// LocateReply answers a LocateRequest.
type LocateReply struct {
	// Found is false when the adapter, group or object is unknown
	Found bool `cbor:"1,keyasint,omitempty"`

	Endpoints []core.Endpoint   `cbor:"2,keyasint,omitempty"`
	Groups    [][]core.Endpoint `cbor:"3,keyasint,omitempty"`

	// Proxy is the stringified reference returned by findObjectById
	Proxy string `cbor:"4,keyasint,omitempty"`

	// Error describes a directory failure other than not-found
	Error string `cbor:"5,keyasint,omitempty"`
}
