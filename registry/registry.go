// Package registry implements the directory service that maps adapter
// ids, replica groups and well-known objects to endpoints. Stores keep the
// directory in memory, SQLite or Redis; Servant and the NATS service expose
// a store to remote callers, and RemoteDirectory consumes it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/najoast/orb/core"
	"github.com/najoast/orb/locator"
)

// Registration errors
var (
	ErrInvalidAdapterID = errors.New("adapter id cannot be empty")
	ErrNoEndpoints      = errors.New("adapter has no endpoints")
	ErrStoreClosed      = errors.New("registry store is closed")
)

// Store is a directory backend
type Store interface {
	locator.Directory
	locator.Registry

	// UnregisterObject removes a well-known object. Unknown objects are
	// ignored.
	UnregisterObject(ctx context.Context, id core.Identity) error

	// Adapters returns every registered adapter ordered by id
	Adapters(ctx context.Context) ([]AdapterInfo, error)

	// Close releases the backend
	Close() error
}

// AdapterInfo describes one registered adapter
type AdapterInfo struct {
	AdapterID      string          `cbor:"1,keyasint" json:"adapter_id"`
	ReplicaGroupID string          `cbor:"2,keyasint,omitempty" json:"replica_group_id,omitempty"`
	Endpoints      []core.Endpoint `cbor:"3,keyasint" json:"endpoints"`
	RegisteredAt   time.Time       `cbor:"4,keyasint" json:"registered_at"`
}

// EventType represents different types of directory events
type EventType uint8

const (
	// EventAdapterRegistered indicates an adapter published its endpoints
	EventAdapterRegistered EventType = iota

	// EventAdapterUnregistered indicates an adapter left the directory
	EventAdapterUnregistered

	// EventObjectRegistered indicates a well-known object was added
	EventObjectRegistered

	// EventObjectUnregistered indicates a well-known object was removed
	EventObjectUnregistered
)

// String returns the string representation of EventType
func (t EventType) String() string {
	switch t {
	case EventAdapterRegistered:
		return "adapter_registered"
	case EventAdapterUnregistered:
		return "adapter_unregistered"
	case EventObjectRegistered:
		return "object_registered"
	case EventObjectUnregistered:
		return "object_unregistered"
	default:
		return "unknown"
	}
}

// Event represents a change in the directory
type Event struct {
	Type EventType

	AdapterID      string
	ReplicaGroupID string
	Endpoints      []core.Endpoint

	// Identity is set for object events
	Identity core.Identity

	Timestamp time.Time
}

func validateAdapter(adapterID string, endpoints []core.Endpoint) error {
	if adapterID == "" {
		return ErrInvalidAdapterID
	}
	if len(endpoints) == 0 {
		return fmt.Errorf("%w: %s", ErrNoEndpoints, adapterID)
	}
	return nil
}

func validateObject(id core.Identity, adapterID string) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if adapterID == "" {
		return ErrInvalidAdapterID
	}
	return nil
}

// groupSets returns the endpoint sets of the members of groupID, ordered
// by adapter id.
func groupSets(adapters []AdapterInfo, groupID string) ([][]core.Endpoint, error) {
	sortAdapters(adapters)
	var sets [][]core.Endpoint
	for _, a := range adapters {
		if a.ReplicaGroupID == groupID && len(a.Endpoints) > 0 {
			sets = append(sets, cloneEndpoints(a.Endpoints))
		}
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: %s", locator.ErrReplicaGroupNotFound, groupID)
	}
	return sets, nil
}

func sortAdapters(adapters []AdapterInfo) {
	sort.Slice(adapters, func(i, j int) bool { return adapters[i].AdapterID < adapters[j].AdapterID })
}

func cloneEndpoints(endpoints []core.Endpoint) []core.Endpoint {
	if endpoints == nil {
		return nil
	}
	out := make([]core.Endpoint, len(endpoints))
	copy(out, endpoints)
	return out
}
