// Package locator resolves indirect references to concrete endpoints by
// querying a directory service, caching what it learns.
package locator

import (
	"context"
	"errors"

	"github.com/najoast/orb/core"
)

// Directory lookup failures. A Directory returns these (possibly wrapped)
// when the requested entry is unknown.
var (
	ErrAdapterNotFound      = errors.New("adapter not found")
	ErrReplicaGroupNotFound = errors.New("replica group not found")
	ErrObjectNotFound       = errors.New("object not found")
)

// Directory answers resolution queries.
type Directory interface {
	// FindAdapterByID returns the published endpoints of an adapter.
	FindAdapterByID(ctx context.Context, adapterID string) ([]core.Endpoint, error)

	// FindReplicaGroupByID returns one endpoint set per member adapter.
	FindReplicaGroupByID(ctx context.Context, groupID string) ([][]core.Endpoint, error)

	// FindObjectByID returns a reference for a well-known object, either
	// direct or indirect by adapter.
	FindObjectByID(ctx context.Context, id core.Identity) (core.Reference, error)
}

// Registry is the write side of a directory, used by object adapters to
// publish themselves.
type Registry interface {
	// RegisterAdapter publishes endpoints for adapterID, optionally as a
	// member of groupID. An empty endpoint list is rejected.
	RegisterAdapter(ctx context.Context, adapterID, groupID string, endpoints []core.Endpoint) error

	// UnregisterAdapter removes adapterID from the directory and from its group.
	UnregisterAdapter(ctx context.Context, adapterID string) error

	// RegisterObject records that the well-known object id lives in adapterID.
	RegisterObject(ctx context.Context, id core.Identity, adapterID string) error
}

// IsNotFound reports whether err is one of the directory not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAdapterNotFound) ||
		errors.Is(err, ErrReplicaGroupNotFound) ||
		errors.Is(err, ErrObjectNotFound)
}
