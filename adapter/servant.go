package adapter

import (
	"context"

	"github.com/najoast/orb/core"
)

// Request represents one inbound invocation after decoding.
type Request struct {
	// RequestID correlates the reply; zero for oneway requests
	RequestID uint32

	// Adapter is the name of the adapter dispatching the request
	Adapter string

	Identity  core.Identity
	Facet     string
	Operation string
	Mode      core.OperationMode

	// Context is the merged per-proxy and implicit context sent by the caller
	Context core.Context

	Payload []byte
}

// Servant implements the behaviour of one or more identities.
type Servant interface {
	// Dispatch executes req and returns the encoded result.
	// Returning a *core.Error with a RequestFailed kind (for example
	// KindOperationNotExist) is reported to the caller as such; any other
	// error is reported as a user exception.
	Dispatch(ctx context.Context, req *Request) ([]byte, error)
}

// ServantFunc adapts a function to the Servant interface.
type ServantFunc func(ctx context.Context, req *Request) ([]byte, error)

// Dispatch calls f(ctx, req).
func (f ServantFunc) Dispatch(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}

// ServantLocator supplies servants on demand for a category.
type ServantLocator interface {
	// Locate returns the servant for req, or a nil servant when the
	// object does not exist. The cookie is handed back to Finished.
	Locate(ctx context.Context, req *Request) (servant Servant, cookie any, err error)

	// Finished is called after the located servant completed req.
	// A non-nil error replaces the dispatch result.
	Finished(ctx context.Context, req *Request, servant Servant, cookie any) error

	// Deactivate is called once when the owning adapter is destroyed.
	Deactivate(category string)
}
