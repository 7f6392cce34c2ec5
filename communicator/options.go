package communicator

import (
	"github.com/rs/zerolog"

	"github.com/najoast/orb/core"
	"github.com/najoast/orb/locator"
	"github.com/najoast/orb/network"
)

// Option configures a Communicator
type Option func(*options)

type options struct {
	transport network.Transport
	directory locator.Directory
	registry  locator.Registry
	logger    zerolog.Logger
	implicit  core.ImplicitContext
}

// WithTransport replaces the default tcp/mem transport mux
func WithTransport(t network.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithDirectory sets the directory queried to resolve indirect references.
// It takes precedence over the configured locator proxy.
func WithDirectory(d locator.Directory) Option {
	return func(o *options) { o.directory = d }
}

// WithRegistry sets where adapters with an adapter id publish their endpoints
func WithRegistry(r locator.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithImplicitContext overrides the implicit context selected by configuration
func WithImplicitContext(ic core.ImplicitContext) Option {
	return func(o *options) { o.implicit = ic }
}
