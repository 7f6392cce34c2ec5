// Package communicator is the root of an orb runtime. A Communicator owns
// the object adapters of a process, the locator client used to resolve
// indirect references, the retry policy and the implicit context, and it
// drives every invocation made through its proxies.
package communicator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/najoast/orb/adapter"
	"github.com/najoast/orb/config"
	"github.com/najoast/orb/core"
	"github.com/najoast/orb/locator"
	"github.com/najoast/orb/network"
	"github.com/najoast/orb/protocol"
	"github.com/najoast/orb/registry"
	"github.com/najoast/orb/retry"
)

// Communicator represents one orb runtime instance
type Communicator struct {
	cfg           atomic.Pointer[config.Config]
	logger        zerolog.Logger
	transport     network.Transport
	ownsTransport bool
	resolver      *locator.Resolver
	registry      locator.Registry
	policy        *retry.Policy
	implicit      core.ImplicitContext
	codec         protocol.Protocol
	selector      *locator.Selector
	nextID        atomic.Uint32

	// root is canceled on destroy and ends outstanding async calls
	root       context.Context
	cancelRoot context.CancelFunc
	calls      sync.WaitGroup

	mu         sync.Mutex
	adapters   map[string]*adapter.Adapter // nil while being created
	collocated map[string]*adapter.Adapter
	batch      []batchRequest
	watcher    *config.Watcher
	destroyed  bool

	destroyOnce sync.Once
	destroyErr  error
}

// New creates a communicator from cfg; a nil cfg means config.DefaultConfig.
func New(cfg *config.Config, opts ...Option) (*Communicator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}

	intervals, err := cfg.Retry.ParsedIntervals()
	if err != nil {
		return nil, err
	}
	codec, err := protocol.ByName(cfg.Invocation.Codec)
	if err != nil {
		return nil, err
	}
	implicit := o.implicit
	if implicit == nil {
		if implicit, err = core.NewImplicitContext(cfg.ImplicitContext); err != nil {
			return nil, err
		}
	}

	c := &Communicator{
		logger:     o.logger.With().Str("component", "communicator").Str("app", cfg.App.Name).Logger(),
		transport:  o.transport,
		registry:   o.registry,
		policy:     retry.NewPolicy(intervals),
		implicit:   implicit,
		codec:      codec,
		selector:   locator.NewSelector(),
		adapters:   make(map[string]*adapter.Adapter),
		collocated: make(map[string]*adapter.Adapter),
	}
	c.cfg.Store(cfg.Clone())
	c.root, c.cancelRoot = context.WithCancel(context.Background())

	if c.transport == nil {
		c.transport = network.NewDefaultMux(networkConfig(cfg.Network), o.logger)
		c.ownsTransport = true
	}

	dir := o.directory
	if dir == nil && cfg.Locator.Proxy != "" {
		ref, err := core.ParseReference(cfg.Locator.Proxy)
		if err != nil {
			return nil, err
		}
		if !ref.IsDirect() {
			return nil, fmt.Errorf("locator proxy %q must have endpoints", cfg.Locator.Proxy)
		}
		pd := registry.NewProxyDirectory(&Proxy{c: c, ref: ref.WithMode(core.ModeTwoway)})
		dir = pd
		if c.registry == nil {
			c.registry = pd
		}
	}
	if dir == nil {
		dir = noDirectory{}
	}
	c.resolver = locator.NewResolver(dir, cfg.Locator.CacheTimeoutDuration(), o.logger)
	c.resolver.SetLookupTimeout(cfg.Invocation.Timeout)

	c.logger.Debug().
		Str("locator", cfg.Locator.Proxy).
		Str("retry", cfg.Retry.Intervals).
		Msg("communicator created")
	return c, nil
}

// Config returns the active configuration. It must not be modified.
func (c *Communicator) Config() *config.Config {
	return c.cfg.Load()
}

// Logger returns the communicator logger
func (c *Communicator) Logger() zerolog.Logger {
	return c.logger
}

// ImplicitContext returns the implicit context merged into every request
func (c *Communicator) ImplicitContext() core.ImplicitContext {
	return c.implicit
}

// Resolver returns the locator client
func (c *Communicator) Resolver() *locator.Resolver {
	return c.resolver
}

// RetryPolicy returns the retry policy applied to invocations
func (c *Communicator) RetryPolicy() *retry.Policy {
	return c.policy
}

// Codec returns the payload codec used by Proxy.Do
func (c *Communicator) Codec() protocol.Protocol {
	return c.codec
}

// CreateObjectAdapter creates the adapter called name, configured by
// the adapters section of the configuration. An empty name creates an
// adapter with a generated name and no endpoints.
func (c *Communicator) CreateObjectAdapter(name string) (*adapter.Adapter, error) {
	if name == "" {
		return c.createAdapter(uuid.NewString(), adapter.Config{})
	}
	ac, _ := c.Config().Adapter(name)
	cfg, err := adapterConfig(ac)
	if err != nil {
		return nil, err
	}
	return c.createAdapter(name, cfg)
}

// CreateObjectAdapterWithEndpoints creates the adapter called name bound
// to endpoints, ignoring the configured endpoints.
func (c *Communicator) CreateObjectAdapterWithEndpoints(name, endpoints string) (*adapter.Adapter, error) {
	if name == "" {
		name = uuid.NewString()
	}
	ac, _ := c.Config().Adapter(name)
	ac.Endpoints = endpoints
	cfg, err := adapterConfig(ac)
	if err != nil {
		return nil, err
	}
	return c.createAdapter(name, cfg)
}

func (c *Communicator) createAdapter(name string, cfg adapter.Config) (*adapter.Adapter, error) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, destroyedError()
	}
	if _, exists := c.adapters[name]; exists {
		c.mu.Unlock()
		return nil, core.AlreadyRegistered("object adapter", name)
	}
	// Reserve the name so that concurrent creates fail fast.
	c.adapters[name] = nil
	c.mu.Unlock()

	a, err := adapter.New(name, adapter.Options{
		Config:    cfg,
		Transport: c.transport,
		Registry:  c.registry,
		Logger:    c.logger,
		OnDestroy: c.forgetAdapter,
	})

	c.mu.Lock()
	if err != nil {
		delete(c.adapters, name)
		c.mu.Unlock()
		return nil, err
	}
	if c.destroyed {
		delete(c.adapters, name)
		c.mu.Unlock()
		a.Destroy(context.Background())
		return nil, destroyedError()
	}
	c.adapters[name] = a
	for _, ep := range a.Endpoints() {
		c.collocated[endpointKey(ep)] = a
	}
	for _, ep := range a.PublishedEndpoints() {
		c.collocated[endpointKey(ep)] = a
	}
	c.mu.Unlock()

	c.logger.Info().Str("adapter", name).Str("endpoints", core.FormatEndpoints(a.Endpoints())).Msg("object adapter created")
	return a, nil
}

// forgetAdapter releases the name of a destroyed adapter
func (c *Communicator) forgetAdapter(a *adapter.Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.adapters[a.Name()] == a {
		delete(c.adapters, a.Name())
	}
	for key, owner := range c.collocated {
		if owner == a {
			delete(c.collocated, key)
		}
	}
}

// FindAdapter returns the live adapter called name
func (c *Communicator) FindAdapter(name string) (*adapter.Adapter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.adapters[name]
	return a, a != nil
}

// Adapters returns the names of the live adapters in order
func (c *Communicator) Adapters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.adapters))
	for name, a := range c.adapters {
		if a != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (c *Communicator) liveAdapters() []*adapter.Adapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*adapter.Adapter, 0, len(c.adapters))
	for _, a := range c.adapters {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

// adapterFor returns the local adapter serving ep, if any
func (c *Communicator) adapterFor(ep core.Endpoint) *adapter.Adapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collocated[endpointKey(ep)]
}

// Shutdown deactivates every adapter. Invocations through proxies keep
// working.
func (c *Communicator) Shutdown() {
	for _, a := range c.liveAdapters() {
		a.Deactivate()
	}
	c.logger.Info().Msg("communicator shut down")
}

// WaitForShutdown blocks until every adapter finished its in-flight requests
func (c *Communicator) WaitForShutdown(ctx context.Context) error {
	for _, a := range c.liveAdapters() {
		if err := a.WaitForDeactivate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// IsDestroyed reports whether Destroy was called
func (c *Communicator) IsDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// Destroy shuts down and destroys every adapter, ends outstanding async
// calls and releases the transport. Later calls return the first result.
func (c *Communicator) Destroy(ctx context.Context) error {
	c.destroyOnce.Do(func() {
		c.mu.Lock()
		c.destroyed = true
		watcher := c.watcher
		c.watcher = nil
		c.batch = nil
		c.mu.Unlock()

		adapters := c.liveAdapters()
		for _, a := range adapters {
			a.Deactivate()
		}
		var errs []error
		for _, a := range adapters {
			if err := a.Destroy(ctx); err != nil {
				errs = append(errs, fmt.Errorf("destroy adapter %s: %w", a.Name(), err))
			}
		}

		c.cancelRoot()
		c.calls.Wait()

		if watcher != nil {
			if err := watcher.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		// A transport supplied by the caller may be shared.
		if c.ownsTransport {
			if err := c.transport.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.resolver.Clear()

		c.destroyErr = errors.Join(errs...)
		c.logger.Info().Msg("communicator destroyed")
	})
	return c.destroyErr
}

// WatchConfig reloads path on change and applies its retry intervals and
// locator cache timeout to running invocations.
func (c *Communicator) WatchConfig(path string) error {
	if err := c.check(); err != nil {
		return err
	}
	w, err := config.NewWatcher(path, config.NewLoader(), c.logger)
	if err != nil {
		return err
	}
	w.OnConfigChange(func(_, newConfig *config.Config) {
		c.applyConfig(newConfig)
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	c.applyConfig(w.GetConfig())

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		w.Stop()
		return destroyedError()
	}
	old := c.watcher
	c.watcher = w
	c.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return nil
}

// applyConfig installs the hot-reloadable parts of cfg
func (c *Communicator) applyConfig(cfg *config.Config) {
	intervals, err := cfg.Retry.ParsedIntervals()
	if err != nil {
		c.logger.Error().Err(err).Msg("ignoring invalid retry intervals")
		return
	}
	c.policy.SetIntervals(intervals)
	c.resolver.SetCacheTimeout(cfg.Locator.CacheTimeoutDuration())
	c.resolver.SetLookupTimeout(cfg.Invocation.Timeout)
	c.cfg.Store(cfg.Clone())
	c.logger.Info().
		Str("retry", cfg.Retry.Intervals).
		Int("cache_timeout", cfg.Locator.CacheTimeout).
		Msg("configuration applied")
}

func (c *Communicator) check() error {
	if c.IsDestroyed() {
		return destroyedError()
	}
	return nil
}

// beginCall counts an async call unless the communicator is destroyed.
// Destroy marks itself destroyed under mu before waiting, so every counted
// call is waited for.
func (c *Communicator) beginCall() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return destroyedError()
	}
	c.calls.Add(1)
	return nil
}

func destroyedError() error {
	return core.NewError(core.KindCommunicatorDestroyed, "communicator")
}

func adapterConfig(ac config.AdapterConfig) (adapter.Config, error) {
	endpoints, err := ac.ParsedEndpoints()
	if err != nil {
		return adapter.Config{}, err
	}
	published, err := ac.ParsedPublishedEndpoints()
	if err != nil {
		return adapter.Config{}, err
	}
	return adapter.Config{
		AdapterID:          ac.AdapterID,
		ReplicaGroupID:     ac.ReplicaGroup,
		Endpoints:          endpoints,
		PublishedEndpoints: published,
		RegistryTimeout:    ac.RegistryTimeout,
	}, nil
}

func networkConfig(nc config.NetworkConfig) network.Config {
	return network.Config{
		ConnectTimeout:    nc.ConnectTimeout,
		ReadTimeout:       nc.ReadTimeout,
		WriteTimeout:      nc.WriteTimeout,
		KeepAlive:         nc.KeepAlive,
		KeepAliveInterval: nc.KeepAliveInterval,
		MaxConnections:    nc.MaxConnections,
		MaxMessageSize:    nc.MaxMessageSize,
	}
}

// endpointKey ignores the endpoint timeout
func endpointKey(ep core.Endpoint) string {
	host := ep.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s/%s/%d", ep.Protocol, host, ep.Port)
}

var errNoLocator = errors.New("no locator configured")

// noDirectory resolves nothing; it stands in when no locator is configured
type noDirectory struct{}

func (noDirectory) FindAdapterByID(context.Context, string) ([]core.Endpoint, error) {
	return nil, fmt.Errorf("%w: %w", locator.ErrAdapterNotFound, errNoLocator)
}

func (noDirectory) FindReplicaGroupByID(context.Context, string) ([][]core.Endpoint, error) {
	return nil, fmt.Errorf("%w: %w", locator.ErrReplicaGroupNotFound, errNoLocator)
}

func (noDirectory) FindObjectByID(context.Context, core.Identity) (core.Reference, error) {
	return core.Reference{}, fmt.Errorf("%w: %w", locator.ErrObjectNotFound, errNoLocator)
}
