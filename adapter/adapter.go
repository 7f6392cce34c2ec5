package adapter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/najoast/orb/core"
	"github.com/najoast/orb/locator"
	"github.com/najoast/orb/network"
	"github.com/najoast/orb/protocol"
)

// State represents the lifecycle state of an Adapter
type State int32

const (
	// StateHolding queues inbound requests until activation
	StateHolding State = iota

	// StateActive dispatches inbound requests
	StateActive

	// StateDeactivating rejects new requests while in-flight ones finish
	StateDeactivating

	// StateDeactivated has no requests left in flight
	StateDeactivated

	// StateDestroyed has released its servants and its name
	StateDestroyed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateHolding:
		return "holding"
	case StateActive:
		return "active"
	case StateDeactivating:
		return "deactivating"
	case StateDeactivated:
		return "deactivated"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Config represents the configuration of one adapter
type Config struct {
	// AdapterID is the id the adapter registers under with the locator
	AdapterID string

	// ReplicaGroupID makes the adapter a member of a replica group
	ReplicaGroupID string

	// Endpoints are bound when the adapter is created
	Endpoints []core.Endpoint

	// PublishedEndpoints are put in proxies and registered with the
	// locator; the bound endpoints are used when empty
	PublishedEndpoints []core.Endpoint

	// RegistryTimeout bounds each locator registry call
	RegistryTimeout time.Duration
}

// Options holds the collaborators of an Adapter
type Options struct {
	Config Config

	// Transport binds Config.Endpoints; required when there are endpoints
	Transport network.Transport

	// Registry is told about the adapter when Config.AdapterID is set
	Registry locator.Registry

	Logger zerolog.Logger

	// OnDestroy is called once after the adapter is destroyed
	OnDestroy func(*Adapter)
}

const defaultRegistryTimeout = 5 * time.Second

// Adapter owns a dispatch table and the endpoints its servants are
// reachable on.
type Adapter struct {
	name      string
	cfg       Config
	table     *Table
	transport network.Transport
	registry  locator.Registry
	logger    zerolog.Logger
	onDestroy func(*Adapter)

	mu        sync.Mutex
	state     State
	inFlight  int
	changed   chan struct{}
	listeners []network.Listener
	endpoints []core.Endpoint
	published []core.Endpoint
}

// New creates an adapter in the holding state and binds its endpoints.
func New(name string, opts Options) (*Adapter, error) {
	if name == "" {
		return nil, errors.New("adapter name cannot be empty")
	}
	if opts.Config.RegistryTimeout <= 0 {
		opts.Config.RegistryTimeout = defaultRegistryTimeout
	}

	a := &Adapter{
		name:      name,
		cfg:       opts.Config,
		table:     NewTable(),
		transport: opts.Transport,
		registry:  opts.Registry,
		logger:    opts.Logger.With().Str("component", "adapter").Str("adapter", name).Logger(),
		onDestroy: opts.OnDestroy,
		state:     StateHolding,
		changed:   make(chan struct{}),
	}

	if len(opts.Config.Endpoints) > 0 && opts.Transport == nil {
		return nil, errors.New("adapter endpoints require a transport")
	}
	for _, ep := range opts.Config.Endpoints {
		l, err := opts.Transport.Listen(ep, a)
		if err != nil {
			a.closeListeners(a.listeners)
			return nil, err
		}
		a.listeners = append(a.listeners, l)
		a.endpoints = append(a.endpoints, l.Endpoint())
	}

	a.published = cloneEndpoints(opts.Config.PublishedEndpoints)
	if len(a.published) == 0 {
		a.published = cloneEndpoints(a.endpoints)
	}

	a.logger.Debug().Str("endpoints", core.FormatEndpoints(a.endpoints)).Msg("adapter created")
	return a, nil
}

// Name returns the adapter name.
func (a *Adapter) Name() string { return a.name }

// AdapterID returns the locator id, if any.
func (a *Adapter) AdapterID() string { return a.cfg.AdapterID }

// ReplicaGroupID returns the replica group id, if any.
func (a *Adapter) ReplicaGroupID() string { return a.cfg.ReplicaGroupID }

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsDeactivated reports whether deactivation has begun.
func (a *Adapter) IsDeactivated() bool {
	return a.State() >= StateDeactivating
}

// Activate starts dispatching requests. Held requests are released.
// The published endpoints are registered with the locator first;
// registration failures are logged.
func (a *Adapter) Activate(ctx context.Context) error {
	a.mu.Lock()
	if err := a.checkLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	if a.state == StateActive {
		a.mu.Unlock()
		return nil
	}
	published := cloneEndpoints(a.published)
	a.mu.Unlock()

	a.register(ctx, published)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLocked(); err != nil {
		return err
	}
	a.setStateLocked(StateActive)
	a.logger.Info().Msg("adapter activated")
	return nil
}

// Hold stops dispatching new requests; they wait until the next
// Activate. Requests already dispatching are not affected.
func (a *Adapter) Hold() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLocked(); err != nil {
		return err
	}
	a.setStateLocked(StateHolding)
	return nil
}

// WaitForHold waits until no request is being dispatched.
func (a *Adapter) WaitForHold(ctx context.Context) error {
	return a.wait(ctx, func() (bool, error) {
		if err := a.checkLocked(); err != nil {
			return false, err
		}
		return a.inFlight == 0, nil
	})
}

// Deactivate stops the adapter. New requests are rejected once it
// returns; requests already dispatching run to completion. The
// listeners are closed and the adapter is unregistered from the locator.
// Calling Deactivate again has no effect.
func (a *Adapter) Deactivate() {
	a.mu.Lock()
	if a.state >= StateDeactivating {
		a.mu.Unlock()
		return
	}
	a.setStateLocked(StateDeactivating)
	if a.inFlight == 0 {
		a.setStateLocked(StateDeactivated)
	}
	listeners := a.listeners
	a.listeners = nil
	a.mu.Unlock()

	a.closeListeners(listeners)
	a.unregister()
	a.logger.Info().Msg("adapter deactivated")
}

// WaitForDeactivate waits until Deactivate was called and every request
// begun before it has completed.
func (a *Adapter) WaitForDeactivate(ctx context.Context) error {
	return a.wait(ctx, func() (bool, error) {
		return a.state >= StateDeactivated, nil
	})
}

// Destroy deactivates the adapter, waits for in-flight requests, then
// releases every servant. Servant locators are told to deactivate.
func (a *Adapter) Destroy(ctx context.Context) error {
	a.Deactivate()
	if err := a.WaitForDeactivate(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	if a.state == StateDestroyed {
		a.mu.Unlock()
		return nil
	}
	a.setStateLocked(StateDestroyed)
	locators := a.table.clear()
	a.mu.Unlock()

	for category, l := range locators {
		l.Deactivate(category)
	}
	if a.onDestroy != nil {
		a.onDestroy(a)
	}
	a.logger.Info().Msg("adapter destroyed")
	return nil
}

// Dispatch runs req on the servant it resolves to. While the adapter is
// holding, the request waits for activation.
func (a *Adapter) Dispatch(ctx context.Context, req *Request) ([]byte, error) {
	if err := a.enter(ctx); err != nil {
		return nil, err
	}
	defer a.leave()

	req.Adapter = a.name
	res, err := a.table.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Dispatch(ctx, req)
}

// HandleFrame implements network.Handler.
func (a *Adapter) HandleFrame(ctx context.Context, frame []byte) ([]byte, bool) {
	f, err := protocol.DecodeRequest(frame)
	if err != nil {
		a.logger.Warn().Err(err).Msg("dropping undecodable request")
		return a.encodeReply(&protocol.ReplyFrame{Status: protocol.StatusUnknown, Message: err.Error()})
	}

	result, err := a.Dispatch(ctx, &Request{
		RequestID: f.RequestID,
		Identity:  f.Identity,
		Facet:     f.Facet,
		Operation: f.Operation,
		Mode:      f.Mode,
		Context:   f.Context,
		Payload:   f.Payload,
	})
	if f.Oneway {
		if err != nil {
			a.logger.Debug().Err(err).Str("operation", f.Operation).Msg("oneway request failed")
		}
		return nil, false
	}
	return a.encodeReply(protocol.ReplyFromError(f, result, err))
}

func (a *Adapter) encodeReply(reply *protocol.ReplyFrame) ([]byte, bool) {
	data, err := protocol.EncodeReply(reply)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to encode reply")
		data, err = protocol.EncodeReply(&protocol.ReplyFrame{
			RequestID: reply.RequestID,
			Status:    protocol.StatusUnknown,
			Message:   err.Error(),
		})
		if err != nil {
			return nil, false
		}
	}
	return data, true
}

// Resolve returns the servant that would dispatch a request for
// (id, facet). A servant supplied by a servant locator is released with
// Finished before Resolve returns.
func (a *Adapter) Resolve(ctx context.Context, id core.Identity, facet string) (Servant, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	req := &Request{Adapter: a.name, Identity: id, Facet: facet}
	res, err := a.table.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Locator != nil {
		if err := res.Locator.Finished(ctx, req, res.Servant, res.Cookie); err != nil {
			return nil, err
		}
	}
	return res.Servant, nil
}

// Add registers servant for id with the default facet and returns a
// proxy for it.
func (a *Adapter) Add(servant Servant, id core.Identity) (core.Reference, error) {
	return a.AddFacet(servant, id, "")
}

// AddFacet registers servant for (id, facet) and returns a proxy for it.
func (a *Adapter) AddFacet(servant Servant, id core.Identity, facet string) (core.Reference, error) {
	err := a.guard(func() error {
		return a.table.Add(servant, id, facet)
	})
	if err != nil {
		return core.Reference{}, err
	}
	return a.newReference(id, facet)
}

// AddWithUUID registers servant under a fresh UUID identity.
func (a *Adapter) AddWithUUID(servant Servant) (core.Reference, error) {
	return a.AddFacetWithUUID(servant, "")
}

// AddFacetWithUUID registers servant for facet under a fresh UUID identity.
func (a *Adapter) AddFacetWithUUID(servant Servant, facet string) (core.Reference, error) {
	return a.AddFacet(servant, core.NewUUIDIdentity(""), facet)
}

// Remove unregisters the default facet of id.
func (a *Adapter) Remove(id core.Identity) (Servant, error) {
	return a.RemoveFacet(id, "")
}

// RemoveFacet unregisters (id, facet) and returns the removed servant.
func (a *Adapter) RemoveFacet(id core.Identity, facet string) (Servant, error) {
	var servant Servant
	err := a.guardID(id, func() (err error) {
		servant, err = a.table.Remove(id, facet)
		return err
	})
	return servant, err
}

// RemoveAllFacets unregisters every facet of id.
func (a *Adapter) RemoveAllFacets(id core.Identity) (map[string]Servant, error) {
	var facets map[string]Servant
	err := a.guardID(id, func() (err error) {
		facets, err = a.table.RemoveAllFacets(id)
		return err
	})
	return facets, err
}

// Find returns the servant for the default facet of id, or nil.
func (a *Adapter) Find(id core.Identity) (Servant, error) {
	return a.FindFacet(id, "")
}

// FindFacet returns the servant for (id, facet), falling back to default
// servants when id has no facets. It returns nil when nothing matches.
func (a *Adapter) FindFacet(id core.Identity, facet string) (Servant, error) {
	var servant Servant
	err := a.guardID(id, func() error {
		servant = a.table.Find(id, facet)
		return nil
	})
	return servant, err
}

// FindAllFacets returns the facets registered for id.
func (a *Adapter) FindAllFacets(id core.Identity) (map[string]Servant, error) {
	var facets map[string]Servant
	err := a.guardID(id, func() error {
		facets = a.table.FindAllFacets(id)
		return nil
	})
	return facets, err
}

// AddDefaultServant registers servant for every identity of category
// that has no servant of its own. The empty category matches all.
func (a *Adapter) AddDefaultServant(servant Servant, category string) error {
	return a.guard(func() error {
		return a.table.AddDefault(servant, category)
	})
}

// RemoveDefaultServant unregisters the default servant of category.
func (a *Adapter) RemoveDefaultServant(category string) (Servant, error) {
	var servant Servant
	err := a.guard(func() (err error) {
		servant, err = a.table.RemoveDefault(category)
		return err
	})
	return servant, err
}

// FindDefaultServant returns the default servant of category, or nil.
func (a *Adapter) FindDefaultServant(category string) (Servant, error) {
	var servant Servant
	err := a.guard(func() error {
		servant = a.table.FindDefault(category)
		return nil
	})
	return servant, err
}

// AddServantLocator registers l for category.
func (a *Adapter) AddServantLocator(l ServantLocator, category string) error {
	return a.guard(func() error {
		return a.table.AddLocator(l, category)
	})
}

// RemoveServantLocator unregisters the servant locator of category.
// Its Deactivate method is not called.
func (a *Adapter) RemoveServantLocator(category string) (ServantLocator, error) {
	var l ServantLocator
	err := a.guard(func() (err error) {
		l, err = a.table.RemoveLocator(category)
		return err
	})
	return l, err
}

// FindServantLocator returns the servant locator of category, or nil.
func (a *Adapter) FindServantLocator(category string) (ServantLocator, error) {
	var l ServantLocator
	err := a.guard(func() error {
		l = a.table.FindLocator(category)
		return nil
	})
	return l, err
}

// CreateProxy returns a reference to id: indirect through the replica
// group or adapter id when one is configured, direct otherwise.
func (a *Adapter) CreateProxy(id core.Identity) (core.Reference, error) {
	if err := a.checkID(id); err != nil {
		return core.Reference{}, err
	}
	return a.newReference(id, "")
}

// CreateDirectProxy returns a reference to id bound to the published endpoints.
func (a *Adapter) CreateDirectProxy(id core.Identity) (core.Reference, error) {
	if err := a.checkID(id); err != nil {
		return core.Reference{}, err
	}
	return core.NewDirectReference(id, a.PublishedEndpoints())
}

// CreateIndirectProxy returns a reference to id resolved through the
// adapter id, or a well-known reference when the adapter has no id.
func (a *Adapter) CreateIndirectProxy(id core.Identity) (core.Reference, error) {
	if err := a.checkID(id); err != nil {
		return core.Reference{}, err
	}
	if a.cfg.AdapterID == "" {
		return core.NewWellKnownReference(id)
	}
	return core.NewIndirectReference(id, a.cfg.AdapterID)
}

// Endpoints returns the bound endpoints.
func (a *Adapter) Endpoints() []core.Endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneEndpoints(a.endpoints)
}

// PublishedEndpoints returns the endpoints advertised in proxies.
func (a *Adapter) PublishedEndpoints() []core.Endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneEndpoints(a.published)
}

// ListenerStats reports traffic per bound endpoint. It is empty once the
// adapter is deactivated.
func (a *Adapter) ListenerStats() []network.ListenerStats {
	a.mu.Lock()
	listeners := append([]network.Listener(nil), a.listeners...)
	a.mu.Unlock()

	stats := make([]network.ListenerStats, len(listeners))
	for i, l := range listeners {
		stats[i] = l.Stats()
	}
	return stats
}

// SetPublishedEndpoints replaces the advertised endpoints. An active
// adapter registers them with the locator again.
func (a *Adapter) SetPublishedEndpoints(ctx context.Context, endpoints []core.Endpoint) error {
	a.mu.Lock()
	if err := a.checkLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	a.published = cloneEndpoints(endpoints)
	active := a.state == StateActive
	a.mu.Unlock()

	if active {
		a.register(ctx, endpoints)
	}
	return nil
}

func (a *Adapter) newReference(id core.Identity, facet string) (core.Reference, error) {
	var (
		ref core.Reference
		err error
	)
	switch {
	case a.cfg.ReplicaGroupID != "":
		ref, err = core.NewReplicaGroupReference(id, a.cfg.ReplicaGroupID)
	case a.cfg.AdapterID != "":
		ref, err = core.NewIndirectReference(id, a.cfg.AdapterID)
	default:
		ref, err = core.NewDirectReference(id, a.PublishedEndpoints())
	}
	if err != nil {
		return core.Reference{}, err
	}
	return ref.WithFacet(facet), nil
}

// enter admits one request, waiting while the adapter is holding.
func (a *Adapter) enter(ctx context.Context) error {
	for {
		a.mu.Lock()
		switch a.state {
		case StateActive:
			a.inFlight++
			a.mu.Unlock()
			return nil
		case StateHolding:
			changed := a.changed
			a.mu.Unlock()
			select {
			case <-changed:
			case <-ctx.Done():
				return core.FromContext(ctx)
			}
		default:
			err := a.deactivatedLocked()
			a.mu.Unlock()
			return err
		}
	}
}

func (a *Adapter) leave() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.inFlight--
	if a.inFlight > 0 {
		return
	}
	if a.state == StateDeactivating {
		a.setStateLocked(StateDeactivated)
		return
	}
	a.broadcastLocked()
}

// wait blocks until done reports true. done runs with the lock held; the
// lock is released while blocked.
func (a *Adapter) wait(ctx context.Context, done func() (bool, error)) error {
	for {
		a.mu.Lock()
		ok, err := done()
		changed := a.changed
		a.mu.Unlock()

		if err != nil || ok {
			return err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return core.FromContext(ctx)
		}
	}
}

func (a *Adapter) setStateLocked(s State) {
	if a.state == s {
		return
	}
	a.logger.Debug().Str("from", a.state.String()).Str("to", s.String()).Msg("state changed")
	a.state = s
	a.broadcastLocked()
}

// broadcastLocked wakes every goroutine blocked in enter or wait.
func (a *Adapter) broadcastLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

func (a *Adapter) check() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.checkLocked()
}

func (a *Adapter) checkID(id core.Identity) error {
	if err := a.check(); err != nil {
		return err
	}
	return id.Validate()
}

func (a *Adapter) checkLocked() error {
	if a.state >= StateDeactivating {
		return a.deactivatedLocked()
	}
	return nil
}

func (a *Adapter) deactivatedLocked() error {
	if a.state == StateDestroyed {
		return &core.Error{Kind: core.KindAdapterDestroyed, KindOfObject: "object adapter", ID: a.name}
	}
	return &core.Error{Kind: core.KindAdapterDeactivated, KindOfObject: "object adapter", ID: a.name}
}

// guard runs fn while deactivation cannot begin.
func (a *Adapter) guard(fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLocked(); err != nil {
		return err
	}
	return fn()
}

func (a *Adapter) guardID(id core.Identity, fn func() error) error {
	return a.guard(func() error {
		if err := id.Validate(); err != nil {
			return err
		}
		return fn()
	})
}

func (a *Adapter) register(ctx context.Context, endpoints []core.Endpoint) {
	if a.registry == nil || a.cfg.AdapterID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RegistryTimeout)
	defer cancel()

	err := a.registry.RegisterAdapter(ctx, a.cfg.AdapterID, a.cfg.ReplicaGroupID, endpoints)
	if err != nil {
		a.logger.Error().Err(err).Str("adapter_id", a.cfg.AdapterID).Msg("failed to register with locator")
		return
	}
	a.logger.Debug().Str("adapter_id", a.cfg.AdapterID).Str("endpoints", core.FormatEndpoints(endpoints)).Msg("registered with locator")
}

func (a *Adapter) unregister() {
	if a.registry == nil || a.cfg.AdapterID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.RegistryTimeout)
	defer cancel()

	if err := a.registry.UnregisterAdapter(ctx, a.cfg.AdapterID); err != nil {
		a.logger.Error().Err(err).Str("adapter_id", a.cfg.AdapterID).Msg("failed to unregister from locator")
	}
}

func (a *Adapter) closeListeners(listeners []network.Listener) {
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			a.logger.Warn().Err(err).Str("endpoint", l.Endpoint().String()).Msg("failed to close listener")
		}
	}
}

func cloneEndpoints(endpoints []core.Endpoint) []core.Endpoint {
	if len(endpoints) == 0 {
		return nil
	}
	out := make([]core.Endpoint, len(endpoints))
	copy(out, endpoints)
	return out
}
