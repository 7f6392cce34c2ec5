package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/najoast/orb/adapter"
	"github.com/najoast/orb/communicator"
	"github.com/najoast/orb/config"
	"github.com/najoast/orb/core"
	"github.com/najoast/orb/network"
	"github.com/najoast/orb/registry"
)

// Service names registered by a Daemon
const (
	ServiceStore        = "store"
	ServiceCommunicator = "communicator"
	ServiceLocator      = "locator"
	ServiceNATS         = "nats"
)

// DaemonOptions configures a Daemon
type DaemonOptions struct {
	// ConfigPath is watched for retry and cache changes when set
	ConfigPath string

	Logger zerolog.Logger

	// Transport replaces the default tcp/mem transport
	Transport network.Transport

	// Store replaces the store opened from the registry configuration.
	// It is closed on stop.
	Store registry.Store

	// Bus replaces the NATS connection of the nats backend
	Bus registry.Bus
}

// Daemon serves a directory store as the locator object of its own
// communicator, and over NATS for the nats backend.
type Daemon struct {
	cfg       *config.Config
	opts      DaemonOptions
	logger    zerolog.Logger
	lifecycle *Lifecycle

	mu      sync.RWMutex
	store   registry.Store
	comm    *communicator.Communicator
	adapter *adapter.Adapter
	proxy   core.Reference

	// watch ends the store event log
	watch context.CancelFunc
}

// NewDaemon validates cfg and registers the daemon services
func NewDaemon(cfg *config.Config, opts DaemonOptions) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := core.ParseIdentity(cfg.Registry.Identity); err != nil {
		return nil, fmt.Errorf("invalid locator identity: %w", err)
	}

	d := &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "orbd").Logger(),
		lifecycle: NewLifecycle(opts.Logger),
	}

	store := &funcService{name: ServiceStore, start: d.startStore, stop: d.stopStore, health: d.storeHealth}
	comm := &funcService{name: ServiceCommunicator, start: d.startCommunicator, stop: d.stopCommunicator, health: d.communicatorHealth}
	locator := &funcService{name: ServiceLocator, start: d.startLocator, stop: d.stopLocator, health: d.locatorHealth}

	if err := d.lifecycle.Register(store); err != nil {
		return nil, err
	}
	if err := d.lifecycle.Register(comm, ServiceStore); err != nil {
		return nil, err
	}
	if err := d.lifecycle.Register(locator, ServiceCommunicator); err != nil {
		return nil, err
	}
	if cfg.Registry.Backend == config.BackendNATS {
		if err := d.lifecycle.Register(&natsService{d: d}, ServiceStore); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Lifecycle returns the lifecycle running the daemon services
func (d *Daemon) Lifecycle() *Lifecycle {
	return d.lifecycle
}

// Communicator returns the daemon communicator once started
func (d *Daemon) Communicator() *communicator.Communicator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.comm
}

// Store returns the directory store once started
func (d *Daemon) Store() registry.Store {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.store
}

// LocatorProxy returns the stringified locator proxy clients configure
// as locator.proxy. It is empty until the daemon started.
func (d *Daemon) LocatorProxy() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.proxy.IsZero() {
		return ""
	}
	return d.proxy.String()
}

func (d *Daemon) startStore(ctx context.Context) error {
	store := d.opts.Store
	if store == nil {
		var err error
		if store, err = registry.Open(ctx, d.cfg.Registry); err != nil {
			return err
		}
	}

	var watchCtx context.Context
	watchCtx, d.watch = context.WithCancel(context.Background())
	if w, ok := store.(interface {
		Watch(context.Context) (<-chan registry.Event, error)
	}); ok {
		events, err := w.Watch(watchCtx)
		if err != nil {
			d.watch()
			store.Close()
			return err
		}
		go d.logEvents(events)
	}

	d.mu.Lock()
	d.store = store
	d.mu.Unlock()
	d.logger.Info().Str("backend", d.cfg.Registry.Backend).Msg("directory store opened")
	return nil
}

func (d *Daemon) logEvents(events <-chan registry.Event) {
	for ev := range events {
		d.logger.Debug().
			Str("event", ev.Type.String()).
			Str("adapter_id", ev.AdapterID).
			Str("replica_group", ev.ReplicaGroupID).
			Str("endpoints", core.FormatEndpoints(ev.Endpoints)).
			Msg("directory changed")
	}
}

func (d *Daemon) stopStore(context.Context) error {
	d.mu.Lock()
	store := d.store
	d.store = nil
	d.mu.Unlock()

	if d.watch != nil {
		d.watch()
	}
	if store == nil {
		return nil
	}
	return store.Close()
}

func (d *Daemon) storeHealth(ctx context.Context) (HealthStatus, error) {
	store := d.Store()
	if store == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	adapters, err := store.Adapters(ctx)
	if err != nil {
		return HealthStatus{}, err
	}
	return HealthStatus{
		State: HealthHealthy,
		Data:  map[string]any{"adapters": len(adapters), "backend": d.cfg.Registry.Backend},
	}, nil
}

func (d *Daemon) startCommunicator(context.Context) error {
	store := d.Store()
	opts := []communicator.Option{
		communicator.WithLogger(d.opts.Logger),
		communicator.WithDirectory(store),
		communicator.WithRegistry(store),
	}
	if d.opts.Transport != nil {
		opts = append(opts, communicator.WithTransport(d.opts.Transport))
	}

	comm, err := communicator.New(d.cfg, opts...)
	if err != nil {
		return err
	}
	if d.opts.ConfigPath != "" {
		if err := comm.WatchConfig(d.opts.ConfigPath); err != nil {
			comm.Destroy(context.Background())
			return err
		}
	}

	d.mu.Lock()
	d.comm = comm
	d.mu.Unlock()
	return nil
}

func (d *Daemon) stopCommunicator(ctx context.Context) error {
	d.mu.Lock()
	comm := d.comm
	d.comm = nil
	d.mu.Unlock()
	if comm == nil {
		return nil
	}
	return comm.Destroy(ctx)
}

func (d *Daemon) communicatorHealth(context.Context) (HealthStatus, error) {
	comm := d.Communicator()
	if comm == nil || comm.IsDestroyed() {
		return HealthStatus{State: HealthStopped}, nil
	}
	return HealthStatus{
		State: HealthHealthy,
		Data:  map[string]any{"adapters": comm.Adapters(), "resolver": comm.Resolver().Stats()},
	}, nil
}

func (d *Daemon) startLocator(ctx context.Context) error {
	comm := d.Communicator()
	id, err := core.ParseIdentity(d.cfg.Registry.Identity)
	if err != nil {
		return err
	}

	a, err := comm.CreateObjectAdapter(d.cfg.Registry.Adapter)
	if err != nil {
		return err
	}
	if len(a.Endpoints()) == 0 {
		a.Destroy(ctx)
		return fmt.Errorf("locator adapter %s has no endpoints", d.cfg.Registry.Adapter)
	}
	if _, err := a.Add(registry.NewServant(d.Store(), d.opts.Logger), id); err != nil {
		a.Destroy(ctx)
		return err
	}
	ref, err := a.CreateDirectProxy(id)
	if err != nil {
		a.Destroy(ctx)
		return err
	}
	if err := a.Activate(ctx); err != nil {
		a.Destroy(ctx)
		return err
	}

	d.mu.Lock()
	d.adapter = a
	d.proxy = ref
	d.mu.Unlock()
	d.logger.Info().Str("proxy", ref.String()).Msg("locator ready")
	return nil
}

func (d *Daemon) stopLocator(ctx context.Context) error {
	d.mu.Lock()
	a := d.adapter
	d.adapter = nil
	d.proxy = core.Reference{}
	d.mu.Unlock()
	if a == nil {
		return nil
	}
	a.Deactivate()
	return a.WaitForDeactivate(ctx)
}

func (d *Daemon) locatorHealth(context.Context) (HealthStatus, error) {
	d.mu.RLock()
	a := d.adapter
	d.mu.RUnlock()
	if a == nil {
		return HealthStatus{State: HealthStopped}, nil
	}
	state := HealthHealthy
	if a.State() != adapter.StateActive {
		state = HealthUnhealthy
	}
	return HealthStatus{
		State:   state,
		Message: a.State().String(),
		Data: map[string]any{
			"endpoints": core.FormatEndpoints(a.Endpoints()),
			"listeners": a.ListenerStats(),
		},
	}, nil
}

// natsService answers directory requests over NATS
type natsService struct {
	d *Daemon

	mu   sync.Mutex
	svc  *registry.NATSService
	conn *nats.Conn
}

func (s *natsService) Name() string { return ServiceNATS }

func (s *natsService) Start(ctx context.Context) error {
	cfg := s.d.cfg.Registry
	bus := s.d.opts.Bus
	var conn *nats.Conn
	if bus == nil {
		var err error
		if conn, err = registry.ConnectNATS(cfg.NATSURL, s.d.cfg.App.Name); err != nil {
			return err
		}
		bus = registry.NewNATSBus(conn)
	}

	svc := registry.NewNATSService(bus, cfg.NATSSubject, s.d.Store(), s.d.opts.Logger)
	if err := svc.Start(ctx); err != nil {
		if conn != nil {
			conn.Close()
		}
		return err
	}

	s.mu.Lock()
	s.svc, s.conn = svc, conn
	s.mu.Unlock()
	return nil
}

func (s *natsService) Stop(ctx context.Context) error {
	s.mu.Lock()
	svc, conn := s.svc, s.conn
	s.svc, s.conn = nil, nil
	s.mu.Unlock()
	if svc == nil {
		return nil
	}

	err := svc.Stop(ctx)
	if conn != nil {
		err = errors.Join(err, conn.Drain())
	}
	return err
}

func (s *natsService) Health(context.Context) (HealthStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.svc == nil:
		return HealthStatus{State: HealthStopped}, nil
	case s.conn != nil && !s.conn.IsConnected():
		return HealthStatus{State: HealthUnhealthy, Message: s.conn.Status().String()}, nil
	default:
		return HealthStatus{State: HealthHealthy, Data: map[string]any{"subject": s.d.cfg.Registry.NATSSubject}}, nil
	}
}

// funcService builds a Service from functions
type funcService struct {
	name   string
	start  func(context.Context) error
	stop   func(context.Context) error
	health func(context.Context) (HealthStatus, error)
}

func (s *funcService) Name() string { return s.name }

func (s *funcService) Start(ctx context.Context) error { return s.start(ctx) }

func (s *funcService) Stop(ctx context.Context) error { return s.stop(ctx) }

func (s *funcService) Health(ctx context.Context) (HealthStatus, error) { return s.health(ctx) }
