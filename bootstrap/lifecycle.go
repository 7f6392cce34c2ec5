package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Lifecycle starts services in dependency order and stops them in reverse
type Lifecycle struct {
	// services holds all registered services
	services map[string]Service

	// dependencies tracks service dependencies
	dependencies map[string][]string

	// startOrder tracks the order services were started
	startOrder []string

	mutex   sync.RWMutex
	started bool

	// eventChan for broadcasting lifecycle events
	eventChan chan LifecycleEvent

	// listeners for lifecycle events
	listeners []func(LifecycleEvent)

	// timeout for each Start and Stop call
	timeout time.Duration

	logger zerolog.Logger
}

// NewLifecycle creates an empty lifecycle
func NewLifecycle(logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		eventChan:    make(chan LifecycleEvent, 100),
		timeout:      30 * time.Second,
		logger:       logger.With().Str("component", "lifecycle").Logger(),
	}
}

// SetTimeout bounds every Start and Stop call
func (lc *Lifecycle) SetTimeout(timeout time.Duration) *Lifecycle {
	lc.mutex.Lock()
	defer lc.mutex.Unlock()
	lc.timeout = timeout
	return lc
}

// Register adds a service started after the services named in deps
func (lc *Lifecycle) Register(service Service, deps ...string) error {
	if service == nil {
		return errors.New("service cannot be nil")
	}
	name := service.Name()
	if name == "" {
		return errors.New("service name cannot be empty")
	}

	lc.mutex.Lock()
	defer lc.mutex.Unlock()

	if lc.started {
		return fmt.Errorf("cannot register service %s: lifecycle already started", name)
	}
	if _, exists := lc.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}

	lc.services[name] = service
	lc.dependencies[name] = append([]string(nil), deps...)
	lc.broadcastEvent(LifecycleEvent{Type: EventRegistered, Service: name, Timestamp: time.Now()})
	return nil
}

// Start starts every service. When one fails, the services already
// started are stopped again and the failure is returned.
func (lc *Lifecycle) Start(ctx context.Context) error {
	lc.mutex.Lock()
	defer lc.mutex.Unlock()

	if lc.started {
		return errors.New("lifecycle already started")
	}

	order, err := lc.calculateStartOrder()
	if err != nil {
		return &LifecycleError{Operation: "start", Err: err}
	}

	for _, name := range order {
		service := lc.services[name]
		lc.broadcastEvent(LifecycleEvent{Type: EventStarting, Service: name, Timestamp: time.Now()})

		startCtx, cancel := context.WithTimeout(ctx, lc.timeout)
		err := service.Start(startCtx)
		cancel()

		if err != nil {
			lc.broadcastEvent(LifecycleEvent{Type: EventStartFailed, Service: name, Timestamp: time.Now(), Error: err})
			lc.logger.Error().Err(err).Str("service", name).Msg("service failed to start")
			lc.stopLocked(ctx)
			return &LifecycleError{Operation: "start", Service: name, Err: err}
		}

		lc.startOrder = append(lc.startOrder, name)
		lc.broadcastEvent(LifecycleEvent{Type: EventStarted, Service: name, Timestamp: time.Now()})
		lc.logger.Info().Str("service", name).Msg("service started")
	}

	lc.started = true
	return nil
}

// Stop stops the started services in reverse order. Every service is
// stopped even when some fail; the failures are joined.
func (lc *Lifecycle) Stop(ctx context.Context) error {
	lc.mutex.Lock()
	defer lc.mutex.Unlock()

	if !lc.started {
		return nil
	}
	err := lc.stopLocked(ctx)
	lc.started = false
	return err
}

func (lc *Lifecycle) stopLocked(ctx context.Context) error {
	var errs []error
	for i := len(lc.startOrder) - 1; i >= 0; i-- {
		name := lc.startOrder[i]

		stopCtx, cancel := context.WithTimeout(ctx, lc.timeout)
		err := lc.services[name].Stop(stopCtx)
		cancel()

		if err != nil {
			errs = append(errs, &LifecycleError{Operation: "stop", Service: name, Err: err})
			lc.broadcastEvent(LifecycleEvent{Type: EventStopFailed, Service: name, Timestamp: time.Now(), Error: err})
			lc.logger.Warn().Err(err).Str("service", name).Msg("service failed to stop")
			continue
		}
		lc.broadcastEvent(LifecycleEvent{Type: EventStopped, Service: name, Timestamp: time.Now()})
		lc.logger.Info().Str("service", name).Msg("service stopped")
	}
	lc.startOrder = nil
	return errors.Join(errs...)
}

// Health returns the health status of every service
func (lc *Lifecycle) Health(ctx context.Context) map[string]HealthStatus {
	lc.mutex.RLock()
	defer lc.mutex.RUnlock()

	health := make(map[string]HealthStatus, len(lc.services))
	for name, service := range lc.services {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := service.Health(healthCtx)
		cancel()

		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		health[name] = status
	}
	return health
}

// Services returns the registered service names in order
func (lc *Lifecycle) Services() []string {
	lc.mutex.RLock()
	defer lc.mutex.RUnlock()

	names := make([]string, 0, len(lc.services))
	for name := range lc.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsStarted reports whether Start succeeded and Stop was not called since
func (lc *Lifecycle) IsStarted() bool {
	lc.mutex.RLock()
	defer lc.mutex.RUnlock()
	return lc.started
}

// Events returns a channel for lifecycle events. Events are dropped
// while it is full.
func (lc *Lifecycle) Events() <-chan LifecycleEvent {
	return lc.eventChan
}

// AddListener adds a lifecycle event listener. Listeners run synchronously
// and must not call back into the lifecycle.
func (lc *Lifecycle) AddListener(listener func(LifecycleEvent)) {
	lc.mutex.Lock()
	defer lc.mutex.Unlock()
	lc.listeners = append(lc.listeners, listener)
}

// calculateStartOrder sorts the services topologically (Kahn). Services
// without an ordering constraint start by name.
func (lc *Lifecycle) calculateStartOrder() ([]string, error) {
	inDegree := make(map[string]int, len(lc.services))
	graph := make(map[string][]string, len(lc.services))

	for service := range lc.services {
		inDegree[service] = 0
	}
	for service, deps := range lc.dependencies {
		for _, dep := range deps {
			if _, exists := lc.services[dep]; !exists {
				return nil, fmt.Errorf("dependency %s of service %s is not registered", dep, service)
			}
			graph[dep] = append(graph[dep], service)
			inDegree[service]++
		}
	}

	var queue []string
	for service, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, service)
		}
	}
	sort.Strings(queue)

	result := make([]string, 0, len(lc.services))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		var ready []string
		for _, dependent := range graph[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(result) != len(lc.services) {
		return nil, errors.New("circular dependency detected")
	}
	return result, nil
}

// broadcastEvent delivers event to the channel and to every listener
func (lc *Lifecycle) broadcastEvent(event LifecycleEvent) {
	select {
	case lc.eventChan <- event:
	default:
		// Channel is full, skip this event
	}
	for _, listener := range lc.listeners {
		listener(event)
	}
}
