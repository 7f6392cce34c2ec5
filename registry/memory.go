package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/najoast/orb/core"
	"github.com/najoast/orb/locator"
)

// Memory is an in-process Store. Changes can be observed with Watch.
type Memory struct {
	mu       sync.RWMutex
	adapters map[string]AdapterInfo
	objects  map[core.Identity]string
	closed   bool

	// Watchers for directory events
	watchers     map[uint64]chan Event
	watcherID    uint64
	watcherMutex sync.RWMutex

	now func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		adapters: make(map[string]AdapterInfo),
		objects:  make(map[core.Identity]string),
		watchers: make(map[uint64]chan Event),
		now:      time.Now,
	}
}

// FindAdapterByID implements locator.Directory
func (m *Memory) FindAdapterByID(_ context.Context, adapterID string) ([]core.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	info, ok := m.adapters[adapterID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", locator.ErrAdapterNotFound, adapterID)
	}
	return cloneEndpoints(info.Endpoints), nil
}

// FindReplicaGroupByID implements locator.Directory
func (m *Memory) FindReplicaGroupByID(_ context.Context, groupID string) ([][]core.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	return groupSets(m.list(), groupID)
}

// FindObjectByID implements locator.Directory
func (m *Memory) FindObjectByID(_ context.Context, id core.Identity) (core.Reference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return core.Reference{}, ErrStoreClosed
	}
	adapterID, ok := m.objects[id]
	if !ok {
		return core.Reference{}, fmt.Errorf("%w: %s", locator.ErrObjectNotFound, id)
	}
	return core.NewIndirectReference(id, adapterID)
}

// RegisterAdapter implements locator.Registry
func (m *Memory) RegisterAdapter(_ context.Context, adapterID, groupID string, endpoints []core.Endpoint) error {
	if err := validateAdapter(adapterID, endpoints); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	info := AdapterInfo{
		AdapterID:      adapterID,
		ReplicaGroupID: groupID,
		Endpoints:      cloneEndpoints(endpoints),
		RegisteredAt:   m.now(),
	}
	m.adapters[adapterID] = info

	m.notifyWatchers(Event{
		Type:           EventAdapterRegistered,
		AdapterID:      adapterID,
		ReplicaGroupID: groupID,
		Endpoints:      cloneEndpoints(endpoints),
		Timestamp:      info.RegisteredAt,
	})
	return nil
}

// UnregisterAdapter implements locator.Registry. Unknown ids are ignored.
func (m *Memory) UnregisterAdapter(_ context.Context, adapterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	info, exists := m.adapters[adapterID]
	if !exists {
		return nil
	}
	delete(m.adapters, adapterID)

	m.notifyWatchers(Event{
		Type:           EventAdapterUnregistered,
		AdapterID:      adapterID,
		ReplicaGroupID: info.ReplicaGroupID,
		Timestamp:      m.now(),
	})
	return nil
}

// RegisterObject implements locator.Registry
func (m *Memory) RegisterObject(_ context.Context, id core.Identity, adapterID string) error {
	if err := validateObject(id, adapterID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.objects[id] = adapterID

	m.notifyWatchers(Event{
		Type:      EventObjectRegistered,
		AdapterID: adapterID,
		Identity:  id,
		Timestamp: m.now(),
	})
	return nil
}

// UnregisterObject implements Store
func (m *Memory) UnregisterObject(_ context.Context, id core.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	adapterID, exists := m.objects[id]
	if !exists {
		return nil
	}
	delete(m.objects, id)

	m.notifyWatchers(Event{
		Type:      EventObjectUnregistered,
		AdapterID: adapterID,
		Identity:  id,
		Timestamp: m.now(),
	})
	return nil
}

// Adapters implements Store
func (m *Memory) Adapters(context.Context) ([]AdapterInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	out := m.list()
	sortAdapters(out)
	return out, nil
}

// Close implements Store. Watch channels are closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.watcherMutex.Lock()
	defer m.watcherMutex.Unlock()
	for id, ch := range m.watchers {
		delete(m.watchers, id)
		close(ch)
	}
	return nil
}

// Watch starts watching for directory changes. The channel is closed
// when ctx ends or the store is closed; events are dropped while it is full.
func (m *Memory) Watch(ctx context.Context) (<-chan Event, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrStoreClosed
	}

	m.watcherMutex.Lock()
	defer m.watcherMutex.Unlock()

	m.watcherID++
	watcherID := m.watcherID

	eventChan := make(chan Event, 100)
	m.watchers[watcherID] = eventChan

	// Clean up when the context is done
	go func() {
		<-ctx.Done()
		m.watcherMutex.Lock()
		defer m.watcherMutex.Unlock()
		if ch, ok := m.watchers[watcherID]; ok {
			delete(m.watchers, watcherID)
			close(ch)
		}
	}()

	return eventChan, nil
}

func (m *Memory) list() []AdapterInfo {
	out := make([]AdapterInfo, 0, len(m.adapters))
	for _, info := range m.adapters {
		info.Endpoints = cloneEndpoints(info.Endpoints)
		out = append(out, info)
	}
	return out
}

// notifyWatchers sends an event to all registered watchers
func (m *Memory) notifyWatchers(event Event) {
	m.watcherMutex.RLock()
	defer m.watcherMutex.RUnlock()

	for _, watcher := range m.watchers {
		select {
		case watcher <- event:
		default:
			// Channel is full, skip this watcher
		}
	}
}
