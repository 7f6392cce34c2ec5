package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/najoast/orb/core"
)

// Mux routes each endpoint to the transport registered for its protocol
type Mux struct {
	mu         sync.RWMutex
	transports map[Protocol]Transport
}

// NewMux creates an empty Mux
func NewMux() *Mux {
	return &Mux{transports: make(map[Protocol]Transport)}
}

// NewDefaultMux creates a Mux serving the tcp and mem protocols
func NewDefaultMux(cfg Config, logger zerolog.Logger) *Mux {
	m := NewMux()
	m.Register(ProtocolTCP, NewTCPTransport(cfg, logger))
	m.Register(ProtocolMemory, NewMemoryTransport())
	return m
}

// Register installs t for protocol, replacing any previous transport
func (m *Mux) Register(protocol Protocol, t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[protocol] = t
}

// Transport returns the transport registered for protocol
func (m *Mux) Transport(protocol Protocol) (Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transports[protocol]
	return t, ok
}

// Protocols returns the registered protocols in sorted order
func (m *Mux) Protocols() []Protocol {
	m.mu.RLock()
	defer m.mu.RUnlock()

	protocols := make([]Protocol, 0, len(m.transports))
	for p := range m.transports {
		protocols = append(protocols, p)
	}
	sort.Slice(protocols, func(i, j int) bool { return protocols[i] < protocols[j] })
	return protocols
}

// Send implements Transport
func (m *Mux) Send(ctx context.Context, ep core.Endpoint, frame []byte) ([]byte, error) {
	t, err := m.lookup(ep)
	if err != nil {
		return nil, err
	}
	return t.Send(ctx, ep, frame)
}

// Post implements Transport
func (m *Mux) Post(ctx context.Context, ep core.Endpoint, frame []byte) error {
	t, err := m.lookup(ep)
	if err != nil {
		return err
	}
	return t.Post(ctx, ep, frame)
}

// Listen implements Transport
func (m *Mux) Listen(ep core.Endpoint, h Handler) (Listener, error) {
	t, err := m.lookup(ep)
	if err != nil {
		return nil, err
	}
	return t.Listen(ep, h)
}

// Close closes every registered transport
func (m *Mux) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for p, t := range m.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s transport: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Mux) lookup(ep core.Endpoint) (Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transports[Protocol(ep.Protocol)]
	if !ok {
		return nil, &core.Error{Kind: core.KindMalformedReference, ID: ep.String(), Err: fmt.Errorf("unsupported protocol: %s", ep.Protocol)}
	}
	return t, nil
}
