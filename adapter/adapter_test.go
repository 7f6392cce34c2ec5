package adapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/orb/core"
	"github.com/najoast/orb/network"
	"github.com/najoast/orb/protocol"
)

type fakeRegistry struct {
	mu           sync.Mutex
	registered   map[string][]core.Endpoint
	groups       map[string]string
	unregistered []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{registered: make(map[string][]core.Endpoint), groups: make(map[string]string)}
}

func (r *fakeRegistry) RegisterAdapter(_ context.Context, adapterID, groupID string, eps []core.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[adapterID] = eps
	r.groups[adapterID] = groupID
	return nil
}

func (r *fakeRegistry) UnregisterAdapter(_ context.Context, adapterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registered, adapterID)
	r.unregistered = append(r.unregistered, adapterID)
	return nil
}

func (r *fakeRegistry) RegisterObject(context.Context, core.Identity, string) error {
	return nil
}

func newTestAdapter(t *testing.T, cfg Config) (*Adapter, *network.MemoryTransport) {
	t.Helper()
	tr := network.NewMemoryTransport()
	t.Cleanup(func() { tr.Close() })

	if cfg.Endpoints == nil {
		cfg.Endpoints = []core.Endpoint{{Protocol: "mem"}}
	}
	a, err := New("Test", Options{Config: cfg, Transport: tr, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return a, tr
}

// gate is a servant that blocks until released.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) Dispatch(context.Context, *Request) ([]byte, error) {
	g.started <- struct{}{}
	<-g.release
	return []byte("done"), nil
}

func dispatchAsync(a *Adapter, id core.Identity) <-chan error {
	errc := make(chan error, 1)
	go func() {
		_, err := a.Dispatch(context.Background(), &Request{Identity: id, Operation: "op"})
		errc <- err
	}()
	return errc
}

func TestAdapterScenario(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})
	require.NoError(t, a.Activate(context.Background()))

	x := core.Identity{Name: "x"}
	_, err := a.Add(named("S1"), x)
	require.NoError(t, err)

	s, err := a.Resolve(context.Background(), x, "")
	require.NoError(t, err)
	out, _ := s.Dispatch(context.Background(), &Request{})
	assert.Equal(t, "S1", string(out))

	_, err = a.Remove(x)
	require.NoError(t, err)
	_, err = a.Resolve(context.Background(), x, "")
	assert.ErrorIs(t, err, core.ErrObjectNotExist)

	require.NoError(t, a.AddDefaultServant(named("D"), ""))
	s, err = a.Resolve(context.Background(), core.Identity{Name: "y", Category: "anycat"}, "")
	require.NoError(t, err)
	out, _ = s.Dispatch(context.Background(), &Request{})
	assert.Equal(t, "D", string(out))

	_, err = a.Remove(core.Identity{Name: "never"})
	assert.ErrorIs(t, err, core.ErrNotRegistered)
}

func TestAdapterHoldingQueuesRequests(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})
	x := core.Identity{Name: "x"}
	_, err := a.Add(named("x"), x)
	require.NoError(t, err)
	assert.Equal(t, StateHolding, a.State())

	errc := dispatchAsync(a, x)
	select {
	case err := <-errc:
		t.Fatalf("dispatched while holding: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, a.Activate(context.Background()))
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("request not released by Activate")
	}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Hold())
	cancel()
	_, err = a.Dispatch(ctx, &Request{Identity: x})
	assert.ErrorIs(t, err, core.ErrInvocationCanceled)
}

func TestAdapterWaitForHold(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})
	g := newGate()
	x := core.Identity{Name: "x"}
	_, err := a.Add(g, x)
	require.NoError(t, err)
	require.NoError(t, a.Activate(context.Background()))

	errc := dispatchAsync(a, x)
	<-g.started
	require.NoError(t, a.Hold())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.WaitForHold(ctx), core.ErrInvocationTimeout)

	close(g.release)
	require.NoError(t, <-errc)
	assert.NoError(t, a.WaitForHold(context.Background()))
}

func TestAdapterDeactivateDrains(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})
	g := newGate()
	x := core.Identity{Name: "x"}
	_, err := a.Add(g, x)
	require.NoError(t, err)
	require.NoError(t, a.Activate(context.Background()))

	errc := dispatchAsync(a, x)
	<-g.started

	a.Deactivate()
	assert.Equal(t, StateDeactivating, a.State())
	assert.True(t, a.IsDeactivated())

	// No new dispatch after Deactivate returns.
	_, err = a.Dispatch(context.Background(), &Request{Identity: x})
	assert.ErrorIs(t, err, core.ErrAdapterDeactivated)

	waited := make(chan error, 1)
	go func() { waited <- a.WaitForDeactivate(context.Background()) }()
	select {
	case <-waited:
		t.Fatal("WaitForDeactivate returned with a request in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(g.release)
	require.NoError(t, <-errc)
	require.NoError(t, <-waited)
	assert.Equal(t, StateDeactivated, a.State())

	_, err = a.Add(named("y"), core.Identity{Name: "y"})
	assert.ErrorIs(t, err, core.ErrAdapterDeactivated)
	assert.ErrorIs(t, a.Activate(context.Background()), core.ErrAdapterDeactivated)
	assert.ErrorIs(t, a.Hold(), core.ErrAdapterDeactivated)
	a.Deactivate()
}

func TestAdapterDeactivateReleasesHeldRequests(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})
	errc := dispatchAsync(a, core.Identity{Name: "x"})
	time.Sleep(10 * time.Millisecond)

	a.Deactivate()
	assert.ErrorIs(t, <-errc, core.ErrAdapterDeactivated)
	assert.NoError(t, a.WaitForDeactivate(context.Background()))
}

func TestAdapterDestroy(t *testing.T) {
	tr := network.NewMemoryTransport()
	defer tr.Close()

	var destroyed []string
	a, err := New("Test", Options{
		Config:    Config{Endpoints: []core.Endpoint{{Protocol: "mem"}}},
		Transport: tr,
		Logger:    zerolog.Nop(),
		OnDestroy: func(a *Adapter) { destroyed = append(destroyed, a.Name()) },
	})
	require.NoError(t, err)

	loc := &recordingLocator{servant: named("located")}
	require.NoError(t, a.AddServantLocator(loc, "cat"))
	found, err := a.FindServantLocator("cat")
	require.NoError(t, err)
	assert.Same(t, loc, found)

	require.NoError(t, a.Destroy(context.Background()))
	require.NoError(t, a.Destroy(context.Background()))

	assert.Equal(t, StateDestroyed, a.State())
	assert.Equal(t, []string{"cat"}, loc.deactivated)
	assert.Equal(t, []string{"Test"}, destroyed)

	_, err = a.FindServantLocator("cat")
	assert.ErrorIs(t, err, core.ErrAdapterDestroyed)

	// The endpoint is released.
	_, err = tr.Send(context.Background(), a.Endpoints()[0], []byte("x"))
	assert.ErrorIs(t, err, core.ErrConnectionRefused)
}

func TestAdapterResolveWithLocator(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})
	loc := &recordingLocator{servant: named("located")}
	require.NoError(t, a.AddServantLocator(loc, ""))

	s, err := a.Resolve(context.Background(), core.Identity{Name: "any"}, "")
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.Equal(t, []any{"cookie-any"}, loc.cookies)

	removed, err := a.RemoveServantLocator("")
	require.NoError(t, err)
	assert.Same(t, loc, removed)
	assert.Empty(t, loc.deactivated)
}

func TestAdapterRegistrationAPI(t *testing.T) {
	a, _ := newTestAdapter(t, Config{})
	x := core.Identity{Name: "x", Category: "c"}

	_, err := a.AddFacet(named("admin"), x, "admin")
	require.NoError(t, err)
	_, err = a.AddFacet(named("admin"), x, "admin")
	assert.ErrorIs(t, err, core.ErrAlreadyRegistered)

	s, err := a.FindFacet(x, "admin")
	require.NoError(t, err)
	assert.NotNil(t, s)
	s, err = a.Find(x)
	require.NoError(t, err)
	assert.Nil(t, s)

	facets, err := a.FindAllFacets(x)
	require.NoError(t, err)
	assert.Len(t, facets, 1)

	ref, err := a.AddWithUUID(named("u"))
	require.NoError(t, err)
	assert.Empty(t, ref.Identity().Category)
	assert.True(t, ref.IsDirect())

	ref, err = a.AddFacetWithUUID(named("u"), "extra")
	require.NoError(t, err)
	assert.Equal(t, "extra", ref.Facet())

	removed, err := a.RemoveFacet(x, "admin")
	require.NoError(t, err)
	assert.NotNil(t, removed)
	_, err = a.RemoveAllFacets(x)
	assert.ErrorIs(t, err, core.ErrNotRegistered)

	require.NoError(t, a.AddDefaultServant(named("d"), "c"))
	d, err := a.FindDefaultServant("c")
	require.NoError(t, err)
	assert.NotNil(t, d)
	_, err = a.RemoveDefaultServant("c")
	require.NoError(t, err)

	_, err = a.Find(core.Identity{})
	assert.ErrorIs(t, err, core.ErrIllegalIdentity)
	_, err = a.Add(named("x"), core.Identity{Category: "c"})
	assert.ErrorIs(t, err, core.ErrIllegalIdentity)
}

func TestAdapterProxies(t *testing.T) {
	id := core.Identity{Name: "x"}

	direct, _ := newTestAdapter(t, Config{})
	ref, err := direct.CreateProxy(id)
	require.NoError(t, err)
	assert.True(t, ref.IsDirect())
	assert.Equal(t, direct.Endpoints(), ref.Endpoints())

	ref, err = direct.CreateIndirectProxy(id)
	require.NoError(t, err)
	assert.True(t, ref.IsWellKnown())

	indirect, _ := newTestAdapter(t, Config{AdapterID: "A1"})
	ref, err = indirect.CreateProxy(id)
	require.NoError(t, err)
	assert.Equal(t, "A1", ref.AdapterID())
	ref, err = indirect.CreateDirectProxy(id)
	require.NoError(t, err)
	assert.True(t, ref.IsDirect())

	group, _ := newTestAdapter(t, Config{AdapterID: "A2", ReplicaGroupID: "G"})
	ref, err = group.CreateProxy(id)
	require.NoError(t, err)
	assert.Equal(t, "G", ref.ReplicaGroupID())
	ref, err = group.CreateIndirectProxy(id)
	require.NoError(t, err)
	assert.Equal(t, "A2", ref.AdapterID())

	_, err = direct.CreateProxy(core.Identity{})
	assert.ErrorIs(t, err, core.ErrIllegalIdentity)

	published := []core.Endpoint{{Protocol: "tcp", Host: "public.example", Port: 4061}}
	require.NoError(t, direct.SetPublishedEndpoints(context.Background(), published))
	ref, err = direct.CreateProxy(id)
	require.NoError(t, err)
	assert.Equal(t, published, ref.Endpoints())
	assert.NotEqual(t, published, direct.Endpoints())
}

func TestAdapterLocatorRegistration(t *testing.T) {
	tr := network.NewMemoryTransport()
	defer tr.Close()
	reg := newFakeRegistry()

	a, err := New("Test", Options{
		Config: Config{
			AdapterID:      "A1",
			ReplicaGroupID: "G",
			Endpoints:      []core.Endpoint{{Protocol: "mem"}},
		},
		Transport: tr,
		Registry:  reg,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Empty(t, reg.registered)

	require.NoError(t, a.Activate(context.Background()))
	assert.Equal(t, a.Endpoints(), reg.registered["A1"])
	assert.Equal(t, "G", reg.groups["A1"])

	moved := []core.Endpoint{{Protocol: "mem", Host: "localhost", Port: 9}}
	require.NoError(t, a.SetPublishedEndpoints(context.Background(), moved))
	assert.Equal(t, moved, reg.registered["A1"])

	a.Deactivate()
	assert.Empty(t, reg.registered)
	assert.Equal(t, []string{"A1"}, reg.unregistered)
}

func TestAdapterHandleFrame(t *testing.T) {
	a, tr := newTestAdapter(t, Config{})
	require.NoError(t, a.Activate(context.Background()))

	var got *Request
	_, err := a.Add(ServantFunc(func(_ context.Context, req *Request) ([]byte, error) {
		got = req
		if req.Operation == "fail" {
			return nil, core.NewError(core.KindOperationNotExist, req.Identity.String())
		}
		return append([]byte("re:"), req.Payload...), nil
	}), core.Identity{Name: "x"})
	require.NoError(t, err)

	call := func(f *protocol.RequestFrame) *protocol.ReplyFrame {
		t.Helper()
		data, err := protocol.EncodeRequest(f)
		require.NoError(t, err)
		reply, err := tr.Send(context.Background(), a.Endpoints()[0], data)
		require.NoError(t, err)
		decoded, err := protocol.DecodeReply(reply)
		require.NoError(t, err)
		return decoded
	}

	reply := call(&protocol.RequestFrame{
		RequestID: 7,
		Identity:  core.Identity{Name: "x"},
		Operation: "echo",
		Mode:      core.OperationIdempotent,
		Context:   core.Context{"k": "v"},
		Payload:   []byte("hi"),
	})
	require.NoError(t, reply.Err())
	assert.Equal(t, uint32(7), reply.RequestID)
	assert.Equal(t, "re:hi", string(reply.Payload))
	assert.Equal(t, "Test", got.Adapter)
	assert.Equal(t, core.Context{"k": "v"}, got.Context)
	assert.Equal(t, core.OperationIdempotent, got.Mode)

	reply = call(&protocol.RequestFrame{Identity: core.Identity{Name: "x"}, Operation: "fail"})
	assert.ErrorIs(t, reply.Err(), core.ErrOperationNotExist)

	reply = call(&protocol.RequestFrame{Identity: core.Identity{Name: "missing"}, Operation: "op"})
	assert.ErrorIs(t, reply.Err(), core.ErrObjectNotExist)

	data, err := protocol.EncodeRequest(&protocol.RequestFrame{Identity: core.Identity{Name: "x"}, Operation: "op", Oneway: true})
	require.NoError(t, err)
	_, ok := a.HandleFrame(context.Background(), data)
	assert.False(t, ok)

	raw, ok := a.HandleFrame(context.Background(), []byte{0xff})
	require.True(t, ok)
	decoded, err := protocol.DecodeReply(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusUnknown, decoded.Status)

	// A deactivated adapter looks like a missing object to remote callers.
	a.Deactivate()
	data, err = protocol.EncodeRequest(&protocol.RequestFrame{Identity: core.Identity{Name: "x"}, Operation: "op"})
	require.NoError(t, err)
	raw, ok = a.HandleFrame(context.Background(), data)
	require.True(t, ok)
	decoded, err = protocol.DecodeReply(raw)
	require.NoError(t, err)
	assert.ErrorIs(t, decoded.Err(), core.ErrObjectNotExist)
}

func TestNewAdapterErrors(t *testing.T) {
	_, err := New("", Options{Logger: zerolog.Nop()})
	assert.Error(t, err)

	_, err = New("NoTransport", Options{Config: Config{Endpoints: []core.Endpoint{{Protocol: "mem"}}}, Logger: zerolog.Nop()})
	assert.Error(t, err)

	tr := network.NewMemoryTransport()
	defer tr.Close()
	ep := core.Endpoint{Protocol: "mem", Host: "localhost", Port: 5000}
	_, err = New("A", Options{Config: Config{Endpoints: []core.Endpoint{ep}}, Transport: tr, Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = New("B", Options{Config: Config{Endpoints: []core.Endpoint{{Protocol: "mem", Port: 0}, ep}}, Transport: tr, Logger: zerolog.Nop()})
	assert.Error(t, err)
}
