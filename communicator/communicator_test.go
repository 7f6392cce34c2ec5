package communicator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/orb/adapter"
	"github.com/najoast/orb/config"
	"github.com/najoast/orb/core"
	"github.com/najoast/orb/network"
	"github.com/najoast/orb/registry"
)

var hello = core.Identity{Name: "hello"}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Retry.Intervals = "0 0"
	cfg.Invocation.Timeout = 5 * time.Second
	return cfg
}

func newCommunicator(t *testing.T, cfg *config.Config, opts ...Option) *Communicator {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	c, err := New(cfg, append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Destroy(context.Background()) })
	return c
}

// recorder echoes payloads and remembers the requests it saw
type recorder struct {
	mu       sync.Mutex
	requests []*adapter.Request
	calls    atomic.Int32
}

func (r *recorder) Dispatch(_ context.Context, req *adapter.Request) ([]byte, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	r.calls.Add(1)

	if req.Operation == "fail" {
		return nil, errors.New("boom")
	}
	return req.Payload, nil
}

func (r *recorder) last() *adapter.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

// serve creates an active adapter serving servant as hello
func serve(t *testing.T, c *Communicator, name string, servant adapter.Servant) (*adapter.Adapter, core.Reference) {
	t.Helper()
	a, err := c.CreateObjectAdapterWithEndpoints(name, "mem -p 0")
	require.NoError(t, err)
	ref, err := a.Add(servant, hello)
	require.NoError(t, err)
	require.NoError(t, a.Activate(context.Background()))
	return a, ref
}

func TestCreateObjectAdapter(t *testing.T) {
	cfg := testConfig()
	cfg.Adapters["Configured"] = config.AdapterConfig{Endpoints: "mem -p 0:mem -p 0"}
	c := newCommunicator(t, cfg, WithTransport(network.NewMemoryTransport()))

	a, err := c.CreateObjectAdapter("Configured")
	require.NoError(t, err)
	assert.Len(t, a.Endpoints(), 2)

	_, err = c.CreateObjectAdapter("Configured")
	assert.Equal(t, core.KindAlreadyRegistered, core.KindOf(err))

	anon, err := c.CreateObjectAdapter("")
	require.NoError(t, err)
	assert.NotEmpty(t, anon.Name())
	assert.Empty(t, anon.Endpoints())

	found, ok := c.FindAdapter("Configured")
	require.True(t, ok)
	assert.Same(t, a, found)
	assert.ElementsMatch(t, []string{"Configured", anon.Name()}, c.Adapters())

	_, err = c.CreateObjectAdapterWithEndpoints("Broken", "mem -p nope")
	assert.Equal(t, core.KindMalformedReference, core.KindOf(err))
	_, ok = c.FindAdapter("Broken")
	assert.False(t, ok)

	// Destroying an adapter releases its name.
	require.NoError(t, a.Destroy(context.Background()))
	_, ok = c.FindAdapter("Configured")
	assert.False(t, ok)
	_, err = c.CreateObjectAdapter("Configured")
	assert.NoError(t, err)
}

func TestCreateObjectAdapterConcurrently(t *testing.T) {
	c := newCommunicator(t, nil, WithTransport(network.NewMemoryTransport()))

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.CreateObjectAdapterWithEndpoints("Shared", "mem -p 0"); err == nil {
				successes.Add(1)
			} else {
				assert.Equal(t, core.KindAlreadyRegistered, core.KindOf(err))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), successes.Load())
}

func TestCollocatedInvoke(t *testing.T) {
	tr := network.NewMemoryTransport()
	c := newCommunicator(t, nil, WithTransport(tr))
	servant := &recorder{}
	_, ref := serve(t, c, "Hello", servant)

	p, err := c.NewProxy(ref)
	require.NoError(t, err)
	ctx := context.Background()

	out, err := p.Invoke(ctx, "echo", core.OperationNormal, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), out)
	assert.Equal(t, 0, tr.Attempts(ref.Endpoints()[0]), "collocated calls bypass the transport")

	_, err = p.Invoke(ctx, "fail", core.OperationNormal, nil)
	assert.Equal(t, core.KindUser, core.KindOf(err))
	assert.Contains(t, err.Error(), "boom")

	_, err = p.WithFacet("admin").Invoke(ctx, "echo", core.OperationNormal, nil)
	assert.Equal(t, core.KindFacetNotExist, core.KindOf(err))

	nobody, err := core.NewDirectReference(core.Identity{Name: "nobody"}, ref.Endpoints())
	require.NoError(t, err)
	missing, err := c.NewProxy(nobody)
	require.NoError(t, err)
	_, err = missing.Invoke(ctx, "echo", core.OperationNormal, nil)
	assert.Equal(t, core.KindObjectNotExist, core.KindOf(err))

	_, err = c.NewProxy(core.Reference{})
	assert.Equal(t, core.KindIllegalIdentity, core.KindOf(err))
}

func TestCollocationDisabled(t *testing.T) {
	tr := network.NewMemoryTransport()
	cfg := testConfig()
	cfg.Invocation.Collocation = false
	c := newCommunicator(t, cfg, WithTransport(tr))
	_, ref := serve(t, c, "Hello", &recorder{})

	p, err := c.NewProxy(ref)
	require.NoError(t, err)
	out, err := p.Invoke(context.Background(), "echo", core.OperationNormal, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)
	assert.Equal(t, 1, tr.Attempts(ref.Endpoints()[0]))
}

func TestRemoteInvoke(t *testing.T) {
	tr := network.NewMemoryTransport()
	server := newCommunicator(t, nil, WithTransport(tr))
	client := newCommunicator(t, nil, WithTransport(tr))
	servant := &recorder{}
	a, ref := serve(t, server, "Hello", servant)

	p, err := client.StringToProxy(ref.String())
	require.NoError(t, err)
	ctx := context.Background()

	out, err := p.Invoke(ctx, "echo", core.OperationIdempotent, []byte("remote"))
	require.NoError(t, err)
	assert.Equal(t, []byte("remote"), out)
	assert.Equal(t, 1, tr.Attempts(ref.Endpoints()[0]))
	assert.Equal(t, "Hello", servant.last().Adapter)
	assert.Equal(t, core.OperationIdempotent, servant.last().Mode)

	_, err = p.Invoke(ctx, "fail", core.OperationNormal, nil)
	assert.Equal(t, core.KindUser, core.KindOf(err))

	_, err = p.WithFacet("admin").Invoke(ctx, "echo", core.OperationNormal, nil)
	assert.Equal(t, core.KindFacetNotExist, core.KindOf(err))

	// A deactivated adapter no longer listens; the failure happens before
	// the request is sent, so it is retried and then surfaced.
	a.Deactivate()
	_, err = p.Invoke(ctx, "echo", core.OperationNormal, nil)
	assert.Equal(t, core.KindConnectionRefused, core.KindOf(err))
	assert.Equal(t, 3+3, tr.Attempts(ref.Endpoints()[0]))
}

func TestRetry(t *testing.T) {
	lost := func(sent bool) error {
		return &core.Error{Kind: core.KindConnectionLost, Sent: sent}
	}

	tests := []struct {
		name      string
		intervals string
		mode      core.OperationMode
		faults    []error
		wantKind  core.Kind // KindUnknown expects success
		attempts  int
	}{
		{"unsent failure is retried", "0", core.OperationNormal, []error{lost(false)}, core.KindUnknown, 2},
		{"sent idempotent is retried", "0", core.OperationIdempotent, []error{lost(true)}, core.KindUnknown, 2},
		{"sent normal surfaces", "0 0", core.OperationNormal, []error{lost(true)}, core.KindConnectionLost, 1},
		{"limit reached", "0", core.OperationIdempotent, []error{lost(true), lost(true)}, core.KindConnectionLost, 2},
		{"retries disabled", "-1", core.OperationNormal, []error{lost(false)}, core.KindConnectionLost, 1},
		{"close connection gets one more try", "-1", core.OperationNormal,
			[]error{&core.Error{Kind: core.KindCloseConnection}}, core.KindUnknown, 2},
		{"timeouts are not retried", "0 0", core.OperationIdempotent,
			[]error{&core.Error{Kind: core.KindConnectTimeout}}, core.KindConnectTimeout, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := network.NewMemoryTransport()
			server := newCommunicator(t, nil, WithTransport(tr))
			cfg := testConfig()
			cfg.Retry.Intervals = tt.intervals
			client := newCommunicator(t, cfg, WithTransport(tr))
			_, ref := serve(t, server, "Hello", &recorder{})

			ep := ref.Endpoints()[0]
			tr.InjectFault(ep, tt.faults...)

			p, err := client.NewProxy(ref)
			require.NoError(t, err)
			out, err := p.Invoke(context.Background(), "echo", tt.mode, []byte("ok"))
			if tt.wantKind == core.KindUnknown {
				require.NoError(t, err)
				assert.Equal(t, []byte("ok"), out)
			} else {
				assert.Equal(t, tt.wantKind, core.KindOf(err))
			}
			assert.Equal(t, tt.attempts, tr.Attempts(ep))
		})
	}
}

func TestOnewayRetry(t *testing.T) {
	lost := func(sent bool) error {
		return &core.Error{Kind: core.KindConnectionLost, Sent: sent}
	}

	tests := []struct {
		name     string
		mode     core.Mode
		fault    error
		wantKind core.Kind // KindUnknown expects success
		attempts int
	}{
		{"oneway sent idempotent surfaces", core.ModeOneway, lost(true), core.KindConnectionLost, 1},
		{"datagram sent idempotent surfaces", core.ModeDatagram, lost(true), core.KindConnectionLost, 1},
		{"oneway unsent is retried", core.ModeOneway, lost(false), core.KindUnknown, 2},
		{"oneway close connection is retried", core.ModeOneway, &core.Error{Kind: core.KindCloseConnection}, core.KindUnknown, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := network.NewMemoryTransport()
			server := newCommunicator(t, nil, WithTransport(tr))
			cfg := testConfig()
			cfg.Retry.Intervals = "0 0"
			client := newCommunicator(t, cfg, WithTransport(tr))
			_, ref := serve(t, server, "Hello", &recorder{})

			ep := ref.Endpoints()[0]
			tr.InjectFault(ep, tt.fault)

			p, err := client.NewProxy(ref.WithMode(tt.mode))
			require.NoError(t, err)
			_, err = p.Invoke(context.Background(), "echo", core.OperationIdempotent, []byte("ok"))
			if tt.wantKind == core.KindUnknown {
				require.NoError(t, err)
			} else {
				assert.Equal(t, tt.wantKind, core.KindOf(err))
				assert.True(t, core.WasSent(err))
			}
			assert.Equal(t, tt.attempts, tr.Attempts(ep))
		})
	}
}

func TestFailoverToNextEndpoint(t *testing.T) {
	tr := network.NewMemoryTransport()
	server := newCommunicator(t, nil, WithTransport(tr))
	cfg := testConfig()
	cfg.Retry.Intervals = "-1"
	client := newCommunicator(t, cfg, WithTransport(tr))
	_, ref := serve(t, server, "Hello", &recorder{})

	dead := core.Endpoint{Protocol: "mem", Host: "localhost", Port: 19999}
	both, err := ref.WithEndpoints(append([]core.Endpoint{dead}, ref.Endpoints()...))
	require.NoError(t, err)

	p, err := client.NewProxy(both.WithSelection(core.SelectOrdered))
	require.NoError(t, err)
	_, err = p.Invoke(context.Background(), "echo", core.OperationNormal, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Attempts(dead))
	assert.Equal(t, 1, tr.Attempts(ref.Endpoints()[0]))
}

func TestIndirectInvoke(t *testing.T) {
	tr := network.NewMemoryTransport()
	store := registry.NewMemory()

	serverCfg := testConfig()
	serverCfg.Adapters["Hello"] = config.AdapterConfig{Endpoints: "mem -p 0", AdapterID: "HelloAdapter"}
	server := newCommunicator(t, serverCfg, WithTransport(tr), WithRegistry(store))

	clientCfg := testConfig()
	clientCfg.Locator.CacheTimeout = -1
	client := newCommunicator(t, clientCfg, WithTransport(tr), WithDirectory(store))
	ctx := context.Background()

	start := func() core.Reference {
		a, err := server.CreateObjectAdapter("Hello")
		require.NoError(t, err)
		ref, err := a.Add(&recorder{}, hello)
		require.NoError(t, err)
		require.NoError(t, a.Activate(ctx))
		assert.Equal(t, "HelloAdapter", ref.AdapterID())
		return ref
	}
	start()

	p, err := client.StringToProxy("hello @ HelloAdapter")
	require.NoError(t, err)
	out, err := p.Invoke(ctx, "echo", core.OperationNormal, []byte("indirect"))
	require.NoError(t, err)
	assert.Equal(t, []byte("indirect"), out)

	// Well-known objects resolve through their registered adapter.
	require.NoError(t, store.RegisterObject(ctx, hello, "HelloAdapter"))
	wk, err := client.StringToProxy("hello")
	require.NoError(t, err)
	_, err = wk.Invoke(ctx, "echo", core.OperationNormal, nil)
	require.NoError(t, err)

	// The adapter moves; the cached endpoint is refused and the proxy
	// resolves again.
	a, ok := server.FindAdapter("Hello")
	require.True(t, ok)
	oldEndpoints := a.Endpoints()
	require.NoError(t, a.Destroy(ctx))
	start()
	a, _ = server.FindAdapter("Hello")
	require.NotEqual(t, oldEndpoints, a.Endpoints())

	before := tr.Attempts(oldEndpoints[0])
	_, err = p.Invoke(ctx, "echo", core.OperationNormal, nil)
	require.NoError(t, err)
	assert.Equal(t, before+1, tr.Attempts(oldEndpoints[0]))

	unknown, err := client.StringToProxy("hello @ Nowhere")
	require.NoError(t, err)
	_, err = unknown.Invoke(ctx, "echo", core.OperationNormal, nil)
	assert.Equal(t, core.KindObjectNotExist, core.KindOf(err))
}

func TestNoLocator(t *testing.T) {
	c := newCommunicator(t, nil, WithTransport(network.NewMemoryTransport()))
	p, err := c.StringToProxy("hello @ HelloAdapter")
	require.NoError(t, err)
	_, err = p.Invoke(context.Background(), "echo", core.OperationNormal, nil)
	assert.Equal(t, core.KindObjectNotExist, core.KindOf(err))
	assert.ErrorIs(t, err, errNoLocator)
}

func TestLocatorProxy(t *testing.T) {
	tr := network.NewMemoryTransport()
	store := registry.NewMemory()

	locatorServer := newCommunicator(t, nil, WithTransport(tr))
	la, err := locatorServer.CreateObjectAdapterWithEndpoints("Locator", "mem -p 0")
	require.NoError(t, err)
	locatorRef, err := la.Add(registry.NewServant(store, zerolog.Nop()), core.Identity{Name: "Locator"})
	require.NoError(t, err)
	require.NoError(t, la.Activate(context.Background()))

	serverCfg := testConfig()
	serverCfg.Locator.Proxy = locatorRef.String()
	serverCfg.Adapters["Hello"] = config.AdapterConfig{Endpoints: "mem -p 0", AdapterID: "HelloAdapter"}
	server := newCommunicator(t, serverCfg, WithTransport(tr))
	a, err := server.CreateObjectAdapter("Hello")
	require.NoError(t, err)
	_, err = a.Add(&recorder{}, hello)
	require.NoError(t, err)
	require.NoError(t, a.Activate(context.Background()))

	eps, err := store.FindAdapterByID(context.Background(), "HelloAdapter")
	require.NoError(t, err)
	assert.Equal(t, a.PublishedEndpoints(), eps)

	clientCfg := testConfig()
	clientCfg.Locator.Proxy = locatorRef.String()
	client := newCommunicator(t, clientCfg, WithTransport(tr))
	p, err := client.StringToProxy("hello @ HelloAdapter")
	require.NoError(t, err)
	out, err := p.Invoke(context.Background(), "echo", core.OperationNormal, []byte("via locator"))
	require.NoError(t, err)
	assert.Equal(t, []byte("via locator"), out)

	// Deactivation unregisters the adapter.
	a.Deactivate()
	_, err = store.FindAdapterByID(context.Background(), "HelloAdapter")
	assert.Error(t, err)

	bad := testConfig()
	bad.Locator.Proxy = "Locator @ Elsewhere"
	_, err = New(bad, WithLogger(zerolog.Nop()), WithTransport(tr))
	assert.Error(t, err)
}

func TestRequestContext(t *testing.T) {
	tr := network.NewMemoryTransport()
	shared := core.NewSharedContext()
	shared.Put("tenant", "implicit")
	shared.Put("trace", "t-1")

	c := newCommunicator(t, nil, WithTransport(tr), WithImplicitContext(shared))
	servant := &recorder{}
	_, ref := serve(t, c, "Hello", servant)

	p, err := c.NewProxy(ref)
	require.NoError(t, err)
	p = p.WithContext(core.Context{"tenant": "proxy"})

	_, err = p.Invoke(context.Background(), "echo", core.OperationNormal, nil)
	require.NoError(t, err)
	assert.Equal(t, core.Context{"tenant": "proxy", "trace": "t-1"}, servant.last().Context)
	assert.Same(t, shared, c.ImplicitContext())
}

func TestPerTaskContext(t *testing.T) {
	cfg := testConfig()
	cfg.ImplicitContext = core.ImplicitPerTask
	c := newCommunicator(t, cfg, WithTransport(network.NewMemoryTransport()))
	servant := &recorder{}
	_, ref := serve(t, c, "Hello", servant)

	p, err := c.NewProxy(ref)
	require.NoError(t, err)
	ctx := core.PutTaskContext(context.Background(), "user", "alice")
	_, err = p.Invoke(ctx, "echo", core.OperationNormal, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", servant.last().Context["user"])
}

// blocker holds requests until released or canceled
type blocker struct {
	started chan struct{}
	release chan struct{}
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (b *blocker) Dispatch(ctx context.Context, req *adapter.Request) ([]byte, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return req.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestInvokeAsync(t *testing.T) {
	tr := network.NewMemoryTransport()
	server := newCommunicator(t, nil, WithTransport(tr))
	client := newCommunicator(t, nil, WithTransport(tr))
	b := newBlocker()
	_, ref := serve(t, server, "Hello", b)
	t.Cleanup(func() { close(b.release) })

	p, err := client.NewProxy(ref)
	require.NoError(t, err)

	call := p.InvokeAsync(context.Background(), "echo", core.OperationNormal, []byte("later"))
	<-b.started
	select {
	case <-call.Done():
		t.Fatal("call completed early")
	default:
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = call.Wait(waitCtx)
	assert.Equal(t, core.KindInvocationTimeout, core.KindOf(err))

	call.Cancel()
	_, err = call.Result()
	assert.Equal(t, core.KindInvocationCanceled, core.KindOf(err))
	call.Cancel()
}

func TestInvokeAsyncResult(t *testing.T) {
	c := newCommunicator(t, nil, WithTransport(network.NewMemoryTransport()))
	_, ref := serve(t, c, "Hello", &recorder{})
	p, err := c.NewProxy(ref)
	require.NoError(t, err)

	call := p.InvokeAsync(context.Background(), "echo", core.OperationNormal, []byte("async"))
	out, err := call.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("async"), out)
}

func TestDestroyEndsAsyncCalls(t *testing.T) {
	tr := network.NewMemoryTransport()
	server := newCommunicator(t, nil, WithTransport(tr))
	b := newBlocker()
	_, ref := serve(t, server, "Hello", b)
	t.Cleanup(func() { close(b.release) })

	client, err := New(testConfig(), WithLogger(zerolog.Nop()), WithTransport(tr))
	require.NoError(t, err)
	p, err := client.NewProxy(ref)
	require.NoError(t, err)

	call := p.InvokeAsync(context.Background(), "echo", core.OperationNormal, nil)
	<-b.started
	require.NoError(t, client.Destroy(context.Background()))

	select {
	case <-call.Done():
	default:
		t.Fatal("destroy returned before the call ended")
	}
	_, err = call.Result()
	assert.Equal(t, core.KindInvocationCanceled, core.KindOf(err))

	late := p.InvokeAsync(context.Background(), "echo", core.OperationNormal, nil)
	_, err = late.Result()
	assert.Equal(t, core.KindCommunicatorDestroyed, core.KindOf(err))
}

func TestDestroyRacesInvokeAsync(t *testing.T) {
	tr := network.NewMemoryTransport()
	server := newCommunicator(t, nil, WithTransport(tr))
	release := make(chan struct{})
	_, ref := serve(t, server, "Hello", adapter.ServantFunc(func(ctx context.Context, req *adapter.Request) ([]byte, error) {
		select {
		case <-release:
			return req.Payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	t.Cleanup(func() { close(release) })

	client, err := New(testConfig(), WithLogger(zerolog.Nop()), WithTransport(tr))
	require.NoError(t, err)
	p, err := client.NewProxy(ref)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		calls []*Call
		wg    sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				call := p.InvokeAsync(context.Background(), "echo", core.OperationNormal, nil)
				mu.Lock()
				calls = append(calls, call)
				mu.Unlock()
			}
		}()
	}

	require.NoError(t, client.Destroy(context.Background()))
	wg.Wait()

	// Every call was either waited for by Destroy or rejected up front.
	for _, call := range calls {
		select {
		case <-call.Done():
		default:
			t.Fatal("call outlived Destroy")
		}
		_, err := call.Result()
		kind := core.KindOf(err)
		assert.True(t, kind == core.KindInvocationCanceled || kind == core.KindCommunicatorDestroyed, kind.String())
	}
}

func TestOnewayAndBatch(t *testing.T) {
	tr := network.NewMemoryTransport()
	server := newCommunicator(t, nil, WithTransport(tr))
	client := newCommunicator(t, nil, WithTransport(tr))
	servant := &recorder{}
	_, ref := serve(t, server, "Hello", servant)
	ctx := context.Background()

	p, err := client.NewProxy(ref)
	require.NoError(t, err)

	out, err := p.WithMode(core.ModeOneway).Invoke(ctx, "echo", core.OperationNormal, []byte("fire"))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Eventually(t, func() bool { return servant.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	batch := p.WithMode(core.ModeBatchOneway)
	for i := 0; i < 3; i++ {
		_, err := batch.Invoke(ctx, "echo", core.OperationNormal, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, client.BatchSize())
	assert.Equal(t, int32(1), servant.calls.Load())

	require.NoError(t, client.FlushBatchRequests(ctx))
	assert.Equal(t, 0, client.BatchSize())
	assert.Eventually(t, func() bool { return servant.calls.Load() == 4 }, time.Second, 5*time.Millisecond)

	// Flushing reports requests that could not be delivered.
	dead, err := ref.WithEndpoints([]core.Endpoint{{Protocol: "mem", Host: "localhost", Port: 19998}})
	require.NoError(t, err)
	deadBatch, err := client.NewProxy(dead.WithMode(core.ModeBatchOneway))
	require.NoError(t, err)
	_, err = deadBatch.Invoke(ctx, "echo", core.OperationNormal, nil)
	require.NoError(t, err)
	assert.Equal(t, core.KindConnectionRefused, core.KindOf(client.FlushBatchRequests(ctx)))
}

type sum struct {
	A int `cbor:"1,keyasint"`
	B int `cbor:"2,keyasint"`
}

func TestDo(t *testing.T) {
	c := newCommunicator(t, nil, WithTransport(network.NewMemoryTransport()))
	codec := c.Codec()

	adder := adapter.ServantFunc(func(_ context.Context, req *adapter.Request) ([]byte, error) {
		var in sum
		if err := codec.Decode(req.Payload, &in); err != nil {
			return nil, err
		}
		return codec.Encode(in.A + in.B)
	})
	_, ref := serve(t, c, "Calc", adder)

	p, err := c.NewProxy(ref)
	require.NoError(t, err)

	var total int
	require.NoError(t, p.Do(context.Background(), "add", core.OperationIdempotent, sum{A: 2, B: 40}, &total))
	assert.Equal(t, 42, total)

	require.NoError(t, p.Do(context.Background(), "add", core.OperationIdempotent, sum{}, nil))

	var wrong struct{ X chan int }
	err = p.Do(context.Background(), "add", core.OperationIdempotent, wrong, nil)
	assert.Equal(t, core.KindMarshal, core.KindOf(err))
}

func TestProxyStrings(t *testing.T) {
	c := newCommunicator(t, nil, WithTransport(network.NewMemoryTransport()))

	p, err := c.StringToProxy("cat/hello -o:mem -h localhost -p 4061")
	require.NoError(t, err)
	assert.Equal(t, core.ModeOneway, p.Reference().Mode())
	assert.Equal(t, c.Config().Selection(), p.Reference().Selection())
	assert.Same(t, c, p.Communicator())

	again, err := c.StringToProxy(c.ProxyToString(p))
	require.NoError(t, err)
	assert.Equal(t, p.String(), again.String())
	assert.Equal(t, "", c.ProxyToString(nil))

	_, err = c.StringToProxy("hello -q")
	assert.Equal(t, core.KindMalformedReference, core.KindOf(err))

	timed := p.WithLocatorCacheTimeout(time.Minute)
	assert.Equal(t, time.Minute, timed.Reference().LocatorCacheTimeout())
	assert.Equal(t, core.SelectOrdered, p.WithSelection(core.SelectOrdered).Reference().Selection())
}

func TestDestroy(t *testing.T) {
	tr := network.NewMemoryTransport()
	c, err := New(testConfig(), WithLogger(zerolog.Nop()), WithTransport(tr))
	require.NoError(t, err)
	a, ref := serve(t, c, "Hello", &recorder{})
	p, err := c.NewProxy(ref)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Destroy(ctx))
	require.NoError(t, c.Destroy(ctx))
	assert.True(t, c.IsDestroyed())
	assert.Equal(t, adapter.StateDestroyed, a.State())
	assert.Empty(t, c.Adapters())

	destroyed := func(err error) {
		t.Helper()
		assert.Equal(t, core.KindCommunicatorDestroyed, core.KindOf(err))
	}
	_, err = c.CreateObjectAdapter("Other")
	destroyed(err)
	_, err = p.Invoke(ctx, "echo", core.OperationNormal, nil)
	destroyed(err)
	_, err = c.StringToProxy("hello")
	destroyed(err)
	destroyed(c.FlushBatchRequests(ctx))
	destroyed(c.WatchConfig("orb.yaml"))

	// A caller-supplied transport stays usable.
	_, err = tr.Listen(core.Endpoint{Protocol: "mem"}, network.HandlerFunc(func(context.Context, []byte) ([]byte, bool) {
		return nil, false
	}))
	assert.NoError(t, err)
}

func TestShutdown(t *testing.T) {
	tr := network.NewMemoryTransport()
	server := newCommunicator(t, nil, WithTransport(tr))
	a, _ := serve(t, server, "Hello", &recorder{})

	server.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, server.WaitForShutdown(ctx))
	assert.True(t, a.IsDeactivated())
	assert.False(t, server.IsDestroyed())
}

func TestWatchConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  intervals: \"5 10\"\n"), 0o644))

	c := newCommunicator(t, nil, WithTransport(network.NewMemoryTransport()))
	require.NoError(t, c.WatchConfig(path))
	assert.Equal(t, "5 10", c.Config().Retry.Intervals)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}, c.RetryPolicy().Intervals())

	require.NoError(t, os.WriteFile(path, []byte("retry:\n  intervals: \"7\"\nlocator:\n  cache_timeout: 30\n"), 0o644))
	assert.Eventually(t, func() bool {
		return c.Config().Retry.Intervals == "7"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 30*time.Second, c.Resolver().CacheTimeout())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Invocation.Codec = "xml"
	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidCodec)

	c, err := New(nil, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	assert.Equal(t, "cbor", c.Config().Invocation.Codec)
	require.NoError(t, c.Destroy(context.Background()))
}

var _ adapter.Servant = (*recorder)(nil)
