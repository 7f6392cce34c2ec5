package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/najoast/orb/core"
)

// MemoryTransport delivers frames between listeners in the same process.
// Faults can be injected per endpoint to exercise failure handling.
type MemoryTransport struct {
	mu        sync.RWMutex
	listeners map[string]*memoryListener
	faults    map[string][]error
	attempts  map[string]int
	nextPort  int
	closed    bool
}

// NewMemoryTransport creates an empty in-process transport
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		listeners: make(map[string]*memoryListener),
		faults:    make(map[string][]error),
		attempts:  make(map[string]int),
		nextPort:  20000,
	}
}

// InjectFault makes the next len(errs) requests to ep fail with errs, in
// order, before any listener is consulted.
func (t *MemoryTransport) InjectFault(ep core.Endpoint, errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := memoryKey(ep)
	t.faults[key] = append(t.faults[key], errs...)
}

// Attempts returns how many requests were addressed to ep
func (t *MemoryTransport) Attempts(ep core.Endpoint) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.attempts[memoryKey(ep)]
}

// Send implements Transport
func (t *MemoryTransport) Send(ctx context.Context, ep core.Endpoint, frame []byte) ([]byte, error) {
	l, err := t.route(ep)
	if err != nil {
		return nil, err
	}

	type result struct {
		reply []byte
		ok    bool
	}
	done := make(chan result, 1)
	data := append([]byte(nil), frame...)

	if !l.open() {
		return nil, &core.Error{Kind: core.KindCloseConnection, ID: ep.String()}
	}
	l.received(len(data))
	go func() {
		reply, ok := l.handler.HandleFrame(context.WithoutCancel(ctx), data)
		if ok {
			l.bytesWritten.Add(int64(len(reply)))
		}
		done <- result{reply: reply, ok: ok}
	}()

	select {
	case res := <-done:
		if !res.ok {
			return nil, &core.Error{Kind: core.KindConnectionLost, ID: ep.String(), Sent: true, Err: fmt.Errorf("no reply")}
		}
		return res.reply, nil
	case <-ctx.Done():
		err := core.FromContext(ctx).(*core.Error)
		err.Sent = true
		return nil, err
	}
}

// Post implements Transport
func (t *MemoryTransport) Post(ctx context.Context, ep core.Endpoint, frame []byte) error {
	l, err := t.route(ep)
	if err != nil {
		return err
	}
	if !l.open() {
		return &core.Error{Kind: core.KindCloseConnection, ID: ep.String()}
	}

	data := append([]byte(nil), frame...)
	l.received(len(data))
	go func() {
		l.handler.HandleFrame(context.WithoutCancel(ctx), data)
	}()
	return nil
}

// Listen implements Transport. Port 0 picks a free port.
func (t *MemoryTransport) Listen(ep core.Endpoint, h Handler) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, core.NewError(core.KindCommunicatorDestroyed, "memory transport")
	}

	if ep.Host == "" {
		ep.Host = "localhost"
	}
	if ep.Port == 0 {
		for {
			t.nextPort++
			ep.Port = t.nextPort
			if _, taken := t.listeners[memoryKey(ep)]; !taken {
				break
			}
		}
	}

	key := memoryKey(ep)
	if _, taken := t.listeners[key]; taken {
		return nil, fmt.Errorf("failed to listen on %s: address already in use", key)
	}

	l := &memoryListener{endpoint: ep, handler: h, owner: t, startTime: time.Now()}
	t.listeners[key] = l
	return l, nil
}

// Close removes every listener
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, l := range t.listeners {
		l.markClosed()
	}
	t.listeners = make(map[string]*memoryListener)
	return nil
}

func (t *MemoryTransport) route(ep core.Endpoint) (*memoryListener, error) {
	key := memoryKey(ep)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, core.NewError(core.KindCommunicatorDestroyed, "memory transport")
	}

	t.attempts[key]++
	if faults := t.faults[key]; len(faults) > 0 {
		err := faults[0]
		t.faults[key] = faults[1:]
		return nil, err
	}

	l, ok := t.listeners[key]
	if !ok {
		return nil, &core.Error{Kind: core.KindConnectionRefused, ID: ep.String(), Err: fmt.Errorf("no listener on %s", key)}
	}
	return l, nil
}

func (t *MemoryTransport) remove(l *memoryListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := memoryKey(l.endpoint)
	if t.listeners[key] == l {
		delete(t.listeners, key)
	}
}

func memoryKey(ep core.Endpoint) string {
	host := ep.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(ep.Port))
}

type memoryListener struct {
	endpoint  core.Endpoint
	handler   Handler
	owner     *MemoryTransport
	startTime time.Time

	messages     atomic.Int64
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64

	mu     sync.Mutex
	closed bool
}

func (l *memoryListener) Endpoint() core.Endpoint {
	return l.endpoint
}

// Stats implements Listener. Memory requests need no connection, so the
// connection counters stay zero.
func (l *memoryListener) Stats() ListenerStats {
	return ListenerStats{
		Endpoint:      l.endpoint.String(),
		Running:       l.open(),
		StartTime:     l.startTime,
		Uptime:        time.Since(l.startTime),
		TotalMessages: l.messages.Load(),
		BytesRead:     l.bytesRead.Load(),
		BytesWritten:  l.bytesWritten.Load(),
	}
}

func (l *memoryListener) received(n int) {
	l.messages.Add(1)
	l.bytesRead.Add(int64(n))
}

// Close unbinds the endpoint; requests already dispatched keep running.
func (l *memoryListener) Close() error {
	l.markClosed()
	l.owner.remove(l)
	return nil
}

func (l *memoryListener) markClosed() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *memoryListener) open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}
