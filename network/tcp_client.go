package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/najoast/orb/core"
)

// TCPTransport implements Transport over framed TCP connections. It keeps
// one cached connection per endpoint address.
type TCPTransport struct {
	config Config
	logger zerolog.Logger

	mu        sync.Mutex
	conns     map[string]*clientConn
	listeners map[*tcpListener]struct{}
	closed    bool
}

// NewTCPTransport creates a TCP transport
func NewTCPTransport(cfg Config, logger zerolog.Logger) *TCPTransport {
	return &TCPTransport{
		config:    cfg,
		logger:    logger.With().Str("component", "tcp").Logger(),
		conns:     make(map[string]*clientConn),
		listeners: make(map[*tcpListener]struct{}),
	}
}

// Send implements Transport
func (t *TCPTransport) Send(ctx context.Context, ep core.Endpoint, frame []byte) ([]byte, error) {
	cc, err := t.connection(ctx, ep)
	if err != nil {
		return nil, err
	}
	return t.call(ctx, cc, frame)
}

// Post implements Transport
func (t *TCPTransport) Post(ctx context.Context, ep core.Endpoint, frame []byte) error {
	cc, err := t.connection(ctx, ep)
	if err != nil {
		return err
	}
	return t.write(cc, &Message{Type: MessageTypeOneway, Data: frame})
}

// write sends msg on cc. A failed socket write drops cc, so the peer sees
// the connection end instead of a partial frame followed by the next one;
// the request was therefore never dispatched.
func (t *TCPTransport) write(cc *clientConn, msg *Message) error {
	err := cc.conn.WriteMessage(msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errWriteFailed):
		t.drop(cc)
		return &core.Error{Kind: core.KindConnectionLost, ID: cc.address, Err: err}
	default:
		return &core.Error{Kind: core.KindMarshal, ID: cc.address, Err: err}
	}
}

// Listen implements Transport
func (t *TCPTransport) Listen(ep core.Endpoint, h Handler) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, core.NewError(core.KindCommunicatorDestroyed, "tcp transport")
	}

	tl, err := listenTCP(ep, h, t.config, t.logger)
	if err != nil {
		return nil, err
	}
	t.listeners[tl] = struct{}{}
	return &trackedListener{tcpListener: tl, owner: t}, nil
}

// Close closes every cached connection and listener
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	listeners := t.listeners
	t.conns = make(map[string]*clientConn)
	t.listeners = make(map[*tcpListener]struct{})
	t.mu.Unlock()

	for _, cc := range conns {
		cc.fail(&core.Error{Kind: core.KindConnectionLost, Sent: true, Err: fmt.Errorf("transport closed")})
		cc.conn.Close()
	}
	for tl := range listeners {
		tl.Close()
	}
	return nil
}

// connection returns the cached connection for ep, dialing on a miss
func (t *TCPTransport) connection(ctx context.Context, ep core.Endpoint) (*clientConn, error) {
	address := ep.Address()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, core.NewError(core.KindCommunicatorDestroyed, "tcp transport")
	}
	if cc, ok := t.conns[address]; ok {
		t.mu.Unlock()
		return cc, nil
	}
	t.mu.Unlock()

	timeout := t.config.ConnectTimeout
	if ep.Timeout > 0 {
		timeout = ep.Timeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	if t.config.KeepAlive {
		dialer.KeepAlive = t.config.KeepAliveInterval
	}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		if ctxErr := core.FromContext(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, dialError(ep, err)
	}

	// Replies may take arbitrarily long; client reads never time out.
	cfg := t.config
	cfg.ReadTimeout = 0
	cc := &clientConn{
		address: address,
		conn:    newTCPConnection(conn, cfg, t.logger),
		pending: make(map[uint32]chan callResult),
	}

	t.mu.Lock()
	if existing, ok := t.conns[address]; ok {
		// Another caller dialed concurrently; keep theirs.
		t.mu.Unlock()
		cc.conn.Close()
		return existing, nil
	}
	if t.closed {
		t.mu.Unlock()
		cc.conn.Close()
		return nil, core.NewError(core.KindCommunicatorDestroyed, "tcp transport")
	}
	t.conns[address] = cc
	t.mu.Unlock()

	go t.readLoop(cc)
	return cc, nil
}

// drop forgets cc and closes it
func (t *TCPTransport) drop(cc *clientConn) {
	t.mu.Lock()
	if t.conns[cc.address] == cc {
		delete(t.conns, cc.address)
	}
	t.mu.Unlock()
	cc.conn.Close()
}

// readLoop delivers replies to waiting callers until the connection ends
func (t *TCPTransport) readLoop(cc *clientConn) {
	for {
		msg, err := cc.conn.ReadMessage()
		if err != nil {
			t.drop(cc)
			cc.fail(&core.Error{Kind: core.KindConnectionLost, ID: cc.address, Sent: true, Err: err})
			return
		}

		switch msg.Type {
		case MessageTypeReply:
			cc.deliver(msg.Sequence, msg.Data)
		case MessageTypeClose:
			t.drop(cc)
			cc.fail(&core.Error{Kind: core.KindCloseConnection, ID: cc.address, Sent: true})
			return
		default:
			t.logger.Warn().Str("type", msg.Type.String()).Str("address", cc.address).Msg("unexpected message type")
		}
	}
}

func (t *TCPTransport) forgetListener(tl *tcpListener) {
	t.mu.Lock()
	delete(t.listeners, tl)
	t.mu.Unlock()
}

// trackedListener removes itself from its transport when closed
type trackedListener struct {
	*tcpListener
	owner *TCPTransport
}

func (l *trackedListener) Close() error {
	l.owner.forgetListener(l.tcpListener)
	return l.tcpListener.Close()
}

type callResult struct {
	data []byte
	err  error
}

// clientConn correlates replies with requests by sequence number
type clientConn struct {
	address string
	conn    *tcpConnection

	mu      sync.Mutex
	seq     uint32
	pending map[uint32]chan callResult
	err     error
}

// call sends a request on cc and waits for the reply with its sequence
func (t *TCPTransport) call(ctx context.Context, cc *clientConn, frame []byte) ([]byte, error) {
	ch := make(chan callResult, 1)

	cc.mu.Lock()
	if cc.err != nil {
		err := cc.err
		cc.mu.Unlock()
		return nil, notSent(err)
	}
	cc.seq++
	if cc.seq == 0 {
		cc.seq = 1
	}
	seq := cc.seq
	cc.pending[seq] = ch
	cc.mu.Unlock()

	if err := t.write(cc, &Message{Type: MessageTypeRequest, Sequence: seq, Data: frame}); err != nil {
		cc.forget(seq)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		cc.forget(seq)
		err := core.FromContext(ctx).(*core.Error)
		err.Sent = true
		return nil, err
	}
}

func (cc *clientConn) forget(seq uint32) {
	cc.mu.Lock()
	delete(cc.pending, seq)
	cc.mu.Unlock()
}

func (cc *clientConn) deliver(seq uint32, data []byte) {
	cc.mu.Lock()
	ch, ok := cc.pending[seq]
	delete(cc.pending, seq)
	cc.mu.Unlock()

	if ok {
		ch <- callResult{data: data}
	}
}

// fail completes every pending call with err and rejects new ones
func (cc *clientConn) fail(err error) {
	cc.mu.Lock()
	if cc.err == nil {
		cc.err = err
	}
	pending := cc.pending
	cc.pending = make(map[uint32]chan callResult)
	cc.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// notSent copies a terminal connection error for a request that was
// rejected before being written.
func notSent(err error) error {
	var e *core.Error
	if errors.As(err, &e) {
		cp := *e
		cp.Sent = false
		return &cp
	}
	return &core.Error{Kind: core.KindConnectionLost, Err: err}
}

// dialError maps a dial failure onto a transport kind
func dialError(ep core.Endpoint, err error) error {
	kind := core.KindConnectionRefused

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		kind = core.KindDNS
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = core.KindConnectTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = core.KindConnectionRefused
	}

	return &core.Error{Kind: kind, ID: ep.String(), Err: err}
}
