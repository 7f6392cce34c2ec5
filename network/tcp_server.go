package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/najoast/orb/core"
)

// tcpListener serves request frames on one TCP endpoint
type tcpListener struct {
	endpoint core.Endpoint
	config   Config
	listener net.Listener
	handler  Handler
	logger   zerolog.Logger

	// closing is guarded by closeMu so that no dispatch starts after
	// Close begins waiting for dispatches
	closeMu sync.Mutex
	closing bool

	// Connection management
	connections   map[string]*tcpConnection
	connectionsMu sync.Mutex

	// Synchronization
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	dispatches sync.WaitGroup

	// Statistics
	totalConnections   int64
	currentConnections int64
	totalMessages      int64
	bytesRead          int64
	bytesWritten       int64
	startTime          time.Time
}

// listenTCP binds ep and starts accepting connections
func listenTCP(ep core.Endpoint, h Handler, cfg Config, logger zerolog.Logger) (*tcpListener, error) {
	address := ep.Address()
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	bound := ep
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		bound.Port = addr.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	tl := &tcpListener{
		endpoint:    bound,
		config:      cfg,
		listener:    listener,
		handler:     h,
		logger:      logger.With().Str("endpoint", bound.String()).Logger(),
		connections: make(map[string]*tcpConnection),
		ctx:         ctx,
		cancel:      cancel,
		startTime:   time.Now(),
	}

	tl.wg.Add(1)
	go tl.acceptLoop()

	tl.logger.Info().Msg("tcp listener started")
	return tl, nil
}

// Endpoint returns the bound endpoint
func (tl *tcpListener) Endpoint() core.Endpoint {
	return tl.endpoint
}

// Close stops accepting connections. Once every dispatched request has
// been answered, peers receive a close frame and connections are closed.
func (tl *tcpListener) Close() error {
	tl.closeMu.Lock()
	if tl.closing {
		tl.closeMu.Unlock()
		return nil // Already closing
	}
	tl.closing = true
	tl.closeMu.Unlock()

	err := tl.listener.Close()

	go func() {
		tl.dispatches.Wait()

		tl.connectionsMu.Lock()
		conns := make([]*tcpConnection, 0, len(tl.connections))
		for _, conn := range tl.connections {
			conns = append(conns, conn)
		}
		tl.connectionsMu.Unlock()

		for _, conn := range conns {
			if werr := conn.WriteMessage(&Message{Type: MessageTypeClose}); werr != nil {
				tl.logger.Debug().Err(werr).Str("conn", conn.ID()).Msg("failed to send close frame")
			}
			conn.Close()
		}

		tl.cancel()
		tl.wg.Wait()
		tl.logger.Info().Msg("tcp listener stopped")
	}()

	return err
}

// Stats returns listener statistics
func (tl *tcpListener) Stats() ListenerStats {
	return ListenerStats{
		Endpoint:           tl.endpoint.String(),
		Running:            !tl.isClosing(),
		StartTime:          tl.startTime,
		Uptime:             time.Since(tl.startTime),
		TotalConnections:   atomic.LoadInt64(&tl.totalConnections),
		CurrentConnections: atomic.LoadInt64(&tl.currentConnections),
		TotalMessages:      atomic.LoadInt64(&tl.totalMessages),
		BytesRead:          atomic.LoadInt64(&tl.bytesRead),
		BytesWritten:       atomic.LoadInt64(&tl.bytesWritten),
	}
}

func (tl *tcpListener) isClosing() bool {
	tl.closeMu.Lock()
	defer tl.closeMu.Unlock()
	return tl.closing
}

// beginDispatch registers a dispatch unless the listener is closing
func (tl *tcpListener) beginDispatch() bool {
	tl.closeMu.Lock()
	defer tl.closeMu.Unlock()
	if tl.closing {
		return false
	}
	tl.dispatches.Add(1)
	return true
}

// acceptLoop accepts incoming connections
func (tl *tcpListener) acceptLoop() {
	defer tl.wg.Done()

	for {
		conn, err := tl.listener.Accept()
		if err != nil {
			if tl.isClosing() {
				return
			}
			tl.logger.Warn().Err(err).Msg("failed to accept connection")
			continue
		}
		if tl.isClosing() {
			conn.Close()
			return
		}

		if tl.config.MaxConnections > 0 &&
			atomic.LoadInt64(&tl.currentConnections) >= int64(tl.config.MaxConnections) {
			tl.logger.Warn().
				Int("limit", tl.config.MaxConnections).
				Str("remote", conn.RemoteAddr().String()).
				Msg("connection limit reached, rejecting connection")
			conn.Close()
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok && tl.config.KeepAlive {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(tl.config.KeepAliveInterval)
		}

		connection := newTCPConnection(conn, tl.config, tl.logger)
		tl.addConnection(connection)
		atomic.AddInt64(&tl.totalConnections, 1)

		tl.wg.Add(1)
		go tl.handleConnection(connection)
	}
}

// handleConnection reads requests from one connection and dispatches
// each in its own goroutine
func (tl *tcpListener) handleConnection(conn *tcpConnection) {
	defer tl.wg.Done()
	defer tl.removeConnection(conn.ID())
	defer conn.Close()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if !tl.isClosing() {
				conn.logger.Debug().Err(err).Msg("connection read failed")
			}
			return
		}
		atomic.AddInt64(&tl.totalMessages, 1)
		atomic.AddInt64(&tl.bytesRead, int64(MessageHeaderSize+len(msg.Data)))

		switch msg.Type {
		case MessageTypeRequest, MessageTypeOneway:
			if !tl.beginDispatch() {
				// The peer learns from the close frame that this request
				// was never dispatched.
				continue
			}
			go tl.dispatch(conn, msg)
		case MessageTypeClose:
			return
		default:
			conn.logger.Warn().Str("type", msg.Type.String()).Msg("unexpected message type")
		}
	}
}

func (tl *tcpListener) dispatch(conn *tcpConnection, msg *Message) {
	defer tl.dispatches.Done()

	reply, ok := tl.handler.HandleFrame(tl.ctx, msg.Data)
	if !ok || msg.Type == MessageTypeOneway {
		return
	}

	if err := conn.WriteMessage(&Message{Type: MessageTypeReply, Sequence: msg.Sequence, Data: reply}); err != nil {
		conn.logger.Debug().Err(err).Uint32("seq", msg.Sequence).Msg("failed to write reply")
		return
	}
	atomic.AddInt64(&tl.bytesWritten, int64(MessageHeaderSize+len(reply)))
}

// addConnection adds a connection to the listener
func (tl *tcpListener) addConnection(conn *tcpConnection) {
	tl.connectionsMu.Lock()
	defer tl.connectionsMu.Unlock()

	tl.connections[conn.ID()] = conn
	atomic.AddInt64(&tl.currentConnections, 1)
}

// removeConnection removes a connection from the listener
func (tl *tcpListener) removeConnection(connID string) {
	tl.connectionsMu.Lock()
	defer tl.connectionsMu.Unlock()

	if _, exists := tl.connections[connID]; exists {
		delete(tl.connections, connID)
		atomic.AddInt64(&tl.currentConnections, -1)
	}
}
