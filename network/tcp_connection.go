package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// tcpConnection frames messages over a net.Conn. Writes are synchronous
// so callers know whether a frame left the process.
type tcpConnection struct {
	id           string
	conn         net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxSize      int
	logger       zerolog.Logger

	writeMu sync.Mutex
	closed  int32 // atomic flag
}

// connectionIDCounter generates unique connection IDs
var connectionIDCounter int64

// newTCPConnection wraps conn
func newTCPConnection(conn net.Conn, cfg Config, logger zerolog.Logger) *tcpConnection {
	id := fmt.Sprintf("tcp-%d", atomic.AddInt64(&connectionIDCounter, 1))

	maxSize := cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = MaxMessageSize
	}

	tc := &tcpConnection{
		id:           id,
		conn:         conn,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		maxSize:      maxSize,
		logger:       logger.With().Str("conn", id).Logger(),
	}

	return tc
}

// ID returns the connection ID
func (tc *tcpConnection) ID() string {
	return tc.id
}

// errWriteFailed marks a write that failed after reaching the socket; the
// stream may hold a partial frame and must not be reused.
var errWriteFailed = errors.New("write failed")

// WriteMessage encodes and writes msg before returning
func (tc *tcpConnection) WriteMessage(msg *Message) error {
	if tc.isClosed() {
		return fmt.Errorf("connection %s is closed: %w", tc.id, errWriteFailed)
	}

	data, err := encodeMessage(msg, tc.maxSize)
	if err != nil {
		return err
	}

	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()

	if tc.writeTimeout > 0 {
		if err := tc.conn.SetWriteDeadline(time.Now().Add(tc.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w: %w", errWriteFailed, err)
		}
	}

	if _, err := tc.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w: %w", errWriteFailed, err)
	}
	return nil
}

// ReadMessage reads a message from the connection
func (tc *tcpConnection) ReadMessage() (*Message, error) {
	if tc.readTimeout > 0 {
		if err := tc.conn.SetReadDeadline(time.Now().Add(tc.readTimeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	header := make([]byte, MessageHeaderSize)
	if _, err := io.ReadFull(tc.conn, header); err != nil {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}

	msg, dataLen, err := decodeHeader(header, tc.maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message header: %w", err)
	}

	if dataLen > 0 {
		msg.Data = make([]byte, dataLen)
		if _, err := io.ReadFull(tc.conn, msg.Data); err != nil {
			return nil, fmt.Errorf("failed to read message data: %w", err)
		}
	}

	return msg, nil
}

// Close closes the connection
func (tc *tcpConnection) Close() error {
	if !atomic.CompareAndSwapInt32(&tc.closed, 0, 1) {
		return nil // Already closed
	}

	return tc.conn.Close()
}

// isClosed checks if the connection is closed
func (tc *tcpConnection) isClosed() bool {
	return atomic.LoadInt32(&tc.closed) != 0
}
