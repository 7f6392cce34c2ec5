// Package network carries encoded frames between callers and object adapters.
package network

import (
	"context"
	"fmt"
	"time"

	"github.com/najoast/orb/core"
)

// Protocol names a transport in an endpoint
type Protocol string

const (
	ProtocolTCP    Protocol = "tcp"
	ProtocolMemory Protocol = "mem"
)

// ListenerStats counts the traffic a listener served
type ListenerStats struct {
	Endpoint           string        `json:"endpoint"`
	Running            bool          `json:"running"`
	StartTime          time.Time     `json:"start_time"`
	Uptime             time.Duration `json:"uptime"`
	TotalConnections   int64         `json:"total_connections"`
	CurrentConnections int64         `json:"current_connections"`
	TotalMessages      int64         `json:"total_messages"`
	BytesRead          int64         `json:"bytes_read"`
	BytesWritten       int64         `json:"bytes_written"`
}

// String returns the string representation of listener statistics
func (s ListenerStats) String() string {
	return fmt.Sprintf("Listener[%s] Running=%t Uptime=%s Connections=%d/%d Messages=%d BytesR/W=%d/%d",
		s.Endpoint, s.Running, s.Uptime.Truncate(time.Second),
		s.CurrentConnections, s.TotalConnections, s.TotalMessages, s.BytesRead, s.BytesWritten)
}

// Handler serves inbound frames for a listener
type Handler interface {
	// HandleFrame processes one request frame. ok is false when no reply
	// must be sent, as for oneway requests.
	HandleFrame(ctx context.Context, frame []byte) (reply []byte, ok bool)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, frame []byte) ([]byte, bool)

// HandleFrame calls f(ctx, frame)
func (f HandlerFunc) HandleFrame(ctx context.Context, frame []byte) ([]byte, bool) {
	return f(ctx, frame)
}

// Listener is a bound endpoint
type Listener interface {
	// Endpoint returns the bound endpoint, with the actual port when
	// port 0 was requested
	Endpoint() core.Endpoint

	// Stats returns a snapshot of the listener counters
	Stats() ListenerStats

	// Close stops accepting requests. Requests already being dispatched
	// complete before peers are told the connection is closing.
	Close() error
}

// Transport sends request frames to endpoints and binds listeners.
// Failures are *core.Error values with a transport, timeout or canceled
// kind; Sent is set when the request may have reached the peer.
type Transport interface {
	// Send delivers a twoway request and waits for its reply
	Send(ctx context.Context, ep core.Endpoint, frame []byte) ([]byte, error)

	// Post delivers a oneway request
	Post(ctx context.Context, ep core.Endpoint, frame []byte) error

	// Listen binds ep and serves inbound requests with h
	Listen(ep core.Endpoint, h Handler) (Listener, error)

	// Close releases every connection and listener
	Close() error
}

// Config represents network configuration
type Config struct {
	// ConnectTimeout bounds connection establishment
	ConnectTimeout time.Duration

	// ReadTimeout is the idle read timeout on server connections; zero disables it
	ReadTimeout time.Duration

	// WriteTimeout is the write timeout duration
	WriteTimeout time.Duration

	// KeepAlive enables TCP keep-alive
	KeepAlive bool

	// KeepAliveInterval is the keep-alive interval
	KeepAliveInterval time.Duration

	// MaxConnections is the maximum number of concurrent server connections
	MaxConnections int

	// MaxMessageSize bounds the size of one frame
	MaxMessageSize int
}

// DefaultConfig returns a default network configuration
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      30 * time.Second,
		KeepAlive:         true,
		KeepAliveInterval: 60 * time.Second,
		MaxConnections:    1000,
		MaxMessageSize:    MaxMessageSize,
	}
}
