package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Bus is the request/reply subset of NATS used by the directory service
type Bus interface {
	// Request sends data on subject and waits for the reply
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)

	// Subscribe answers requests on subject with handler
	Subscribe(subject string, handler func(subject string, data []byte) []byte) (unsubscribe func() error, err error)
}

// natsBus adapts a NATS connection to Bus
type natsBus struct {
	conn *nats.Conn
}

// NewNATSBus wraps an established NATS connection
func NewNATSBus(conn *nats.Conn) Bus {
	return &natsBus{conn: conn}
}

// ConnectNATS connects to url. The caller drains the connection.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name(name))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return conn, nil
}

func (b *natsBus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (b *natsBus) Subscribe(subject string, handler func(string, []byte) []byte) (func() error, error) {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		reply := handler(m.Subject, m.Data)
		if m.Reply != "" {
			_ = m.Respond(reply)
		}
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

// errorReplyPrefix marks a reply carrying a request failure rather than
// an encoded LocateReply
const errorReplyPrefix = "!error "

// NATSService answers directory requests for a store on
// "<subject>.<operation>" subjects.
type NATSService struct {
	bus     Bus
	subject string
	store   Store
	logger  zerolog.Logger

	mu    sync.Mutex
	unsub func() error
}

// NewNATSService creates a service; Start subscribes it
func NewNATSService(bus Bus, subject string, store Store, logger zerolog.Logger) *NATSService {
	return &NATSService{
		bus:     bus,
		subject: subject,
		store:   store,
		logger:  logger.With().Str("component", "registry.nats").Str("subject", subject).Logger(),
	}
}

// Start subscribes to every directory operation
func (s *NATSService) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		return errors.New("nats service already started")
	}

	unsub, err := s.bus.Subscribe(s.subject+".*", s.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.unsub = unsub
	s.logger.Info().Msg("directory served over nats")
	return nil
}

// Stop unsubscribes
func (s *NATSService) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub == nil {
		return nil
	}
	err := s.unsub()
	s.unsub = nil
	return err
}

// Name identifies the service
func (s *NATSService) Name() string {
	return "registry.nats"
}

func (s *NATSService) handle(subject string, data []byte) []byte {
	operation := strings.TrimPrefix(subject, s.subject+".")
	reply, err := serve(context.Background(), s.store, s.logger, operation, data)
	if err != nil {
		return []byte(errorReplyPrefix + err.Error())
	}
	return reply
}

// NewNATSDirectory queries a directory served by NATSService on subject
func NewNATSDirectory(bus Bus, subject string) *RemoteDirectory {
	return &RemoteDirectory{
		roundTrip: func(ctx context.Context, operation string, payload []byte) ([]byte, error) {
			data, err := bus.Request(ctx, subject+"."+operation, payload)
			if err != nil {
				return nil, fmt.Errorf("nats %s: %w", operation, err)
			}
			if msg, ok := strings.CutPrefix(string(data), errorReplyPrefix); ok {
				return nil, fmt.Errorf("nats %s: %s", operation, msg)
			}
			return data, nil
		},
	}
}
