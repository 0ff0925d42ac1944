package push

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
)

// NATSConfig configures a NATSTransport.
type NATSConfig struct {
	URL           string
	Token         string
	Subject       string // prefix, e.g. "chat.user"
	UserID        string
	ReconnectWait time.Duration
	MaxReconnects int // negative retries forever
}

// NATSTransport receives frames on the user's inbox subject and publishes
// outbound frames on the matching client subject. Reconnection is handled by
// the nats client.
type NATSTransport struct {
	cfg    NATSConfig
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *nats.Conn
	closed bool
	done   chan struct{}
}

// InboxSubject is where the service publishes frames for userID.
func InboxSubject(prefix, userID string) string {
	return strings.TrimSuffix(prefix, ".") + "." + userID
}

// OutboxSubject is where the client publishes frames for userID.
func OutboxSubject(prefix, userID string) string {
	return InboxSubject(prefix, userID) + ".client"
}

// NewNATSTransport validates cfg and builds a transport. It does not connect.
func NewNATSTransport(cfg NATSConfig) (*NATSTransport, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if strings.TrimSpace(cfg.Subject) == "" {
		return nil, fmt.Errorf("nats subject is required")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, fmt.Errorf("nats user id is required")
	}
	if strings.ContainsAny(cfg.UserID, ".*> ") {
		return nil, fmt.Errorf("nats user id %q contains subject tokens", cfg.UserID)
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = defaultReconnectInterval
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	return &NATSTransport{
		cfg:    cfg,
		logger: logging.Component("push.nats"),
		done:   make(chan struct{}),
	}, nil
}

func (t *NATSTransport) options() []nats.Option {
	opts := []nats.Option{
		nats.Name("chatsync"),
		nats.MaxReconnects(t.cfg.MaxReconnects),
		nats.ReconnectWait(t.cfg.ReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warn().Err(err).Msg("push disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info().Str("url", logging.RedactURL(nc.ConnectedUrl())).Msg("push reconnected")
		}),
	}
	if t.cfg.Token != "" {
		opts = append(opts, nats.Token(t.cfg.Token))
	}
	return opts
}

// Run implements Transport.
func (t *NATSTransport) Run(ctx context.Context, out chan<- []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	nc, err := nats.Connect(t.cfg.URL, t.options()...)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", logging.RedactURL(t.cfg.URL), err)
	}
	t.mu.Lock()
	t.conn = nc
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		nc.Close()
	}()

	msgs := make(chan *nats.Msg, defaultFrameBuffer)
	subject := InboxSubject(t.cfg.Subject, t.cfg.UserID)
	sub, err := nc.ChanSubscribe(subject, msgs)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	t.logger.Info().Str("subject", subject).Msg("push subscribed")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case msg := <-msgs:
			if err := deliver(ctx, out, msg.Data); err != nil {
				return nil
			}
		}
	}
}

// Send implements Transport.
func (t *NATSTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	nc, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if nc == nil || !nc.IsConnected() {
		return ErrNotConnected
	}
	if err := nc.Publish(OutboxSubject(t.cfg.Subject, t.cfg.UserID), frame); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	if err := nc.FlushWithContext(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Close stops Run.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}
