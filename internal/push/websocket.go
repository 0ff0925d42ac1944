package push

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 1 << 20
	defaultPingGap = 54 * time.Second
)

// WebSocketConfig configures a WebSocketTransport.
type WebSocketConfig struct {
	URL               string
	Token             string
	ReconnectInterval time.Duration
	PingPeriod        time.Duration
	Dialer            *websocket.Dialer
}

// WebSocketTransport is a reconnecting gorilla/websocket client.
type WebSocketTransport struct {
	url               string
	token             string
	reconnectInterval time.Duration
	pingPeriod        time.Duration
	dialer            *websocket.Dialer
	logger            zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool
	done    chan struct{}
}

// NewWebSocketTransport validates cfg and builds a transport. It does not dial.
func NewWebSocketTransport(cfg WebSocketConfig) (*WebSocketTransport, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("websocket url is required")
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("websocket url must use ws:// or wss://: %s", logging.RedactURL(url))
	}
	reconnect := cfg.ReconnectInterval
	if reconnect <= 0 {
		reconnect = defaultReconnectInterval
	}
	ping := cfg.PingPeriod
	if ping <= 0 {
		ping = defaultPingGap
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WebSocketTransport{
		url:               url,
		token:             cfg.Token,
		reconnectInterval: reconnect,
		pingPeriod:        ping,
		dialer:            dialer,
		logger:            logging.Component("push.websocket"),
		done:              make(chan struct{}),
	}, nil
}

// Run implements Transport.
func (t *WebSocketTransport) Run(ctx context.Context, out chan<- []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if ctx.Err() != nil || t.isClosed() {
			return nil
		}
		err := t.session(ctx, out)
		if ctx.Err() != nil || t.isClosed() {
			return nil
		}
		t.logger.Warn().Err(err).Dur("retry_in", t.reconnectInterval).Msg("push connection lost")
		if !waitReconnect(ctx, t.reconnectInterval) {
			return nil
		}
	}
}

func (t *WebSocketTransport) session(ctx context.Context, out chan<- []byte) error {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", logging.RedactURL(t.url), err)
	}
	t.setConn(conn)
	defer t.setConn(nil)
	defer conn.Close()
	t.logger.Info().Str("url", logging.RedactURL(t.url)).Msg("push connected")

	pongWait := t.pingPeriod * 10 / 9
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go t.pingLoop(ctx, conn, done)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return fmt.Errorf("server closed connection: %w", err)
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := deliver(ctx, out, frame); err != nil {
			return err
		}
	}
}

func (t *WebSocketTransport) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(t.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Unblocks ReadMessage.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				t.logger.Debug().Err(err).Msg("ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (t *WebSocketTransport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

func (t *WebSocketTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Connected reports whether a session is live.
func (t *WebSocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Send implements Transport.
func (t *WebSocketTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close stops Run and drops the connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}
