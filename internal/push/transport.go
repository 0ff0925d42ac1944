package push

import (
	"context"
	"errors"
	"time"
)

// Transport errors.
var (
	ErrNotConnected = errors.New("push transport not connected")
	ErrClosed       = errors.New("push transport closed")
)

const (
	defaultReconnectInterval = 2 * time.Second
	defaultFrameBuffer       = 256
)

// Transport carries raw frames between the client and the push service.
type Transport interface {
	// Run delivers inbound frames to out, reconnecting on failure, until ctx
	// is done or Close is called. It returns nil on a clean stop.
	Run(ctx context.Context, out chan<- []byte) error
	// Send writes one outbound frame. It fails with ErrNotConnected while
	// the connection is down.
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Subscribe runs t in a goroutine and returns its frames with a cancel func.
// The channel closes when the transport stops.
func Subscribe(t Transport) (<-chan []byte, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan []byte, defaultFrameBuffer)
	go func() {
		defer close(out)
		_ = t.Run(ctx, out)
	}()
	return out, cancel
}

func deliver(ctx context.Context, out chan<- []byte, frame []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- frame:
		return nil
	}
}

func waitReconnect(ctx context.Context, interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
