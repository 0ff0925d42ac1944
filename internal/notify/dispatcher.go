package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
)

// Dispatcher errors.
var (
	ErrAlreadyInitialized = errors.New("dispatcher already initialized")
	ErrNotInitialized     = errors.New("dispatcher not initialized")
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// BaseTitle is the surface title outside attention signaling.
	// Default: "chatsync"
	BaseTitle string

	// AttentionInterval is the title blink period.
	// Default: 1s
	AttentionInterval time.Duration
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BaseTitle:         "chatsync",
		AttentionInterval: time.Second,
	}
}

// AttentionState describes an ongoing attention signal.
type AttentionState struct {
	Keys        []models.ConversationKey
	TotalUnread int
	Preview     string
}

type attention struct {
	keys    map[models.ConversationKey]struct{}
	unread  int
	preview string
	lit     bool
	stop    chan struct{}
}

// Dispatcher turns decisions into sink calls and owns the attention
// ticker. It is created once per session and must be initialized before
// use.
type Dispatcher struct {
	config DispatcherConfig
	sink   Sink
	logger zerolog.Logger

	mu        sync.Mutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	visible   bool
	attention *attention
}

// NewDispatcher creates a Dispatcher. A nil sink discards everything.
func NewDispatcher(config DispatcherConfig, sink Sink) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if config.BaseTitle == "" {
		config.BaseTitle = defaults.BaseTitle
	}
	if config.AttentionInterval <= 0 {
		config.AttentionInterval = defaults.AttentionInterval
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Dispatcher{
		config:  config,
		sink:    sink,
		logger:  logging.Component("notify"),
		visible: true,
	}
}

// Initialize starts the dispatcher and sets the base title.
func (d *Dispatcher) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrAlreadyInitialized
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.running = true
	d.call("set-title", func() error { return d.sink.SetTitle(d.config.BaseTitle) })

	d.logger.Debug().
		Str("title", d.config.BaseTitle).
		Dur("attention_interval", d.config.AttentionInterval).
		Msg("notification dispatcher initialized")
	return nil
}

// Teardown stops attention signaling, restores the base title and waits
// for the ticker goroutine to exit.
func (d *Dispatcher) Teardown() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotInitialized
	}
	d.stopAttentionLocked()
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Debug().Msg("notification dispatcher torn down")
	return nil
}

// Running reports whether Initialize was called without a Teardown.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Dispatch executes a decision. Decisions arriving before Initialize or
// after Teardown are dropped.
func (d *Dispatcher) Dispatch(dec Decision) {
	if dec.Silent() {
		return
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		d.logger.Debug().Str("reason", string(dec.Reason)).Msg("dispatcher not running, decision dropped")
		return
	}
	if dec.Attention && !d.visible {
		d.startAttentionLocked(dec)
	}
	d.mu.Unlock()

	if dec.Sound {
		d.call("play-sound", d.sink.PlaySound)
	}
	if dec.System {
		d.call("notify", func() error { return d.sink.Notify(dec.Title, dec.Preview) })
	}
}

// SetVisible records surface visibility. Becoming visible stops attention
// signaling.
func (d *Dispatcher) SetVisible(visible bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visible = visible
	if visible {
		d.stopAttentionLocked()
	}
}

// ConversationOpened stops attention signaling raised for key.
func (d *Dispatcher) ConversationOpened(key models.ConversationKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attention == nil {
		return
	}
	if _, ok := d.attention.keys[key]; ok {
		d.stopAttentionLocked()
	}
}

// Attention returns the current attention signal, if any.
func (d *Dispatcher) Attention() (AttentionState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attention == nil {
		return AttentionState{}, false
	}
	state := AttentionState{TotalUnread: d.attention.unread, Preview: d.attention.preview}
	for key := range d.attention.keys {
		state.Keys = append(state.Keys, key)
	}
	sort.Slice(state.Keys, func(i, j int) bool { return state.Keys[i].String() < state.Keys[j].String() })
	return state, true
}

func (d *Dispatcher) startAttentionLocked(dec Decision) {
	if a := d.attention; a != nil {
		a.keys[dec.Key] = struct{}{}
		a.unread = dec.TotalUnread
		a.preview = dec.Preview
		return
	}

	a := &attention{
		keys:    map[models.ConversationKey]struct{}{dec.Key: {}},
		unread:  dec.TotalUnread,
		preview: dec.Preview,
		stop:    make(chan struct{}),
	}
	d.attention = a
	d.flashLocked(a)

	d.wg.Add(1)
	go d.blink(d.ctx, a)
}

func (d *Dispatcher) stopAttentionLocked() {
	a := d.attention
	if a == nil {
		return
	}
	d.attention = nil
	close(a.stop)
	d.call("set-title", func() error { return d.sink.SetTitle(d.config.BaseTitle) })
}

// blink alternates the title until the signal stops or the dispatcher is
// torn down.
func (d *Dispatcher) blink(ctx context.Context, a *attention) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.AttentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			d.mu.Lock()
			if d.attention != a {
				d.mu.Unlock()
				return
			}
			if a.lit {
				a.lit = false
				d.call("set-title", func() error { return d.sink.SetTitle(d.config.BaseTitle) })
			} else {
				d.flashLocked(a)
			}
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) flashLocked(a *attention) {
	a.lit = true
	title := AttentionTitle(a.unread, a.preview)
	d.call("set-title", func() error { return d.sink.SetTitle(title) })
}

// AttentionTitle formats the blinking title.
func AttentionTitle(unread int, preview string) string {
	if preview == "" {
		return fmt.Sprintf("(%d) new message", unread)
	}
	return fmt.Sprintf("(%d) %s", unread, preview)
}

// call runs one sink operation, logging errors and recovering panics.
func (d *Dispatcher) call(op string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn().Str("op", op).Interface("panic", r).Msg("notification sink panicked")
		}
	}()
	if err := fn(); err != nil {
		d.logger.Warn().Err(err).Str("op", op).Msg("notification sink failed")
	}
}
