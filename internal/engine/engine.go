// Package engine serializes push frames, user commands, fetch completions
// and timer callbacks onto one goroutine that drives the conversation store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/chatstore"
	"github.com/tOgg1/chatsync/internal/db"
	"github.com/tOgg1/chatsync/internal/history"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/notify"
	"github.com/tOgg1/chatsync/internal/presence"
	"github.com/tOgg1/chatsync/internal/push"
	"github.com/tOgg1/chatsync/internal/scroll"
)

// Engine errors.
var (
	ErrNotRunning     = errors.New("engine not running")
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNoSelection    = errors.New("no active conversation")
)

const (
	commandBuffer       = 64
	defaultTypingSweep  = time.Second
	defaultCacheTimeout = 5 * time.Second
)

// PreferenceSource supplies the current notification preferences.
type PreferenceSource interface {
	Preferences() notify.Preferences
}

// Options wires an Engine. Store is required; every other dependency may be
// nil and its concern is skipped.
type Options struct {
	Store      *chatstore.Store
	Fetcher    history.Fetcher
	Directory  history.DirectoryFetcher
	Transport  push.Transport
	Cache      *db.PageRepository
	Policy     *notify.Policy
	Dispatcher *notify.Dispatcher
	Scroll     *scroll.Manager
	Typing     *presence.TypingTracker
	Prefs      PreferenceSource

	// PageSize is the history page limit (default history.DefaultPageSize).
	PageSize int

	// IdleTimeout is the inactivity budget before reporting away.
	IdleTimeout time.Duration

	// TypingSweep is how often expired typing indicators are dropped.
	TypingSweep time.Duration
}

type fetchKey struct {
	key    models.ConversationKey
	offset int
}

// Engine is the single writer in front of the store.
type Engine struct {
	store      *chatstore.Store
	fetcher    history.Fetcher
	directory  history.DirectoryFetcher
	transport  push.Transport
	cache      *db.PageRepository
	policy     *notify.Policy
	dispatcher *notify.Dispatcher
	scroll     *scroll.Manager
	typing     *presence.TypingTracker
	idle       *presence.IdleMonitor
	prefs      PreferenceSource

	pageSize    int
	typingSweep time.Duration
	session     string
	logger      zerolog.Logger

	cmds chan func()
	// statuses holds the latest idle transition not yet sent.
	statuses chan models.PresenceStatus

	mu      sync.Mutex
	running bool
	started bool
	ready   chan struct{}
	done    chan struct{}
	runCtx  context.Context
	fetches sync.WaitGroup

	// Loop-owned.
	inflight map[fetchKey]struct{}
}

// New builds an engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = history.DefaultPageSize
	}
	sweep := opts.TypingSweep
	if sweep <= 0 {
		sweep = defaultTypingSweep
	}
	policy := opts.Policy
	if policy == nil {
		policy = notify.NewPolicy(opts.Store.Mutes(), 0)
	}
	scrollMgr := opts.Scroll
	if scrollMgr == nil {
		scrollMgr = scroll.NewManager(scroll.DefaultConfig())
	}
	typing := opts.Typing
	if typing == nil {
		typing = presence.NewTypingTracker(opts.Store.SelfID(), 0, opts.Store.Now)
	}

	session := uuid.NewString()
	e := &Engine{
		store:       opts.Store,
		fetcher:     opts.Fetcher,
		directory:   opts.Directory,
		transport:   opts.Transport,
		cache:       opts.Cache,
		policy:      policy,
		dispatcher:  opts.Dispatcher,
		scroll:      scrollMgr,
		typing:      typing,
		prefs:       opts.Prefs,
		pageSize:    pageSize,
		typingSweep: sweep,
		session:     session,
		logger:      logging.WithSession(logging.Component("engine"), session),
		cmds:        make(chan func(), commandBuffer),
		statuses:    make(chan models.PresenceStatus, 1),
		ready:       make(chan struct{}),
		inflight:    make(map[fetchKey]struct{}),
	}
	e.idle = presence.NewIdleMonitor(opts.IdleTimeout, e.onPresenceChange)
	return e, nil
}

// Session returns the id attached to this engine's log lines.
func (e *Engine) Session() string {
	return e.session
}

// Store returns the engine's store for read access.
func (e *Engine) Store() *chatstore.Store {
	return e.store
}

// Scroll returns the viewport manager.
func (e *Engine) Scroll() *scroll.Manager {
	return e.scroll
}

// Typing returns the typing tracker.
func (e *Engine) Typing() *presence.TypingTracker {
	return e.typing
}

// Ready is closed once Run accepts commands.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Running reports whether Run is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run owns every store mutation until ctx is done. frames may be nil when
// no push channel is attached; a closed frames channel is ignored. An
// engine runs once.
func (e *Engine) Run(ctx context.Context, frames <-chan []byte) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.started = true
	e.running = true
	e.done = make(chan struct{})
	e.runCtx = ctx
	close(e.ready)
	e.mu.Unlock()

	if e.dispatcher != nil {
		if err := e.dispatcher.Initialize(ctx); err != nil && !errors.Is(err, notify.ErrAlreadyInitialized) {
			e.logger.Warn().Err(err).Msg("notification dispatcher failed to initialize")
		}
		e.dispatcher.SetVisible(e.store.Foreground())
	}
	e.idle.Start()

	sweep := time.NewTicker(e.typingSweep)
	defer sweep.Stop()

	e.logger.Info().Msg("engine started")
	defer e.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				e.logger.Info().Msg("push channel closed")
				continue
			}
			e.HandleFrame(ctx, frame)
		case fn := <-e.cmds:
			fn()
		case status := <-e.statuses:
			e.sendPresence(ctx, status)
		case <-sweep.C:
			e.typing.Expire()
		}
	}
}

func (e *Engine) shutdown() {
	e.idle.Stop()
	e.scroll.Close()

	e.mu.Lock()
	e.running = false
	close(e.done)
	e.mu.Unlock()

	if e.dispatcher != nil {
		if err := e.dispatcher.Teardown(); err != nil && !errors.Is(err, notify.ErrNotInitialized) {
			e.logger.Warn().Err(err).Msg("notification dispatcher teardown failed")
		}
	}
	e.fetches.Wait()
	e.logger.Info().Msg("engine stopped")
}

// Post queues fn onto the loop. It blocks while the queue is full.
func (e *Engine) Post(ctx context.Context, fn func()) error {
	e.mu.Lock()
	running, done := e.running, e.done
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	select {
	case e.cmds <- fn:
		return nil
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the loop and waits for its result.
func (e *Engine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if err := e.Post(ctx, func() { result <- fn(e.loopContext()) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) loopContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx == nil {
		return context.Background()
	}
	return e.runCtx
}

// Sync waits until every command queued before it has run.
func (e *Engine) Sync(ctx context.Context) error {
	return e.call(ctx, func(context.Context) error { return nil })
}

// RefreshDirectory fetches the conversation list off the loop and applies it
// on the loop. It is a no-op without a directory source.
func (e *Engine) RefreshDirectory(ctx context.Context) error {
	if e.directory == nil {
		return nil
	}
	list, err := e.directory.ListConversations(ctx)
	if err != nil {
		return err
	}
	return e.call(ctx, func(context.Context) error {
		changed := e.store.ApplyConversationList(list)
		e.logger.Debug().Int("conversations", len(list)).Bool("changed", changed).Msg("directory applied")
		return nil
	})
}

// Select makes key the active conversation. The outgoing scroll offset is
// saved, any jump is cancelled, typing state is cleared, attention raised for
// key stops, and the conversation is marked read while the surface is
// visible. Cached history is hydrated and the newest page re-fetched.
func (e *Engine) Select(ctx context.Context, key models.ConversationKey) error {
	return e.call(ctx, func(ctx context.Context) error {
		return e.selectConversation(ctx, key)
	})
}

func (e *Engine) selectConversation(ctx context.Context, key models.ConversationKey) error {
	if err := e.store.SelectConversation(&key); err != nil {
		return err
	}
	if !e.store.Loaded(key) {
		e.hydrate(ctx, key)
	}
	e.scroll.Switch(key, len(e.store.Timeline(key)))
	e.typing.SetActive(key)
	if e.dispatcher != nil {
		e.dispatcher.ConversationOpened(key)
	}
	if e.store.Foreground() {
		e.store.MarkAsRead(key)
	}
	e.fetch(key, 0)
	return nil
}

// ClearSelection deselects the active conversation.
func (e *Engine) ClearSelection(ctx context.Context) error {
	return e.call(ctx, func(context.Context) error {
		if err := e.store.SelectConversation(nil); err != nil {
			return err
		}
		e.scroll.CancelJump()
		e.typing.SetActive(models.ConversationKey{})
		return nil
	})
}

// RestoreSelection selects key when the directory still holds it. It reports
// whether a selection was made.
func (e *Engine) RestoreSelection(ctx context.Context, key models.ConversationKey) (bool, error) {
	restored := false
	err := e.call(ctx, func(ctx context.Context) error {
		if _, ok := e.store.Conversation(key); !ok {
			e.logger.Debug().Str("conversation", key.String()).Msg("remembered selection no longer listed")
			return nil
		}
		restored = true
		return e.selectConversation(ctx, key)
	})
	return restored, err
}

// LoadOlder requests the next older page of the active conversation. It
// reports whether a fetch was started.
func (e *Engine) LoadOlder(ctx context.Context) (bool, error) {
	started := false
	err := e.call(ctx, func(context.Context) error {
		key, ok := e.store.Active()
		if !ok {
			return ErrNoSelection
		}
		started = e.loadOlder(key)
		return nil
	})
	return started, err
}

func (e *Engine) loadOlder(key models.ConversationKey) bool {
	if !e.store.Loaded(key) {
		return false
	}
	next, more := e.store.NextPage(key)
	if !more {
		return false
	}
	return e.fetch(key, next)
}

// ScrollTo records a user scroll and requests older history once the
// viewport reaches the top.
func (e *Engine) ScrollTo(ctx context.Context, offset int) (scroll.Position, error) {
	var pos scroll.Position
	err := e.call(ctx, func(context.Context) error {
		pos = e.scroll.ScrollTo(offset)
		if key, ok := e.store.Active(); ok && e.scroll.NearTop() {
			e.loadOlder(key)
		}
		return nil
	})
	return pos, err
}

// Resize sets the viewport height.
func (e *Engine) Resize(ctx context.Context, height int) (scroll.Position, error) {
	var pos scroll.Position
	err := e.call(ctx, func(context.Context) error {
		pos = e.scroll.Resize(height)
		return nil
	})
	return pos, err
}

// JumpTo scrolls messageID of the active conversation into view, retrying
// while it is not loaded yet.
func (e *Engine) JumpTo(ctx context.Context, messageID string) (bool, error) {
	found := false
	err := e.call(ctx, func(context.Context) error {
		key, ok := e.store.Active()
		if !ok {
			return ErrNoSelection
		}
		found = e.scroll.JumpTo(messageID, e.locator(key))
		return nil
	})
	return found, err
}

// locator places messages one row apart in timeline order.
func (e *Engine) locator(key models.ConversationKey) scroll.Locator {
	return func(messageID string) (int, bool) {
		for i, msg := range e.store.Timeline(key) {
			if msg.ID == messageID {
				return i, true
			}
		}
		return 0, false
	}
}

// SetVisible records whether the surface is foregrounded. Becoming visible
// stops attention signaling and marks the active conversation read.
func (e *Engine) SetVisible(ctx context.Context, visible bool) error {
	return e.call(ctx, func(context.Context) error {
		e.store.SetForeground(visible)
		if e.dispatcher != nil {
			e.dispatcher.SetVisible(visible)
		}
		if key, ok := e.store.Active(); ok && visible {
			e.store.MarkAsRead(key)
		}
		if visible {
			e.idle.RecordActivity(presence.ActivityFocus)
		}
		return nil
	})
}

// RecordActivity feeds a user input event to the idle monitor.
func (e *Engine) RecordActivity(kind presence.ActivityKind) bool {
	return e.idle.RecordActivity(kind)
}

// Presence returns the current user's idle status.
func (e *Engine) Presence() models.PresenceStatus {
	return e.idle.Status()
}

// SetTyping announces that the current user started or stopped typing in
// the active conversation.
func (e *Engine) SetTyping(ctx context.Context, typing bool) error {
	return e.call(ctx, func(ctx context.Context) error {
		key, ok := e.store.Active()
		if !ok {
			return ErrNoSelection
		}
		frame, err := push.EncodeTyping(key, typing)
		if err != nil {
			return err
		}
		return e.send(ctx, frame)
	})
}

// onPresenceChange runs on the idle timer or on whichever goroutine recorded
// activity, the loop included, so it never blocks. Only the latest pending
// status is kept.
func (e *Engine) onPresenceChange(status models.PresenceStatus) {
	for {
		select {
		case e.statuses <- status:
			return
		default:
		}
		select {
		case stale := <-e.statuses:
			e.logger.Debug().Str("status", string(stale)).Msg("superseded presence dropped")
		default:
		}
	}
}

func (e *Engine) sendPresence(ctx context.Context, status models.PresenceStatus) {
	frame, err := push.EncodePresence(status)
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to encode presence")
		return
	}
	if err := e.send(ctx, frame); err != nil {
		e.logger.Debug().Err(err).Str("status", string(status)).Msg("presence not sent")
		return
	}
	e.logger.Debug().Str("status", string(status)).Msg("presence sent")
}

func (e *Engine) send(ctx context.Context, frame []byte) error {
	if e.transport == nil {
		return push.ErrNotConnected
	}
	return e.transport.Send(ctx, frame)
}
