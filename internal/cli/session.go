package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/tOgg1/chatsync/internal/chatstore"
	"github.com/tOgg1/chatsync/internal/config"
	"github.com/tOgg1/chatsync/internal/db"
	"github.com/tOgg1/chatsync/internal/engine"
	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/history"
	"github.com/tOgg1/chatsync/internal/notify"
	"github.com/tOgg1/chatsync/internal/presence"
	"github.com/tOgg1/chatsync/internal/push"
	"github.com/tOgg1/chatsync/internal/scroll"
	"github.com/tOgg1/chatsync/internal/state"
)

// sessionOptions selects which outer surfaces a session wires.
type sessionOptions struct {
	// Network attaches the push transport and the history fetcher.
	Network bool

	// Persist loads and saves local state and opens the page cache.
	Persist bool

	// Sink renders notifications (default notify.NopSink).
	Sink notify.Sink
}

// session owns an engine and everything wired around it.
type session struct {
	cfg       *config.Config
	store     *chatstore.Store
	engine    *engine.Engine
	state     *state.Manager
	publisher *events.InMemoryPublisher
	transport push.Transport
	cacheDB   *db.DB
}

func newSession(ctx context.Context, cfg *config.Config, selfID string, opts sessionOptions) (*session, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, publisher: events.NewInMemoryPublisher()}
	if opts.Persist {
		s.state = state.New(cfg.StatePath())
		if err := s.state.Load(); err != nil {
			return nil, fmt.Errorf("load state: %w", err)
		}
	} else {
		s.state = state.New("")
	}

	storeCfg := chatstore.Config{
		SelfID:    selfID,
		Location:  loc,
		Publisher: s.publisher,
	}
	if opts.Persist {
		storeCfg.Selection = s.state
	}
	s.store = chatstore.New(storeCfg)

	var cache *db.PageRepository
	if opts.Persist && cfg.Cache.Enabled {
		cache, err = s.openCache(ctx)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	var (
		fetcher   history.Fetcher
		directory history.DirectoryFetcher
	)
	if opts.Network {
		if cfg.History.BaseURL != "" {
			f, err := history.NewHTTPFetcher(history.HTTPConfig{
				BaseURL:  cfg.History.BaseURL,
				Token:    cfg.Identity.Token,
				PageSize: cfg.History.PageSize,
				Timeout:  cfg.History.Timeout,
			})
			if err != nil {
				s.Close()
				return nil, err
			}
			fetcher, directory = f, f
		}
		s.transport, err = buildTransport(cfg, selfID)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	sink := opts.Sink
	if sink == nil {
		sink = notify.NopSink{}
	}
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		BaseTitle:         cfg.Notifications.Title,
		AttentionInterval: cfg.Notifications.AttentionInterval,
	}, sink)

	s.engine, err = engine.New(engine.Options{
		Store:      s.store,
		Fetcher:    fetcher,
		Directory:  directory,
		Transport:  s.transport,
		Cache:      cache,
		Policy:     notify.NewPolicy(s.store.Mutes(), cfg.Notifications.PreviewLength),
		Dispatcher: dispatcher,
		Scroll: scroll.NewManager(scroll.Config{
			BottomThreshold:   cfg.Scroll.BottomThreshold,
			NearTopThreshold:  cfg.Scroll.NearTopThreshold,
			JumpAttempts:      cfg.Scroll.JumpAttempts,
			JumpBackoff:       cfg.Scroll.JumpBackoff,
			HighlightDuration: cfg.Scroll.HighlightDuration,
		}),
		Typing:      presence.NewTypingTracker(selfID, cfg.Presence.TypingTTL, s.store.Now),
		Prefs:       preferences{notifications: cfg.Notifications, state: s.state},
		PageSize:    cfg.History.PageSize,
		IdleTimeout: cfg.Presence.IdleTimeout,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) openCache(ctx context.Context) (*db.PageRepository, error) {
	database, err := db.Open(db.Config{Path: s.cfg.CachePath(), BusyTimeoutMs: s.cfg.Cache.BusyTimeoutMs})
	if err != nil {
		return nil, fmt.Errorf("open page cache: %w", err)
	}
	if _, err := database.MigrateUp(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("migrate page cache: %w", err)
	}
	s.cacheDB = database
	return db.NewPageRepository(database), nil
}

// Close releases everything the session opened. It is safe after a partial
// construction.
func (s *session) Close() error {
	var errs []error
	if s.transport != nil {
		errs = append(errs, s.transport.Close())
	}
	if s.state != nil {
		errs = append(errs, s.state.Close())
	}
	if s.cacheDB != nil {
		errs = append(errs, s.cacheDB.Close())
	}
	s.publisher.Close()
	return errors.Join(errs...)
}

func buildTransport(cfg *config.Config, selfID string) (push.Transport, error) {
	switch cfg.Push.Transport {
	case config.TransportNATS:
		return push.NewNATSTransport(push.NATSConfig{
			URL:           cfg.Push.URL,
			Token:         cfg.Identity.Token,
			Subject:       cfg.Push.Subject,
			UserID:        selfID,
			ReconnectWait: cfg.Push.ReconnectInterval,
		})
	case config.TransportWebSocket, "":
		return push.NewWebSocketTransport(push.WebSocketConfig{
			URL:               cfg.Push.URL,
			Token:             cfg.Identity.Token,
			ReconnectInterval: cfg.Push.ReconnectInterval,
			PingPeriod:        cfg.Push.PingPeriod,
		})
	default:
		return nil, fmt.Errorf("unknown push transport %q", cfg.Push.Transport)
	}
}

// preferences gates the persisted toggles with the configured ones.
type preferences struct {
	notifications config.NotificationsConfig
	state         *state.Manager
}

func (p preferences) Preferences() notify.Preferences {
	prefs := p.state.Preferences()
	prefs.Sound = prefs.Sound && p.notifications.Sound
	prefs.Notifications = prefs.Notifications && p.notifications.System
	return prefs
}

// titleWriter returns out when it is a terminal, so title escapes never end
// up in redirected output.
func titleWriter(out *os.File) io.Writer {
	if out == nil || !term.IsTerminal(int(out.Fd())) {
		return nil
	}
	return out
}
