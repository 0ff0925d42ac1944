package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/engine"
	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/notify"
	"github.com/tOgg1/chatsync/internal/push"
	"github.com/tOgg1/chatsync/internal/state"
)

const eventBuffer = 256

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		selectFlag string
		emitEvents bool
		quiet      bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the sync engine against the live push channel",
		Long: `Connect to the configured push channel and keep the local conversation
store in sync until interrupted. Fetched history is cached on disk and the
last selected conversation is restored on start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			selfID, err := opts.selfID()
			if err != nil {
				return err
			}
			var selected *models.ConversationKey
			if selectFlag != "" {
				key, err := models.ParseConversationKey(selectFlag)
				if err != nil {
					return err
				}
				selected = &key
			}

			var sink notify.Sink = notify.NopSink{}
			if !quiet {
				sink = &notify.BeeepSink{Out: titleWriter(os.Stdout)}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, selfID, selected, sink, emitEvents, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&selectFlag, "select", "", "conversation to open on start (kind:id)")
	cmd.Flags().BoolVar(&emitEvents, "events", false, "write store change events to stdout as JSONL")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "disable sounds and desktop notifications")
	return cmd
}

func runWatch(ctx context.Context, opts *rootOptions, selfID string, selected *models.ConversationKey, sink notify.Sink, emitEvents bool, out io.Writer) error {
	logger := logging.Component("watch")
	if err := opts.cfg.EnsureDirectories(); err != nil {
		logger.Warn().Err(err).Msg("failed to create directories")
	}

	s, err := newSession(ctx, opts.cfg, selfID, sessionOptions{Network: true, Persist: true, Sink: sink})
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close session")
		}
	}()

	var wg sync.WaitGroup
	if emitEvents {
		ch, cancel := s.publisher.SubscribeChan(events.Filter{}, eventBuffer)
		defer func() {
			cancel()
			wg.Wait()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			streamEvents(out, ch)
		}()
	}

	frames, unsubscribe := push.Subscribe(s.transport)
	defer unsubscribe()

	errCh := make(chan error, 1)
	go func() { errCh <- s.engine.Run(ctx, frames) }()

	select {
	case <-s.engine.Ready():
	case err := <-errCh:
		return err
	}

	logger.Info().
		Str("user", selfID).
		Str("transport", opts.cfg.Push.Transport).
		Str("push_url", logging.RedactURL(opts.cfg.Push.URL)).
		Str("session", s.engine.Session()).
		Msg("watching")

	if err := s.engine.RefreshDirectory(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to load conversation list")
	}
	if err := restoreSelection(ctx, s.engine, s.state, selected); err != nil {
		logger.Warn().Err(err).Msg("failed to restore selection")
	}

	return <-errCh
}

// restoreSelection opens selected, or else the persisted selection when the
// directory still lists it.
func restoreSelection(ctx context.Context, eng *engine.Engine, st *state.Manager, selected *models.ConversationKey) error {
	if selected != nil {
		return eng.Select(ctx, *selected)
	}
	key, ok := st.LastSelection()
	if !ok {
		return nil
	}
	_, err := eng.RestoreSelection(ctx, key)
	return err
}

// streamEvents writes events as JSONL until ch closes.
func streamEvents(out io.Writer, ch <-chan models.Event) {
	for event := range ch {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintln(out, string(data)); err != nil {
			return
		}
	}
}
