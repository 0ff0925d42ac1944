package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/chatstore"
	"github.com/tOgg1/chatsync/internal/engine"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/notify"
)

const (
	maxFrameBytes  = 1 << 20
	previewColumns = 40
)

// replaySummary is the --json output of replay.
type replaySummary struct {
	Frames        int                   `json:"frames"`
	Sounds        int                   `json:"sounds"`
	Notifications []notify.Notification `json:"notifications"`
	Conversations []models.Conversation `json:"conversations"`
}

func newReplayCmd(opts *rootOptions) *cobra.Command {
	var (
		selectFlag string
		jsonOut    bool
		hidden     bool
	)
	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Feed captured push frames through the engine",
		Long: `Replay reads one push frame per line (JSONL, "-" for stdin), applies each
to a fresh in-memory store with the configured identity and prints the
resulting conversation directory. Blank lines and lines starting with # are
skipped. No network is used and no state is persisted.`,
		Args: cobra.ExactArgs(1),
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

			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			sink := &notify.RecordingSink{}
			s, err := newSession(cmd.Context(), opts.cfg, selfID, sessionOptions{Sink: sink})
			if err != nil {
				return err
			}
			defer s.Close()

			frames, err := runReplay(cmd.Context(), s.engine, in, selected, !hidden)
			if err != nil {
				return err
			}

			summary := replaySummary{
				Frames:        frames,
				Sounds:        sink.Sounds(),
				Notifications: sink.Notifications(),
				Conversations: s.store.Conversations(),
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			if err := writeDirectory(out, s.store, summary.Conversations); err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "\n%d frames, %d sounds, %d notifications\n", summary.Frames, summary.Sounds, len(summary.Notifications))
			return err
		},
	}
	cmd.Flags().StringVar(&selectFlag, "select", "", "conversation to open before replaying (kind:id)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the result as JSON")
	cmd.Flags().BoolVar(&hidden, "hidden", false, "replay with the surface in the background")
	return cmd
}

// runReplay runs eng, applies every frame from in and stops eng. It returns
// the number of frames applied.
func runReplay(ctx context.Context, eng *engine.Engine, in io.Reader, selected *models.ConversationKey, visible bool) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx, nil) }()
	defer func() {
		cancel()
		<-errCh
	}()

	select {
	case <-eng.Ready():
	case err := <-errCh:
		errCh <- err
		return 0, err
	}

	if err := eng.SetVisible(ctx, visible); err != nil {
		return 0, err
	}
	if selected != nil {
		if err := eng.Select(ctx, *selected); err != nil {
			return 0, err
		}
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	frames := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		frame := append([]byte(nil), line...)
		if err := eng.Deliver(ctx, frame); err != nil {
			return frames, err
		}
		frames++
	}
	if err := scanner.Err(); err != nil {
		return frames, fmt.Errorf("read frames: %w", err)
	}
	return frames, nil
}

func writeDirectory(out io.Writer, store *chatstore.Store, convs []models.Conversation) error {
	now := store.Now()
	active, _ := store.Active()
	rows := make([][]string, 0, len(convs))
	for _, conv := range convs {
		marker := ""
		if conv.Key == active {
			marker = "*"
		}
		last := ""
		if conv.LastMessage != nil {
			last = notify.TruncatePreview(conv.LastMessage.Body, previewColumns)
		}
		rows = append(rows, []string{
			marker + conv.Key.String(),
			conv.Name,
			strconv.Itoa(conv.UnreadCount),
			formatYesNo(conv.HasUnreadMentions),
			formatYesNo(conv.Pinned),
			formatYesNo(conv.Mute.Active(now)),
			last,
		})
	}
	return writeTable(out, []string{"CONVERSATION", "NAME", "UNREAD", "MENTIONS", "PINNED", "MUTED", "LAST MESSAGE"}, rows)
}
