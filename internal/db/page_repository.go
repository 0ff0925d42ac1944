package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tOgg1/chatsync/internal/models"
)

// Page repository errors.
var (
	ErrInvalidPage = errors.New("invalid page")
)

// CachedPage is a stored history page and the offset it was requested at.
type CachedPage struct {
	Offset    int
	Page      models.Page
	FetchedAt time.Time
}

// CacheStats summarizes the cache contents.
type CacheStats struct {
	Conversations int64
	Pages         int64
	Messages      int64
}

// PageRepository persists fetched history pages per conversation.
type PageRepository struct {
	db *DB
}

type pageExecer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

// NewPageRepository creates a new PageRepository.
func NewPageRepository(db *DB) *PageRepository {
	return &PageRepository{db: db}
}

// SavePage stores page as the result of fetching key at offset, replacing
// any page previously stored at that offset. A message already stored under
// another page of the same conversation moves to this one.
func (r *PageRepository) SavePage(ctx context.Context, key models.ConversationKey, offset int, page models.Page) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPage, err)
	}
	if offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrInvalidPage, offset)
	}

	return r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cached_pages (
				conversation_kind, conversation_id, page_offset, next_offset, has_more, fetched_at
			) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (conversation_kind, conversation_id, page_offset) DO UPDATE SET
				next_offset = excluded.next_offset,
				has_more = excluded.has_more,
				fetched_at = excluded.fetched_at
		`,
			string(key.Kind), key.ID, offset, page.NextOffset, boolToInt(page.HasMore),
			time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("failed to upsert page: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM cached_messages
			WHERE conversation_kind = ? AND conversation_id = ? AND page_offset = ?
		`, string(key.Kind), key.ID, offset); err != nil {
			return fmt.Errorf("failed to clear page messages: %w", err)
		}

		for _, msg := range page.Messages {
			if err := r.insertMessage(ctx, tx, key, offset, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PageRepository) insertMessage(ctx context.Context, execer pageExecer, key models.ConversationKey, offset int, msg models.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidPage)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}
	_, err = execer.ExecContext(ctx, `
		INSERT INTO cached_messages (
			id, conversation_kind, conversation_id, page_offset, created_at, payload_json
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			conversation_kind = excluded.conversation_kind,
			conversation_id = excluded.conversation_id,
			page_offset = excluded.page_offset,
			created_at = excluded.created_at,
			payload_json = excluded.payload_json
	`,
		msg.ID, string(key.Kind), key.ID, offset,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	return nil
}

// LoadPages returns key's cached pages oldest first, messages within each
// page ordered by created_at.
func (r *PageRepository) LoadPages(ctx context.Context, key models.ConversationKey) ([]CachedPage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT page_offset, next_offset, has_more, fetched_at
		FROM cached_pages
		WHERE conversation_kind = ? AND conversation_id = ?
		ORDER BY page_offset DESC
	`, string(key.Kind), key.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pages: %w", err)
	}

	var pages []CachedPage
	index := make(map[int]int)
	for rows.Next() {
		var cp CachedPage
		var hasMore int
		var fetchedAt string
		if err := rows.Scan(&cp.Offset, &cp.Page.NextOffset, &hasMore, &fetchedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		cp.Page.HasMore = hasMore != 0
		if t, err := time.Parse(time.RFC3339Nano, fetchedAt); err == nil {
			cp.FetchedAt = t
		}
		index[cp.Offset] = len(pages)
		pages = append(pages, cp)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating pages: %w", err)
	}
	rows.Close()

	if len(pages) == 0 {
		return nil, nil
	}

	msgRows, err := r.db.QueryContext(ctx, `
		SELECT id, page_offset, payload_json
		FROM cached_messages
		WHERE conversation_kind = ? AND conversation_id = ?
		ORDER BY created_at, id
	`, string(key.Kind), key.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var id, payload string
		var offset int
		if err := msgRows.Scan(&id, &offset, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			r.db.logger.Warn().Err(err).Str("message_id", id).Msg("failed to parse cached message")
			continue
		}
		if i, ok := index[offset]; ok {
			pages[i].Page.Messages = append(pages[i].Page.Messages, msg)
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return pages, nil
}

// UpdateMessage rewrites a cached message in place, keeping its page. It is
// a no-op for messages that are not cached.
func (r *PageRepository) UpdateMessage(ctx context.Context, msg models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE cached_messages SET payload_json = ?, created_at = ? WHERE id = ?
	`, string(payload), msg.CreatedAt.UTC().Format(time.RFC3339Nano), msg.ID)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", msg.ID, err)
	}
	return nil
}

// DeleteMessage removes a cached message.
func (r *PageRepository) DeleteMessage(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cached_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// DeleteConversation drops every cached page of key.
func (r *PageRepository) DeleteConversation(ctx context.Context, key models.ConversationKey) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM cached_pages WHERE conversation_kind = ? AND conversation_id = ?
	`, string(key.Kind), key.ID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", key, err)
	}
	return nil
}

// Stats counts cached conversations, pages and messages.
func (r *PageRepository) Stats(ctx context.Context) (CacheStats, error) {
	var stats CacheStats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM (SELECT DISTINCT conversation_kind, conversation_id FROM cached_pages)),
			(SELECT COUNT(*) FROM cached_pages),
			(SELECT COUNT(*) FROM cached_messages)
	`).Scan(&stats.Conversations, &stats.Pages, &stats.Messages)
	if err != nil {
		return CacheStats{}, fmt.Errorf("failed to count cache: %w", err)
	}
	return stats, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
