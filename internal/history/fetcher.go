// Package history fetches paginated conversation history.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
)

const (
	DefaultPageSize = 20
	defaultTimeout  = 10 * time.Second
	maxBodyBytes    = 8 << 20
)

// ErrInvalidRequest is returned before any request is made.
var ErrInvalidRequest = errors.New("invalid history request")

// Fetcher returns one backward page of a conversation's history. Offset 0 is
// the newest page; Page.NextOffset requests the next older one.
type Fetcher interface {
	FetchPage(ctx context.Context, key models.ConversationKey, offset, limit int) (models.Page, error)
}

// DirectoryFetcher returns the signed-in user's conversation list.
type DirectoryFetcher interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("history: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("history: unexpected status %d: %s", e.Code, e.Body)
}

// HTTPConfig configures an HTTPFetcher.
type HTTPConfig struct {
	BaseURL  string
	Token    string
	PageSize int
	Timeout  time.Duration
	Client   *http.Client
}

// HTTPFetcher fetches pages from
// GET {base}/conversations/{kind}/{id}/messages?offset=N&limit=M and the
// directory from GET {base}/conversations.
type HTTPFetcher struct {
	base     *url.URL
	token    string
	pageSize int
	client   *http.Client
	logger   zerolog.Logger
}

// NewHTTPFetcher validates cfg.
func NewHTTPFetcher(cfg HTTPConfig) (*HTTPFetcher, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidRequest)
	}
	base, err := url.Parse(raw)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: base url must be http(s): %s", ErrInvalidRequest, logging.RedactURL(raw))
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPFetcher{
		base:     base,
		token:    cfg.Token,
		pageSize: pageSize,
		client:   client,
		logger:   logging.Component("history"),
	}, nil
}

// PageSize is the limit used when FetchPage is called with limit <= 0.
func (f *HTTPFetcher) PageSize() int {
	return f.pageSize
}

// FetchPage implements Fetcher. Messages come back oldest first regardless
// of server order.
func (f *HTTPFetcher) FetchPage(ctx context.Context, key models.ConversationKey, offset, limit int) (models.Page, error) {
	if err := key.Validate(); err != nil {
		return models.Page{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if offset < 0 {
		return models.Page{}, fmt.Errorf("%w: negative offset %d", ErrInvalidRequest, offset)
	}
	if limit <= 0 {
		limit = f.pageSize
	}

	endpoint := f.base.JoinPath("conversations", string(key.Kind), key.ID, "messages")
	query := endpoint.Query()
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(limit))
	endpoint.RawQuery = query.Encode()

	var page models.Page
	start := time.Now()
	if err := f.getJSON(ctx, endpoint, &page); err != nil {
		return models.Page{}, fmt.Errorf("fetch %s offset %d: %w", key, offset, err)
	}
	page.Messages = sanitize(page.Messages)
	if page.NextOffset <= offset && page.HasMore {
		// Never hand out a cursor that does not advance.
		page.NextOffset = offset + len(page.Messages)
		if len(page.Messages) == 0 {
			page.HasMore = false
		}
	}

	f.logger.Debug().
		Str("conversation", key.String()).
		Int("offset", offset).
		Int("count", len(page.Messages)).
		Bool("has_more", page.HasMore).
		Dur("took", time.Since(start)).
		Msg("history page fetched")
	return page, nil
}

// ListConversations implements DirectoryFetcher. Entries with an invalid
// key are dropped.
func (f *HTTPFetcher) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var list []models.Conversation
	start := time.Now()
	if err := f.getJSON(ctx, f.base.JoinPath("conversations"), &list); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := list[:0]
	for _, conv := range list {
		if err := conv.Key.Validate(); err != nil {
			f.logger.Debug().Err(err).Str("name", conv.Name).Msg("dropping conversation with invalid key")
			continue
		}
		out = append(out, conv)
	}
	f.logger.Debug().Int("count", len(out)).Dur("took", time.Since(start)).Msg("directory fetched")
	return out, nil
}

func (f *HTTPFetcher) getJSON(ctx context.Context, endpoint *url.URL, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// sanitize drops messages that cannot be placed and orders the rest oldest first.
func sanitize(messages []models.Message) []models.Message {
	out := messages[:0]
	for _, msg := range messages {
		if err := msg.Validate(); err != nil {
			logger := logging.Component("history")
			logger.Debug().Err(err).Str("message_id", msg.ID).Msg("dropping invalid history message")
			continue
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
