package history

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/models"
)

func TestNewHTTPFetcherValidatesBaseURL(t *testing.T) {
	for _, raw := range []string{"", "   ", "ftp://x", "chat.example.com"} {
		_, err := NewHTTPFetcher(HTTPConfig{BaseURL: raw})
		require.ErrorIs(t, err, ErrInvalidRequest, raw)
	}
	f, err := NewHTTPFetcher(HTTPConfig{BaseURL: "https://chat.example.com/api/"})
	require.NoError(t, err)
	require.Equal(t, DefaultPageSize, f.PageSize())
}

func TestFetchPage(t *testing.T) {
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	var gotPath, gotQuery, gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(models.Page{
			Messages: []models.Message{
				{ID: "m3", SenderID: "alice", ChannelID: "ops", CreatedAt: base.Add(2 * time.Minute)},
				{ID: "bad", SenderID: "alice"},
				{ID: "m1", SenderID: "bob", ChannelID: "ops", CreatedAt: base},
			},
			NextOffset: 40,
			HasMore:    true,
		})
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(HTTPConfig{BaseURL: srv.URL + "/api", Token: "tok", PageSize: 20})
	require.NoError(t, err)

	page, err := f.FetchPage(context.Background(), models.GroupKey("ops"), 20, 0)
	require.NoError(t, err)
	require.Equal(t, "/api/conversations/group/ops/messages", gotPath)
	require.Equal(t, "limit=20&offset=20", gotQuery)
	require.Equal(t, "Bearer tok", gotAuth)

	require.Len(t, page.Messages, 2)
	require.Equal(t, "m1", page.Messages[0].ID, "oldest first")
	require.Equal(t, "m3", page.Messages[1].ID)
	require.Equal(t, 40, page.NextOffset)
	require.True(t, page.HasMore)
}

func TestFetchPageRepairsStuckCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[],"next_offset":0,"has_more":true}`))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	page, err := f.FetchPage(context.Background(), models.DirectKey("alice"), 0, 5)
	require.NoError(t, err)
	require.False(t, page.HasMore)
}

func TestFetchPageErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") == "1" {
			_, _ = w.Write([]byte(`{"messages":`))
			return
		}
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = f.FetchPage(context.Background(), models.DirectKey("alice"), 0, 5)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusForbidden, statusErr.Code)
	require.Equal(t, "nope", statusErr.Body)

	_, err = f.FetchPage(context.Background(), models.DirectKey("alice"), 1, 5)
	require.ErrorContains(t, err, "decode response")

	_, err = f.FetchPage(context.Background(), models.ConversationKey{}, 0, 5)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.FetchPage(context.Background(), models.DirectKey("alice"), -1, 5)
	require.ErrorIs(t, err, ErrInvalidRequest)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.FetchPage(ctx, models.DirectKey("alice"), 0, 5)
	require.ErrorIs(t, err, context.Canceled)
}

func TestListConversations(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[
			{"key":{"kind":"direct","id":"alice"},"name":"Alice","unread_count":2},
			{"key":{"kind":"group","id":"ops"},"name":"Ops","pinned":true},
			{"key":{"kind":"room","id":"x"},"name":"broken"}
		]`))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(HTTPConfig{BaseURL: srv.URL + "/api/", Token: "tok"})
	require.NoError(t, err)

	list, err := f.ListConversations(context.Background())
	require.NoError(t, err)
	require.Equal(t, "/api/conversations", gotPath)
	require.Equal(t, "Bearer tok", gotAuth)
	require.Len(t, list, 2)
	require.Equal(t, models.DirectKey("alice"), list[0].Key)
	require.Equal(t, 2, list[0].UnreadCount)
	require.True(t, list[1].Pinned)
}

func TestListConversationsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = f.ListConversations(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.Code)
}
