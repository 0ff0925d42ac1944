package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := OpenInMemory()
	require.NoError(t, err)
	_, err = database.MigrateUp(context.Background())
	require.NoError(t, err)
	return database
}

func msg(id string, at time.Time) models.Message {
	return models.Message{ID: id, SenderID: "alice", RecipientID: "me", Body: "body " + id, CreatedAt: at}
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	defer database.Close()

	version, err := database.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, len(migrations), version)

	applied, err := database.MigrateUp(ctx)
	require.NoError(t, err)
	require.Zero(t, applied)
}

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.db")
	database, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer database.Close()
	require.Equal(t, path, database.Path())

	_, err = database.MigrateUp(context.Background())
	require.NoError(t, err)

	_, err = Open(Config{})
	require.Error(t, err)
}

func TestPageRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	defer database.Close()
	repo := NewPageRepository(database)

	key := models.DirectKey("alice")
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	newest := models.Page{
		Messages:   []models.Message{msg("m3", base.Add(2*time.Minute)), msg("m2", base.Add(time.Minute))},
		NextOffset: 2,
		HasMore:    true,
	}
	older := models.Page{
		Messages:   []models.Message{msg("m1", base)},
		NextOffset: 3,
		HasMore:    false,
	}
	require.NoError(t, repo.SavePage(ctx, key, 0, newest))
	require.NoError(t, repo.SavePage(ctx, key, 2, older))
	require.NoError(t, repo.SavePage(ctx, models.GroupKey("ops"), 0, models.Page{Messages: []models.Message{msg("x1", base)}}))

	pages, err := repo.LoadPages(ctx, key)
	require.NoError(t, err)
	require.Len(t, pages, 2)

	require.Equal(t, 2, pages[0].Offset, "oldest page first")
	require.False(t, pages[0].Page.HasMore)
	require.Equal(t, 3, pages[0].Page.NextOffset)
	require.Equal(t, "m1", pages[0].Page.Messages[0].ID)

	require.Equal(t, 0, pages[1].Offset)
	require.True(t, pages[1].Page.HasMore)
	require.Equal(t, []string{"m2", "m3"}, []string{pages[1].Page.Messages[0].ID, pages[1].Page.Messages[1].ID})
	require.True(t, pages[1].Page.Messages[0].CreatedAt.Equal(base.Add(time.Minute)))
	require.False(t, pages[1].FetchedAt.IsZero())

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, CacheStats{Conversations: 2, Pages: 3, Messages: 4}, stats)
}

func TestPageRepositoryResaveReplacesPage(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	defer database.Close()
	repo := NewPageRepository(database)

	key := models.GroupKey("general")
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SavePage(ctx, key, 0, models.Page{Messages: []models.Message{msg("a", base), msg("b", base.Add(time.Second))}, NextOffset: 2, HasMore: true}))

	// The newest page re-fetched later: b moved on, c arrived.
	require.NoError(t, repo.SavePage(ctx, key, 0, models.Page{Messages: []models.Message{msg("b", base.Add(time.Second)), msg("c", base.Add(2*time.Second))}, NextOffset: 2, HasMore: true}))

	pages, err := repo.LoadPages(ctx, key)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	ids := []string{}
	for _, m := range pages[0].Page.Messages {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []string{"b", "c"}, ids)
}

func TestPageRepositoryMessageMutations(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	defer database.Close()
	repo := NewPageRepository(database)

	key := models.DirectKey("alice")
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SavePage(ctx, key, 0, models.Page{Messages: []models.Message{msg("m1", base), msg("m2", base.Add(time.Second))}}))

	edited := msg("m1", base)
	edited.Body = "edited"
	edited.Edited = true
	require.NoError(t, repo.UpdateMessage(ctx, edited))
	require.NoError(t, repo.UpdateMessage(ctx, msg("unknown", base)))
	require.NoError(t, repo.DeleteMessage(ctx, "m2"))

	pages, err := repo.LoadPages(ctx, key)
	require.NoError(t, err)
	require.Len(t, pages[0].Page.Messages, 1)
	require.Equal(t, "edited", pages[0].Page.Messages[0].Body)
	require.True(t, pages[0].Page.Messages[0].Edited)

	require.NoError(t, repo.DeleteConversation(ctx, key))
	pages, err = repo.LoadPages(ctx, key)
	require.NoError(t, err)
	require.Empty(t, pages)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Messages, "messages cascade with their pages")
}

func TestPageRepositoryRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	defer database.Close()
	repo := NewPageRepository(database)

	require.ErrorIs(t, repo.SavePage(ctx, models.ConversationKey{}, 0, models.Page{}), ErrInvalidPage)
	require.ErrorIs(t, repo.SavePage(ctx, models.DirectKey("a"), -1, models.Page{}), ErrInvalidPage)
	require.ErrorIs(t, repo.SavePage(ctx, models.DirectKey("a"), 0, models.Page{Messages: []models.Message{{}}}), ErrInvalidPage)

	pages, err := repo.LoadPages(ctx, models.DirectKey("a"))
	require.NoError(t, err)
	require.Empty(t, pages, "failed save rolled back")
}
