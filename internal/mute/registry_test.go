package mute

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/models"
)

func TestRegistryMuteWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(func() time.Time { return now })
	key := models.GroupKey("general")

	require.False(t, reg.Muted(key))

	require.True(t, reg.Set(key, models.MuteWindow{Until: now.Add(time.Hour), Duration: time.Hour}))
	require.False(t, reg.Set(key, models.MuteWindow{Until: now.Add(time.Hour), Duration: time.Hour}), "same window is a no-op")

	require.True(t, reg.IsMuted(key, now))
	require.True(t, reg.IsMuted(key, now.Add(59*time.Minute)))
	require.False(t, reg.IsMuted(key, now.Add(time.Hour)), "until is exclusive")

	require.True(t, reg.Clear(key))
	require.False(t, reg.Clear(key))
	require.False(t, reg.Muted(key))
}

func TestRegistryAnchorsDurationOnlyWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(func() time.Time { return now })
	key := models.DirectKey("alice")

	reg.Set(key, models.MuteWindow{Duration: 8 * time.Hour})

	w, ok := reg.Get(key)
	require.True(t, ok)
	require.Equal(t, now.Add(8*time.Hour), w.Until)
	require.True(t, reg.Muted(key))
}

func TestRegistryPruneAndSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(func() time.Time { return now })

	reg.Set(models.GroupKey("b"), models.MuteWindow{Until: now.Add(time.Minute)})
	reg.Set(models.GroupKey("a"), models.MuteWindow{Until: now.Add(-time.Minute)})
	reg.Set(models.DirectKey("c"), models.MuteWindow{Until: now.Add(time.Hour)})

	snap := reg.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, models.DirectKey("c"), snap[0].Key)
	require.Equal(t, models.GroupKey("a"), snap[1].Key)

	require.Equal(t, 1, reg.Prune(now))
	require.Equal(t, 2, reg.Len())
	_, ok := reg.Get(models.GroupKey("a"))
	require.False(t, ok)
}
