package chatstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatsync/internal/models"
)

func TestReconcile(t *testing.T) {
	t0 := base
	t1 := base.Add(time.Minute)

	tests := []struct {
		name     string
		current  map[string]models.DeliveryStatus
		incoming models.DeliveryStatus
		want     models.DeliveryStatus
		changed  bool
	}{
		{
			name:     "first status",
			incoming: models.DeliveryStatus{Status: models.DeliverySent, UpdatedAt: t0},
			want:     models.DeliveryStatus{Status: models.DeliverySent, UpdatedAt: t0},
			changed:  true,
		},
		{
			name:     "advance",
			current:  map[string]models.DeliveryStatus{"bob": {Status: models.DeliverySent, UpdatedAt: t0}},
			incoming: models.DeliveryStatus{Status: models.DeliverySeen, UpdatedAt: t1},
			want:     models.DeliveryStatus{Status: models.DeliverySeen, UpdatedAt: t1},
			changed:  true,
		},
		{
			name:     "regression ignored",
			current:  map[string]models.DeliveryStatus{"bob": {Status: models.DeliveryDelivered, UpdatedAt: t0}},
			incoming: models.DeliveryStatus{Status: models.DeliverySent, UpdatedAt: t1},
			want:     models.DeliveryStatus{Status: models.DeliveryDelivered, UpdatedAt: t0},
		},
		{
			name:     "equal keeps timestamp",
			current:  map[string]models.DeliveryStatus{"bob": {Status: models.DeliverySeen, UpdatedAt: t0}},
			incoming: models.DeliveryStatus{Status: models.DeliverySeen, UpdatedAt: t1},
			want:     models.DeliveryStatus{Status: models.DeliverySeen, UpdatedAt: t0},
		},
		{
			name:     "unknown ignored",
			incoming: models.DeliveryStatus{Status: models.DeliveryUnknown, UpdatedAt: t1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Reconcile(tt.current, "bob", tt.incoming)
			require.Equal(t, tt.changed, changed)
			require.Equal(t, tt.want, got["bob"])
			if changed && tt.current != nil {
				require.NotEqual(t, tt.want, tt.current["bob"], "input map must not be mutated")
			}
		})
	}
}

func TestMergeStatuses(t *testing.T) {
	local := map[string]models.DeliveryStatus{
		"a": {Status: models.DeliverySeen, UpdatedAt: base},
		"b": {Status: models.DeliverySent, UpdatedAt: base},
	}
	incoming := map[string]models.DeliveryStatus{
		"a": {Status: models.DeliverySeen, UpdatedAt: base.Add(time.Hour)},
		"b": {Status: models.DeliveryDelivered, UpdatedAt: base.Add(time.Hour)},
		"c": {Status: models.DeliverySent, UpdatedAt: base.Add(time.Hour)},
	}
	merged := MergeStatuses(local, incoming)
	require.Equal(t, base, merged["a"].UpdatedAt, "tie keeps local")
	require.Equal(t, models.DeliveryDelivered, merged["b"].Status)
	require.Equal(t, models.DeliverySent, merged["c"].Status)
	require.Nil(t, MergeStatuses(nil, nil))
}

func TestApplyDeliveryStatusNeverRegresses(t *testing.T) {
	h := newHarness(t)
	out := models.Message{ID: "m1", SenderID: self, RecipientID: "bob", Body: "ping", CreatedAt: base}
	_, err := h.store.ApplyIncomingMessage(out)
	require.NoError(t, err)
	h.resetEvents()

	require.True(t, h.store.ApplyDeliveryStatus("m1", "bob", models.DeliveryDelivered, base.Add(time.Second)))
	require.False(t, h.store.ApplyDeliveryStatus("m1", "bob", models.DeliverySent, base.Add(2*time.Second)))
	require.False(t, h.store.ApplyDeliveryStatus("m1", "bob", models.DeliveryDelivered, base.Add(3*time.Second)), "idempotent")

	msg, ok := h.store.Message("m1")
	require.True(t, ok)
	require.Equal(t, models.DeliveryDelivered, msg.DeliveryStatuses["bob"].Status)
	require.Equal(t, base.Add(time.Second), msg.DeliveryStatuses["bob"].UpdatedAt)

	conv, _ := h.store.Conversation(models.DirectKey("bob"))
	require.Equal(t, models.DeliveryDelivered, conv.LastMessage.DeliveryStatuses["bob"].Status, "last_message mirror updated")

	require.Equal(t, []models.EventType{models.EventTypeMessageUpdated}, h.eventTypes())
}

func TestApplyDeliveryStatusOnMirrorOnly(t *testing.T) {
	h := newHarness(t)
	last := models.Message{ID: "m9", SenderID: self, RecipientID: "bob", CreatedAt: base}
	h.store.ApplyConversationList([]models.Conversation{{Key: models.DirectKey("bob"), LastMessage: &last}})

	require.True(t, h.store.ApplyDeliveryStatus("m9", "bob", models.DeliverySeen, time.Time{}))
	conv, _ := h.store.Conversation(models.DirectKey("bob"))
	require.Equal(t, models.DeliverySeen, conv.LastMessage.DeliveryStatuses["bob"].Status)
	require.Equal(t, base, conv.LastMessage.DeliveryStatuses["bob"].UpdatedAt, "zero time takes the store clock")

	require.False(t, h.store.ApplyDeliveryStatus("missing", "bob", models.DeliverySeen, base))
}

func TestSelfSeenMarksReadOnlyWhileViewing(t *testing.T) {
	h := newHarness(t)
	key := models.DirectKey("alice")
	_, err := h.store.ApplyIncomingMessage(directFrom("m1", "alice", base))
	require.NoError(t, err)

	h.store.ApplyDeliveryStatus("m1", self, models.DeliverySeen, base)
	conv, _ := h.store.Conversation(key)
	require.Equal(t, 1, conv.UnreadCount, "not viewing")

	require.NoError(t, h.store.SelectConversation(&key))
	h.store.SetForeground(false)
	_, err = h.store.ApplyIncomingMessage(directFrom("m2", "alice", base.Add(time.Second)))
	require.NoError(t, err)
	h.store.ApplyDeliveryStatus("m2", self, models.DeliverySeen, base)
	conv, _ = h.store.Conversation(key)
	require.Equal(t, 2, conv.UnreadCount, "hidden surface")

	h.store.SetForeground(true)
	_, err = h.store.ApplyIncomingMessage(directFrom("m3", "alice", base.Add(2*time.Second)))
	require.NoError(t, err)
	h.store.ApplyDeliveryStatus("m3", self, models.DeliverySeen, base)
	conv, _ = h.store.Conversation(key)
	require.Equal(t, 0, conv.UnreadCount)
	require.NotNil(t, conv.LastReadAt)
}

func TestDeletionAdjustsUnreadAndMentions(t *testing.T) {
	h := newHarness(t)
	key := models.GroupKey("general")
	h.store.ApplyConversationList([]models.Conversation{{Key: key, UnreadCount: 2}})

	plain := channelMsg("m1", "alice", "general", base)
	mention := channelMsg("m2", "bob", "general", base.Add(time.Minute))
	mention.Mentions = []string{self}
	for _, m := range []models.Message{plain, mention} {
		_, err := h.store.ApplyIncomingMessage(m)
		require.NoError(t, err)
	}
	conv, _ := h.store.Conversation(key)
	require.Equal(t, 4, conv.UnreadCount)
	require.True(t, conv.HasUnreadMentions)

	require.True(t, h.store.ApplyDeletion("m2", nil))
	conv, _ = h.store.Conversation(key)
	require.Equal(t, 3, conv.UnreadCount)
	require.False(t, conv.HasUnreadMentions)
	require.Equal(t, "m1", conv.LastMessage.ID, "tail replaces deleted last_message")

	replacement := channelMsg("m0", "carol", "general", base.Add(-time.Hour))
	require.True(t, h.store.ApplyDeletion("m1", &replacement))
	conv, _ = h.store.Conversation(key)
	require.Equal(t, 2, conv.UnreadCount, "seeded unread is not touched by deletions")
	require.Equal(t, "m0", conv.LastMessage.ID)
	require.Empty(t, h.store.Timeline(key))

	require.False(t, h.store.ApplyDeletion("m1", nil), "already gone")
}

func TestDeletionOfSeededUnreadMessage(t *testing.T) {
	h := newHarness(t)
	key := models.DirectKey("u1")
	m1 := directFrom("m1", "u1", base)
	h.store.ApplyConversationList([]models.Conversation{
		{Key: key, UnreadCount: 1, HasUnreadMentions: true, LastMessage: &m1},
	})

	require.True(t, h.store.ApplyDeletion("m1", nil))
	conv, _ := h.store.Conversation(key)
	require.Zero(t, conv.UnreadCount)
	require.False(t, conv.HasUnreadMentions)
	require.Nil(t, conv.LastMessage)
}

func TestDeletionOfReadSeededMessageKeepsCounter(t *testing.T) {
	h := newHarness(t)
	key := models.DirectKey("u1")
	seen := directFrom("m1", "u1", base)
	seen.DeliveryStatuses = map[string]models.DeliveryStatus{self: {Status: models.DeliverySeen, UpdatedAt: base}}
	own := models.Message{ID: "m2", SenderID: self, RecipientID: "u2", Body: "mine", CreatedAt: base}
	h.store.ApplyConversationList([]models.Conversation{
		{Key: key, UnreadCount: 2, LastMessage: &seen},
		{Key: models.DirectKey("u2"), UnreadCount: 1, LastMessage: &own},
	})

	require.True(t, h.store.ApplyDeletion("m1", nil))
	conv, _ := h.store.Conversation(key)
	require.Equal(t, 2, conv.UnreadCount, "seen by self")

	require.True(t, h.store.ApplyDeletion("m2", nil))
	conv, _ = h.store.Conversation(models.DirectKey("u2"))
	require.Equal(t, 1, conv.UnreadCount, "sent by self")
}

func TestPartialEditKeepsBody(t *testing.T) {
	h := newHarness(t)
	key := models.DirectKey("u1")
	_, err := h.store.ApplyIncomingMessage(directFrom("m1", "u1", base))
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	require.True(t, h.store.ApplyEdit(models.Message{ID: "m1", Mentions: []string{self}}))

	msg, ok := h.store.Message("m1")
	require.True(t, ok)
	require.Equal(t, "hi m1", msg.Body)
	require.False(t, msg.Edited)
	require.True(t, msg.UpdatedAt.IsZero())

	conv, _ := h.store.Conversation(key)
	require.Equal(t, "hi m1", conv.LastMessage.Body)
	require.True(t, conv.HasUnreadMentions)

	require.False(t, h.store.ApplyEdit(models.Message{ID: "m1", Mentions: []string{self}}), "same partial edit twice")
}

func TestEditRecomputesMentions(t *testing.T) {
	h := newHarness(t)
	key := models.GroupKey("general")
	_, err := h.store.ApplyIncomingMessage(channelMsg("m1", "alice", "general", base))
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	require.True(t, h.store.ApplyEdit(models.Message{ID: "m1", Body: "now with @me", Mentions: []string{self}}))
	conv, _ := h.store.Conversation(key)
	require.True(t, conv.HasUnreadMentions)
	require.Equal(t, 1, conv.UnreadCount)

	msg, _ := h.store.Message("m1")
	require.True(t, msg.Edited)
	require.Equal(t, base.Add(time.Minute), msg.UpdatedAt)
	require.Equal(t, "now with @me", conv.LastMessage.Body)

	require.False(t, h.store.ApplyEdit(models.Message{ID: "m1", Body: "now with @me", Mentions: []string{self}}), "same edit twice")

	require.True(t, h.store.ApplyEdit(models.Message{ID: "m1", Body: "never mind", Mentions: []string{}}))
	conv, _ = h.store.Conversation(key)
	require.False(t, conv.HasUnreadMentions)

	require.False(t, h.store.ApplyEdit(models.Message{ID: "ghost", Body: "x"}))
}
