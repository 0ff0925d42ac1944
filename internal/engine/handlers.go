package engine

import (
	"context"
	"errors"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/notify"
	"github.com/tOgg1/chatsync/internal/push"
)

// HandleFrame decodes and applies one push frame. Malformed frames are
// logged and dropped without touching the store. It must run on the loop;
// Run calls it for every frame it receives.
func (e *Engine) HandleFrame(ctx context.Context, frame []byte) {
	ev, err := push.Decode(frame)
	if err != nil {
		name := push.EventName(frame)
		if errors.Is(err, push.ErrUnknownEvent) {
			e.logger.Debug().Str("event", name).Msg("unhandled push event")
			return
		}
		e.logger.Warn().Err(err).Str("event", name).Msg("malformed push event dropped")
		return
	}
	e.apply(ctx, ev)
}

// Apply posts a decoded event to the loop and waits until it is applied.
func (e *Engine) Apply(ctx context.Context, ev push.Event) error {
	return e.call(ctx, func(ctx context.Context) error {
		e.apply(ctx, ev)
		return nil
	})
}

// Deliver posts a raw frame to the loop and waits until it is applied.
func (e *Engine) Deliver(ctx context.Context, frame []byte) error {
	return e.call(ctx, func(ctx context.Context) error {
		e.HandleFrame(ctx, frame)
		return nil
	})
}

func (e *Engine) apply(ctx context.Context, ev push.Event) {
	switch ev := ev.(type) {
	case push.ReceiveMessage:
		e.receive(ctx, ev.Message)
	case push.MessageStatusUpdated:
		if e.store.ApplyDeliveryStatus(ev.MessageID, ev.UserID, ev.Status, ev.At) {
			e.cacheMessage(ctx, ev.MessageID)
		}
	case push.MessageDeleted:
		if e.store.ApplyDeletion(ev.MessageID, ev.Replacement) {
			e.uncacheMessage(ctx, ev.MessageID)
		}
	case push.MessageUpdated:
		if e.store.ApplyEdit(ev.Message) {
			e.cacheMessage(ctx, ev.Message.ID)
		}
	case push.MessagePin:
		if e.store.SetPinnedFlag(ev.MessageID, ev.Pinned) {
			e.cacheMessage(ctx, ev.MessageID)
		}
	case push.MessageFavorite:
		if e.store.SetFavoriteFlag(ev.MessageID, ev.Favorite) {
			e.cacheMessage(ctx, ev.MessageID)
		}
	case push.MessageReactionUpdated:
		if e.store.SetReactions(ev.MessageID, ev.Reactions) {
			e.cacheMessage(ctx, ev.MessageID)
		}
	case push.ChatMuted:
		e.store.SetMute(ev.Key, ev.Window)
	case push.ChatUnmuted:
		e.store.ClearMute(ev.Key)
	case push.ChatPinUpdated:
		e.store.SetPinned(ev.Key, ev.Pinned)
	case push.UserStatusUpdate:
		e.store.SetPresence(ev.UserID, ev.Status)
	case push.BulkStatusUpdate:
		e.store.SetPresences(ev.Statuses)
	case push.ChannelAdded:
		e.store.UpsertChannel(ev.Conversation)
	case push.ChannelDeleted:
		if e.store.RemoveConversation(ev.Key) {
			e.forget(ctx, ev.Key)
		}
	case push.MembersAdded:
		e.store.AddMembers(ev.Key, ev.UserIDs)
	case push.MemberLeft:
		if e.store.RemoveMember(ev.Key, ev.UserID) && ev.UserID == e.store.SelfID() {
			e.forget(ctx, ev.Key)
		}
	case push.DoNotDisturbUpdated:
		e.store.SetDoNotDisturb(ev.Key, ev.Enabled)
	case push.MemberStatusUpdated:
		e.store.SetMemberStatus(ev.Key, ev.UserID, ev.Role)
	case push.TypingStart:
		e.typing.Start(ev.Key, ev.UserID)
	case push.TypingStop:
		e.typing.Stop(ev.Key, ev.UserID)
	default:
		e.logger.Debug().Str("event", ev.EventName()).Msg("push event ignored")
	}
}

// receive applies a live message, then handles the read, scroll, ack and
// notification consequences in that order.
func (e *Engine) receive(ctx context.Context, msg models.Message) {
	res, err := e.store.ApplyIncomingMessage(msg)
	if err != nil {
		e.logger.Warn().Err(err).Str("event", push.EventReceiveMessage).Msg("malformed push event dropped")
		return
	}
	if res.Duplicate {
		e.cacheMessage(ctx, res.Message.ID)
		return
	}

	active, hasActive := e.store.Active()
	isActive := hasActive && active == res.Key
	conv := res.Conversation
	if e.store.IsViewing(res.Key) {
		e.store.MarkAsRead(res.Key)
		if updated, ok := e.store.Conversation(res.Key); ok {
			conv = updated
		}
	}
	if isActive && e.scroll.Active() == res.Key {
		e.scroll.Append(1)
	}

	if !res.FromSelf {
		e.acknowledge(ctx, res.Message)
	}

	dec := e.policy.Decide(notify.Input{
		Message:      res.Message,
		Conversation: conv,
		SelfID:       e.store.SelfID(),
		Visible:      e.store.Foreground(),
		Active:       isActive,
		TotalUnread:  e.store.TotalUnread(),
		Preferences:  e.preferences(),
		Now:          e.store.Now(),
	})
	e.logger.Debug().
		Str("conversation", res.Key.String()).
		Str("message_id", res.Message.ID).
		Str("reason", string(dec.Reason)).
		Msg("notification decision")
	if e.dispatcher != nil {
		e.dispatcher.Dispatch(dec)
	}
}

func (e *Engine) acknowledge(ctx context.Context, msg models.Message) {
	frame, err := push.EncodeDelivered(msg.ID, e.store.SelfID())
	if err != nil {
		e.logger.Debug().Err(err).Msg("delivery ack not encoded")
		return
	}
	if err := e.send(ctx, frame); err != nil {
		e.logger.Debug().Err(err).Str("message_id", msg.ID).Msg("delivery ack not sent")
	}
}

func (e *Engine) preferences() notify.Preferences {
	if e.prefs == nil {
		return notify.DefaultPreferences()
	}
	return e.prefs.Preferences()
}

// forget drops per-conversation state outside the store once the store has
// removed key. An in-flight fetch for key finds no conversation on
// completion and is dropped.
func (e *Engine) forget(ctx context.Context, key models.ConversationKey) {
	e.scroll.Forget(key)
	if e.typing.Active() == key {
		e.typing.SetActive(models.ConversationKey{})
	}
	e.uncacheConversation(ctx, key)
}
