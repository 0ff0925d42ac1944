// Package push decodes push-channel frames and carries them over WebSocket or NATS.
package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tOgg1/chatsync/internal/models"
)

// Inbound event names.
const (
	EventReceiveMessage         = "receive-message"
	EventMessageStatusUpdated   = "message-status-updated"
	EventMessageDeleted         = "message-deleted"
	EventMessageUpdated         = "message-updated"
	EventMessagePin             = "message-pin"
	EventMessageFavorite        = "message-favorite"
	EventMessageReactionUpdated = "message-reaction-updated"
	EventChatMuted              = "chat-muted"
	EventChatUnmuted            = "chat-unmuted"
	EventChatPinUpdated         = "chat-pin-updated"
	EventUserStatusUpdate       = "user-status-update"
	EventBulkStatusUpdate       = "bulk-status-update"
	EventChannelAdded           = "channel-added"
	EventChannelDeleted         = "channel-deleted"
	EventMembersAdded           = "members-added"
	EventMemberLeft             = "member-left"
	EventDoNotDisturbUpdated    = "do-not-disturb-updated"
	EventMemberStatusUpdated    = "member-status-updated"
	EventTypingStart            = "typing-start"
	EventTypingStop             = "typing-stop"
)

// Outbound event names. Typing reuses the inbound names.
const (
	EventPresenceUpdate   = "presence-update"
	EventMessageDelivered = "message-delivered"
)

// ErrUnknownEvent is returned for frames whose event name is not handled.
var ErrUnknownEvent = errors.New("unknown event")

// Envelope is the JSON frame carried by every transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is a decoded inbound frame.
type Event interface {
	EventName() string
}

// ReceiveMessage delivers a new message.
type ReceiveMessage struct {
	Message models.Message
}

// MessageStatusUpdated reports one recipient's delivery progress.
type MessageStatusUpdated struct {
	MessageID string
	UserID    string
	Status    models.DeliveryState
	At        time.Time
}

// MessageDeleted removes a message, optionally promoting Replacement to the
// conversation's last message.
type MessageDeleted struct {
	MessageID   string
	Replacement *models.Message
}

// MessageUpdated carries an edit. Only ID and the edited fields are meaningful.
type MessageUpdated struct {
	Message models.Message
}

// MessagePin sets a message's pinned flag.
type MessagePin struct {
	MessageID string
	Pinned    bool
}

// MessageFavorite sets a message's favorite flag.
type MessageFavorite struct {
	MessageID string
	Favorite  bool
}

// MessageReactionUpdated replaces a message's reactions.
type MessageReactionUpdated struct {
	MessageID string
	Reactions []models.Reaction
}

// ChatMuted opens a mute window. Until may be zero when only Duration is sent.
type ChatMuted struct {
	Key    models.ConversationKey
	Window models.MuteWindow
}

// ChatUnmuted clears a mute window.
type ChatUnmuted struct {
	Key models.ConversationKey
}

// ChatPinUpdated pins or unpins a conversation.
type ChatPinUpdated struct {
	Key    models.ConversationKey
	Pinned bool
}

// UserStatusUpdate reports one user's presence.
type UserStatusUpdate struct {
	UserID string
	Status models.PresenceStatus
}

// BulkStatusUpdate reports many users' presence at once.
type BulkStatusUpdate struct {
	Statuses map[string]models.PresenceStatus
}

// ChannelAdded adds or refreshes a group conversation.
type ChannelAdded struct {
	Conversation models.Conversation
}

// ChannelDeleted removes a group conversation.
type ChannelDeleted struct {
	Key models.ConversationKey
}

// MembersAdded adds users to a group.
type MembersAdded struct {
	Key     models.ConversationKey
	UserIDs []string
}

// MemberLeft removes a user from a group.
type MemberLeft struct {
	Key    models.ConversationKey
	UserID string
}

// DoNotDisturbUpdated toggles do-not-disturb on a direct conversation.
type DoNotDisturbUpdated struct {
	Key     models.ConversationKey
	Enabled bool
}

// MemberStatusUpdated sets a member's role in a group.
type MemberStatusUpdated struct {
	Key    models.ConversationKey
	UserID string
	Role   string
}

// TypingStart marks a user as typing in a conversation.
type TypingStart struct {
	Key    models.ConversationKey
	UserID string
}

// TypingStop clears a typing indicator.
type TypingStop struct {
	Key    models.ConversationKey
	UserID string
}

func (ReceiveMessage) EventName() string         { return EventReceiveMessage }
func (MessageStatusUpdated) EventName() string   { return EventMessageStatusUpdated }
func (MessageDeleted) EventName() string         { return EventMessageDeleted }
func (MessageUpdated) EventName() string         { return EventMessageUpdated }
func (MessagePin) EventName() string             { return EventMessagePin }
func (MessageFavorite) EventName() string        { return EventMessageFavorite }
func (MessageReactionUpdated) EventName() string { return EventMessageReactionUpdated }
func (ChatMuted) EventName() string              { return EventChatMuted }
func (ChatUnmuted) EventName() string            { return EventChatUnmuted }
func (ChatPinUpdated) EventName() string         { return EventChatPinUpdated }
func (UserStatusUpdate) EventName() string       { return EventUserStatusUpdate }
func (BulkStatusUpdate) EventName() string       { return EventBulkStatusUpdate }
func (ChannelAdded) EventName() string           { return EventChannelAdded }
func (ChannelDeleted) EventName() string         { return EventChannelDeleted }
func (MembersAdded) EventName() string           { return EventMembersAdded }
func (MemberLeft) EventName() string             { return EventMemberLeft }
func (DoNotDisturbUpdated) EventName() string    { return EventDoNotDisturbUpdated }
func (MemberStatusUpdated) EventName() string    { return EventMemberStatusUpdated }
func (TypingStart) EventName() string            { return EventTypingStart }
func (TypingStop) EventName() string             { return EventTypingStop }

// Wire payloads.

type conversationRef struct {
	Kind string `json:"conversation_kind"`
	ID   string `json:"conversation_id"`
}

func (r conversationRef) key() (models.ConversationKey, error) {
	kind := models.ConversationKind(strings.ToLower(strings.TrimSpace(r.Kind)))
	key := models.ConversationKey{Kind: kind, ID: strings.TrimSpace(r.ID)}
	if err := key.Validate(); err != nil {
		return models.ConversationKey{}, err
	}
	return key, nil
}

type statusPayload struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type deletedPayload struct {
	MessageID   string          `json:"message_id"`
	Replacement *models.Message `json:"replacement,omitempty"`
}

type flagPayload struct {
	MessageID string `json:"message_id"`
	Flag      bool   `json:"flag"`
}

type reactionsPayload struct {
	MessageID string            `json:"message_id"`
	Reactions []models.Reaction `json:"reactions"`
}

type mutePayload struct {
	conversationRef
	Until           time.Time `json:"until"`
	DurationSeconds int64     `json:"duration_seconds"`
}

type pinPayload struct {
	conversationRef
	Pinned bool `json:"pinned"`
}

type presencePayload struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type bulkPresencePayload struct {
	Statuses map[string]string `json:"statuses"`
}

type channelPayload struct {
	ChannelID   string            `json:"channel_id"`
	Name        string            `json:"name"`
	Avatar      string            `json:"avatar,omitempty"`
	Color       string            `json:"color,omitempty"`
	Pinned      bool              `json:"pinned,omitempty"`
	MemberIDs   []string          `json:"member_ids,omitempty"`
	MemberRoles map[string]string `json:"member_roles,omitempty"`
}

type membersPayload struct {
	ChannelID string   `json:"channel_id"`
	UserIDs   []string `json:"user_ids"`
}

type memberPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status,omitempty"`
}

type dndPayload struct {
	UserID  string `json:"user_id"`
	Enabled bool   `json:"enabled"`
}

type typingPayload struct {
	conversationRef
	UserID string `json:"user_id,omitempty"`
}

// Decode parses one frame. Structural problems and missing ids return an
// error wrapping models.ErrMalformedEvent; unhandled names wrap ErrUnknownEvent.
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %w", models.ErrMalformedEvent, err)
	}
	name := strings.TrimSpace(env.Event)
	if name == "" {
		return nil, fmt.Errorf("%w: missing event name", models.ErrMalformedEvent)
	}
	decode, ok := decoders[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, fmt.Errorf("%w: %s: missing data", models.ErrMalformedEvent, name)
	}
	ev, err := decode(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrMalformedEvent, name, err)
	}
	return ev, nil
}

// EventName extracts the event name from a frame without decoding its data.
func EventName(frame []byte) string {
	var env struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return ""
	}
	return strings.TrimSpace(env.Event)
}

var decoders = map[string]func(json.RawMessage) (Event, error){
	EventReceiveMessage: func(data json.RawMessage) (Event, error) {
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		if err := msg.Validate(); err != nil {
			return nil, err
		}
		return ReceiveMessage{Message: msg}, nil
	},
	EventMessageStatusUpdated: func(data json.RawMessage) (Event, error) {
		var p statusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if err := requireIDs("message_id", p.MessageID, "user_id", p.UserID); err != nil {
			return nil, err
		}
		status, err := models.ParseDeliveryState(p.Status)
		if err != nil {
			return nil, err
		}
		return MessageStatusUpdated{MessageID: p.MessageID, UserID: p.UserID, Status: status, At: p.UpdatedAt}, nil
	},
	EventMessageDeleted: func(data json.RawMessage) (Event, error) {
		var p deletedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if err := requireIDs("message_id", p.MessageID); err != nil {
			return nil, err
		}
		if p.Replacement != nil {
			if err := p.Replacement.Validate(); err != nil {
				return nil, fmt.Errorf("replacement: %w", err)
			}
		}
		return MessageDeleted{MessageID: p.MessageID, Replacement: p.Replacement}, nil
	},
	EventMessageUpdated: func(data json.RawMessage) (Event, error) {
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		if err := requireIDs("id", msg.ID); err != nil {
			return nil, err
		}
		return MessageUpdated{Message: msg}, nil
	},
	EventMessagePin: func(data json.RawMessage) (Event, error) {
		p, err := decodeFlag(data)
		if err != nil {
			return nil, err
		}
		return MessagePin{MessageID: p.MessageID, Pinned: p.Flag}, nil
	},
	EventMessageFavorite: func(data json.RawMessage) (Event, error) {
		p, err := decodeFlag(data)
		if err != nil {
			return nil, err
		}
		return MessageFavorite{MessageID: p.MessageID, Favorite: p.Flag}, nil
	},
	EventMessageReactionUpdated: func(data json.RawMessage) (Event, error) {
		var p reactionsPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if err := requireIDs("message_id", p.MessageID); err != nil {
			return nil, err
		}
		return MessageReactionUpdated{MessageID: p.MessageID, Reactions: p.Reactions}, nil
	},
	EventChatMuted: func(data json.RawMessage) (Event, error) {
		var p mutePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		key, err := p.key()
		if err != nil {
			return nil, err
		}
		if p.Until.IsZero() && p.DurationSeconds <= 0 {
			return nil, errors.New("until or duration_seconds is required")
		}
		window := models.MuteWindow{Until: p.Until, Duration: time.Duration(p.DurationSeconds) * time.Second}
		return ChatMuted{Key: key, Window: window}, nil
	},
	EventChatUnmuted: func(data json.RawMessage) (Event, error) {
		key, err := decodeRef(data)
		if err != nil {
			return nil, err
		}
		return ChatUnmuted{Key: key}, nil
	},
	EventChatPinUpdated: func(data json.RawMessage) (Event, error) {
		var p pinPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		key, err := p.key()
		if err != nil {
			return nil, err
		}
		return ChatPinUpdated{Key: key, Pinned: p.Pinned}, nil
	},
	EventUserStatusUpdate: func(data json.RawMessage) (Event, error) {
		var p presencePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if err := requireIDs("user_id", p.UserID); err != nil {
			return nil, err
		}
		status, err := models.ParsePresenceStatus(p.Status)
		if err != nil {
			return nil, err
		}
		return UserStatusUpdate{UserID: p.UserID, Status: status}, nil
	},
	EventBulkStatusUpdate: func(data json.RawMessage) (Event, error) {
		var p bulkPresencePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		statuses := make(map[string]models.PresenceStatus, len(p.Statuses))
		for userID, raw := range p.Statuses {
			if strings.TrimSpace(userID) == "" {
				return nil, errors.New("statuses: empty user id")
			}
			status, err := models.ParsePresenceStatus(raw)
			if err != nil {
				return nil, fmt.Errorf("statuses[%s]: %w", userID, err)
			}
			statuses[userID] = status
		}
		return BulkStatusUpdate{Statuses: statuses}, nil
	},
	EventChannelAdded: func(data json.RawMessage) (Event, error) {
		var p channelPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if err := requireIDs("channel_id", p.ChannelID); err != nil {
			return nil, err
		}
		conv := models.Conversation{
			Key:         models.GroupKey(p.ChannelID),
			Name:        p.Name,
			Avatar:      p.Avatar,
			Color:       p.Color,
			Pinned:      p.Pinned,
			MemberIDs:   models.NormalizeMemberIDs(p.MemberIDs),
			MemberRoles: p.MemberRoles,
		}
		return ChannelAdded{Conversation: conv}, nil
	},
	EventChannelDeleted: func(data json.RawMessage) (Event, error) {
		var p memberPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if err := requireIDs("channel_id", p.ChannelID); err != nil {
			return nil, err
		}
		return ChannelDeleted{Key: models.GroupKey(p.ChannelID)}, nil
	},
	EventMembersAdded: func(data json.RawMessage) (Event, error) {
		var p membersPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if err := requireIDs("channel_id", p.ChannelID); err != nil {
			return nil, err
		}
		ids := models.NormalizeMemberIDs(p.UserIDs)
		if len(ids) == 0 {
			return nil, errors.New("user_ids is required")
		}
		return MembersAdded{Key: models.GroupKey(p.ChannelID), UserIDs: ids}, nil
	},
	EventMemberLeft: func(data json.RawMessage) (Event, error) {
		var p memberPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if err := requireIDs("channel_id", p.ChannelID, "user_id", p.UserID); err != nil {
			return nil, err
		}
		return MemberLeft{Key: models.GroupKey(p.ChannelID), UserID: p.UserID}, nil
	},
	EventDoNotDisturbUpdated: func(data json.RawMessage) (Event, error) {
		var p dndPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if err := requireIDs("user_id", p.UserID); err != nil {
			return nil, err
		}
		return DoNotDisturbUpdated{Key: models.DirectKey(p.UserID), Enabled: p.Enabled}, nil
	},
	EventMemberStatusUpdated: func(data json.RawMessage) (Event, error) {
		var p memberPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		if err := requireIDs("channel_id", p.ChannelID, "user_id", p.UserID); err != nil {
			return nil, err
		}
		return MemberStatusUpdated{Key: models.GroupKey(p.ChannelID), UserID: p.UserID, Role: strings.TrimSpace(p.Status)}, nil
	},
	EventTypingStart: func(data json.RawMessage) (Event, error) {
		key, userID, err := decodeTyping(data)
		if err != nil {
			return nil, err
		}
		return TypingStart{Key: key, UserID: userID}, nil
	},
	EventTypingStop: func(data json.RawMessage) (Event, error) {
		key, userID, err := decodeTyping(data)
		if err != nil {
			return nil, err
		}
		return TypingStop{Key: key, UserID: userID}, nil
	},
}

func decodeFlag(data json.RawMessage) (flagPayload, error) {
	var p flagPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return flagPayload{}, err
	}
	if err := requireIDs("message_id", p.MessageID); err != nil {
		return flagPayload{}, err
	}
	return p, nil
}

func decodeRef(data json.RawMessage) (models.ConversationKey, error) {
	var ref conversationRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return models.ConversationKey{}, err
	}
	return ref.key()
}

func decodeTyping(data json.RawMessage) (models.ConversationKey, string, error) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.ConversationKey{}, "", err
	}
	key, err := p.key()
	if err != nil {
		return models.ConversationKey{}, "", err
	}
	if err := requireIDs("user_id", p.UserID); err != nil {
		return models.ConversationKey{}, "", err
	}
	return key, p.UserID, nil
}

// requireIDs takes (field, value) pairs.
func requireIDs(pairs ...string) error {
	validation := &models.ValidationErrors{}
	for i := 0; i+1 < len(pairs); i += 2 {
		validation.Require(pairs[i], pairs[i+1])
	}
	return validation.Err()
}

// Encode wraps data in an envelope.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// EncodePresence builds a presence-update frame. Only active and away are sent.
func EncodePresence(status models.PresenceStatus) ([]byte, error) {
	if status != models.PresenceActive && status != models.PresenceAway {
		return nil, fmt.Errorf("encode %s: %w: %q", EventPresenceUpdate, models.ErrInvalidPresence, status)
	}
	return Encode(EventPresenceUpdate, struct {
		Status models.PresenceStatus `json:"status"`
	}{Status: status})
}

// EncodeTyping builds a typing-start or typing-stop frame for key.
func EncodeTyping(key models.ConversationKey, typing bool) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("encode typing: %w", err)
	}
	event := EventTypingStop
	if typing {
		event = EventTypingStart
	}
	return Encode(event, conversationRef{Kind: string(key.Kind), ID: key.ID})
}

// EncodeDelivered builds a message-delivered acknowledgment.
func EncodeDelivered(messageID, userID string) ([]byte, error) {
	if err := requireIDs("message_id", messageID, "user_id", userID); err != nil {
		return nil, fmt.Errorf("encode %s: %w", EventMessageDelivered, err)
	}
	return Encode(EventMessageDelivered, struct {
		MessageID string `json:"message_id"`
		UserID    string `json:"user_id"`
	}{MessageID: messageID, UserID: userID})
}
