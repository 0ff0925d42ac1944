package models

import (
	"time"
)

// EventType categorizes store change events.
type EventType string

const (
	// Directory events
	EventTypeDirectoryChanged    EventType = "directory.changed"
	EventTypeConversationUpdated EventType = "conversation.updated"
	EventTypeConversationRemoved EventType = "conversation.removed"
	EventTypeSelectionChanged    EventType = "selection.changed"

	// Timeline events
	EventTypeMessageAdded   EventType = "message.added"
	EventTypeMessageUpdated EventType = "message.updated"
	EventTypeMessageDeleted EventType = "message.deleted"
	EventTypePagePrepended  EventType = "page.prepended"

	// Counters
	EventTypeUnreadChanged EventType = "unread.changed"

	// Presence
	EventTypePresenceChanged EventType = "presence.changed"
)

// Event describes one applied store mutation. Events are a read-only
// projection feed; subscribers re-read the store for the full state.
type Event struct {
	// Timestamp is the store clock when the mutation applied.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// Key is the affected conversation (zero for directory-wide events).
	Key ConversationKey `json:"key,omitempty"`

	// MessageID is the affected message, if any.
	MessageID string `json:"message_id,omitempty"`

	// UserID is the affected user for presence events.
	UserID string `json:"user_id,omitempty"`

	// Count carries the number of inserted messages for page events.
	Count int `json:"count,omitempty"`
}
