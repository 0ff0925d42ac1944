// Package models defines the core domain types for chatsync.
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ConversationKind distinguishes 1:1 threads from channels.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// ConversationKey is the identity of a conversation: (kind, id).
// For direct conversations the ID is the peer's user id; for groups it is the channel id.
type ConversationKey struct {
	Kind ConversationKind `json:"kind"`
	ID   string           `json:"id"`
}

// DirectKey builds the key for a 1:1 conversation with peerID.
func DirectKey(peerID string) ConversationKey {
	return ConversationKey{Kind: ConversationDirect, ID: peerID}
}

// GroupKey builds the key for a channel conversation.
func GroupKey(channelID string) ConversationKey {
	return ConversationKey{Kind: ConversationGroup, ID: channelID}
}

// String renders the key as "kind:id".
func (k ConversationKey) String() string {
	return string(k.Kind) + ":" + k.ID
}

// IsZero reports whether the key is unset.
func (k ConversationKey) IsZero() bool {
	return k.Kind == "" && k.ID == ""
}

// Validate checks that the key names a known kind and a non-empty id.
func (k ConversationKey) Validate() error {
	validation := &ValidationErrors{}
	switch k.Kind {
	case ConversationDirect, ConversationGroup:
	default:
		validation.Add("kind", ErrInvalidConversationKind)
	}
	if strings.TrimSpace(k.ID) == "" {
		validation.Add("id", ErrMissingConversationID)
	}
	return validation.Err()
}

// ParseConversationKey parses the "kind:id" form produced by String.
func ParseConversationKey(value string) (ConversationKey, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return ConversationKey{}, fmt.Errorf("parse conversation key %q: %w", value, ErrInvalidConversationKind)
	}
	key := ConversationKey{Kind: ConversationKind(kind), ID: id}
	if err := key.Validate(); err != nil {
		return ConversationKey{}, fmt.Errorf("parse conversation key %q: %w", value, err)
	}
	return key, nil
}

// MuteWindow silences notifications for a conversation until Until.
type MuteWindow struct {
	Until    time.Time     `json:"until"`
	Duration time.Duration `json:"duration"`
}

// Active reports whether the window still silences at now.
func (w *MuteWindow) Active(now time.Time) bool {
	if w == nil {
		return false
	}
	return now.Before(w.Until)
}

// Conversation is a directory entry: a Direct or Group thread.
type Conversation struct {
	Key    ConversationKey `json:"key"`
	Name   string          `json:"name"`
	Avatar string          `json:"avatar,omitempty"`
	Color  string          `json:"color,omitempty"`

	Pinned           bool       `json:"pinned"`
	LatestActivityAt *time.Time `json:"latest_activity_at,omitempty"`
	LastMessage      *Message   `json:"last_message,omitempty"`
	LastReadAt       *time.Time `json:"last_read_at,omitempty"`

	UnreadCount       int  `json:"unread_count"`
	HasUnreadMentions bool `json:"has_unread_mentions"`

	Mute         *MuteWindow `json:"mute_window,omitempty"`
	DoNotDisturb bool        `json:"do_not_disturb,omitempty"` // direct only

	MemberIDs   []string          `json:"member_ids,omitempty"`   // group only
	MemberRoles map[string]string `json:"member_roles,omitempty"` // group only
}

// Normalize clamps counters and enforces unread_count == 0 => no unread mentions.
func (c *Conversation) Normalize() {
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	if c.UnreadCount == 0 {
		c.HasUnreadMentions = false
	}
	if c.Key.Kind != ConversationDirect {
		c.DoNotDisturb = false
	}
}

// HasMember reports whether userID is a member of a group conversation.
func (c *Conversation) HasMember(userID string) bool {
	for _, id := range c.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to readers.
func (c Conversation) Clone() Conversation {
	out := c
	if c.LatestActivityAt != nil {
		t := *c.LatestActivityAt
		out.LatestActivityAt = &t
	}
	if c.LastReadAt != nil {
		t := *c.LastReadAt
		out.LastReadAt = &t
	}
	if c.LastMessage != nil {
		msg := c.LastMessage.Clone()
		out.LastMessage = &msg
	}
	if c.Mute != nil {
		w := *c.Mute
		out.Mute = &w
	}
	if c.MemberIDs != nil {
		out.MemberIDs = append([]string(nil), c.MemberIDs...)
	}
	if c.MemberRoles != nil {
		out.MemberRoles = make(map[string]string, len(c.MemberRoles))
		for k, v := range c.MemberRoles {
			out.MemberRoles[k] = v
		}
	}
	return out
}

// NormalizeMemberIDs trims, de-duplicates and sorts member ids.
func NormalizeMemberIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
