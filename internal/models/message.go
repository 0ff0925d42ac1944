package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// MessageKind categorizes message content.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindCall   MessageKind = "call"
	MessageKindSystem MessageKind = "system"
	MessageKindFile   MessageKind = "file"
)

// DeliveryState is the per-recipient progression of a message.
// The zero value is "unknown" and orders below Sent.
type DeliveryState int

const (
	DeliveryUnknown DeliveryState = iota
	DeliverySent
	DeliveryDelivered
	DeliverySeen
)

var deliveryStateNames = map[DeliveryState]string{
	DeliveryUnknown:   "unknown",
	DeliverySent:      "sent",
	DeliveryDelivered: "delivered",
	DeliverySeen:      "seen",
}

func (s DeliveryState) String() string {
	if name, ok := deliveryStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("DeliveryState(%d)", int(s))
}

// ParseDeliveryState accepts the wire names, case-insensitively.
// "read" is accepted as an alias of "seen".
func ParseDeliveryState(value string) (DeliveryState, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "sent":
		return DeliverySent, nil
	case "delivered":
		return DeliveryDelivered, nil
	case "seen", "read":
		return DeliverySeen, nil
	}
	return DeliveryUnknown, fmt.Errorf("%w: %q", ErrInvalidDeliveryState, value)
}

// MarshalJSON encodes the state by name.
func (s DeliveryState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the state from its name.
func (s *DeliveryState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseDeliveryState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// DeliveryStatus is one recipient's delivery state.
type DeliveryStatus struct {
	Status    DeliveryState `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"user_id"`
}

// Participant is sender/recipient metadata embedded in pushed messages.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// ChannelInfo is channel metadata embedded in pushed channel messages.
type ChannelInfo struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Avatar    string   `json:"avatar,omitempty"`
	MemberIDs []string `json:"member_ids,omitempty"`
}

// Message is a single chat message. Identity is ID, stable across pagination and push.
type Message struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"sender_id"`
	RecipientID string      `json:"recipient_id,omitempty"`
	ChannelID   string      `json:"channel_id,omitempty"`
	Body        string      `json:"body"`
	Kind        MessageKind `json:"kind,omitempty"`
	Mentions    []string    `json:"mentions,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Edited    bool      `json:"edited,omitempty"`

	DeliveryStatuses map[string]DeliveryStatus `json:"delivery_statuses,omitempty"`
	Reactions        []Reaction                `json:"reactions,omitempty"`
	IsPinned         bool                      `json:"is_pinned,omitempty"`
	IsFavorite       bool                      `json:"is_favorite,omitempty"`

	Sender    *Participant `json:"sender,omitempty"`
	Recipient *Participant `json:"recipient,omitempty"`
	Channel   *ChannelInfo `json:"channel,omitempty"`
}

// Validate checks the identity and target fields required to place a message.
func (m *Message) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(m.ID) == "" {
		validation.Add("id", ErrMissingMessageID)
	}
	if strings.TrimSpace(m.SenderID) == "" {
		validation.Add("sender_id", ErrMissingSenderID)
	}
	hasRecipient := strings.TrimSpace(m.RecipientID) != ""
	hasChannel := strings.TrimSpace(m.ChannelID) != ""
	if hasRecipient == hasChannel {
		validation.Add("target", ErrInvalidMessageTarget)
	}
	return validation.Err()
}

// OwningKey resolves the conversation a message belongs to from selfID's point of view:
// the channel, or whichever of sender/recipient is not self.
func (m *Message) OwningKey(selfID string) ConversationKey {
	if m.ChannelID != "" {
		return GroupKey(m.ChannelID)
	}
	if m.SenderID == selfID {
		return DirectKey(m.RecipientID)
	}
	return DirectKey(m.SenderID)
}

// MentionsUser reports whether userID is in the mention list.
func (m *Message) MentionsUser(userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range m.Mentions {
		if id == userID {
			return true
		}
	}
	return false
}

// IsCall reports whether the message is call signaling.
func (m *Message) IsCall() bool {
	return m.Kind == MessageKindCall
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	out := m
	if m.Mentions != nil {
		out.Mentions = append([]string(nil), m.Mentions...)
	}
	if m.DeliveryStatuses != nil {
		out.DeliveryStatuses = make(map[string]DeliveryStatus, len(m.DeliveryStatuses))
		for k, v := range m.DeliveryStatuses {
			out.DeliveryStatuses[k] = v
		}
	}
	if m.Reactions != nil {
		out.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.Sender != nil {
		p := *m.Sender
		out.Sender = &p
	}
	if m.Recipient != nil {
		p := *m.Recipient
		out.Recipient = &p
	}
	if m.Channel != nil {
		ch := *m.Channel
		ch.MemberIDs = append([]string(nil), m.Channel.MemberIDs...)
		out.Channel = &ch
	}
	return out
}

// NormalizeReactions drops duplicate (emoji, user) pairs and sorts the result.
func NormalizeReactions(reactions []Reaction) []Reaction {
	if len(reactions) == 0 {
		return nil
	}
	seen := make(map[Reaction]struct{}, len(reactions))
	out := make([]Reaction, 0, len(reactions))
	for _, r := range reactions {
		if r.Emoji == "" || r.UserID == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Emoji != out[j].Emoji {
			return out[i].Emoji < out[j].Emoji
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Page is one batch returned by a backward-paging fetch, oldest first.
type Page struct {
	Messages   []Message `json:"messages"`
	NextOffset int       `json:"next_offset"`
	HasMore    bool      `json:"has_more"`
}

// TimelineSection is a day bucket of a conversation's visible history.
type TimelineSection struct {
	Day      string    `json:"day"` // YYYY-MM-DD in the store's location
	Date     time.Time `json:"date"`
	Messages []Message `json:"messages"`
}
