// Package notify decides whether an incoming message should make noise and
// drives the notification sink (sound, system notification, title blinking).
package notify

import (
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/mute"
)

// DefaultPreviewLength bounds the body preview in display cells.
const DefaultPreviewLength = 80

// Reason names the rule that produced a Decision.
type Reason string

const (
	ReasonCall         Reason = "call"
	ReasonMuted        Reason = "muted"
	ReasonDoNotDisturb Reason = "do_not_disturb"
	ReasonSelf         Reason = "self"
	ReasonViewing      Reason = "viewing"
	ReasonDispatch     Reason = "dispatch"
)

// Preferences are the user's persisted notification toggles.
type Preferences struct {
	Sound         bool `json:"sound"`
	Notifications bool `json:"notifications"`
}

// DefaultPreferences enables everything.
func DefaultPreferences() Preferences {
	return Preferences{Sound: true, Notifications: true}
}

// Input is everything the policy looks at for one message.
type Input struct {
	Message      models.Message
	Conversation models.Conversation
	SelfID       string

	// Visible is true when the surface is foregrounded.
	Visible bool
	// Active is true when Conversation is the selected one.
	Active bool

	// TotalUnread is the directory-wide unread count after the message was applied.
	TotalUnread int

	Preferences Preferences
	Now         time.Time
}

// Decision is the outcome of Decide.
type Decision struct {
	Sound     bool
	System    bool
	Attention bool
	Reason    Reason

	Key         models.ConversationKey
	Title       string
	Preview     string
	TotalUnread int
}

// Silent reports whether the decision produces no side effect.
func (d Decision) Silent() bool {
	return !d.Sound && !d.System && !d.Attention
}

// Policy evaluates the notification rules.
type Policy struct {
	mutes         *mute.Registry
	previewLength int
}

// NewPolicy creates a policy. mutes may be nil, in which case only the
// conversation's own mute window is consulted.
func NewPolicy(mutes *mute.Registry, previewLength int) *Policy {
	if previewLength <= 0 {
		previewLength = DefaultPreviewLength
	}
	return &Policy{mutes: mutes, previewLength: previewLength}
}

// Decide applies the rules in order; the first that matches wins.
func (p *Policy) Decide(in Input) Decision {
	d := Decision{Key: in.Conversation.Key, TotalUnread: in.TotalUnread}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	switch {
	case in.Message.IsCall():
		d.Reason = ReasonCall
		return d
	case p.muted(in.Conversation, now):
		d.Reason = ReasonMuted
		return d
	case in.Conversation.DoNotDisturb:
		d.Reason = ReasonDoNotDisturb
		return d
	case in.Message.SenderID == in.SelfID:
		d.Reason = ReasonSelf
		return d
	case in.Visible && in.Active:
		d.Reason = ReasonViewing
		return d
	}

	d.Reason = ReasonDispatch
	d.Sound = in.Preferences.Sound
	d.System = !in.Visible && in.Preferences.Notifications
	d.Attention = !in.Visible
	d.Title = notificationTitle(in)
	d.Preview = TruncatePreview(in.Message.Body, p.previewLength)
	return d
}

func (p *Policy) muted(conv models.Conversation, now time.Time) bool {
	if conv.Mute.Active(now) {
		return true
	}
	return p.mutes != nil && p.mutes.IsMuted(conv.Key, now)
}

func notificationTitle(in Input) string {
	sender := in.Message.SenderID
	if in.Message.Sender != nil && in.Message.Sender.Name != "" {
		sender = in.Message.Sender.Name
	}
	if in.Conversation.Key.Kind == models.ConversationGroup {
		name := in.Conversation.Name
		if name == "" {
			name = in.Conversation.Key.ID
		}
		return name + " · " + sender
	}
	return sender
}

// TruncatePreview collapses whitespace and cuts s to maxWidth display cells,
// ending with an ellipsis when shortened.
func TruncatePreview(s string, maxWidth int) string {
	s = strings.Join(strings.Fields(s), " ")
	if maxWidth <= 0 || runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	return runewidth.Truncate(s, maxWidth, "…")
}
