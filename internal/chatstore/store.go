// Package chatstore holds the client-side projection of conversations and
// their message timelines. It is the only writer of conversation and
// message records; every getter returns clones.
package chatstore

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatsync/internal/events"
	"github.com/tOgg1/chatsync/internal/logging"
	"github.com/tOgg1/chatsync/internal/models"
	"github.com/tOgg1/chatsync/internal/mute"
)

// ErrUnknownConversation is returned by operations that need an existing conversation.
var ErrUnknownConversation = errors.New("unknown conversation")

// SelectionStore persists the last selected conversation. A nil key clears it.
type SelectionStore interface {
	SaveSelection(key *models.ConversationKey) error
}

// Config configures a Store.
type Config struct {
	// SelfID is the current user's id.
	SelfID string

	// Location buckets timeline sections by calendar day (default time.Local).
	Location *time.Location

	// Now is the store clock (default time.Now).
	Now func() time.Time

	// Mutes mirrors conversation mute windows for the notification policy.
	Mutes *mute.Registry

	// Publisher receives change events after each applied mutation.
	Publisher events.Publisher

	// Selection persists the active conversation.
	Selection SelectionStore

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// listSeed is the part of a directory entry that can diverge locally.
type listSeed struct {
	unread   int
	mentions bool
	mute     *models.MuteWindow
}

type pageState struct {
	ids        []string
	nextOffset int
	hasMore    bool
	fetched    bool // false for a page opened only to hold live messages
}

type conversationState struct {
	conv models.Conversation

	// seed is the last directory entry applied; nil if no list ever held it.
	seed *listSeed

	pages    []pageState // oldest first
	messages map[string]*models.Message
	timeline []string // message ids ordered by created_at

	// unread holds ids counted by this store since the last read or seed,
	// mapped to whether they mention the current user.
	unread        map[string]bool
	seededMention bool
}

func newConversationState(conv models.Conversation) *conversationState {
	conv.Normalize()
	return &conversationState{
		conv:          conv,
		messages:      make(map[string]*models.Message),
		unread:        make(map[string]bool),
		seededMention: conv.HasUnreadMentions,
	}
}

// Store is the conversation store.
type Store struct {
	mu sync.RWMutex

	selfID string
	loc    *time.Location
	now    func() time.Time
	mutes  *mute.Registry
	pub    events.Publisher
	sel    SelectionStore
	logger zerolog.Logger

	convs      map[models.ConversationKey]*conversationState
	order      []models.ConversationKey
	index      map[string]models.ConversationKey // message id -> owner
	active     *models.ConversationKey
	foreground bool
	presence   map[string]models.PresenceStatus
}

// New creates an empty store.
func New(cfg Config) *Store {
	s := &Store{
		selfID:     cfg.SelfID,
		loc:        cfg.Location,
		now:        cfg.Now,
		mutes:      cfg.Mutes,
		pub:        cfg.Publisher,
		sel:        cfg.Selection,
		convs:      make(map[models.ConversationKey]*conversationState),
		index:      make(map[string]models.ConversationKey),
		presence:   make(map[string]models.PresenceStatus),
		foreground: true,
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.mutes == nil {
		s.mutes = mute.NewRegistry(s.now)
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	} else {
		s.logger = logging.Component("chatstore")
	}
	return s
}

// SelfID returns the current user's id.
func (s *Store) SelfID() string {
	return s.selfID
}

// Mutes returns the mute registry the store keeps in sync.
func (s *Store) Mutes() *mute.Registry {
	return s.mutes
}

// Now returns the store clock.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) event(typ models.EventType, key models.ConversationKey, messageID string) *models.Event {
	return &models.Event{Timestamp: s.now(), Type: typ, Key: key, MessageID: messageID}
}

// publish must be called without holding s.mu.
func (s *Store) publish(evs ...*models.Event) {
	if s.pub == nil {
		return
	}
	for _, ev := range evs {
		s.pub.Publish(context.Background(), ev)
	}
}

// ApplyConversationList replaces the directory. Unread counters, mention
// flags and mute windows are seeded from each entry unless the local value
// diverged from the previously applied entry. Conversations missing from
// the list are dropped unless they were synthesized locally and no list
// has ever contained them. Returns whether anything observable changed.
func (s *Store) ApplyConversationList(list []models.Conversation) bool {
	s.mu.Lock()

	before := s.directoryLocked()
	var activeDropped bool

	seen := make(map[models.ConversationKey]struct{}, len(list))
	order := make([]models.ConversationKey, 0, len(list)+len(s.order))

	for _, entry := range list {
		if err := entry.Key.Validate(); err != nil {
			s.logger.Warn().Err(err).Msg("conversation list entry dropped")
			continue
		}
		if _, dup := seen[entry.Key]; dup {
			continue
		}
		seen[entry.Key] = struct{}{}
		order = append(order, entry.Key)

		entry = entry.Clone()
		entry.Normalize()
		entry.MemberIDs = models.NormalizeMemberIDs(entry.MemberIDs)
		seed := &listSeed{unread: entry.UnreadCount, mentions: entry.HasUnreadMentions, mute: cloneMute(entry.Mute)}

		cs, ok := s.convs[entry.Key]
		if !ok {
			cs = newConversationState(entry)
			cs.seed = seed
			s.convs[entry.Key] = cs
			s.syncMuteLocked(entry.Key, cs.conv.Mute)
			continue
		}
		s.mergeListEntryLocked(cs, entry)
		cs.seed = seed
	}

	for _, key := range s.order {
		if _, ok := seen[key]; ok {
			continue
		}
		cs := s.convs[key]
		if cs.seed == nil {
			order = append(order, key)
			continue
		}
		s.dropLocked(key)
		if s.active != nil && *s.active == key {
			activeDropped = true
		}
	}

	s.order = order
	s.sortDirectoryLocked()

	if activeDropped {
		s.active = nil
		s.persistSelectionLocked(nil)
	}

	changed := !reflect.DeepEqual(before, s.directoryLocked())
	s.mu.Unlock()

	if changed {
		s.publish(s.event(models.EventTypeDirectoryChanged, models.ConversationKey{}, ""))
	}
	return changed
}

func (s *Store) mergeListEntryLocked(cs *conversationState, entry models.Conversation) {
	local := cs.conv

	unreadDiverged := false
	muteDiverged := false
	if cs.seed != nil {
		unreadDiverged = local.UnreadCount != cs.seed.unread || local.HasUnreadMentions != cs.seed.mentions
		muteDiverged = !sameMute(local.Mute, cs.seed.mute)
	} else {
		unreadDiverged = local.UnreadCount != 0 || local.LastReadAt != nil
		muteDiverged = local.Mute != nil
	}

	merged := entry
	if unreadDiverged {
		merged.UnreadCount = local.UnreadCount
		merged.HasUnreadMentions = local.HasUnreadMentions
	} else {
		cs.unread = make(map[string]bool)
		cs.seededMention = entry.HasUnreadMentions
	}
	if muteDiverged {
		merged.Mute = cloneMute(local.Mute)
	}
	if local.LastReadAt != nil && (merged.LastReadAt == nil || local.LastReadAt.After(*merged.LastReadAt)) {
		t := *local.LastReadAt
		merged.LastReadAt = &t
	}
	if newerMessage(local.LastMessage, merged.LastMessage) {
		msg := local.LastMessage.Clone()
		merged.LastMessage = &msg
	}
	merged.LatestActivityAt = laterTime(local.LatestActivityAt, merged.LatestActivityAt)
	if merged.MemberRoles == nil && local.MemberRoles != nil {
		merged.MemberRoles = local.MemberRoles
	}

	merged.Normalize()
	cs.conv = merged
	s.syncMuteLocked(entry.Key, merged.Mute)
}

// SelectConversation sets or clears the active conversation and persists the
// choice. Selecting a key the directory does not know creates a placeholder.
func (s *Store) SelectConversation(key *models.ConversationKey) error {
	if key != nil {
		if err := key.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	var evs []*models.Event
	if key == nil {
		s.active = nil
	} else {
		k := *key
		if _, ok := s.convs[k]; !ok {
			s.convs[k] = newConversationState(models.Conversation{Key: k, Name: k.ID})
			s.order = append(s.order, k)
			s.sortDirectoryLocked()
			evs = append(evs, s.event(models.EventTypeDirectoryChanged, models.ConversationKey{}, ""))
		}
		s.active = &k
	}
	s.persistSelectionLocked(key)
	ev := s.event(models.EventTypeSelectionChanged, models.ConversationKey{}, "")
	if key != nil {
		ev.Key = *key
	}
	evs = append(evs, ev)
	s.mu.Unlock()

	s.publish(evs...)
	return nil
}

func (s *Store) persistSelectionLocked(key *models.ConversationKey) {
	if s.sel == nil {
		return
	}
	if err := s.sel.SaveSelection(key); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist selection")
	}
}

// SetForeground records whether the surface is visible.
func (s *Store) SetForeground(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreground = visible
}

// Foreground reports whether the surface is visible.
func (s *Store) Foreground() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.foreground
}

// IsViewing reports whether key is active and the surface is visible.
func (s *Store) IsViewing(key models.ConversationKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isViewingLocked(key)
}

func (s *Store) isViewingLocked(key models.ConversationKey) bool {
	return s.foreground && s.active != nil && *s.active == key
}

// Active returns the active conversation key, if any.
func (s *Store) Active() (models.ConversationKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return models.ConversationKey{}, false
	}
	return *s.active, true
}

// Conversations returns the directory in display order.
func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.directoryLocked()
}

// Conversation returns one conversation.
func (s *Store) Conversation(key models.ConversationKey) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.convs[key]
	if !ok {
		return models.Conversation{}, false
	}
	return cs.conv.Clone(), true
}

// TotalUnread sums unread counts across the directory.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, cs := range s.convs {
		total += cs.conv.UnreadCount
	}
	return total
}

// Presence returns a user's last reported status.
func (s *Store) Presence(userID string) (models.PresenceStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.presence[userID]
	return status, ok
}

func (s *Store) directoryLocked() []models.Conversation {
	out := make([]models.Conversation, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.convs[key].conv.Clone())
	}
	return out
}

// sortDirectoryLocked puts pinned conversations first in their current
// relative order, then unpinned conversations by recency.
func (s *Store) sortDirectoryLocked() {
	pinned := make([]models.ConversationKey, 0, len(s.order))
	unpinned := make([]models.ConversationKey, 0, len(s.order))
	for _, key := range s.order {
		if s.convs[key].conv.Pinned {
			pinned = append(pinned, key)
		} else {
			unpinned = append(unpinned, key)
		}
	}
	sort.SliceStable(unpinned, func(i, j int) bool {
		return activityAfter(s.convs[unpinned[i]].conv.LatestActivityAt, s.convs[unpinned[j]].conv.LatestActivityAt)
	})
	s.order = append(pinned, unpinned...)
}

func (s *Store) pinnedCountLocked() int {
	n := 0
	for _, key := range s.order {
		if s.convs[key].conv.Pinned {
			n++
		}
	}
	return n
}

func (s *Store) removeFromOrderLocked(key models.ConversationKey) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// placeLocked repositions key: a pinned conversation keeps its slot, an
// unpinned one is inserted ahead of the first unpinned conversation with
// older activity.
func (s *Store) placeLocked(key models.ConversationKey) {
	cs := s.convs[key]
	if cs.conv.Pinned {
		for _, k := range s.order {
			if k == key {
				return
			}
		}
		s.order = append([]models.ConversationKey{key}, s.order...)
		return
	}
	s.removeFromOrderLocked(key)
	pos := s.pinnedCountLocked()
	for pos < len(s.order) {
		other := s.convs[s.order[pos]].conv.LatestActivityAt
		if !activityAfter(other, cs.conv.LatestActivityAt) {
			break
		}
		pos++
	}
	s.order = append(s.order, models.ConversationKey{})
	copy(s.order[pos+1:], s.order[pos:])
	s.order[pos] = key
}

func (s *Store) dropLocked(key models.ConversationKey) {
	cs, ok := s.convs[key]
	if !ok {
		return
	}
	for id := range cs.messages {
		if owner, ok := s.index[id]; ok && owner == key {
			delete(s.index, id)
		}
	}
	delete(s.convs, key)
	s.removeFromOrderLocked(key)
	s.mutes.Clear(key)
}

func (s *Store) syncMuteLocked(key models.ConversationKey, w *models.MuteWindow) {
	if w == nil {
		s.mutes.Clear(key)
		return
	}
	s.mutes.Set(key, *w)
}

// forEachCopy calls fn for the timeline record of messageID and for every
// last_message mirror holding it. Mirrors are refreshed by the caller's fn.
func (s *Store) forEachCopy(messageID string, fn func(key models.ConversationKey, msg *models.Message)) {
	if owner, ok := s.index[messageID]; ok {
		if cs, ok := s.convs[owner]; ok {
			if msg, ok := cs.messages[messageID]; ok {
				fn(owner, msg)
			}
		}
	}
	for _, key := range s.order {
		cs := s.convs[key]
		if cs.conv.LastMessage != nil && cs.conv.LastMessage.ID == messageID {
			fn(key, cs.conv.LastMessage)
		}
	}
}

// activityAfter orders non-nil timestamps before nil, newest first.
func activityAfter(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.After(*b)
	}
}

func laterTime(a, b *time.Time) *time.Time {
	var pick *time.Time
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		pick = b
	case b == nil:
		pick = a
	case a.After(*b):
		pick = a
	default:
		pick = b
	}
	t := *pick
	return &t
}

// newerMessage reports whether a is strictly newer than b.
func newerMessage(a, b *models.Message) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func cloneMute(w *models.MuteWindow) *models.MuteWindow {
	if w == nil {
		return nil
	}
	out := *w
	return &out
}

func sameMute(a, b *models.MuteWindow) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Until.Equal(b.Until) && a.Duration == b.Duration
}
