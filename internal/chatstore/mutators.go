package chatstore

import (
	"reflect"
	"time"

	"github.com/tOgg1/chatsync/internal/models"
)

// MarkAsRead zeroes the unread counter and mention flag of key and stamps
// LastReadAt. Returns whether the counters changed.
func (s *Store) MarkAsRead(key models.ConversationKey) bool {
	s.mu.Lock()
	cs, ok := s.convs[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	changed := s.markReadLocked(cs)
	s.mu.Unlock()

	if changed {
		s.publish(s.event(models.EventTypeUnreadChanged, key, ""))
	}
	return changed
}

func (s *Store) markReadLocked(cs *conversationState) bool {
	changed := cs.conv.UnreadCount != 0 || cs.conv.HasUnreadMentions
	cs.conv.UnreadCount = 0
	cs.conv.HasUnreadMentions = false
	cs.unread = make(map[string]bool)
	cs.seededMention = false
	now := s.now()
	cs.conv.LastReadAt = &now
	return changed
}

// recomputeMentions re-derives the mention flag from the unread ledger.
func (cs *conversationState) recomputeMentions() {
	if cs.conv.UnreadCount == 0 {
		cs.conv.HasUnreadMentions = false
		return
	}
	mentioned := cs.seededMention
	for _, m := range cs.unread {
		if m {
			mentioned = true
			break
		}
	}
	cs.conv.HasUnreadMentions = mentioned
}

// ApplyEdit updates a message in place wherever it is held. Fields the edit
// carries replace the stored ones; statuses, reactions and flags are merged.
// Unknown ids are dropped.
func (s *Store) ApplyEdit(edit models.Message) bool {
	if edit.ID == "" {
		return false
	}

	s.mu.Lock()
	changed := false
	var owner models.ConversationKey
	s.forEachCopy(edit.ID, func(key models.ConversationKey, msg *models.Message) {
		owner = key
		next := applyEditFields(*msg, edit, s.now())
		if !reflect.DeepEqual(next, *msg) {
			*msg = next
			changed = true
		}
	})
	if owner.IsZero() {
		s.mu.Unlock()
		s.logger.Debug().Str("message_id", edit.ID).Msg("edit for unknown message dropped")
		return false
	}

	if cs, ok := s.convs[owner]; ok {
		if _, counted := cs.unread[edit.ID]; counted {
			if msg, ok := cs.messages[edit.ID]; ok {
				cs.unread[edit.ID] = msg.MentionsUser(s.selfID)
			} else if cs.conv.LastMessage != nil && cs.conv.LastMessage.ID == edit.ID {
				cs.unread[edit.ID] = cs.conv.LastMessage.MentionsUser(s.selfID)
			}
			cs.recomputeMentions()
		}
	}
	s.mu.Unlock()

	if changed {
		s.publish(s.event(models.EventTypeMessageUpdated, owner, edit.ID))
	}
	return changed
}

// applyEditFields merges a possibly partial edit. An empty body keeps the
// stored one; Edited and UpdatedAt move only when the body changes.
func applyEditFields(current, edit models.Message, now time.Time) models.Message {
	out := current.Clone()
	bodyChanged := edit.Body != "" && edit.Body != current.Body
	if bodyChanged {
		out.Body = edit.Body
	}
	if edit.Mentions != nil {
		out.Mentions = append([]string(nil), edit.Mentions...)
	}
	if edit.Kind != "" {
		out.Kind = edit.Kind
	}
	if len(edit.Reactions) > 0 {
		out.Reactions = models.NormalizeReactions(edit.Reactions)
	}
	out.DeliveryStatuses = MergeStatuses(current.DeliveryStatuses, edit.DeliveryStatuses)
	out.IsPinned = current.IsPinned || edit.IsPinned
	out.IsFavorite = current.IsFavorite || edit.IsFavorite
	out.Edited = current.Edited || edit.Edited || bodyChanged
	switch {
	case !edit.UpdatedAt.IsZero() && edit.UpdatedAt.After(current.UpdatedAt):
		out.UpdatedAt = edit.UpdatedAt
	case bodyChanged && edit.UpdatedAt.IsZero():
		out.UpdatedAt = now
	}
	return out
}

// ApplyDeletion removes messageID everywhere it is held. When it was the
// owning conversation's last_message, replacement (or the new timeline
// tail) takes its place. The unread counter drops if the message was
// unread: counted by this store, or covered by a seeded counter and still
// unread for the current user. Unknown ids are dropped.
func (s *Store) ApplyDeletion(messageID string, replacement *models.Message) bool {
	if messageID == "" {
		return false
	}

	s.mu.Lock()
	var touched []models.ConversationKey
	if owner, ok := s.index[messageID]; ok {
		touched = append(touched, owner)
	}
	for _, key := range s.order {
		cs := s.convs[key]
		if cs.conv.LastMessage != nil && cs.conv.LastMessage.ID == messageID && (len(touched) == 0 || touched[0] != key) {
			touched = append(touched, key)
		}
	}
	if len(touched) == 0 {
		s.mu.Unlock()
		s.logger.Debug().Str("message_id", messageID).Msg("deletion for unknown message dropped")
		return false
	}

	var evs []*models.Event
	for _, key := range touched {
		cs := s.convs[key]
		var deleted *models.Message
		if msg, ok := cs.messages[messageID]; ok {
			deleted = msg
			delete(cs.messages, messageID)
			cs.removeTimeline(messageID)
		} else if cs.conv.LastMessage != nil && cs.conv.LastMessage.ID == messageID {
			deleted = cs.conv.LastMessage
		}
		_, counted := cs.unread[messageID]
		if !counted && deleted != nil && cs.conv.UnreadCount > len(cs.unread) {
			// Part of the counter came from a directory seed.
			counted = s.unreadLocked(cs, deleted)
		}
		if counted {
			delete(cs.unread, messageID)
			cs.conv.UnreadCount--
			if cs.conv.UnreadCount < 0 {
				cs.conv.UnreadCount = 0
			}
			if cs.conv.UnreadCount <= len(cs.unread) {
				cs.seededMention = false
			}
			cs.recomputeMentions()
			evs = append(evs, s.event(models.EventTypeUnreadChanged, key, messageID))
		}
		if cs.conv.LastMessage != nil && cs.conv.LastMessage.ID == messageID {
			switch {
			case replacement != nil && replacement.ID != "" && replacement.ID != messageID:
				last := replacement.Clone()
				cs.conv.LastMessage = &last
			case cs.tail() != nil:
				last := cs.tail().Clone()
				cs.conv.LastMessage = &last
			default:
				cs.conv.LastMessage = nil
			}
		}
		cs.conv.Normalize()
		evs = append(evs, s.event(models.EventTypeMessageDeleted, key, messageID))
	}
	delete(s.index, messageID)
	s.mu.Unlock()

	s.publish(evs...)
	return true
}

// unreadLocked reports whether msg is still unread for the current user:
// sent by someone else, newer than LastReadAt and not seen by self.
func (s *Store) unreadLocked(cs *conversationState, msg *models.Message) bool {
	if msg.SenderID == s.selfID {
		return false
	}
	if cs.conv.LastReadAt != nil && !msg.CreatedAt.After(*cs.conv.LastReadAt) {
		return false
	}
	if st, ok := msg.DeliveryStatuses[s.selfID]; ok && st.Status == models.DeliverySeen {
		return false
	}
	return true
}

// SetPinned pins or unpins a conversation. A newly pinned conversation goes
// to the top of the pinned block; an unpinned one rejoins by recency.
func (s *Store) SetPinned(key models.ConversationKey, pinned bool) bool {
	s.mu.Lock()
	cs, ok := s.convs[key]
	if !ok || cs.conv.Pinned == pinned {
		s.mu.Unlock()
		return false
	}
	cs.conv.Pinned = pinned
	s.removeFromOrderLocked(key)
	if pinned {
		s.order = append([]models.ConversationKey{key}, s.order...)
	} else {
		s.placeLocked(key)
	}
	s.mu.Unlock()

	s.publish(s.event(models.EventTypeConversationUpdated, key, ""))
	return true
}

// SetMute stores a mute window on key and in the mute registry. A window
// with only a Duration is anchored at the store clock, unless an active
// window with the same Duration is already stored, which keeps its anchor.
func (s *Store) SetMute(key models.ConversationKey, window models.MuteWindow) bool {
	s.mu.Lock()
	cs, ok := s.convs[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if window.Until.IsZero() && window.Duration > 0 {
		now := s.now()
		if cur := cs.conv.Mute; cur != nil && cur.Duration == window.Duration && cur.Until.After(now) {
			window.Until = cur.Until
		} else {
			window.Until = now.Add(window.Duration)
		}
	}
	if sameMute(cs.conv.Mute, &window) {
		s.mu.Unlock()
		return false
	}
	w := window
	cs.conv.Mute = &w
	s.syncMuteLocked(key, &w)
	s.mu.Unlock()

	s.publish(s.event(models.EventTypeConversationUpdated, key, ""))
	return true
}

// ClearMute removes key's mute window.
func (s *Store) ClearMute(key models.ConversationKey) bool {
	s.mu.Lock()
	cs, ok := s.convs[key]
	if !ok || cs.conv.Mute == nil {
		s.mu.Unlock()
		return false
	}
	cs.conv.Mute = nil
	s.syncMuteLocked(key, nil)
	s.mu.Unlock()

	s.publish(s.event(models.EventTypeConversationUpdated, key, ""))
	return true
}

// SetDoNotDisturb sets the do-not-disturb flag of a direct conversation.
func (s *Store) SetDoNotDisturb(key models.ConversationKey, enabled bool) bool {
	if key.Kind != models.ConversationDirect {
		return false
	}
	s.mu.Lock()
	cs, ok := s.convs[key]
	if !ok || cs.conv.DoNotDisturb == enabled {
		s.mu.Unlock()
		return false
	}
	cs.conv.DoNotDisturb = enabled
	s.mu.Unlock()

	s.publish(s.event(models.EventTypeConversationUpdated, key, ""))
	return true
}

// SetReactions replaces a message's reactions.
func (s *Store) SetReactions(messageID string, reactions []models.Reaction) bool {
	normalized := models.NormalizeReactions(reactions)
	return s.mutateMessage(messageID, func(msg *models.Message) bool {
		if reflect.DeepEqual(msg.Reactions, normalized) {
			return false
		}
		msg.Reactions = append([]models.Reaction(nil), normalized...)
		return true
	})
}

// SetPinnedFlag sets a message's pinned flag.
func (s *Store) SetPinnedFlag(messageID string, pinned bool) bool {
	return s.mutateMessage(messageID, func(msg *models.Message) bool {
		if msg.IsPinned == pinned {
			return false
		}
		msg.IsPinned = pinned
		return true
	})
}

// SetFavoriteFlag sets a message's favorite flag.
func (s *Store) SetFavoriteFlag(messageID string, favorite bool) bool {
	return s.mutateMessage(messageID, func(msg *models.Message) bool {
		if msg.IsFavorite == favorite {
			return false
		}
		msg.IsFavorite = favorite
		return true
	})
}

func (s *Store) mutateMessage(messageID string, fn func(msg *models.Message) bool) bool {
	if messageID == "" {
		return false
	}
	s.mu.Lock()
	changed := false
	var owner models.ConversationKey
	s.forEachCopy(messageID, func(key models.ConversationKey, msg *models.Message) {
		owner = key
		if fn(msg) {
			changed = true
		}
	})
	s.mu.Unlock()

	if owner.IsZero() {
		s.logger.Debug().Str("message_id", messageID).Msg("flag update for unknown message dropped")
		return false
	}
	if changed {
		s.publish(s.event(models.EventTypeMessageUpdated, owner, messageID))
	}
	return changed
}

// UpsertChannel adds a group conversation or refreshes its metadata.
func (s *Store) UpsertChannel(conv models.Conversation) bool {
	conv.Key.Kind = models.ConversationGroup
	if err := conv.Key.Validate(); err != nil {
		return false
	}
	conv = conv.Clone()
	conv.MemberIDs = models.NormalizeMemberIDs(conv.MemberIDs)
	if conv.Name == "" {
		conv.Name = conv.Key.ID
	}

	s.mu.Lock()
	cs, ok := s.convs[conv.Key]
	var evType models.EventType
	if !ok {
		conv.Pinned = false
		cs = newConversationState(conv)
		s.convs[conv.Key] = cs
		s.order = append(s.order, conv.Key)
		s.placeLocked(conv.Key)
		evType = models.EventTypeDirectoryChanged
	} else {
		before := cs.conv.Clone()
		cs.conv.Name = conv.Name
		if conv.Avatar != "" {
			cs.conv.Avatar = conv.Avatar
		}
		if conv.Color != "" {
			cs.conv.Color = conv.Color
		}
		if conv.MemberIDs != nil {
			cs.conv.MemberIDs = conv.MemberIDs
		}
		if reflect.DeepEqual(before, cs.conv) {
			s.mu.Unlock()
			return false
		}
		evType = models.EventTypeConversationUpdated
	}
	s.mu.Unlock()

	ev := s.event(evType, conv.Key, "")
	if evType == models.EventTypeDirectoryChanged {
		ev.Key = models.ConversationKey{}
	}
	s.publish(ev)
	return true
}

// RemoveConversation drops a conversation and its cache. Removing the active
// conversation clears the selection.
func (s *Store) RemoveConversation(key models.ConversationKey) bool {
	s.mu.Lock()
	if _, ok := s.convs[key]; !ok {
		s.mu.Unlock()
		return false
	}
	s.dropLocked(key)
	evs := []*models.Event{s.event(models.EventTypeConversationRemoved, key, "")}
	if s.active != nil && *s.active == key {
		s.active = nil
		s.persistSelectionLocked(nil)
		evs = append(evs, s.event(models.EventTypeSelectionChanged, models.ConversationKey{}, ""))
	}
	s.mu.Unlock()

	s.publish(evs...)
	return true
}

// AddMembers adds users to a group conversation.
func (s *Store) AddMembers(key models.ConversationKey, userIDs []string) bool {
	s.mu.Lock()
	cs, ok := s.convs[key]
	if !ok || key.Kind != models.ConversationGroup {
		s.mu.Unlock()
		return false
	}
	before := cs.conv.MemberIDs
	next := models.NormalizeMemberIDs(append(append([]string(nil), before...), userIDs...))
	if reflect.DeepEqual(before, next) {
		s.mu.Unlock()
		return false
	}
	cs.conv.MemberIDs = next
	s.mu.Unlock()

	s.publish(s.event(models.EventTypeConversationUpdated, key, ""))
	return true
}

// RemoveMember removes a user from a group conversation. When the current
// user leaves, the conversation is removed.
func (s *Store) RemoveMember(key models.ConversationKey, userID string) bool {
	if userID == s.selfID {
		return s.RemoveConversation(key)
	}
	s.mu.Lock()
	cs, ok := s.convs[key]
	if !ok || !cs.conv.HasMember(userID) {
		s.mu.Unlock()
		return false
	}
	members := make([]string, 0, len(cs.conv.MemberIDs))
	for _, id := range cs.conv.MemberIDs {
		if id != userID {
			members = append(members, id)
		}
	}
	cs.conv.MemberIDs = members
	delete(cs.conv.MemberRoles, userID)
	s.mu.Unlock()

	s.publish(s.event(models.EventTypeConversationUpdated, key, ""))
	return true
}

// SetMemberStatus records a member's role in a group conversation. An empty
// role clears it.
func (s *Store) SetMemberStatus(key models.ConversationKey, userID, role string) bool {
	if userID == "" {
		return false
	}
	s.mu.Lock()
	cs, ok := s.convs[key]
	if !ok || key.Kind != models.ConversationGroup {
		s.mu.Unlock()
		return false
	}
	current, had := cs.conv.MemberRoles[userID]
	if (role == "" && !had) || (had && current == role) {
		s.mu.Unlock()
		return false
	}
	if role == "" {
		delete(cs.conv.MemberRoles, userID)
	} else {
		if cs.conv.MemberRoles == nil {
			cs.conv.MemberRoles = make(map[string]string)
		}
		cs.conv.MemberRoles[userID] = role
	}
	s.mu.Unlock()

	s.publish(s.event(models.EventTypeConversationUpdated, key, ""))
	return true
}

// SetPresence records one user's presence.
func (s *Store) SetPresence(userID string, status models.PresenceStatus) bool {
	return s.SetPresences(map[string]models.PresenceStatus{userID: status})
}

// SetPresences records a batch of presence updates.
func (s *Store) SetPresences(statuses map[string]models.PresenceStatus) bool {
	s.mu.Lock()
	var evs []*models.Event
	for userID, status := range statuses {
		if userID == "" || status == "" {
			continue
		}
		if s.presence[userID] == status {
			continue
		}
		s.presence[userID] = status
		ev := s.event(models.EventTypePresenceChanged, models.ConversationKey{}, "")
		ev.UserID = userID
		evs = append(evs, ev)
	}
	s.mu.Unlock()

	s.publish(evs...)
	return len(evs) > 0
}
