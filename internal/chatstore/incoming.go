package chatstore

import (
	"fmt"

	"github.com/tOgg1/chatsync/internal/models"
)

// IncomingResult describes how a live message was applied. The engine uses
// it for notification handoff and delivery acknowledgement.
type IncomingResult struct {
	Key          models.ConversationKey
	Conversation models.Conversation
	Message      models.Message

	// Duplicate is true when the id was already known; counters were untouched.
	Duplicate bool

	// Created is true when the conversation was synthesized from the message.
	Created bool

	// Mentioned is true when the message mentions the current user.
	Mentioned bool

	// FromSelf is true when the current user sent the message.
	FromSelf bool
}

// ApplyIncomingMessage merges a pushed message. All steps apply under one
// lock so no other event observes a partial update:
//
//  1. resolve the owning conversation;
//  2. merge into the newest cached page, replacing a known id while keeping
//     locally richer fields;
//  3. keep the timeline ordered by created_at;
//  4. count it unread unless self-sent or already known;
//  5. move the conversation by recency unless pinned;
//  6. synthesize the conversation when the directory lacks it.
//
// A malformed message returns an error wrapping models.ErrMalformedEvent and
// changes nothing.
func (s *Store) ApplyIncomingMessage(msg models.Message) (IncomingResult, error) {
	if err := msg.Validate(); err != nil {
		return IncomingResult{}, fmt.Errorf("%w: receive-message: %w", models.ErrMalformedEvent, err)
	}
	msg = msg.Clone()
	msg.Reactions = models.NormalizeReactions(msg.Reactions)

	s.mu.Lock()

	key := msg.OwningKey(s.selfID)
	fromSelf := msg.SenderID == s.selfID
	mentioned := !fromSelf && msg.MentionsUser(s.selfID)
	res := IncomingResult{Key: key, FromSelf: fromSelf, Mentioned: mentioned}

	cs, ok := s.convs[key]
	if !ok {
		cs = newConversationState(s.synthesize(key, msg))
		s.convs[key] = cs
		res.Created = true
	}

	known := cs.hasMessage(msg.ID)
	stored := cs.upsertLive(msg)
	if !known {
		s.index[msg.ID] = key
	}
	res.Duplicate = known

	unreadBefore := cs.conv.UnreadCount
	if !fromSelf && !known {
		cs.conv.UnreadCount++
		cs.unread[msg.ID] = mentioned
		if mentioned {
			cs.conv.HasUnreadMentions = true
		}
	}

	// The last_message mirror follows the newest message, or is refreshed
	// when this message replaces it.
	if cs.conv.LastMessage == nil || cs.conv.LastMessage.ID == msg.ID || !stored.CreatedAt.Before(cs.conv.LastMessage.CreatedAt) {
		last := stored.Clone()
		cs.conv.LastMessage = &last
	}
	created := stored.CreatedAt
	cs.conv.LatestActivityAt = laterTime(cs.conv.LatestActivityAt, &created)
	cs.conv.Normalize()

	if res.Created {
		s.order = append(s.order, key)
	}
	s.placeLocked(key)

	res.Conversation = cs.conv.Clone()
	res.Message = stored.Clone()

	evType := models.EventTypeMessageAdded
	if known {
		evType = models.EventTypeMessageUpdated
	}
	evs := []*models.Event{s.event(evType, key, msg.ID)}
	if res.Created {
		evs = append(evs, s.event(models.EventTypeDirectoryChanged, models.ConversationKey{}, ""))
	}
	if cs.conv.UnreadCount != unreadBefore {
		evs = append(evs, s.event(models.EventTypeUnreadChanged, key, msg.ID))
	}
	s.mu.Unlock()

	s.publish(evs...)
	return res, nil
}

// synthesize builds a minimal conversation from a message's embedded
// metadata. Unread starts at zero; the caller counts the message itself.
func (s *Store) synthesize(key models.ConversationKey, msg models.Message) models.Conversation {
	conv := models.Conversation{Key: key, Name: key.ID}
	switch key.Kind {
	case models.ConversationGroup:
		if msg.Channel != nil {
			if msg.Channel.Name != "" {
				conv.Name = msg.Channel.Name
			}
			conv.Avatar = msg.Channel.Avatar
			conv.MemberIDs = models.NormalizeMemberIDs(msg.Channel.MemberIDs)
		}
	case models.ConversationDirect:
		peer := msg.Sender
		if msg.SenderID == s.selfID {
			peer = msg.Recipient
		}
		if peer != nil {
			if peer.Name != "" {
				conv.Name = peer.Name
			}
			conv.Avatar = peer.Avatar
		}
	}
	return conv
}

func (cs *conversationState) hasMessage(id string) bool {
	if _, ok := cs.messages[id]; ok {
		return true
	}
	if cs.conv.LastMessage != nil && cs.conv.LastMessage.ID == id {
		return true
	}
	_, counted := cs.unread[id]
	return counted
}

// upsertLive merges msg into the newest page, opening one when the cache is
// empty, and returns the stored record.
func (cs *conversationState) upsertLive(msg models.Message) *models.Message {
	if existing, ok := cs.messages[msg.ID]; ok {
		merged := mergeMessage(*existing, msg)
		moved := !merged.CreatedAt.Equal(existing.CreatedAt)
		*existing = merged
		if moved {
			cs.resequence()
		}
		return existing
	}

	// A known last_message mirror carries statuses observed before the
	// timeline held the message.
	if cs.conv.LastMessage != nil && cs.conv.LastMessage.ID == msg.ID {
		msg = mergeMessage(*cs.conv.LastMessage, msg)
	}

	stored := msg
	cs.messages[msg.ID] = &stored
	if len(cs.pages) == 0 {
		cs.pages = append(cs.pages, pageState{hasMore: true})
	}
	last := &cs.pages[len(cs.pages)-1]
	last.ids = append(last.ids, msg.ID)
	cs.insertTimeline(msg.ID)
	return &stored
}

// mergeMessage replaces local with incoming while keeping what the client
// already observed: delivery statuses are unioned under the monotonic max,
// pin and favorite flags are OR-ed, and reactions survive an incoming copy
// that carries none.
func mergeMessage(local, incoming models.Message) models.Message {
	out := incoming.Clone()
	out.DeliveryStatuses = MergeStatuses(local.DeliveryStatuses, incoming.DeliveryStatuses)
	out.IsPinned = local.IsPinned || incoming.IsPinned
	out.IsFavorite = local.IsFavorite || incoming.IsFavorite
	if len(incoming.Reactions) == 0 && len(local.Reactions) > 0 {
		out.Reactions = append([]models.Reaction(nil), local.Reactions...)
	}
	out.Edited = local.Edited || incoming.Edited
	if out.UpdatedAt.Before(local.UpdatedAt) {
		out.UpdatedAt = local.UpdatedAt
	}
	if out.Sender == nil && local.Sender != nil {
		p := *local.Sender
		out.Sender = &p
	}
	if out.Recipient == nil && local.Recipient != nil {
		p := *local.Recipient
		out.Recipient = &p
	}
	if out.Channel == nil && local.Channel != nil {
		out.Channel = local.Clone().Channel
	}
	return out
}

// ApplyPaginationPage prepends an older page to key's cache. Ids already
// merged from push or an earlier page are merged in place and not
// duplicated. Returns the number of newly inserted messages. A page for a
// conversation the directory no longer holds is dropped.
func (s *Store) ApplyPaginationPage(key models.ConversationKey, page models.Page) int {
	return s.applyPage(key, page, true)
}

// RefreshLatestPage merges a re-fetched newest page into the newest cached
// page without moving the pagination cursor. With no fetched page yet it
// behaves like ApplyPaginationPage.
func (s *Store) RefreshLatestPage(key models.ConversationKey, page models.Page) int {
	return s.applyPage(key, page, false)
}

func (s *Store) applyPage(key models.ConversationKey, page models.Page, older bool) int {
	s.mu.Lock()
	cs, ok := s.convs[key]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug().Str("conversation", key.String()).Msg("page for unknown conversation dropped")
		return 0
	}

	if !older && !cs.loaded() {
		older = true
	}

	fresh := pageState{nextOffset: page.NextOffset, hasMore: page.HasMore, fetched: true}
	inserted := 0
	updated := 0
	for _, msg := range page.Messages {
		if err := msg.Validate(); err != nil {
			s.logger.Debug().Err(err).Str("conversation", key.String()).Msg("page message dropped")
			continue
		}
		msg = msg.Clone()
		msg.Reactions = models.NormalizeReactions(msg.Reactions)

		if existing, ok := cs.messages[msg.ID]; ok {
			merged := mergeMessage(*existing, msg)
			moved := !merged.CreatedAt.Equal(existing.CreatedAt)
			*existing = merged
			if moved {
				cs.resequence()
			}
			updated++
			continue
		}
		if owner, ok := s.index[msg.ID]; ok && owner != key {
			continue
		}
		if cs.conv.LastMessage != nil && cs.conv.LastMessage.ID == msg.ID {
			msg = mergeMessage(*cs.conv.LastMessage, msg)
			last := msg.Clone()
			cs.conv.LastMessage = &last
		}
		stored := msg
		cs.messages[msg.ID] = &stored
		s.index[msg.ID] = key
		fresh.ids = append(fresh.ids, msg.ID)
		cs.insertTimeline(msg.ID)
		inserted++
	}

	if older {
		cs.pages = append([]pageState{fresh}, cs.pages...)
	} else {
		last := &cs.pages[len(cs.pages)-1]
		last.ids = append(last.ids, fresh.ids...)
	}

	if tail := cs.tail(); tail != nil && (cs.conv.LastMessage == nil || tail.CreatedAt.After(cs.conv.LastMessage.CreatedAt)) {
		last := tail.Clone()
		cs.conv.LastMessage = &last
		created := tail.CreatedAt
		cs.conv.LatestActivityAt = laterTime(cs.conv.LatestActivityAt, &created)
		s.placeLocked(key)
	}

	var evs []*models.Event
	if inserted > 0 || updated > 0 {
		ev := s.event(models.EventTypePagePrepended, key, "")
		ev.Count = inserted
		evs = append(evs, ev)
	}
	s.mu.Unlock()

	s.publish(evs...)
	return inserted
}
