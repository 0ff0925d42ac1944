package chatstore

import (
	"sort"
	"time"

	"github.com/tOgg1/chatsync/internal/models"
)

// insertTimeline places id by created_at. The common case of a message not
// older than the tail is an append; anything else is inserted after every
// message with an equal or earlier timestamp.
func (cs *conversationState) insertTimeline(id string) {
	msg := cs.messages[id]
	n := len(cs.timeline)
	if n == 0 || !msg.CreatedAt.Before(cs.messages[cs.timeline[n-1]].CreatedAt) {
		cs.timeline = append(cs.timeline, id)
		return
	}
	pos := sort.Search(n, func(i int) bool {
		return cs.messages[cs.timeline[i]].CreatedAt.After(msg.CreatedAt)
	})
	cs.timeline = append(cs.timeline, "")
	copy(cs.timeline[pos+1:], cs.timeline[pos:])
	cs.timeline[pos] = id
}

// resequence restores created_at order after an edit moved a timestamp.
func (cs *conversationState) resequence() {
	sort.SliceStable(cs.timeline, func(i, j int) bool {
		return cs.messages[cs.timeline[i]].CreatedAt.Before(cs.messages[cs.timeline[j]].CreatedAt)
	})
}

func (cs *conversationState) removeTimeline(id string) {
	for i, v := range cs.timeline {
		if v == id {
			cs.timeline = append(cs.timeline[:i], cs.timeline[i+1:]...)
			break
		}
	}
	for p := range cs.pages {
		ids := cs.pages[p].ids
		for i, v := range ids {
			if v == id {
				cs.pages[p].ids = append(ids[:i], ids[i+1:]...)
				return
			}
		}
	}
}

func (cs *conversationState) tail() *models.Message {
	if len(cs.timeline) == 0 {
		return nil
	}
	return cs.messages[cs.timeline[len(cs.timeline)-1]]
}

// Timeline returns a conversation's merged messages oldest to newest.
func (s *Store) Timeline(key models.ConversationKey) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.convs[key]
	if !ok {
		return nil
	}
	out := make([]models.Message, 0, len(cs.timeline))
	for _, id := range cs.timeline {
		out = append(out, cs.messages[id].Clone())
	}
	return out
}

// Message returns one message by id from its owning timeline.
func (s *Store) Message(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.index[id]
	if !ok {
		return models.Message{}, false
	}
	msg, ok := s.convs[owner].messages[id]
	if !ok {
		return models.Message{}, false
	}
	return msg.Clone(), true
}

// Sections buckets a conversation's timeline by calendar day in the store's
// location. Sections and their messages are oldest first.
func (s *Store) Sections(key models.ConversationKey) []models.TimelineSection {
	return BuildSections(s.Timeline(key), s.loc)
}

// BuildSections groups chronologically ordered messages into day sections.
func BuildSections(messages []models.Message, loc *time.Location) []models.TimelineSection {
	if loc == nil {
		loc = time.Local
	}
	var sections []models.TimelineSection
	for _, msg := range messages {
		local := msg.CreatedAt.In(loc)
		day := local.Format("2006-01-02")
		if n := len(sections); n > 0 && sections[n-1].Day == day {
			sections[n-1].Messages = append(sections[n-1].Messages, msg)
			continue
		}
		y, m, d := local.Date()
		sections = append(sections, models.TimelineSection{
			Day:      day,
			Date:     time.Date(y, m, d, 0, 0, 0, 0, loc),
			Messages: []models.Message{msg},
		})
	}
	return sections
}

// Pages returns the cached pages for a conversation, oldest first. Live
// messages are merged into the last page.
func (s *Store) Pages(key models.ConversationKey) []models.Page {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.convs[key]
	if !ok {
		return nil
	}
	out := make([]models.Page, 0, len(cs.pages))
	for _, p := range cs.pages {
		page := models.Page{NextOffset: p.nextOffset, HasMore: p.hasMore}
		ids := append([]string(nil), p.ids...)
		sort.SliceStable(ids, func(i, j int) bool {
			return cs.messages[ids[i]].CreatedAt.Before(cs.messages[ids[j]].CreatedAt)
		})
		for _, id := range ids {
			page.Messages = append(page.Messages, cs.messages[id].Clone())
		}
		out = append(out, page)
	}
	return out
}

func (cs *conversationState) loaded() bool {
	for _, p := range cs.pages {
		if p.fetched {
			return true
		}
	}
	return false
}

// Loaded reports whether at least one page of key's history was fetched.
func (s *Store) Loaded(key models.ConversationKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.convs[key]
	return ok && cs.loaded()
}

// NextPage returns the offset to request the next older page from and
// whether more history exists. A conversation with no fetched page starts
// at offset zero.
func (s *Store) NextPage(key models.ConversationKey) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.convs[key]
	if !ok {
		return 0, false
	}
	for _, p := range cs.pages {
		if p.fetched {
			return p.nextOffset, p.hasMore
		}
	}
	return 0, true
}
