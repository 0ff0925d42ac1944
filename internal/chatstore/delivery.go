package chatstore

import (
	"time"

	"github.com/tOgg1/chatsync/internal/models"
)

// Reconcile folds one recipient's incoming status into statuses under
// Sent < Delivered < Seen. An equal or lower status is dropped without
// touching the stored timestamp. The input map is never mutated; when
// changed is true the returned map is a fresh copy.
func Reconcile(statuses map[string]models.DeliveryStatus, userID string, incoming models.DeliveryStatus) (map[string]models.DeliveryStatus, bool) {
	if userID == "" || incoming.Status == models.DeliveryUnknown {
		return statuses, false
	}
	if current, ok := statuses[userID]; ok && incoming.Status <= current.Status {
		return statuses, false
	}
	out := make(map[string]models.DeliveryStatus, len(statuses)+1)
	for k, v := range statuses {
		out[k] = v
	}
	out[userID] = incoming
	return out, true
}

// MergeStatuses unions two status maps, keeping the higher status per
// recipient. On a tie the local entry wins so timestamps stay stable.
func MergeStatuses(local, incoming map[string]models.DeliveryStatus) map[string]models.DeliveryStatus {
	if len(local) == 0 && len(incoming) == 0 {
		return nil
	}
	out := make(map[string]models.DeliveryStatus, len(local)+len(incoming))
	for k, v := range local {
		out[k] = v
	}
	for k, v := range incoming {
		if current, ok := out[k]; ok && v.Status <= current.Status {
			continue
		}
		out[k] = v
	}
	return out
}

// ApplyDeliveryStatus upserts one recipient's status on messageID wherever
// the message is held: its conversation timeline and any last_message
// mirror. Unknown ids are dropped. When the current user's status becomes
// Seen and the owning conversation is being viewed, it is marked read.
func (s *Store) ApplyDeliveryStatus(messageID, userID string, status models.DeliveryState, at time.Time) bool {
	if messageID == "" || userID == "" || status == models.DeliveryUnknown {
		return false
	}

	s.mu.Lock()
	if at.IsZero() {
		at = s.now()
	}
	incoming := models.DeliveryStatus{Status: status, UpdatedAt: at}

	changed := false
	var owner models.ConversationKey
	s.forEachCopy(messageID, func(key models.ConversationKey, msg *models.Message) {
		owner = key
		next, ok := Reconcile(msg.DeliveryStatuses, userID, incoming)
		if ok {
			msg.DeliveryStatuses = next
			changed = true
		}
	})

	if owner.IsZero() {
		s.mu.Unlock()
		s.logger.Debug().Str("message_id", messageID).Msg("delivery status for unknown message dropped")
		return false
	}

	var evs []*models.Event
	if changed {
		evs = append(evs, s.event(models.EventTypeMessageUpdated, owner, messageID))
	}

	if userID == s.selfID && status == models.DeliverySeen {
		if cs, ok := s.convs[owner]; ok && cs.conv.UnreadCount > 0 && s.isViewingLocked(owner) {
			if s.markReadLocked(cs) {
				evs = append(evs, s.event(models.EventTypeUnreadChanged, owner, ""))
			}
		}
	}
	s.mu.Unlock()

	s.publish(evs...)
	return changed
}
