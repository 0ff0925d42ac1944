package models

import "errors"

// Validation sentinels.
var (
	ErrMissingMessageID        = errors.New("message id is required")
	ErrMissingSenderID         = errors.New("sender id is required")
	ErrInvalidMessageTarget    = errors.New("exactly one of recipient_id or channel_id is required")
	ErrInvalidConversationKind = errors.New("conversation kind must be direct or group")
	ErrMissingConversationID   = errors.New("conversation id is required")
	ErrInvalidDeliveryState    = errors.New("invalid delivery state")
	ErrInvalidPresence         = errors.New("invalid presence status")
	ErrMissingField            = errors.New("is required")
)

// ErrMalformedEvent marks a push event or message missing required fields.
// Callers log and drop it; it never changes store state.
var ErrMalformedEvent = errors.New("malformed event")
