package models

import (
	"fmt"
	"strings"
)

// PresenceStatus is a user's availability as reported over the push channel.
type PresenceStatus string

const (
	PresenceActive  PresenceStatus = "active"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
	PresenceBusy    PresenceStatus = "busy"
)

// ParsePresenceStatus normalizes a wire presence value.
// "online" is accepted as an alias of "active".
func ParsePresenceStatus(value string) (PresenceStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "active", "online":
		return PresenceActive, nil
	case "away", "idle":
		return PresenceAway, nil
	case "offline":
		return PresenceOffline, nil
	case "busy", "dnd":
		return PresenceBusy, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPresence, value)
}
