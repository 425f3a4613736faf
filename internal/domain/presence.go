package domain

import (
	"time"

	"github.com/google/uuid"
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

type UserPresence struct {
	UserID     uuid.UUID      `json:"user_id"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"last_seen_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
