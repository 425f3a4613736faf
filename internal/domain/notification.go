package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationChannelMessage NotificationType = "channel_message"
	NotificationDMMessage      NotificationType = "dm_message"
	NotificationMention        NotificationType = "mention"
	NotificationInfo           NotificationType = "info"
	NotificationTaskAssigned   NotificationType = "task_assigned"
	NotificationScheduleChange NotificationType = "schedule_change"
)

type Notification struct {
	ID        uuid.UUID        `json:"id"`
	UserID    uuid.UUID        `json:"user_id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type"`
	ActionURL *string          `json:"action_url,omitempty"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}

type NotificationPreferences struct {
	UserID          uuid.UUID `json:"user_id"`
	ChannelMessages bool      `json:"channel_messages"`
	DirectMessages  bool      `json:"direct_messages"`
	Mentions        bool      `json:"mentions"`
	SoundEnabled    bool      `json:"sound_enabled"`
}

// DefaultNotificationPreferences applies when the user never saved settings.
func DefaultNotificationPreferences(userID uuid.UUID) NotificationPreferences {
	return NotificationPreferences{
		UserID:          userID,
		ChannelMessages: true,
		DirectMessages:  true,
		Mentions:        true,
		SoundEnabled:    true,
	}
}
