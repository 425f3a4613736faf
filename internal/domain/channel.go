package domain

import (
	"time"

	"github.com/google/uuid"
)

type ChannelVisibility string

const (
	VisibilityPublic     ChannelVisibility = "public"
	VisibilityRestricted ChannelVisibility = "restricted"
)

type Channel struct {
	ID            uuid.UUID         `json:"id"`
	Name          string            `json:"name"`
	Description   *string           `json:"description,omitempty"`
	Visibility    ChannelVisibility `json:"visibility"`
	Archived      bool              `json:"archived"`
	CreatedBy     uuid.UUID         `json:"created_by"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	LastMessageAt *time.Time        `json:"last_message_at,omitempty"`
	// Joined from channel_departments, only set for restricted channels
	DepartmentIDs []uuid.UUID `json:"department_ids,omitempty"`
}

// LastActivity returns the last message time, or the zero epoch when the
// channel has no messages yet.
func (c Channel) LastActivity() time.Time {
	if c.LastMessageAt == nil {
		return time.Unix(0, 0).UTC()
	}
	return *c.LastMessageAt
}

type ChannelDepartment struct {
	ChannelID    uuid.UUID `json:"channel_id"`
	DepartmentID uuid.UUID `json:"department_id"`
}
