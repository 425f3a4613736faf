package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Identity is the display projection of a user used for rendering and
// mention matching.
type Identity struct {
	ID             uuid.UUID  `json:"id"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	Email          string     `json:"email"`
	Role           string     `json:"role"`
	DepartmentID   *uuid.UUID `json:"department_id,omitempty"`
	DepartmentName string     `json:"department_name,omitempty"`
}

// DisplayName is "First Last", falling back to the email local part.
func (i Identity) DisplayName() string {
	name := strings.TrimSpace(i.FirstName + " " + i.LastName)
	if name != "" {
		return name
	}
	local, _, _ := strings.Cut(i.Email, "@")
	return local
}
