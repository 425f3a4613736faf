package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/vedran77/portal/internal/apperror"
	"github.com/vedran77/portal/internal/backend"
	"github.com/vedran77/portal/internal/domain"
	"github.com/vedran77/portal/pkg/validator"
)

type CreateChannelInput struct {
	Name          string                   `json:"name"`
	Description   string                   `json:"description"`
	Visibility    domain.ChannelVisibility `json:"visibility"`
	DepartmentIDs []uuid.UUID              `json:"department_ids"`
}

// CreateChannel validates the input and creates the channel together with
// its department links. Public channels never carry departments.
func (e *Engine) CreateChannel(ctx context.Context, in CreateChannelInput) (*domain.Channel, error) {
	errs := validator.ValidateChannel(in.Name, in.Description, string(in.Visibility), in.DepartmentIDs)
	if errs.HasErrors() {
		msg := errs.First("name", "visibility", "department_ids", "description")
		return nil, e.fail(apperror.Validation(msg, errs))
	}

	departments := in.DepartmentIDs
	if in.Visibility == domain.VisibilityPublic || departments == nil {
		departments = []uuid.UUID{}
	}

	raw, err := e.client.RPC(ctx, rpcCreateChannel, map[string]any{
		"name":           in.Name,
		"description":    in.Description,
		"visibility":     string(in.Visibility),
		"department_ids": departments,
	})
	if err != nil {
		return nil, e.fail(err)
	}
	var id uuid.UUID
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, e.fail(fmt.Errorf("decoding channel id: %w", err))
	}

	ch, err := e.fetchChannel(ctx, id)
	if err != nil || ch == nil {
		e.log.Warn().Err(err).Str("channel_id", id.String()).Msg("reading back created channel")
		now := e.now()
		ch = &domain.Channel{
			ID:         id,
			Name:       in.Name,
			Visibility: in.Visibility,
			CreatedBy:  e.me.ID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if in.Description != "" {
			desc := in.Description
			ch.Description = &desc
		}
		if in.Visibility == domain.VisibilityRestricted {
			ch.DepartmentIDs = departments
		}
	}

	before := e.State().SelectedID
	snap := e.apply(Event{Type: backend.EventInsert, Channel: ch})
	snap = e.update(func(s State) State {
		s.Err = ""
		return s
	})
	if err := e.followSelection(ctx, before, snap.SelectedID); err != nil {
		return ch, err
	}
	return ch, nil
}

// CreateForm holds the fields of a channel being drafted.
type CreateForm struct {
	Name          string
	Description   string
	Visibility    domain.ChannelVisibility
	DepartmentIDs []uuid.UUID

	creatorDept *uuid.UUID
	seeded      bool
}

// NewCreateForm starts a public channel draft for a creator in dept, which
// may be nil.
func NewCreateForm(dept *uuid.UUID) *CreateForm {
	return &CreateForm{Visibility: domain.VisibilityPublic, creatorDept: dept}
}

// SetVisibility switches the draft visibility. The first switch to
// restricted preselects the creator's department.
func (f *CreateForm) SetVisibility(v domain.ChannelVisibility) {
	f.Visibility = v
	if v != domain.VisibilityRestricted || f.seeded {
		return
	}
	f.seeded = true
	if f.creatorDept != nil && !slices.Contains(f.DepartmentIDs, *f.creatorDept) {
		f.DepartmentIDs = append(f.DepartmentIDs, *f.creatorDept)
	}
}

func (f *CreateForm) ToggleDepartment(id uuid.UUID) {
	if i := slices.Index(f.DepartmentIDs, id); i >= 0 {
		f.DepartmentIDs = slices.Delete(f.DepartmentIDs, i, i+1)
		return
	}
	f.DepartmentIDs = append(f.DepartmentIDs, id)
}

func (f *CreateForm) Input() CreateChannelInput {
	in := CreateChannelInput{
		Name:        f.Name,
		Description: f.Description,
		Visibility:  f.Visibility,
	}
	if f.Visibility == domain.VisibilityRestricted {
		in.DepartmentIDs = append([]uuid.UUID(nil), f.DepartmentIDs...)
	}
	return in
}
