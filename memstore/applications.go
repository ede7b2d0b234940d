package memstore

import (
	"context"

	"estateflow/application"
)

// Applications implements application.Repository.
type Applications struct{ s *Store }

// Create inserts a pending application. A principal may have one pending
// application at a time.
func (a *Applications) Create(ctx context.Context, params application.CreateParams) (application.Application, error) {
	defer a.s.lock(ctx)()
	st := a.s.state
	if _, ok := st.accounts[params.PrincipalID]; !ok {
		return application.Application{}, application.ErrValidation
	}
	for _, app := range st.apps {
		if app.PrincipalID == params.PrincipalID && app.Status == application.StatusPending {
			return application.Application{}, application.ErrPendingExists
		}
	}

	app := application.Application{
		ID:              newID(),
		PrincipalID:     params.PrincipalID,
		FullName:        params.FullName,
		Phone:           params.Phone,
		Email:           params.Email,
		Company:         params.Company,
		LicenseNumber:   params.LicenseNumber,
		ExperienceYears: params.ExperienceYears,
		Status:          application.StatusPending,
		CreatedAt:       a.s.now(),
	}
	st.apps = append(st.apps, app)
	return app, nil
}

// GetByID returns the application with id.
func (a *Applications) GetByID(ctx context.Context, id string) (application.Application, error) {
	defer a.s.lock(ctx)()
	i := a.index(id)
	if i < 0 {
		return application.Application{}, application.ErrNotFound
	}
	return a.s.state.apps[i], nil
}

// GetForUpdate is GetByID. Callers already hold the store inside RunInTx.
func (a *Applications) GetForUpdate(ctx context.Context, id string) (application.Application, error) {
	return a.GetByID(ctx, id)
}

// List returns applications matching filter, newest first.
func (a *Applications) List(ctx context.Context, filter application.ListFilter) ([]application.Application, error) {
	defer a.s.lock(ctx)()
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	out := make([]application.Application, 0, 8)
	apps := a.s.state.apps
	for i := len(apps) - 1; i >= 0 && len(out) < limit; i-- {
		app := apps[i]
		if filter.PrincipalID != "" && app.PrincipalID != filter.PrincipalID {
			continue
		}
		if filter.Status != "" && app.Status != filter.Status {
			continue
		}
		out = append(out, app)
	}
	return out, nil
}

// MarkReviewed moves a pending application to params.Status.
func (a *Applications) MarkReviewed(ctx context.Context, params application.MarkReviewedParams) (application.Application, error) {
	defer a.s.lock(ctx)()
	i := a.index(params.ID)
	if i < 0 {
		return application.Application{}, application.ErrNotFound
	}
	app := a.s.state.apps[i]
	if !application.CanTransition(app.Status, params.Status) {
		return application.Application{}, application.ErrInvalidTransition
	}

	now := a.s.now()
	reviewer := params.ReviewerID
	app.Status = params.Status
	app.ReviewedBy = &reviewer
	app.ReviewedAt = &now
	if params.Notes != nil {
		notes := *params.Notes
		app.Notes = &notes
	}
	if params.RoleGranted {
		app.RoleGrantedAt = &now
	}
	a.s.state.apps[i] = app
	return app, nil
}

// MarkRoleGranted stamps an approved application whose grant is unconfirmed.
func (a *Applications) MarkRoleGranted(ctx context.Context, id string) error {
	defer a.s.lock(ctx)()
	i := a.index(id)
	if i < 0 {
		return nil
	}
	app := a.s.state.apps[i]
	if app.Status != application.StatusApproved || app.RoleGrantedAt != nil {
		return nil
	}
	now := a.s.now()
	app.RoleGrantedAt = &now
	a.s.state.apps[i] = app
	return nil
}

// ListUngranted returns approved applications without a confirmed grant,
// oldest review first.
func (a *Applications) ListUngranted(ctx context.Context, limit int) ([]application.Application, error) {
	defer a.s.lock(ctx)()
	if limit <= 0 {
		limit = 100
	}
	out := make([]application.Application, 0, 4)
	for _, app := range a.s.state.apps {
		if len(out) == limit {
			break
		}
		if app.Status == application.StatusApproved && app.RoleGrantedAt == nil {
			out = append(out, app)
		}
	}
	return out, nil
}

// ClearRoleGrant forgets that the agent role of an approved application was
// confirmed, as if the process had stopped between the two writes.
func (a *Applications) ClearRoleGrant(ctx context.Context, id string) error {
	defer a.s.lock(ctx)()
	i := a.index(id)
	if i < 0 {
		return application.ErrNotFound
	}
	a.s.state.apps[i].RoleGrantedAt = nil
	return nil
}

func (a *Applications) index(id string) int {
	for i, app := range a.s.state.apps {
		if app.ID == id {
			return i
		}
	}
	return -1
}
