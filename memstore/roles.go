package memstore

import (
	"context"
	"sort"

	"estateflow/role"
)

// Roles implements role.Repository.
type Roles struct{ s *Store }

// HasRole reports whether principalID holds r.
func (r *Roles) HasRole(ctx context.Context, principalID string, want role.Role) (bool, error) {
	defer r.s.lock(ctx)()
	for _, a := range r.s.state.roles {
		if a.PrincipalID == principalID && a.Role == want {
			return true, nil
		}
	}
	return false, nil
}

// EffectiveRole returns the highest role held, RoleUser when none is.
func (r *Roles) EffectiveRole(ctx context.Context, principalID string) (role.Role, error) {
	defer r.s.lock(ctx)()
	held := make([]role.Role, 0, 3)
	for _, a := range r.s.state.roles {
		if a.PrincipalID == principalID {
			held = append(held, a.Role)
		}
	}
	return role.Highest(held), nil
}

// Insert adds an assignment, returning role.ErrConflict for an existing pair.
func (r *Roles) Insert(ctx context.Context, params role.AssignParams) (role.Assignment, error) {
	defer r.s.lock(ctx)()
	st := r.s.state
	if _, ok := st.accounts[params.PrincipalID]; !ok {
		return role.Assignment{}, role.ErrUnknownPrincipal
	}
	for _, a := range st.roles {
		if a.PrincipalID == params.PrincipalID && a.Role == params.Role {
			return role.Assignment{}, role.ErrConflict
		}
	}

	now := r.s.now()
	a := role.Assignment{
		ID:          newID(),
		PrincipalID: params.PrincipalID,
		Role:        params.Role,
		CreatedAt:   now,
	}
	if params.ApprovedBy != "" {
		approver := params.ApprovedBy
		a.ApprovedBy = &approver
		a.ApprovedAt = &now
	}
	st.roles = append(st.roles, a)
	return a, nil
}

// Delete removes the pair and reports whether it existed.
func (r *Roles) Delete(ctx context.Context, principalID string, target role.Role) (bool, error) {
	defer r.s.lock(ctx)()
	st := r.s.state
	for i, a := range st.roles {
		if a.PrincipalID == principalID && a.Role == target {
			st.roles = append(st.roles[:i:i], st.roles[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// ListForPrincipal returns the assignments of principalID, highest role first.
func (r *Roles) ListForPrincipal(ctx context.Context, principalID string) ([]role.Assignment, error) {
	defer r.s.lock(ctx)()
	out := make([]role.Assignment, 0, 3)
	for _, a := range r.s.state.roles {
		if a.PrincipalID == principalID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Role.Outranks(out[j].Role) })
	return out, nil
}

// List returns up to limit assignments, newest first.
func (r *Roles) List(ctx context.Context, limit int) ([]role.Assignment, error) {
	defer r.s.lock(ctx)()
	all := r.s.state.roles
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]role.Assignment, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
