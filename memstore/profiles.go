package memstore

import (
	"context"
	"sort"

	"estateflow/profile"
)

// Profiles implements the profile store.
type Profiles struct{ s *Store }

// GetByPrincipal returns the profile owned by principalID.
func (p *Profiles) GetByPrincipal(ctx context.Context, principalID string) (profile.Profile, error) {
	defer p.s.lock(ctx)()
	prof, ok := p.s.state.profiles[principalID]
	if !ok {
		return profile.Profile{}, profile.ErrNotFound
	}
	return prof, nil
}

// List returns up to limit profiles ordered by name.
func (p *Profiles) List(ctx context.Context, limit int) ([]profile.Profile, error) {
	defer p.s.lock(ctx)()
	out := make([]profile.Profile, 0, len(p.s.state.profiles))
	for _, prof := range p.s.state.profiles {
		out = append(out, prof)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FullName != out[j].FullName {
			return out[i].FullName < out[j].FullName
		}
		return out[i].PrincipalID < out[j].PrincipalID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Update applies the non-nil fields of params.
func (p *Profiles) Update(ctx context.Context, params profile.UpdateParams) (profile.Profile, error) {
	defer p.s.lock(ctx)()
	prof, ok := p.s.state.profiles[params.PrincipalID]
	if !ok {
		return profile.Profile{}, profile.ErrNotFound
	}
	if params.FullName != nil {
		prof.FullName = *params.FullName
	}
	if params.Phone != nil {
		phone := *params.Phone
		prof.Phone = &phone
	}
	if params.AvatarURL != nil {
		avatar := *params.AvatarURL
		prof.AvatarURL = &avatar
	}
	prof.UpdatedAt = p.s.now()
	p.s.state.profiles[params.PrincipalID] = prof
	return prof, nil
}
