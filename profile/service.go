package profile

import (
	"context"
	"strings"

	"estateflow/db"
	"estateflow/policy"
)

// Store abstracts repository operations for the service.
type Store interface {
	GetByPrincipal(ctx context.Context, principalID string) (Profile, error)
	List(ctx context.Context, limit int) ([]Profile, error)
	Update(ctx context.Context, params UpdateParams) (Profile, error)
}

// Service exposes the public profile directory.
type Service struct {
	repo   Store
	policy *policy.Engine
	tx     db.Transactor
}

// NewService builds a Service using the provided repository.
func NewService(repo Store, engine *policy.Engine, tx db.Transactor) *Service {
	return &Service{repo: repo, policy: engine, tx: tx}
}

// Get returns the profile owned by principalID. Profiles are public.
func (s *Service) Get(ctx context.Context, actorID, principalID string) (Profile, error) {
	if err := s.policy.Authorize(ctx, actorID, policy.ResourceProfiles, policy.OpRead, principalID); err != nil {
		return Profile{}, err
	}
	return s.repo.GetByPrincipal(ctx, principalID)
}

// List returns up to limit profiles.
func (s *Service) List(ctx context.Context, actorID string, limit int) ([]Profile, error) {
	profiles, err := s.repo.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	return policy.Filter(ctx, s.policy, actorID, policy.ResourceProfiles, profiles, func(p Profile) string { return p.PrincipalID })
}

// Update changes the actor's own profile.
func (s *Service) Update(ctx context.Context, actorID string, params UpdateParams) (Profile, error) {
	if params.FullName != nil {
		trimmed := strings.TrimSpace(*params.FullName)
		params.FullName = &trimmed
	}

	var out Profile
	err := s.tx.RunAs(ctx, actorID, func(ctx context.Context) error {
		if err := s.policy.Authorize(ctx, actorID, policy.ResourceProfiles, policy.OpUpdate, params.PrincipalID); err != nil {
			return err
		}
		p, err := s.repo.Update(ctx, params)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}
