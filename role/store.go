// Package role is the persistent principal → role set mapping.
package role

import (
	"context"
	"errors"
	"fmt"
)

// Store exposes the role contract on top of a Repository: duplicate grants
// and missing revocations are not errors.
type Store struct {
	repo Repository
}

// NewStore builds a Store using the provided repository.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// HasRole reports whether principalID holds exactly r.
func (s *Store) HasRole(ctx context.Context, principalID string, r Role) (bool, error) {
	if !r.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidRole, r)
	}
	if principalID == "" {
		return false, nil
	}
	return s.repo.HasRole(ctx, principalID, r)
}

// EffectiveRole returns the highest role held, RoleUser when none is.
func (s *Store) EffectiveRole(ctx context.Context, principalID string) (Role, error) {
	if principalID == "" {
		return RoleUser, nil
	}
	r, err := s.repo.EffectiveRole(ctx, principalID)
	if err != nil {
		return "", err
	}
	if !r.Valid() {
		return RoleUser, nil
	}
	return r, nil
}

// Assign grants r to principalID. It reports whether a new row was written;
// an existing grant returns (false, nil).
func (s *Store) Assign(ctx context.Context, principalID string, r Role, approverID string) (bool, error) {
	if !r.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidRole, r)
	}
	_, err := s.repo.Insert(ctx, AssignParams{PrincipalID: principalID, Role: r, ApprovedBy: approverID})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrConflict):
		return false, nil
	default:
		return false, err
	}
}

// Revoke removes r from principalID if held and reports whether a row was removed.
func (s *Store) Revoke(ctx context.Context, principalID string, r Role) (bool, error) {
	if !r.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidRole, r)
	}
	return s.repo.Delete(ctx, principalID, r)
}

// Roles lists the roles held by principalID.
func (s *Store) Roles(ctx context.Context, principalID string) ([]Assignment, error) {
	return s.repo.ListForPrincipal(ctx, principalID)
}

// List returns up to limit assignments across all principals.
func (s *Store) List(ctx context.Context, limit int) ([]Assignment, error) {
	return s.repo.List(ctx, limit)
}
