// Package admin exposes role administration gated by the access policy.
package admin

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"estateflow/auth"
	"estateflow/db"
	"estateflow/outbox"
	"estateflow/policy"
	"estateflow/role"
)

// ErrSelfDemotion is returned when an admin tries to revoke their own admin role.
var ErrSelfDemotion = errors.New("admin: cannot revoke your own admin role")

// RoleStore is the subset of role.Store used here.
type RoleStore interface {
	Assign(ctx context.Context, principalID string, r role.Role, approverID string) (bool, error)
	Revoke(ctx context.Context, principalID string, r role.Role) (bool, error)
	Roles(ctx context.Context, principalID string) ([]role.Assignment, error)
	List(ctx context.Context, limit int) ([]role.Assignment, error)
	EffectiveRole(ctx context.Context, principalID string) (role.Role, error)
}

// AccountFinder resolves principals by email.
type AccountFinder interface {
	GetAccountByEmail(ctx context.Context, email string) (auth.Account, error)
}

// Service runs role administration.
type Service struct {
	roles    RoleStore
	accounts AccountFinder
	policy   *policy.Engine
	tx       db.Transactor
	outbox   outbox.Writer
	logger   *zap.Logger
}

// NewService wires a Service. ob may be nil.
func NewService(roles RoleStore, accounts AccountFinder, engine *policy.Engine, tx db.Transactor, ob outbox.Writer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		roles:    roles,
		accounts: accounts,
		policy:   engine,
		tx:       tx,
		outbox:   ob,
		logger:   logger.Named("admin"),
	}
}

type roleEvent struct {
	PrincipalID string    `json:"principal_id"`
	Role        role.Role `json:"role"`
	ActorID     string    `json:"actor_id,omitempty"`
}

// EffectiveRole returns the highest role held by principalID.
func (s *Service) EffectiveRole(ctx context.Context, principalID string) (role.Role, error) {
	return s.roles.EffectiveRole(ctx, principalID)
}

// ListRoles returns the role rows the actor may read. An empty principalID
// lists across all principals.
func (s *Service) ListRoles(ctx context.Context, actorID, principalID string, limit int) ([]role.Assignment, error) {
	var out []role.Assignment
	err := s.tx.RunAs(ctx, actorID, func(ctx context.Context) error {
		var (
			rows []role.Assignment
			err  error
		)
		if principalID != "" {
			rows, err = s.roles.Roles(ctx, principalID)
		} else {
			rows, err = s.roles.List(ctx, limit)
		}
		if err != nil {
			return err
		}
		out, err = policy.Filter(ctx, s.policy, actorID, policy.ResourceRoles, rows, func(a role.Assignment) string { return a.PrincipalID })
		return err
	})
	return out, err
}

// AssignRole grants r to principalID. It reports whether a new row was written.
func (s *Service) AssignRole(ctx context.Context, actorID, principalID string, r role.Role) (bool, error) {
	var created bool
	err := s.tx.RunAs(ctx, actorID, func(ctx context.Context) error {
		if err := s.policy.Authorize(ctx, actorID, policy.ResourceRoles, policy.OpInsert, principalID); err != nil {
			return err
		}
		ok, err := s.roles.Assign(ctx, principalID, r, actorID)
		if err != nil {
			return err
		}
		created = ok
		if !ok {
			return nil
		}
		return s.emit(ctx, outbox.TopicRoleAssigned, roleEvent{PrincipalID: principalID, Role: r, ActorID: actorID})
	})
	if err != nil {
		return false, err
	}
	if created {
		s.logger.Info("role assigned", zap.String("principal_id", principalID), zap.String("role", string(r)), zap.String("actor_id", actorID))
	}
	return created, nil
}

// RevokeRole removes r from principalID. It reports whether a row was removed.
func (s *Service) RevokeRole(ctx context.Context, actorID, principalID string, r role.Role) (bool, error) {
	if actorID == principalID && r == role.RoleAdmin {
		return false, ErrSelfDemotion
	}

	var removed bool
	err := s.tx.RunAs(ctx, actorID, func(ctx context.Context) error {
		if err := s.policy.Authorize(ctx, actorID, policy.ResourceRoles, policy.OpDelete, principalID); err != nil {
			return err
		}
		ok, err := s.roles.Revoke(ctx, principalID, r)
		if err != nil {
			return err
		}
		removed = ok
		if !ok {
			return nil
		}
		return s.emit(ctx, outbox.TopicRoleRevoked, roleEvent{PrincipalID: principalID, Role: r, ActorID: actorID})
	})
	if err != nil {
		return false, err
	}
	if removed {
		s.logger.Info("role revoked", zap.String("principal_id", principalID), zap.String("role", string(r)), zap.String("actor_id", actorID))
	}
	return removed, nil
}

// Bootstrap grants admin to the account registered under email. It runs as
// the system and skips the policy check.
func (s *Service) Bootstrap(ctx context.Context, email string) (string, error) {
	var principalID string
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		account, err := s.accounts.GetAccountByEmail(ctx, email)
		if err != nil {
			return err
		}
		principalID = account.ID
		created, err := s.roles.Assign(ctx, account.ID, role.RoleAdmin, "")
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		return s.emit(ctx, outbox.TopicRoleAssigned, roleEvent{PrincipalID: account.ID, Role: role.RoleAdmin})
	})
	if err != nil {
		return "", fmt.Errorf("admin: bootstrap %s: %w", email, err)
	}
	s.logger.Info("bootstrap admin ensured", zap.String("principal_id", principalID))
	return principalID, nil
}

func (s *Service) emit(ctx context.Context, topic string, payload any) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Enqueue(ctx, topic, payload)
}
