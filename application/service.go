// Package application implements the agent application workflow: principals
// apply, admins approve or reject, and approval grants the agent role in the
// same transaction.
package application

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"estateflow/auth"
	"estateflow/db"
	"estateflow/outbox"
	"estateflow/policy"
	"estateflow/role"
)

// RoleGranter writes role rows. A duplicate grant reports (false, nil).
type RoleGranter interface {
	Assign(ctx context.Context, principalID string, r role.Role, approverID string) (bool, error)
}

// AccountCreator registers new principals.
type AccountCreator interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
}

// Dependencies wires a Service.
type Dependencies struct {
	Repo     Repository
	Roles    RoleGranter
	Policy   *policy.Engine
	Tx       db.Transactor
	Outbox   outbox.Writer
	Accounts AccountCreator
	Logger   *zap.Logger
}

// Service runs the agent application workflow.
type Service struct {
	repo     Repository
	roles    RoleGranter
	policy   *policy.Engine
	tx       db.Transactor
	outbox   outbox.Writer
	accounts AccountCreator
	logger   *zap.Logger
}

// NewService builds a Service. Outbox and Logger are optional.
func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     deps.Repo,
		roles:    deps.Roles,
		policy:   deps.Policy,
		tx:       deps.Tx,
		outbox:   deps.Outbox,
		accounts: deps.Accounts,
		logger:   logger.Named("application"),
	}
}

type submittedEvent struct {
	ApplicationID string `json:"application_id"`
	PrincipalID   string `json:"principal_id"`
	Email         string `json:"email"`
}

type reviewedEvent struct {
	ApplicationID string    `json:"application_id"`
	PrincipalID   string    `json:"principal_id"`
	ReviewerID    string    `json:"reviewer_id"`
	Status        Status    `json:"status"`
	RoleGranted   bool      `json:"role_granted"`
	ReviewedAt    time.Time `json:"reviewed_at"`
}

type agentRegisteredEvent struct {
	PrincipalID  string `json:"principal_id"`
	Email        string `json:"email"`
	RegisteredBy string `json:"registered_by"`
}

// Submit files a pending application on behalf of actorID.
func (s *Service) Submit(ctx context.Context, actorID string, req SubmitRequest) (Application, error) {
	params, err := prepareSubmit(actorID, req)
	if err != nil {
		return Application{}, err
	}

	var out Application
	err = s.tx.RunAs(ctx, actorID, func(ctx context.Context) error {
		if err := s.policy.Authorize(ctx, actorID, policy.ResourceApplications, policy.OpInsert, params.PrincipalID); err != nil {
			return err
		}
		app, err := s.repo.Create(ctx, params)
		if err != nil {
			return err
		}
		if err := s.emit(ctx, outbox.TopicApplicationSubmitted, submittedEvent{
			ApplicationID: app.ID,
			PrincipalID:   app.PrincipalID,
			Email:         app.Email,
		}); err != nil {
			return err
		}
		out = app
		return nil
	})
	if err != nil {
		return Application{}, err
	}

	s.logger.Info("application submitted", zap.String("application_id", out.ID), zap.String("principal_id", out.PrincipalID))
	return out, nil
}

func prepareSubmit(actorID string, req SubmitRequest) (CreateParams, error) {
	if actorID == "" {
		return CreateParams{}, policy.ErrDenied
	}
	fullName := strings.TrimSpace(req.FullName)
	phone := strings.TrimSpace(req.Phone)
	email := strings.TrimSpace(req.Email)
	switch {
	case fullName == "":
		return CreateParams{}, fmt.Errorf("%w: full name is required", ErrValidation)
	case phone == "":
		return CreateParams{}, fmt.Errorf("%w: phone is required", ErrValidation)
	}
	if _, err := mail.ParseAddress(email); email == "" || err != nil {
		return CreateParams{}, fmt.Errorf("%w: invalid email", ErrValidation)
	}
	if req.ExperienceYears != nil && *req.ExperienceYears < 0 {
		return CreateParams{}, fmt.Errorf("%w: experience years must not be negative", ErrValidation)
	}
	return CreateParams{
		PrincipalID:     actorID,
		FullName:        fullName,
		Phone:           phone,
		Email:           email,
		Company:         optional(req.Company),
		LicenseNumber:   optional(req.LicenseNumber),
		ExperienceYears: req.ExperienceYears,
	}, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Get returns an application the actor may read. Applications the actor may
// not see are reported as ErrNotFound.
func (s *Service) Get(ctx context.Context, actorID, id string) (Application, error) {
	var out Application
	err := s.tx.RunAs(ctx, actorID, func(ctx context.Context) error {
		app, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		ok, err := s.policy.Can(ctx, actorID, policy.ResourceApplications, policy.OpRead, app.PrincipalID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		out = app
		return nil
	})
	return out, err
}

// List returns the applications in filter the actor may read.
func (s *Service) List(ctx context.Context, actorID string, filter ListFilter) ([]Application, error) {
	var out []Application
	err := s.tx.RunAs(ctx, actorID, func(ctx context.Context) error {
		apps, err := s.repo.List(ctx, filter)
		if err != nil {
			return err
		}
		out, err = policy.Filter(ctx, s.policy, actorID, policy.ResourceApplications, apps, func(a Application) string { return a.PrincipalID })
		return err
	})
	return out, err
}

// Review applies an admin decision. Approval writes the agent role before the
// status change; if the grant fails the whole transaction is rolled back and
// an *InvariantError is returned. Repeating the decision already recorded is
// a no-op that still ensures the agent role of an approved application.
func (s *Service) Review(ctx context.Context, actorID string, req ReviewRequest) (ReviewResult, error) {
	if !req.Decision.Terminal() {
		return ReviewResult{}, fmt.Errorf("%w: unknown decision %q", ErrValidation, req.Decision)
	}

	var res ReviewResult
	err := s.tx.RunAs(ctx, actorID, func(ctx context.Context) error {
		// update is admin-only, so the row owner does not affect the outcome
		if err := s.policy.Authorize(ctx, actorID, policy.ResourceApplications, policy.OpUpdate, ""); err != nil {
			return err
		}

		app, err := s.repo.GetForUpdate(ctx, req.ApplicationID)
		if err != nil {
			return err
		}

		if app.Status.Terminal() {
			if app.Status != req.Decision {
				return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, app.Status, req.Decision)
			}
			res, err = s.replay(ctx, actorID, app)
			return err
		}
		if !CanTransition(app.Status, req.Decision) {
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, app.Status, req.Decision)
		}

		granted := false
		if req.Decision == StatusApproved {
			granted, err = s.grant(ctx, app, actorID)
			if err != nil {
				return err
			}
		}

		updated, err := s.repo.MarkReviewed(ctx, MarkReviewedParams{
			ID:          app.ID,
			Status:      req.Decision,
			ReviewerID:  actorID,
			Notes:       optional(req.Notes),
			RoleGranted: req.Decision == StatusApproved,
		})
		if err != nil {
			return err
		}

		topic := outbox.TopicApplicationRejected
		if updated.Status == StatusApproved {
			topic = outbox.TopicApplicationApproved
		}
		if err := s.emit(ctx, topic, reviewedEvent{
			ApplicationID: updated.ID,
			PrincipalID:   updated.PrincipalID,
			ReviewerID:    actorID,
			Status:        updated.Status,
			RoleGranted:   granted,
			ReviewedAt:    derefTime(updated.ReviewedAt),
		}); err != nil {
			return err
		}

		res = ReviewResult{Application: updated, RoleGranted: granted}
		return nil
	})
	if err != nil {
		var inv *InvariantError
		if errors.As(err, &inv) {
			s.logger.Error("agent role grant failed, review rolled back",
				zap.String("application_id", inv.ApplicationID),
				zap.String("principal_id", inv.PrincipalID),
				zap.Error(inv.Err),
			)
		}
		return ReviewResult{}, err
	}

	s.logger.Info("application reviewed",
		zap.String("application_id", res.Application.ID),
		zap.String("status", string(res.Application.Status)),
		zap.String("reviewer_id", actorID),
		zap.Bool("replayed", res.Replayed),
	)
	return res, nil
}

func (s *Service) replay(ctx context.Context, actorID string, app Application) (ReviewResult, error) {
	res := ReviewResult{Application: app, Replayed: true}
	if app.Status != StatusApproved || app.RoleGrantedAt != nil {
		return res, nil
	}
	approver := actorID
	if app.ReviewedBy != nil {
		approver = *app.ReviewedBy
	}
	granted, err := s.grant(ctx, app, approver)
	if err != nil {
		return ReviewResult{}, err
	}
	if err := s.repo.MarkRoleGranted(ctx, app.ID); err != nil {
		return ReviewResult{}, err
	}
	now := time.Now()
	res.Application.RoleGrantedAt = &now
	res.RoleGranted = granted
	return res, nil
}

// grant writes the agent role for app. A role row that already exists counts
// as success.
func (s *Service) grant(ctx context.Context, app Application, approverID string) (bool, error) {
	granted, err := s.roles.Assign(ctx, app.PrincipalID, role.RoleAgent, approverID)
	if err != nil {
		return false, &InvariantError{ApplicationID: app.ID, PrincipalID: app.PrincipalID, Err: err}
	}
	return granted, nil
}

// RegisterAgentDirectly creates an account that holds the agent role from
// the start. Only admins may call it.
func (s *Service) RegisterAgentDirectly(ctx context.Context, actorID string, req RegisterAgentRequest) (RegisteredAgent, error) {
	var out RegisteredAgent
	err := s.tx.RunAs(ctx, actorID, func(ctx context.Context) error {
		if err := s.policy.Authorize(ctx, actorID, policy.ResourceRoles, policy.OpInsert, ""); err != nil {
			return err
		}

		account, err := s.accounts.Register(ctx, auth.RegisterRequest{
			Email:    req.Email,
			Password: req.Password,
			FullName: req.FullName,
			Phone:    req.Phone,
		})
		if err != nil {
			return err
		}

		if _, err := s.roles.Assign(ctx, account.ID, role.RoleAgent, actorID); err != nil {
			return fmt.Errorf("application: grant agent role: %w", err)
		}

		if err := s.emit(ctx, outbox.TopicAgentRegistered, agentRegisteredEvent{
			PrincipalID:  account.ID,
			Email:        account.Email,
			RegisteredBy: actorID,
		}); err != nil {
			return err
		}

		out = RegisteredAgent{PrincipalID: account.ID, Email: account.Email}
		return nil
	})
	if err != nil {
		return RegisteredAgent{}, err
	}

	s.logger.Info("agent registered", zap.String("principal_id", out.PrincipalID), zap.String("registered_by", actorID))
	return out, nil
}

// Reconcile grants the agent role for approved applications whose grant was
// never confirmed and returns how many it repaired. It runs as the system,
// outside any principal scope.
func (s *Service) Reconcile(ctx context.Context, limit int) (int, error) {
	var pending []Application
	if err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		apps, err := s.repo.ListUngranted(ctx, limit)
		pending = apps
		return err
	}); err != nil {
		return 0, fmt.Errorf("application: reconcile: %w", err)
	}

	healed := 0
	for _, app := range pending {
		repaired := false
		err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
			current, err := s.repo.GetForUpdate(ctx, app.ID)
			if err != nil {
				return err
			}
			if current.Status != StatusApproved || current.RoleGrantedAt != nil {
				return nil
			}
			approver := ""
			if current.ReviewedBy != nil {
				approver = *current.ReviewedBy
			}
			if _, err := s.grant(ctx, current, approver); err != nil {
				return err
			}
			if err := s.repo.MarkRoleGranted(ctx, current.ID); err != nil {
				return err
			}
			repaired = true
			return nil
		})
		if err != nil {
			s.logger.Warn("reconcile application", zap.String("application_id", app.ID), zap.Error(err))
			continue
		}
		if repaired {
			healed++
		}
	}

	if healed > 0 {
		s.logger.Info("reconciled approved applications", zap.Int("count", healed))
	}
	return healed, nil
}

func (s *Service) emit(ctx context.Context, topic string, payload any) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Enqueue(ctx, topic, payload)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
