package application

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle of an agent application.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// CanTransition reports whether from → to is a legal review transition.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.Terminal()
}

// ParseDecision converts a review decision supplied by callers.
func ParseDecision(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusApproved, "approve":
		return StatusApproved, nil
	case StatusRejected, "reject":
		return StatusRejected, nil
	default:
		return "", fmt.Errorf("%w: unknown decision %q", ErrValidation, s)
	}
}

// Application mirrors the agent_applications table.
type Application struct {
	ID              string
	PrincipalID     string
	FullName        string
	Phone           string
	Email           string
	Company         *string
	LicenseNumber   *string
	ExperienceYears *int
	Status          Status
	ReviewedBy      *string
	ReviewedAt      *time.Time
	Notes           *string
	CreatedAt       time.Time
	// RoleGrantedAt is set once the agent role is confirmed for an approved
	// application. Approved rows without it are picked up by Reconcile.
	RoleGrantedAt *time.Time
}

// SubmitRequest is the applicant-supplied part of an application.
type SubmitRequest struct {
	FullName        string
	Phone           string
	Email           string
	Company         string
	LicenseNumber   string
	ExperienceYears *int
}

// ReviewRequest is an admin decision on a pending application.
type ReviewRequest struct {
	ApplicationID string
	Decision      Status
	Notes         string
}

// ReviewResult reports the end state of a review.
type ReviewResult struct {
	Application Application
	// RoleGranted is true when this call wrote the agent role row.
	RoleGranted bool
	// Replayed is true when the application already carried this decision.
	Replayed bool
}

// RegisterAgentRequest creates an account that starts out as an agent.
type RegisterAgentRequest struct {
	Email    string
	Password string
	FullName string
	Phone    string
}

// RegisteredAgent is the outcome of a direct agent registration.
type RegisteredAgent struct {
	PrincipalID string
	Email       string
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	PrincipalID string
	Status      Status
	Limit       int
}

// CreateParams contains write parameters for a new application.
type CreateParams struct {
	PrincipalID     string
	FullName        string
	Phone           string
	Email           string
	Company         *string
	LicenseNumber   *string
	ExperienceYears *int
}

// MarkReviewedParams stamps a review decision.
type MarkReviewedParams struct {
	ID          string
	Status      Status
	ReviewerID  string
	Notes       *string
	RoleGranted bool
}
