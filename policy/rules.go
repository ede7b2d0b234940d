// Package policy evaluates per-resource, per-operation access rules.
// Access is denied unless some predicate of a matching rule holds.
package policy

import (
	"context"

	"estateflow/role"
)

// Resource names a protected table.
type Resource string

const (
	ResourceRoles        Resource = "user_roles"
	ResourceProfiles     Resource = "profiles"
	ResourceApplications Resource = "agent_applications"
)

// Operation is the kind of access requested.
type Operation string

const (
	OpRead   Operation = "read"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Subject is the access being evaluated: who acts, and which principal owns
// the target row. Owner is empty when the row has no owner yet.
type Subject struct {
	Actor string
	Owner string
}

// Predicate is a boolean condition over a Subject. Role lookups go through
// the privileged read path only.
type Predicate struct {
	Name string
	Eval func(ctx context.Context, roles role.Privileged, s Subject) (bool, error)
}

// Rule grants op on res when any of its predicates holds.
type Rule struct {
	Resource   Resource
	Operation  Operation
	Predicates []Predicate
}

// Always admits every actor, including anonymous ones.
func Always() Predicate {
	return Predicate{
		Name: "always",
		Eval: func(context.Context, role.Privileged, Subject) (bool, error) {
			return true, nil
		},
	}
}

// Owner admits the principal the row belongs to.
func Owner() Predicate {
	return Predicate{
		Name: "owner",
		Eval: func(_ context.Context, _ role.Privileged, s Subject) (bool, error) {
			return s.Actor != "" && s.Actor == s.Owner, nil
		},
	}
}

// HasRole admits actors holding r.
func HasRole(r role.Role) Predicate {
	return Predicate{
		Name: "has_role(" + string(r) + ")",
		Eval: func(ctx context.Context, roles role.Privileged, s Subject) (bool, error) {
			if s.Actor == "" {
				return false, nil
			}
			return roles.HasRole(ctx, s.Actor, r)
		},
	}
}

// DefaultRules is the access table for roles, profiles and agent applications.
func DefaultRules() []Rule {
	ownerOrAdmin := []Predicate{Owner(), HasRole(role.RoleAdmin)}
	adminOnly := []Predicate{HasRole(role.RoleAdmin)}
	ownerOnly := []Predicate{Owner()}

	return []Rule{
		{ResourceRoles, OpRead, ownerOrAdmin},
		{ResourceRoles, OpInsert, adminOnly},
		{ResourceRoles, OpUpdate, adminOnly},
		{ResourceRoles, OpDelete, adminOnly},

		{ResourceProfiles, OpRead, []Predicate{Always()}},
		{ResourceProfiles, OpInsert, ownerOnly},
		{ResourceProfiles, OpUpdate, ownerOnly},

		{ResourceApplications, OpRead, ownerOrAdmin},
		{ResourceApplications, OpInsert, ownerOnly},
		{ResourceApplications, OpUpdate, adminOnly},
	}
}
