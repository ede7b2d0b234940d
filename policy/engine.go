package policy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"estateflow/role"
)

// ErrDenied is returned for any blocked access. It never names the
// predicate that failed.
var ErrDenied = errors.New("permission denied")

type ruleKey struct {
	res Resource
	op  Operation
}

// Engine evaluates rules on every call; nothing is cached.
type Engine struct {
	rules  map[ruleKey][]Predicate
	roles  role.Privileged
	logger *zap.Logger
}

// NewEngine builds an Engine over rules, or DefaultRules when none are given.
func NewEngine(roles role.Privileged, logger *zap.Logger, rules ...Rule) *Engine {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := make(map[ruleKey][]Predicate, len(rules))
	for _, r := range rules {
		k := ruleKey{r.Resource, r.Operation}
		m[k] = append(m[k], r.Predicates...)
	}
	return &Engine{rules: m, roles: roles, logger: logger.Named("policy")}
}

// Can reports whether actor may perform op on a row of res owned by owner.
// An error means a predicate could not be evaluated, not a denial.
func (e *Engine) Can(ctx context.Context, actor string, res Resource, op Operation, owner string) (bool, error) {
	subject := Subject{Actor: actor, Owner: owner}
	for _, p := range e.rules[ruleKey{res, op}] {
		ok, err := p.Eval(ctx, e.roles, subject)
		if err != nil {
			return false, fmt.Errorf("policy: evaluate %s on %s.%s: %w", p.Name, res, op, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Authorize returns ErrDenied when Can is false.
func (e *Engine) Authorize(ctx context.Context, actor string, res Resource, op Operation, owner string) error {
	ok, err := e.Can(ctx, actor, res, op, owner)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Debug("access denied",
			zap.String("actor", actor),
			zap.String("resource", string(res)),
			zap.String("operation", string(op)),
		)
		return ErrDenied
	}
	return nil
}

// Filter keeps the items actor may read. ownerOf extracts the owning principal.
func Filter[T any](ctx context.Context, e *Engine, actor string, res Resource, items []T, ownerOf func(T) string) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, item := range items {
		ok, err := e.Can(ctx, actor, res, OpRead, ownerOf(item))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, item)
		}
	}
	return out, nil
}
