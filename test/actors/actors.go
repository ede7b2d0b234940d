package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"estateflow/application"
	"estateflow/outbox"
	"estateflow/role"
	"estateflow/test/infra"
)

// Stats counts what the actors did. Fields are updated atomically.
type Stats struct {
	Submitted  atomic.Int64
	Approved   atomic.Int64
	Rejected   atomic.Int64
	Conflicts  atomic.Int64
	Repaired   atomic.Int64
	Published  atomic.Int64
	RoleReads  atomic.Int64
	Transients atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("submitted=%d approved=%d rejected=%d conflicts=%d repaired=%d published=%d role_reads=%d transients=%d",
		s.Submitted.Load(), s.Approved.Load(), s.Rejected.Load(), s.Conflicts.Load(),
		s.Repaired.Load(), s.Published.Load(), s.RoleReads.Load(), s.Transients.Load())
}

// Env is shared by every actor of one run.
type Env struct {
	H          *infra.Harness
	AdminID    string
	Principals []string
	Stats      *Stats
	// Tolerant makes actors count unexpected errors instead of failing,
	// for runs where connections are being killed underneath them.
	Tolerant bool
}

func (e *Env) unexpected(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if e.Tolerant {
		e.Stats.Transients.Add(1)
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func jitter() {
	time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
}

// Applicant files applications for random principals. A second pending
// application for the same principal must be refused.
func Applicant(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		principal := env.Principals[rand.Intn(len(env.Principals))]
		_, err := env.H.Applications.Submit(ctx, principal, application.SubmitRequest{
			FullName: "Stress Applicant",
			Phone:    "+1 555 0100",
			Email:    "applicant@example.com",
		})
		switch {
		case err == nil:
			env.Stats.Submitted.Add(1)
		case errors.Is(err, application.ErrPendingExists):
			env.Stats.Conflicts.Add(1)
		default:
			if err := env.unexpected("submit", err); err != nil {
				return err
			}
		}
		jitter()
	}
}

// Reviewer races other reviewers over the pending queue, deciding at random.
func Reviewer(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		pending, err := env.H.Applications.List(ctx, env.AdminID, application.ListFilter{Status: application.StatusPending, Limit: 20})
		if err != nil {
			if err := env.unexpected("list pending", err); err != nil {
				return err
			}
			jitter()
			continue
		}
		if len(pending) == 0 {
			jitter()
			continue
		}

		target := pending[rand.Intn(len(pending))]
		decision := application.StatusApproved
		if rand.Intn(3) == 0 {
			decision = application.StatusRejected
		}
		res, err := env.H.Applications.Review(ctx, env.AdminID, application.ReviewRequest{
			ApplicationID: target.ID,
			Decision:      decision,
		})
		switch {
		case err == nil && res.Replayed:
			env.Stats.Conflicts.Add(1)
		case err == nil && decision == application.StatusApproved:
			env.Stats.Approved.Add(1)
		case err == nil:
			env.Stats.Rejected.Add(1)
		case errors.Is(err, application.ErrInvalidTransition):
			env.Stats.Conflicts.Add(1)
		default:
			if err := env.unexpected("review", err); err != nil {
				return err
			}
		}
		jitter()
	}
}

// Reconciler sweeps approved applications whose agent role is missing.
func Reconciler(ctx context.Context, env *Env, stop <-chan struct{}) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
		}
		n, err := env.H.Applications.Reconcile(ctx, 50)
		if err != nil {
			if err := env.unexpected("reconcile", err); err != nil {
				return err
			}
			continue
		}
		env.Stats.Repaired.Add(int64(n))
	}
}

// OutboxWorker drains the outbox with a publisher that always succeeds.
func OutboxWorker(ctx context.Context, env *Env, stop <-chan struct{}) error {
	publish := func(context.Context, outbox.Message) error { return nil }
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		res, err := env.H.Outbox.ProcessBatch(ctx, 50, 5, publish)
		if err != nil {
			if err := env.unexpected("outbox batch", err); err != nil {
				return err
			}
		}
		env.Stats.Published.Add(int64(res.Processed))
		time.Sleep(50 * time.Millisecond)
	}
}

// RoleReader lists role rows as random non-admin principals. Row level
// security must hide every row that belongs to someone else.
func RoleReader(ctx context.Context, env *Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		principal := env.Principals[rand.Intn(len(env.Principals))]
		var rows []role.Assignment
		err := env.H.Tx.RunAs(ctx, principal, func(ctx context.Context) error {
			var err error
			rows, err = env.H.Roles.List(ctx, 100)
			return err
		})
		if err != nil {
			if err := env.unexpected("read roles", err); err != nil {
				return err
			}
			jitter()
			continue
		}
		for _, a := range rows {
			if a.PrincipalID != principal {
				return fmt.Errorf("principal %s read role row of %s", principal, a.PrincipalID)
			}
		}
		env.Stats.RoleReads.Add(1)
		jitter()
	}
}
