package test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"estateflow/application"
	"estateflow/db"
	"estateflow/policy"
	"estateflow/role"
	"estateflow/test/infra"
)

func TestRowLevelSecurity(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pool := openDatabase(t, ctx)
	h := infra.NewHarness(pool, nil)

	suffix := time.Now().UnixNano()
	adminID, err := h.SeedAdmin(ctx, fmt.Sprintf("rls-admin+%d@example.com", suffix))
	require.NoError(t, err)
	aliceID, err := h.SignUp(ctx, fmt.Sprintf("alice+%d@example.com", suffix), "Alice")
	require.NoError(t, err)
	bobID, err := h.SignUp(ctx, fmt.Sprintf("bob+%d@example.com", suffix), "Bob")
	require.NoError(t, err)

	submit := func(t *testing.T, principal string) application.Application {
		t.Helper()
		app, err := h.Applications.Submit(ctx, principal, application.SubmitRequest{
			FullName: "Applicant",
			Phone:    "+1 555 0101",
			Email:    "applicant@example.com",
		})
		require.NoError(t, err)
		return app
	}

	t.Run("admin reads every role row", func(t *testing.T) {
		var rows []role.Assignment
		err := h.Tx.RunAs(ctx, adminID, func(ctx context.Context) error {
			var err error
			rows, err = h.Roles.List(ctx, 1000)
			return err
		})
		require.NoError(t, err)

		owners := map[string]bool{}
		for _, a := range rows {
			owners[a.PrincipalID] = true
		}
		require.True(t, owners[aliceID])
		require.True(t, owners[bobID])
		require.True(t, owners[adminID])
	})

	t.Run("user reads only own role rows", func(t *testing.T) {
		var rows []role.Assignment
		err := h.Tx.RunAs(ctx, aliceID, func(ctx context.Context) error {
			var err error
			rows, err = h.Roles.List(ctx, 1000)
			return err
		})
		require.NoError(t, err)
		require.NotEmpty(t, rows)
		for _, a := range rows {
			require.Equal(t, aliceID, a.PrincipalID)
		}
	})

	t.Run("user cannot insert a role row", func(t *testing.T) {
		err := h.Tx.RunAs(ctx, aliceID, func(ctx context.Context) error {
			_, err := db.Conn(ctx, nil).Exec(ctx, `INSERT INTO user_roles (user_id, role) VALUES ($1, 'admin')`, aliceID)
			return err
		})
		var pgErr *pgconn.PgError
		require.True(t, errors.As(err, &pgErr), "got %v", err)
		require.Equal(t, "42501", pgErr.Code)

		isAdmin, err := h.Roles.HasRole(ctx, aliceID, role.RoleAdmin)
		require.NoError(t, err)
		require.False(t, isAdmin)
	})

	t.Run("user cannot approve through a direct update", func(t *testing.T) {
		app := submit(t, bobID)
		var affected int64
		err := h.Tx.RunAs(ctx, bobID, func(ctx context.Context) error {
			tag, err := db.Conn(ctx, nil).Exec(ctx,
				`UPDATE agent_applications SET status = 'approved', reviewed_at = now(), reviewed_by = $2 WHERE id = $1`,
				app.ID, bobID)
			affected = tag.RowsAffected()
			return err
		})
		require.NoError(t, err)
		require.Zero(t, affected)

		_, err = h.Applications.Review(ctx, bobID, application.ReviewRequest{ApplicationID: app.ID, Decision: application.StatusApproved})
		require.ErrorIs(t, err, policy.ErrDenied)

		got, err := h.Applications.Get(ctx, adminID, app.ID)
		require.NoError(t, err)
		require.Equal(t, application.StatusPending, got.Status)

		res, err := h.Applications.Review(ctx, adminID, application.ReviewRequest{ApplicationID: app.ID, Decision: application.StatusRejected})
		require.NoError(t, err)
		require.Equal(t, application.StatusRejected, res.Application.Status)
		require.False(t, res.RoleGranted)
	})

	t.Run("user cannot read another applicant", func(t *testing.T) {
		app := submit(t, aliceID)
		_, err := h.Applications.Get(ctx, bobID, app.ID)
		require.ErrorIs(t, err, application.ErrNotFound)

		own, err := h.Applications.List(ctx, bobID, application.ListFilter{Limit: 100})
		require.NoError(t, err)
		for _, a := range own {
			require.Equal(t, bobID, a.PrincipalID)
		}
	})

	t.Run("concurrent approvals grant once", func(t *testing.T) {
		carolID, err := h.SignUp(ctx, fmt.Sprintf("carol+%d@example.com", suffix), "Carol")
		require.NoError(t, err)
		app := submit(t, carolID)

		const reviewers = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			fresh    int
			replayed int
			failures []error
		)
		for i := 0; i < reviewers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := h.Applications.Review(ctx, adminID, application.ReviewRequest{ApplicationID: app.ID, Decision: application.StatusApproved})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					failures = append(failures, err)
				case res.Replayed:
					replayed++
				default:
					fresh++
				}
			}()
		}
		wg.Wait()

		require.Empty(t, failures)
		require.Equal(t, 1, fresh)
		require.Equal(t, reviewers-1, replayed)

		var agentRows int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM user_roles WHERE user_id = $1 AND role = 'agent'`, carolID).Scan(&agentRows))
		require.Equal(t, 1, agentRows)

		effective, err := h.Roles.EffectiveRole(ctx, carolID)
		require.NoError(t, err)
		require.Equal(t, role.RoleAgent, effective)

		_, err = h.Applications.Review(ctx, adminID, application.ReviewRequest{ApplicationID: app.ID, Decision: application.StatusRejected})
		require.ErrorIs(t, err, application.ErrInvalidTransition)
	})

	t.Run("reconcile restores a grant lost outside the workflow", func(t *testing.T) {
		daveID, err := h.SignUp(ctx, fmt.Sprintf("dave+%d@example.com", suffix), "Dave")
		require.NoError(t, err)
		app := submit(t, daveID)
		_, err = h.Applications.Review(ctx, adminID, application.ReviewRequest{ApplicationID: app.ID, Decision: application.StatusApproved})
		require.NoError(t, err)

		// simulate a grant that never landed
		_, err = pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role = 'agent'`, daveID)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, `UPDATE agent_applications SET role_granted_at = NULL WHERE id = $1`, app.ID)
		require.NoError(t, err)

		n, err := h.Applications.Reconcile(ctx, 100)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, 1)

		has, err := h.Roles.HasRole(ctx, daveID, role.RoleAgent)
		require.NoError(t, err)
		require.True(t, has)
	})
}
