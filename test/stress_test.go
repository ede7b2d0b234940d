package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"estateflow/test/actors"
	"estateflow/test/chaos"
	"estateflow/test/infra"
	"estateflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flPrincipals  = flag.Int("principals", 40, "number of applicant accounts")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "kill random backends while actors run")
)

// openDatabase returns a migrated pool, skipping the test when no database
// can be reached.
func openDatabase(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	var (
		pgC        = &infra.PGContainer{}
		dsn        string
		err        error
		usedShared bool
	)
	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
	case infra.DockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	default:
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no database available: %v", err)
		}
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	})
	return pool
}

func TestApprovalWorkflowConcurrency(t *testing.T) {
	seed := *flSeed
	rand.Seed(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+90*time.Second)
	defer cancel()

	pool := openDatabase(t, ctx)
	h := infra.NewHarness(pool, nil)

	env := mustSeed(t, ctx, h)
	env.Tolerant = *flChaos

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Applicant(ctx2, env, stop) })
		g.Go(func() error { return actors.Reviewer(ctx2, env, stop) })
	}
	g.Go(func() error { return actors.RoleReader(ctx2, env, stop) })
	g.Go(func() error { return actors.Reconciler(ctx2, env, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, env, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, infra.AppName, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			checkOracles(t, ctx2, pool, seed)
		}
	}

	close(stop)
	if err := g.Wait(); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}
	checkOracles(t, context.Background(), pool, seed)
	t.Logf("stress done: %s", env.Stats)
}

func checkOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool, seed int64) {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		t.Fatalf("oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
	}
}

func mustSeed(t *testing.T, ctx context.Context, h *infra.Harness) *actors.Env {
	t.Helper()
	run := rand.Int63()
	adminID, err := h.SeedAdmin(ctx, fmt.Sprintf("admin+%d@example.com", run))
	if err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	env := &actors.Env{H: h, AdminID: adminID, Stats: &actors.Stats{}}
	for i := 0; i < *flPrincipals; i++ {
		id, err := h.SignUp(ctx, fmt.Sprintf("user%d+%d@example.com", i, run), fmt.Sprintf("Stress User %d", i))
		if err != nil {
			t.Fatalf("seed principal %d: %v", i, err)
		}
		env.Principals = append(env.Principals, id)
	}
	return env
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"agent_applications", `SELECT id, user_id, status, reviewed_by, reviewed_at, role_granted_at FROM agent_applications ORDER BY created_at DESC LIMIT 50`},
		{"user_roles", `SELECT user_id, role, approved_by, approved_at FROM user_roles WHERE role <> 'user' ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
