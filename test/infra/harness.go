package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"estateflow/admin"
	"estateflow/application"
	"estateflow/auth"
	"estateflow/db"
	"estateflow/outbox"
	"estateflow/policy"
	"estateflow/role"
)

// Harness wires the Postgres-backed services onto a migrated pool.
type Harness struct {
	pool *pgxpool.Pool

	Tx           *db.TxManager
	Roles        *role.Store
	Policy       *policy.Engine
	Auth         *auth.Service
	Admin        *admin.Service
	Applications *application.Service
	Outbox       *outbox.PGRepository
}

// NewHarness builds the services over pool. The pool must already be migrated.
func NewHarness(pool *pgxpool.Pool, logger *zap.Logger) *Harness {
	if logger == nil {
		logger = zap.NewNop()
	}
	tx := db.NewTxManager(pool)
	accounts := auth.NewRepository(pool)
	roles := role.NewStore(role.NewRepository(pool))
	engine := policy.NewEngine(roles, logger)
	ob := outbox.NewRepository(pool)
	authService := auth.NewService(accounts, "stress-secret-0123456789")

	return &Harness{
		pool:   pool,
		Tx:     tx,
		Roles:  roles,
		Policy: engine,
		Auth:   authService,
		Admin:  admin.NewService(roles, accounts, engine, tx, ob, logger),
		Applications: application.NewService(application.Dependencies{
			Repo:     application.NewRepository(pool),
			Roles:    roles,
			Policy:   engine,
			Tx:       tx,
			Outbox:   ob,
			Accounts: authService,
			Logger:   logger,
		}),
		Outbox: ob,
	}
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// SignUp registers an account and returns its principal id.
func (h *Harness) SignUp(ctx context.Context, email, fullName string) (string, error) {
	account, err := h.Auth.Register(ctx, auth.RegisterRequest{
		Email:    email,
		Password: "stress-password",
		FullName: fullName,
	})
	if err != nil {
		return "", fmt.Errorf("sign up %s: %w", email, err)
	}
	return account.ID, nil
}

// SeedAdmin registers an account and promotes it to admin.
func (h *Harness) SeedAdmin(ctx context.Context, email string) (string, error) {
	if _, err := h.SignUp(ctx, email, "Stress Admin"); err != nil {
		return "", err
	}
	return h.Admin.Bootstrap(ctx, email)
}

// Reset truncates mutable tables to provide a clean slate for next epoch.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"outbox",
		"agent_applications",
		"user_roles",
		"profiles",
		"sessions",
		"users",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}

	return nil
}
