package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"estateflow/db"
)

var (
	// ErrAccountNotFound signals that the account does not exist.
	ErrAccountNotFound = errors.New("auth: account not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
	// ErrSessionNotFound signals an unknown session id.
	ErrSessionNotFound = errors.New("auth: session not found")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error)
	GetAccountByEmail(ctx context.Context, email string) (Account, error)
	GetAccountByID(ctx context.Context, id string) (Account, error)
	CreateSession(ctx context.Context, principalID string, expiresAt time.Time) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	RevokeSession(ctx context.Context, id string) error
}

// CreateAccountParams contains write parameters for creating accounts.
// Inserting an account also creates its profile and default role.
type CreateAccountParams struct {
	Email           string
	PasswordHash    string
	FullName        string
	Phone           string
	EmailRedirectTo string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool db.Querier
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool}
}

const accountColumns = `id, email, password_hash, meta ->> 'full_name', meta ->> 'phone', email_redirect_to, created_at, updated_at`

// CreateAccount inserts the users row. The on_auth_user_created trigger adds
// the profile and the user role in the same statement.
func (r *PGRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	meta := map[string]string{"full_name": params.FullName}
	if params.Phone != "" {
		meta["phone"] = params.Phone
	}
	body, err := json.Marshal(meta)
	if err != nil {
		return Account{}, fmt.Errorf("auth: marshal meta: %w", err)
	}

	var redirect *string
	if params.EmailRedirectTo != "" {
		redirect = &params.EmailRedirectTo
	}

	insertSQL := `
		INSERT INTO users (email, password_hash, meta, email_redirect_to)
		VALUES (lower($1), $2, $3::jsonb, $4)
		RETURNING ` + accountColumns

	account, err := scanAccount(db.Conn(ctx, r.pool).QueryRow(ctx, insertSQL, params.Email, params.PasswordHash, body, redirect))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateEmail
		}
		return Account{}, fmt.Errorf("auth: create account: %w", err)
	}

	return account, nil
}

// GetAccountByEmail retrieves an account by email address, case-insensitively.
func (r *PGRepository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	selectSQL := `SELECT ` + accountColumns + ` FROM users WHERE lower(email) = lower($1)`

	account, err := scanAccount(db.Conn(ctx, r.pool).QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by email: %w", err)
	}

	return account, nil
}

// GetAccountByID retrieves an account by ID.
func (r *PGRepository) GetAccountByID(ctx context.Context, id string) (Account, error) {
	selectSQL := `SELECT ` + accountColumns + ` FROM users WHERE id = $1`

	account, err := scanAccount(db.Conn(ctx, r.pool).QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("auth: get account by id: %w", err)
	}

	return account, nil
}

// CreateSession records a new session for principalID.
func (r *PGRepository) CreateSession(ctx context.Context, principalID string, expiresAt time.Time) (Session, error) {
	const insertSQL = `
		INSERT INTO sessions (user_id, expires_at)
		VALUES ($1, $2)
		RETURNING id, user_id, created_at, expires_at, revoked_at
	`
	s, err := scanSession(db.Conn(ctx, r.pool).QueryRow(ctx, insertSQL, principalID, expiresAt))
	if err != nil {
		return Session{}, fmt.Errorf("auth: create session: %w", err)
	}
	return s, nil
}

// GetSession retrieves a session by ID.
func (r *PGRepository) GetSession(ctx context.Context, id string) (Session, error) {
	const selectSQL = `SELECT id, user_id, created_at, expires_at, revoked_at FROM sessions WHERE id = $1`
	s, err := scanSession(db.Conn(ctx, r.pool).QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("auth: get session: %w", err)
	}
	return s, nil
}

// RevokeSession stamps revoked_at once; revoking twice is a no-op.
func (r *PGRepository) RevokeSession(ctx context.Context, id string) error {
	const updateSQL = `UPDATE sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`
	if _, err := db.Conn(ctx, r.pool).Exec(ctx, updateSQL, id); err != nil {
		return fmt.Errorf("auth: revoke session: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		account  Account
		fullName *string
	)
	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.PasswordHash,
		&fullName,
		&account.Phone,
		&account.EmailRedirectTo,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	if fullName != nil {
		account.FullName = *fullName
	}
	return account, nil
}

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	if err := row.Scan(&s.ID, &s.PrincipalID, &s.CreatedAt, &s.ExpiresAt, &s.RevokedAt); err != nil {
		return Session{}, err
	}
	return s, nil
}
