package role

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"estateflow/db"
)

var (
	// ErrConflict signals the (principal, role) pair already exists.
	ErrConflict = errors.New("role: assignment already exists")
	// ErrInvalidRole signals an unknown role name.
	ErrInvalidRole = errors.New("role: invalid role")
	// ErrUnknownPrincipal signals the principal does not exist.
	ErrUnknownPrincipal = errors.New("role: unknown principal")
)

// Privileged is the elevated read path used inside authorization checks.
// Implementations must not be subject to the user_roles access rules
// themselves.
type Privileged interface {
	HasRole(ctx context.Context, principalID string, r Role) (bool, error)
	EffectiveRole(ctx context.Context, principalID string) (Role, error)
}

// Repository handles data access for role assignments.
type Repository interface {
	Privileged
	Insert(ctx context.Context, params AssignParams) (Assignment, error)
	Delete(ctx context.Context, principalID string, r Role) (bool, error)
	ListForPrincipal(ctx context.Context, principalID string) ([]Assignment, error)
	List(ctx context.Context, limit int) ([]Assignment, error)
}

// PGRepository implements Repository backed by PostgreSQL. Statements join
// the transaction carried by ctx when there is one.
type PGRepository struct {
	pool db.Querier
}

// NewRepository creates a PostgreSQL-backed role repository.
func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool}
}

// HasRole calls the SECURITY DEFINER has_role function.
func (r *PGRepository) HasRole(ctx context.Context, principalID string, role Role) (bool, error) {
	var ok bool
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT has_role($1::uuid, $2::app_role)`, principalID, role).Scan(&ok); err != nil {
		return false, fmt.Errorf("role: has role: %w", err)
	}
	return ok, nil
}

// EffectiveRole calls the SECURITY DEFINER get_user_role function.
func (r *PGRepository) EffectiveRole(ctx context.Context, principalID string) (Role, error) {
	var role Role
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT get_user_role($1::uuid)::text`, principalID).Scan(&role); err != nil {
		return "", fmt.Errorf("role: effective role: %w", err)
	}
	return role, nil
}

// Insert adds an assignment. An existing pair yields ErrConflict without
// aborting the surrounding transaction.
func (r *PGRepository) Insert(ctx context.Context, params AssignParams) (Assignment, error) {
	const insertSQL = `
		INSERT INTO user_roles (user_id, role, approved_by, approved_at)
		VALUES ($1, $2::app_role, $3::uuid, CASE WHEN $3::uuid IS NULL THEN NULL ELSE now() END)
		ON CONFLICT (user_id, role) DO NOTHING
		RETURNING id, user_id, role::text, created_at, approved_by, approved_at
	`

	var approvedBy *string
	if params.ApprovedBy != "" {
		approvedBy = &params.ApprovedBy
	}

	a, err := scanAssignment(db.Conn(ctx, r.pool).QueryRow(ctx, insertSQL, params.PrincipalID, params.Role, approvedBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, ErrConflict
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return Assignment{}, ErrConflict
			case "23503":
				return Assignment{}, ErrUnknownPrincipal
			}
		}
		return Assignment{}, fmt.Errorf("role: insert: %w", err)
	}
	return a, nil
}

// Delete removes an assignment and reports whether a row existed.
func (r *PGRepository) Delete(ctx context.Context, principalID string, role Role) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role = $2::app_role`, principalID, role)
	if err != nil {
		return false, fmt.Errorf("role: delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListForPrincipal returns every assignment held by principalID.
func (r *PGRepository) ListForPrincipal(ctx context.Context, principalID string) ([]Assignment, error) {
	const query = `
		SELECT id, user_id, role::text, created_at, approved_by, approved_at
		FROM user_roles
		WHERE user_id = $1
		ORDER BY created_at ASC
	`
	return r.list(ctx, query, principalID)
}

// List returns up to limit assignments ordered by creation time.
func (r *PGRepository) List(ctx context.Context, limit int) ([]Assignment, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	const query = `
		SELECT id, user_id, role::text, created_at, approved_by, approved_at
		FROM user_roles
		ORDER BY created_at ASC
		LIMIT $1
	`
	return r.list(ctx, query, limit)
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]Assignment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("role: list: %w", err)
	}
	defer rows.Close()

	out := make([]Assignment, 0, 4)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("role: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("role: iterate: %w", err)
	}
	return out, nil
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.PrincipalID, &a.Role, &a.CreatedAt, &a.ApprovedBy, &a.ApprovedAt)
	if err != nil {
		return Assignment{}, err
	}
	return a, nil
}
