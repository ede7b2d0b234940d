package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"estateflow/db"
)

// Repository handles data access for agent applications.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (Application, error)
	GetByID(ctx context.Context, id string) (Application, error)
	GetForUpdate(ctx context.Context, id string) (Application, error)
	List(ctx context.Context, filter ListFilter) ([]Application, error)
	MarkReviewed(ctx context.Context, params MarkReviewedParams) (Application, error)
	MarkRoleGranted(ctx context.Context, id string) error
	ListUngranted(ctx context.Context, limit int) ([]Application, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool db.Querier
}

// NewRepository creates a PostgreSQL-backed application repository.
func NewRepository(pool db.Querier) *PGRepository {
	return &PGRepository{pool: pool}
}

const columns = `id, user_id, full_name, phone, email, company, license_number, experience_years,
	status::text, reviewed_by, reviewed_at, notes, created_at, role_granted_at`

// Create inserts a pending application.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Application, error) {
	query := `
		INSERT INTO agent_applications (user_id, full_name, phone, email, company, license_number, experience_years)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + columns

	app, err := scanApplication(db.Conn(ctx, r.pool).QueryRow(ctx, query,
		params.PrincipalID,
		params.FullName,
		params.Phone,
		params.Email,
		params.Company,
		params.LicenseNumber,
		params.ExperienceYears,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Application{}, ErrPendingExists
		}
		return Application{}, fmt.Errorf("application: create: %w", err)
	}
	return app, nil
}

// GetByID fetches an application visible in the current context.
func (r *PGRepository) GetByID(ctx context.Context, id string) (Application, error) {
	return r.get(ctx, `SELECT `+columns+` FROM agent_applications WHERE id = $1`, id)
}

// GetForUpdate fetches and row-locks an application until the transaction ends.
func (r *PGRepository) GetForUpdate(ctx context.Context, id string) (Application, error) {
	return r.get(ctx, `SELECT `+columns+` FROM agent_applications WHERE id = $1 FOR UPDATE`, id)
}

func (r *PGRepository) get(ctx context.Context, query, id string) (Application, error) {
	app, err := scanApplication(db.Conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
			// malformed uuid
			return Application{}, ErrNotFound
		}
		return Application{}, fmt.Errorf("application: get: %w", err)
	}
	return app, nil
}

// List returns applications matching filter, newest first.
func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]Application, error) {
	query := `SELECT ` + columns + ` FROM agent_applications WHERE true`
	args := make([]any, 0, 3)
	if filter.PrincipalID != "" {
		args = append(args, filter.PrincipalID)
		query += " AND user_id = $" + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += " AND status = $" + strconv.Itoa(len(args)) + "::application_status"
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	args = append(args, limit)
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args))

	return r.list(ctx, query, args...)
}

// MarkReviewed moves a pending application to its terminal status. A row that
// is no longer pending yields ErrInvalidTransition.
func (r *PGRepository) MarkReviewed(ctx context.Context, params MarkReviewedParams) (Application, error) {
	query := `
		UPDATE agent_applications
		SET status          = $2::application_status,
		    reviewed_by     = $3,
		    reviewed_at     = now(),
		    notes           = COALESCE($4, notes),
		    role_granted_at = CASE WHEN $5 THEN now() END
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + columns

	app, err := scanApplication(db.Conn(ctx, r.pool).QueryRow(ctx, query,
		params.ID, string(params.Status), params.ReviewerID, params.Notes, params.RoleGranted))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Application{}, ErrInvalidTransition
		}
		return Application{}, fmt.Errorf("application: mark reviewed: %w", err)
	}
	return app, nil
}

// MarkRoleGranted stamps role_granted_at on an approved application.
func (r *PGRepository) MarkRoleGranted(ctx context.Context, id string) error {
	const query = `
		UPDATE agent_applications
		SET role_granted_at = now()
		WHERE id = $1 AND status = 'approved' AND role_granted_at IS NULL
	`
	if _, err := db.Conn(ctx, r.pool).Exec(ctx, query, id); err != nil {
		return fmt.Errorf("application: mark role granted: %w", err)
	}
	return nil
}

// ListUngranted returns approved applications whose role grant was never confirmed.
func (r *PGRepository) ListUngranted(ctx context.Context, limit int) ([]Application, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + columns + `
		FROM agent_applications
		WHERE status = 'approved' AND role_granted_at IS NULL
		ORDER BY reviewed_at ASC
		LIMIT $1`
	return r.list(ctx, query, limit)
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]Application, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("application: list: %w", err)
	}
	defer rows.Close()

	out := make([]Application, 0, 8)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("application: scan: %w", err)
		}
		out = append(out, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("application: iterate: %w", err)
	}
	return out, nil
}

func scanApplication(row pgx.Row) (Application, error) {
	var a Application
	err := row.Scan(
		&a.ID,
		&a.PrincipalID,
		&a.FullName,
		&a.Phone,
		&a.Email,
		&a.Company,
		&a.LicenseNumber,
		&a.ExperienceYears,
		&a.Status,
		&a.ReviewedBy,
		&a.ReviewedAt,
		&a.Notes,
		&a.CreatedAt,
		&a.RoleGrantedAt,
	)
	return a, err
}
