package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"estateflow/db"
)

// ErrNotFound signals the requested profile does not exist.
var ErrNotFound = errors.New("profile: not found")

// Repository provides access to profiles.
type Repository struct {
	pool db.Querier
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool db.Querier) *Repository {
	return &Repository{pool: pool}
}

// GetByPrincipal fetches the profile owned by principalID.
func (r *Repository) GetByPrincipal(ctx context.Context, principalID string) (Profile, error) {
	const query = `
		SELECT id, user_id, full_name, phone, avatar_url, created_at, updated_at
		FROM profiles
		WHERE user_id = $1
	`

	profile, err := scanProfile(db.Conn(ctx, r.pool).QueryRow(ctx, query, principalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("profile: query by principal: %w", err)
	}

	return profile, nil
}

// List fetches up to limit profiles ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, user_id, full_name, phone, avatar_url, created_at, updated_at
		FROM profiles
		ORDER BY full_name ASC, created_at ASC
		LIMIT $1
	`

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("profile: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("profile: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile: iterate profiles: %w", err)
	}

	return profiles, nil
}

// Update applies the non-nil fields of params.
func (r *Repository) Update(ctx context.Context, params UpdateParams) (Profile, error) {
	const query = `
		UPDATE profiles
		SET full_name  = COALESCE($2, full_name),
		    phone      = COALESCE($3, phone),
		    avatar_url = COALESCE($4, avatar_url),
		    updated_at = now()
		WHERE user_id = $1
		RETURNING id, user_id, full_name, phone, avatar_url, created_at, updated_at
	`

	profile, err := scanProfile(db.Conn(ctx, r.pool).QueryRow(ctx, query, params.PrincipalID, params.FullName, params.Phone, params.AvatarURL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("profile: update: %w", err)
	}

	return profile, nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.PrincipalID, &p.FullName, &p.Phone, &p.AvatarURL, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}
