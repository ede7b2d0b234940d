package profile

import "time"

// Profile captures the public directory entry of a principal. There is
// exactly one per principal, created together with the account.
type Profile struct {
	ID          string
	PrincipalID string
	FullName    string
	Phone       *string
	AvatarURL   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UpdateParams holds the mutable fields. Nil fields are left unchanged.
type UpdateParams struct {
	PrincipalID string
	FullName    *string
	Phone       *string
	AvatarURL   *string
}
