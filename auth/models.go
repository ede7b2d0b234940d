package auth

import "time"

// Account is the domain representation of a principal's credentials.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type Account struct {
	ID              string
	Email           string
	PasswordHash    string
	FullName        string
	Phone           *string
	EmailRedirectTo *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Session backs an issued bearer token. A token is only honoured while its
// session is neither revoked nor expired.
type Session struct {
	ID          string
	PrincipalID string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RevokedAt   *time.Time
}

// Active reports whether the session may still authenticate requests at now.
func (s Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	FullName        string `json:"fullName"`
	Phone           string `json:"phone,omitempty"`
	EmailRedirectTo string `json:"emailRedirectTo,omitempty"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Claims is what a verified token resolves to.
type Claims struct {
	PrincipalID string
	SessionID   string
	Email       string
	ExpiresAt   time.Time
}
