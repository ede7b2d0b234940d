package session

import (
	"context"
	"time"

	"estateflow/role"
)

// Event is the kind of a session-change notification.
type Event string

const (
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// Session is an authenticated principal together with its bearer token.
type Session struct {
	PrincipalID string
	Email       string
	Token       string
	ExpiresAt   time.Time
}

// Notification is one session change. Session is nil for EventSignedOut.
type Notification struct {
	Event   Event
	Session *Session
}

// AuthSource reports session changes.
type AuthSource interface {
	// Subscribe starts delivering notifications. The returned function stops
	// delivery and may be called more than once.
	Subscribe(ctx context.Context) (<-chan Notification, func(), error)
	// CurrentSession returns the session in effect, or nil when signed out.
	CurrentSession(ctx context.Context) (*Session, error)
}

// RoleFetcher resolves the effective role of the signed-in principal.
type RoleFetcher interface {
	EffectiveRole(ctx context.Context, principalID, token string) (role.Role, error)
}

// Authenticator performs the credential operations. Successful calls are
// reflected back through the AuthSource notification stream.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) error
	SignUp(ctx context.Context, email, password, fullName string) error
	SignOut(ctx context.Context) error
}

// State is the client's view of who is signed in. Empty strings mean absent.
type State struct {
	PrincipalID   string
	Email         string
	SessionToken  string
	EffectiveRole role.Role
	// Loading is true until the first session answer arrives and never
	// becomes true again.
	Loading bool
}

// SignedIn reports whether a principal is present.
func (s State) SignedIn() bool { return s.PrincipalID != "" }

// Is reports whether the signed-in principal's effective role is r.
func (s State) Is(r role.Role) bool { return s.SignedIn() && s.EffectiveRole == r }
