package memstore

import (
	"context"
	"time"

	"estateflow/auth"
	"estateflow/profile"
	"estateflow/role"
)

// Accounts implements auth.Repository.
type Accounts struct{ s *Store }

// CreateAccount inserts the account together with its profile and user role.
func (a *Accounts) CreateAccount(ctx context.Context, params auth.CreateAccountParams) (auth.Account, error) {
	defer a.s.lock(ctx)()
	st := a.s.state

	email := normalizeEmail(params.Email)
	if _, ok := st.emails[email]; ok {
		return auth.Account{}, auth.ErrDuplicateEmail
	}

	now := a.s.now()
	account := auth.Account{
		ID:           newID(),
		Email:        email,
		PasswordHash: params.PasswordHash,
		FullName:     params.FullName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if params.Phone != "" {
		phone := params.Phone
		account.Phone = &phone
	}
	if params.EmailRedirectTo != "" {
		redirect := params.EmailRedirectTo
		account.EmailRedirectTo = &redirect
	}

	st.accounts[account.ID] = account
	st.emails[email] = account.ID
	st.profiles[account.ID] = profile.Profile{
		ID:          newID(),
		PrincipalID: account.ID,
		FullName:    params.FullName,
		Phone:       account.Phone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	st.roles = append(st.roles, role.Assignment{
		ID:          newID(),
		PrincipalID: account.ID,
		Role:        role.RoleUser,
		CreatedAt:   now,
	})
	return account, nil
}

// GetAccountByEmail looks the account up case-insensitively.
func (a *Accounts) GetAccountByEmail(ctx context.Context, email string) (auth.Account, error) {
	defer a.s.lock(ctx)()
	id, ok := a.s.state.emails[normalizeEmail(email)]
	if !ok {
		return auth.Account{}, auth.ErrAccountNotFound
	}
	return a.s.state.accounts[id], nil
}

// GetAccountByID looks the account up by id.
func (a *Accounts) GetAccountByID(ctx context.Context, id string) (auth.Account, error) {
	defer a.s.lock(ctx)()
	account, ok := a.s.state.accounts[id]
	if !ok {
		return auth.Account{}, auth.ErrAccountNotFound
	}
	return account, nil
}

// CreateSession opens a session for an existing account.
func (a *Accounts) CreateSession(ctx context.Context, principalID string, expiresAt time.Time) (auth.Session, error) {
	defer a.s.lock(ctx)()
	if _, ok := a.s.state.accounts[principalID]; !ok {
		return auth.Session{}, auth.ErrAccountNotFound
	}
	sess := auth.Session{
		ID:          newID(),
		PrincipalID: principalID,
		CreatedAt:   a.s.now(),
		ExpiresAt:   expiresAt,
	}
	a.s.state.sessions[sess.ID] = sess
	return sess, nil
}

// GetSession returns the session with id.
func (a *Accounts) GetSession(ctx context.Context, id string) (auth.Session, error) {
	defer a.s.lock(ctx)()
	sess, ok := a.s.state.sessions[id]
	if !ok {
		return auth.Session{}, auth.ErrSessionNotFound
	}
	return sess, nil
}

// RevokeSession marks the session revoked. Unknown or revoked sessions are
// left alone.
func (a *Accounts) RevokeSession(ctx context.Context, id string) error {
	defer a.s.lock(ctx)()
	sess, ok := a.s.state.sessions[id]
	if !ok || sess.RevokedAt != nil {
		return nil
	}
	now := a.s.now()
	sess.RevokedAt = &now
	a.s.state.sessions[id] = sess
	return nil
}

// DeleteAccount removes an account and every row that references it.
func (a *Accounts) DeleteAccount(ctx context.Context, id string) error {
	defer a.s.lock(ctx)()
	st := a.s.state
	account, ok := st.accounts[id]
	if !ok {
		return auth.ErrAccountNotFound
	}
	delete(st.accounts, id)
	delete(st.emails, normalizeEmail(account.Email))
	delete(st.profiles, id)
	for sid, sess := range st.sessions {
		if sess.PrincipalID == id {
			delete(st.sessions, sid)
		}
	}

	roles := st.roles[:0]
	for _, r := range st.roles {
		if r.PrincipalID == id {
			continue
		}
		if r.ApprovedBy != nil && *r.ApprovedBy == id {
			r.ApprovedBy = nil
		}
		roles = append(roles, r)
	}
	st.roles = roles

	apps := st.apps[:0]
	for _, app := range st.apps {
		if app.PrincipalID == id {
			continue
		}
		if app.ReviewedBy != nil && *app.ReviewedBy == id {
			app.ReviewedBy = nil
		}
		apps = append(apps, app)
	}
	st.apps = apps
	return nil
}
