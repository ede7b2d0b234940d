// Package memstore is an in-process backend implementing every repository
// and the transactor. Transactions are serialized by one mutex and roll back
// by restoring a snapshot.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"estateflow/application"
	"estateflow/auth"
	"estateflow/outbox"
	"estateflow/profile"
	"estateflow/role"
)

type state struct {
	accounts map[string]auth.Account
	emails   map[string]string
	sessions map[string]auth.Session
	profiles map[string]profile.Profile
	roles    []role.Assignment
	apps     []application.Application
	outbox   []outbox.Message
}

func newState() *state {
	return &state{
		accounts: make(map[string]auth.Account),
		emails:   make(map[string]string),
		sessions: make(map[string]auth.Session),
		profiles: make(map[string]profile.Profile),
	}
}

// clone copies every table. Rows hold pointers only to values that are
// replaced, never mutated, so a shallow row copy is enough.
func (s *state) clone() *state {
	c := &state{
		accounts: make(map[string]auth.Account, len(s.accounts)),
		emails:   make(map[string]string, len(s.emails)),
		sessions: make(map[string]auth.Session, len(s.sessions)),
		profiles: make(map[string]profile.Profile, len(s.profiles)),
		roles:    append([]role.Assignment(nil), s.roles...),
		apps:     append([]application.Application(nil), s.apps...),
		outbox:   append([]outbox.Message(nil), s.outbox...),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.emails {
		c.emails[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.profiles {
		c.profiles[k] = v
	}
	return c
}

// Store holds all tables.
type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{state: newState(), now: time.Now}
}

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock takes the mutex unless ctx already runs inside one of this store's
// transactions, which holds it.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// RunInTx runs fn with exclusive access. Any error restores the state seen
// before fn started. Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// RunAs is RunInTx. Access checks are enforced by the policy engine alone.
func (s *Store) RunAs(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return s.RunInTx(ctx, fn)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Accounts returns the auth.Repository view.
func (s *Store) Accounts() *Accounts { return &Accounts{s: s} }

// Roles returns the role.Repository view.
func (s *Store) Roles() *Roles { return &Roles{s: s} }

// Profiles returns the profile store view.
func (s *Store) Profiles() *Profiles { return &Profiles{s: s} }

// Applications returns the application.Repository view.
func (s *Store) Applications() *Applications { return &Applications{s: s} }

// Outbox returns the outbox view.
func (s *Store) Outbox() *Outbox { return &Outbox{s: s} }

func newID() string { return uuid.NewString() }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
