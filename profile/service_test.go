package profile

import (
	"context"
	"errors"
	"testing"

	"estateflow/policy"
	"estateflow/role"
)

type stubRoles struct{}

func (stubRoles) HasRole(context.Context, string, role.Role) (bool, error) { return false, nil }
func (stubRoles) EffectiveRole(context.Context, string) (role.Role, error) {
	return role.RoleUser, nil
}

type passthroughTx struct {
	principals []string
}

func (p *passthroughTx) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (p *passthroughTx) RunAs(ctx context.Context, principalID string, fn func(context.Context) error) error {
	p.principals = append(p.principals, principalID)
	return fn(ctx)
}

type stubStore struct {
	profiles map[string]Profile
	updated  int
}

func (s *stubStore) GetByPrincipal(_ context.Context, principalID string) (Profile, error) {
	p, ok := s.profiles[principalID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (s *stubStore) List(_ context.Context, _ int) ([]Profile, error) {
	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out, nil
}

func (s *stubStore) Update(_ context.Context, params UpdateParams) (Profile, error) {
	p, ok := s.profiles[params.PrincipalID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	if params.FullName != nil {
		p.FullName = *params.FullName
	}
	if params.Phone != nil {
		p.Phone = params.Phone
	}
	s.profiles[params.PrincipalID] = p
	s.updated++
	return p, nil
}

func newTestService() (*Service, *stubStore, *passthroughTx) {
	store := &stubStore{profiles: map[string]Profile{
		"alice": {ID: "p1", PrincipalID: "alice", FullName: "Alice"},
		"bob":   {ID: "p2", PrincipalID: "bob", FullName: "Bob"},
	}}
	tx := &passthroughTx{}
	return NewService(store, policy.NewEngine(stubRoles{}, nil), tx), store, tx
}

func TestService_GetIsPublic(t *testing.T) {
	svc, _, _ := newTestService()

	p, err := svc.Get(context.Background(), "", "bob")
	if err != nil {
		t.Fatalf("anonymous get: %v", err)
	}
	if p.FullName != "Bob" {
		t.Fatalf("expected Bob, got %q", p.FullName)
	}

	list, err := svc.List(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(list))
	}
}

func TestService_UpdateOwnProfile(t *testing.T) {
	svc, store, tx := newTestService()

	name := "  Alice Agent "
	p, err := svc.Update(context.Background(), "alice", UpdateParams{PrincipalID: "alice", FullName: &name})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.FullName != "Alice Agent" {
		t.Fatalf("expected trimmed name, got %q", p.FullName)
	}
	if store.updated != 1 {
		t.Fatalf("expected one write, got %d", store.updated)
	}
	if len(tx.principals) != 1 || tx.principals[0] != "alice" {
		t.Fatalf("expected update scoped to alice, got %v", tx.principals)
	}
}

func TestService_UpdateOthersProfileDenied(t *testing.T) {
	svc, store, _ := newTestService()

	name := "Mallory"
	_, err := svc.Update(context.Background(), "alice", UpdateParams{PrincipalID: "bob", FullName: &name})
	if !errors.Is(err, policy.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if store.updated != 0 {
		t.Fatal("expected no write")
	}
	if store.profiles["bob"].FullName != "Bob" {
		t.Fatal("profile changed despite denial")
	}
}
