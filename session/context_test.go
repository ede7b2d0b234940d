package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"estateflow/role"
)

type fakeSource struct {
	notes chan Notification

	mu           sync.Mutex
	current      *Session
	currentErr   error
	currentGate  chan struct{}
	unsubscribes int
}

func newFakeSource() *fakeSource {
	return &fakeSource{notes: make(chan Notification, 16)}
}

func (f *fakeSource) Subscribe(context.Context) (<-chan Notification, func(), error) {
	return f.notes, func() {
		f.mu.Lock()
		f.unsubscribes++
		f.mu.Unlock()
	}, nil
}

func (f *fakeSource) CurrentSession(ctx context.Context) (*Session, error) {
	f.mu.Lock()
	gate := f.currentGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.currentErr
}

type fetchResult struct {
	role role.Role
	err  error
}

type fetchCall struct {
	principalID string
	// seen is the published state when the fetch started.
	seen    State
	release chan fetchResult
}

// gatedRoles blocks every fetch until the test releases it.
type gatedRoles struct {
	ctx   *Context
	calls chan fetchCall
}

func (g *gatedRoles) EffectiveRole(ctx context.Context, principalID, _ string) (role.Role, error) {
	call := fetchCall{principalID: principalID, seen: g.ctx.Snapshot(), release: make(chan fetchResult, 1)}
	g.calls <- call
	select {
	case res := <-call.release:
		return res.role, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type staticRoles map[string]role.Role

func (s staticRoles) EffectiveRole(_ context.Context, principalID, _ string) (role.Role, error) {
	r, ok := s[principalID]
	if !ok {
		return "", errors.New("backing store unavailable")
	}
	return r, nil
}

type nopAuth struct {
	signOuts int
	err      error
}

func (n *nopAuth) SignIn(context.Context, string, string) error         { return n.err }
func (n *nopAuth) SignUp(context.Context, string, string, string) error { return n.err }
func (n *nopAuth) SignOut(context.Context) error {
	n.signOuts++
	return n.err
}

func signedIn(id string) Notification {
	return Notification{Event: EventSignedIn, Session: &Session{PrincipalID: id, Token: "tok-" + id}}
}

func await(t *testing.T, c *Context, cond func(State) bool) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := c.Await(ctx, cond)
	require.NoError(t, err, "last state: %+v", s)
	return s
}

func nextCall(t *testing.T, calls chan fetchCall) fetchCall {
	t.Helper()
	select {
	case call := <-calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("role fetch was not started")
		return fetchCall{}
	}
}

func TestStart_InitialSessionResolvesRole(t *testing.T) {
	src := newFakeSource()
	src.current = &Session{PrincipalID: "alice", Token: "t1"}
	c := New(src, &nopAuth{}, staticRoles{"alice": role.RoleAgent})
	defer c.Close()

	require.True(t, c.Snapshot().Loading)
	require.NoError(t, c.Start(context.Background()))

	s := await(t, c, func(s State) bool { return s.EffectiveRole != "" })
	require.Equal(t, "alice", s.PrincipalID)
	require.Equal(t, "t1", s.SessionToken)
	require.Equal(t, role.RoleAgent, s.EffectiveRole)
	require.False(t, s.Loading)
	require.True(t, s.Is(role.RoleAgent))

	require.ErrorIs(t, c.Start(context.Background()), ErrStarted)
}

func TestStart_NoSessionEndsLoading(t *testing.T) {
	src := newFakeSource()
	c := New(src, &nopAuth{}, staticRoles{})
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	s := await(t, c, func(s State) bool { return !s.Loading })
	require.False(t, s.SignedIn())
	require.Empty(t, s.EffectiveRole)
}

func TestStart_InitialQueryFailureEndsLoading(t *testing.T) {
	src := newFakeSource()
	src.currentErr = errors.New("network down")
	c := New(src, &nopAuth{}, staticRoles{})
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	s := await(t, c, func(s State) bool { return !s.Loading })
	require.False(t, s.SignedIn())
}

func TestRoleFetchFailureDefaultsToUser(t *testing.T) {
	src := newFakeSource()
	c := New(src, &nopAuth{}, staticRoles{})
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	src.notes <- signedIn("bob")
	s := await(t, c, func(s State) bool { return s.EffectiveRole != "" })
	require.Equal(t, "bob", s.PrincipalID)
	require.Equal(t, role.RoleUser, s.EffectiveRole)
}

func TestRoleFetchRunsAfterSessionIsPublished(t *testing.T) {
	src := newFakeSource()
	roles := &gatedRoles{calls: make(chan fetchCall, 4)}
	c := New(src, &nopAuth{}, roles)
	roles.ctx = c
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	src.notes <- signedIn("carol")
	call := nextCall(t, roles.calls)
	require.Equal(t, "carol", call.principalID)
	require.Equal(t, "carol", call.seen.PrincipalID)
	require.Empty(t, call.seen.EffectiveRole)
	require.False(t, call.seen.Loading)

	call.release <- fetchResult{role: role.RoleAdmin}
	s := await(t, c, func(s State) bool { return s.EffectiveRole != "" })
	require.Equal(t, role.RoleAdmin, s.EffectiveRole)
}

func TestSignedOutNotificationClearsWithoutFetch(t *testing.T) {
	src := newFakeSource()
	roles := &gatedRoles{calls: make(chan fetchCall, 4)}
	c := New(src, &nopAuth{}, roles)
	roles.ctx = c
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	src.notes <- signedIn("dave")
	nextCall(t, roles.calls).release <- fetchResult{role: role.RoleAgent}
	await(t, c, func(s State) bool { return s.EffectiveRole == role.RoleAgent })

	src.notes <- Notification{Event: EventSignedOut}
	s := await(t, c, func(s State) bool { return !s.SignedIn() })
	require.Empty(t, s.SessionToken)
	require.Empty(t, s.EffectiveRole)
	require.False(t, s.Loading)

	select {
	case call := <-roles.calls:
		t.Fatalf("unexpected fetch for %q after sign-out", call.principalID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSignOutDuringFetchDiscardsResult(t *testing.T) {
	src := newFakeSource()
	roles := &gatedRoles{calls: make(chan fetchCall, 4)}
	authn := &nopAuth{}
	c := New(src, authn, roles)
	roles.ctx = c
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	src.notes <- signedIn("erin")
	call := nextCall(t, roles.calls)

	require.NoError(t, c.SignOut(context.Background()))
	require.Equal(t, 1, authn.signOuts)
	await(t, c, func(s State) bool { return !s.SignedIn() })

	call.release <- fetchResult{role: role.RoleAdmin}
	time.Sleep(50 * time.Millisecond)

	s := c.Snapshot()
	require.Empty(t, s.PrincipalID)
	require.Empty(t, s.EffectiveRole)
}

func TestOutOfOrderFetchesKeepLatest(t *testing.T) {
	src := newFakeSource()
	roles := &gatedRoles{calls: make(chan fetchCall, 4)}
	c := New(src, &nopAuth{}, roles)
	roles.ctx = c
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	src.notes <- signedIn("frank")
	first := nextCall(t, roles.calls)
	src.notes <- signedIn("grace")
	second := nextCall(t, roles.calls)
	require.Equal(t, "grace", second.principalID)

	second.release <- fetchResult{role: role.RoleUser}
	await(t, c, func(s State) bool { return s.PrincipalID == "grace" && s.EffectiveRole == role.RoleUser })

	first.release <- fetchResult{role: role.RoleAdmin}
	time.Sleep(50 * time.Millisecond)

	s := c.Snapshot()
	require.Equal(t, "grace", s.PrincipalID)
	require.Equal(t, role.RoleUser, s.EffectiveRole)
}

func TestRefreshSamePrincipalKeepsRoleUntilRefetched(t *testing.T) {
	src := newFakeSource()
	roles := &gatedRoles{calls: make(chan fetchCall, 4)}
	c := New(src, &nopAuth{}, roles)
	roles.ctx = c
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	src.notes <- signedIn("heidi")
	nextCall(t, roles.calls).release <- fetchResult{role: role.RoleAgent}
	await(t, c, func(s State) bool { return s.EffectiveRole == role.RoleAgent })

	src.notes <- Notification{Event: EventTokenRefreshed, Session: &Session{PrincipalID: "heidi", Token: "tok-2"}}
	call := nextCall(t, roles.calls)
	require.Equal(t, "tok-2", call.seen.SessionToken)
	require.Equal(t, role.RoleAgent, call.seen.EffectiveRole)

	call.release <- fetchResult{role: role.RoleAdmin}
	await(t, c, func(s State) bool { return s.EffectiveRole == role.RoleAdmin })
}

func TestNotificationWinsOverLateInitialQuery(t *testing.T) {
	src := newFakeSource()
	src.currentGate = make(chan struct{})
	c := New(src, &nopAuth{}, staticRoles{"ivan": role.RoleAgent})
	defer c.Close()

	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()

	src.notes <- signedIn("ivan")
	await(t, c, func(s State) bool { return s.EffectiveRole == role.RoleAgent })

	// the initial query now reports the stale signed-out view
	close(src.currentGate)
	require.NoError(t, <-started)
	time.Sleep(50 * time.Millisecond)

	s := c.Snapshot()
	require.Equal(t, "ivan", s.PrincipalID)
	require.Equal(t, role.RoleAgent, s.EffectiveRole)
}

func TestLoadingNeverReturns(t *testing.T) {
	src := newFakeSource()
	c := New(src, &nopAuth{}, staticRoles{"judy": role.RoleUser})
	defer c.Close()

	ch, stop := c.Watch()
	defer stop()
	require.NoError(t, c.Start(context.Background()))

	src.notes <- signedIn("judy")
	src.notes <- Notification{Event: EventSignedOut}
	src.notes <- signedIn("judy")
	await(t, c, func(s State) bool { return s.EffectiveRole == role.RoleUser })

	sawDone := false
	for {
		select {
		case s := <-ch:
			if sawDone {
				require.False(t, s.Loading)
			}
			if !s.Loading {
				sawDone = true
			}
			continue
		default:
		}
		break
	}
	require.False(t, c.Snapshot().Loading)
}

func TestCloseStopsMutation(t *testing.T) {
	src := newFakeSource()
	roles := &gatedRoles{calls: make(chan fetchCall, 4)}
	c := New(src, &nopAuth{}, roles)
	roles.ctx = c
	require.NoError(t, c.Start(context.Background()))

	src.notes <- signedIn("ken")
	call := nextCall(t, roles.calls)
	ch, _ := c.Watch()

	c.Close()
	c.Close()

	src.mu.Lock()
	require.Equal(t, 1, src.unsubscribes)
	src.mu.Unlock()

	before := c.Snapshot()
	call.release <- fetchResult{role: role.RoleAdmin}
	select {
	case src.notes <- Notification{Event: EventSignedOut}:
	default:
	}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, before, c.Snapshot())

	for range ch {
	}
	require.ErrorIs(t, c.SignIn(context.Background(), "a@example.com", "pw"), ErrClosed)
	require.ErrorIs(t, c.Start(context.Background()), ErrClosed)
}
