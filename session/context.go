// Package session holds the client-side view of the signed-in principal and
// its effective role.
//
// All state changes run as tasks on one event loop goroutine, so there is a
// single writer. Readers use Snapshot or Watch.
//
// The role fetch that follows a sign-in is posted as a separate task instead
// of running inside the notification handler. The notification source may
// still be dispatching when the handler runs, and calling back into it from
// there can deadlock or drop the nested request. Do not inline it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"estateflow/role"
)

var (
	// ErrClosed is returned by operations on a closed Context.
	ErrClosed = errors.New("session: context closed")
	// ErrStarted is returned when Start is called twice.
	ErrStarted = errors.New("session: already started")
)

const defaultFetchTimeout = 10 * time.Second

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Context) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFetchTimeout bounds each effective-role fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Context) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// Context owns the session state of one client process.
type Context struct {
	source       AuthSource
	authn        Authenticator
	roles        RoleFetcher
	logger       *zap.Logger
	fetchTimeout time.Duration

	loop   *loop
	base   context.Context
	cancel context.CancelFunc

	// owned by the loop goroutine
	state    State
	fetchSeq uint64
	notified bool

	mu          sync.RWMutex
	snapshot    State
	watchers    map[int]chan State
	nextWatcher int
	unsubscribe func()

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// New builds a Context. Call Start to begin tracking the session.
func New(source AuthSource, authn Authenticator, roles RoleFetcher, opts ...Option) *Context {
	base, cancel := context.WithCancel(context.Background())
	c := &Context{
		source:       source,
		authn:        authn,
		roles:        roles,
		logger:       zap.NewNop(),
		fetchTimeout: defaultFetchTimeout,
		loop:         newLoop(),
		base:         base,
		cancel:       cancel,
		state:        State{Loading: true},
		watchers:     make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("session")
	c.snapshot = c.state
	return c
}

// Start subscribes to session changes and queries the current session
// concurrently. Whichever answers first ends Loading; notifications win over
// a late initial answer.
func (c *Context) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	go c.loop.run()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ch, unsubscribe, err := c.source.Subscribe(c.base)
		if err != nil {
			return fmt.Errorf("session: subscribe: %w", err)
		}
		c.mu.Lock()
		closed := c.closed.Load()
		if !closed {
			c.unsubscribe = unsubscribe
		}
		c.mu.Unlock()
		if closed {
			unsubscribe()
			return nil
		}
		go c.pump(ch)
		return nil
	})
	g.Go(func() error {
		sess, err := c.source.CurrentSession(gctx)
		c.loop.post(func() { c.applyInitial(sess, err) })
		return nil
	})
	return g.Wait()
}

// Snapshot returns the latest published state.
func (c *Context) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Watch returns a channel that always holds the most recent state. Slow
// readers skip intermediate states. The channel is closed by stop or Close.
func (c *Context) Watch() (<-chan State, func()) {
	ch := make(chan State, 1)
	c.mu.Lock()
	defer c.mu.Unlock()

	ch <- c.snapshot
	if c.closed.Load() {
		close(ch)
		return ch, func() {}
	}
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(w)
		}
	}
}

// Await blocks until cond holds for the published state.
func (c *Context) Await(ctx context.Context, cond func(State) bool) (State, error) {
	ch, stop := c.Watch()
	defer stop()
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return c.Snapshot(), ErrClosed
			}
			if cond(s) {
				return s, nil
			}
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		}
	}
}

// SignIn authenticates with email and password.
func (c *Context) SignIn(ctx context.Context, email, password string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.authn.SignIn(ctx, email, password)
}

// SignUp registers a new account.
func (c *Context) SignUp(ctx context.Context, email, password, fullName string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.authn.SignUp(ctx, email, password, fullName)
}

// SignOut ends the session. Local state is cleared even when the remote call
// fails.
func (c *Context) SignOut(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	err := c.authn.SignOut(ctx)
	c.loop.post(func() {
		if c.closed.Load() {
			return
		}
		c.notified = true
		c.clear()
	})
	return err
}

// Close unsubscribes and stops all further state changes. It is safe to call
// more than once.
func (c *Context) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.loop.stop()

		c.mu.Lock()
		unsubscribe := c.unsubscribe
		c.unsubscribe = nil
		for id, w := range c.watchers {
			delete(c.watchers, id)
			close(w)
		}
		c.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		if c.started.Load() {
			<-c.loop.done
		}
	})
}

func (c *Context) pump(ch <-chan Notification) {
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			if !c.loop.post(func() { c.handle(n) }) {
				return
			}
		case <-c.base.Done():
			return
		}
	}
}

func (c *Context) handle(n Notification) {
	if c.closed.Load() {
		return
	}
	c.notified = true

	switch n.Event {
	case EventSignedOut:
		c.clear()
	case EventSignedIn, EventTokenRefreshed:
		if n.Session == nil || n.Session.PrincipalID == "" {
			c.clear()
			return
		}
		c.setSession(*n.Session)
	default:
		c.logger.Debug("ignoring notification", zap.String("event", string(n.Event)))
		if c.state.Loading {
			c.state.Loading = false
			c.publish()
		}
	}
}

func (c *Context) applyInitial(sess *Session, err error) {
	if c.closed.Load() || c.notified {
		return
	}
	switch {
	case err != nil:
		c.logger.Warn("initial session query failed", zap.Error(err))
		c.clear()
	case sess == nil || sess.PrincipalID == "":
		c.clear()
	default:
		c.setSession(*sess)
	}
}

func (c *Context) clear() {
	c.fetchSeq++
	c.state = State{}
	c.publish()
}

func (c *Context) setSession(s Session) {
	c.fetchSeq++
	seq := c.fetchSeq

	if c.state.PrincipalID != s.PrincipalID {
		c.state.EffectiveRole = ""
	}
	c.state.PrincipalID = s.PrincipalID
	c.state.Email = s.Email
	c.state.SessionToken = s.Token
	c.state.Loading = false
	c.publish()

	c.loop.post(func() { c.startFetch(seq, s.PrincipalID, s.Token) })
}

func (c *Context) startFetch(seq uint64, principalID, token string) {
	if c.closed.Load() || seq != c.fetchSeq {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.base, c.fetchTimeout)
		defer cancel()
		r, err := c.roles.EffectiveRole(ctx, principalID, token)
		c.loop.post(func() { c.applyRole(seq, principalID, r, err) })
	}()
}

func (c *Context) applyRole(seq uint64, principalID string, r role.Role, err error) {
	if c.closed.Load() {
		return
	}
	if seq != c.fetchSeq || c.state.PrincipalID != principalID {
		c.logger.Debug("discarding stale role fetch", zap.String("principal_id", principalID))
		return
	}
	if err != nil {
		c.logger.Warn("role fetch failed, defaulting to user", zap.String("principal_id", principalID), zap.Error(err))
		r = role.RoleUser
	} else if !r.Valid() {
		r = role.RoleUser
	}
	c.state.EffectiveRole = r
	c.publish()
}

func (c *Context) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = c.state
	for _, w := range c.watchers {
		select {
		case <-w:
		default:
		}
		w <- c.state
	}
}
