// Package client is the HTTP SDK for the estateflow API. A Client is also
// the session.AuthSource, session.Authenticator and session.RoleFetcher for
// a session.Context.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"estateflow/role"
	"estateflow/session"
)

const defaultTimeout = 15 * time.Second

// APIError is a non-2xx response.
type APIError struct {
	Status    int
	Message   string
	Retriable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: %d %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// ErrNotSignedIn is returned by calls that need a session when there is none.
var ErrNotSignedIn = errors.New("client: not signed in")

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRedirect sets the post-registration confirmation target sent on sign-up.
func WithRedirect(u string) Option {
	return func(c *Client) { c.redirect = u }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type subscriber struct {
	ch   chan session.Notification
	done chan struct{}
	once sync.Once
}

// Client talks to one estateflow API. It keeps at most one session.
type Client struct {
	baseURL  string
	apiKey   string
	redirect string
	http     *http.Client
	logger   *zap.Logger

	mu      sync.Mutex
	current *session.Session
	subs    map[int]*subscriber
	nextSub int
}

// New builds a Client for baseURL, sending apiKey with every request.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  zap.NewNop(),
		subs:    make(map[int]*subscriber),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("client")
	return c
}

// Subscribe delivers session changes made through this Client.
func (c *Client) Subscribe(context.Context) (<-chan session.Notification, func(), error) {
	sub := &subscriber{ch: make(chan session.Notification, 16), done: make(chan struct{})}
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = sub
	c.mu.Unlock()

	return sub.ch, func() {
		sub.once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(sub.done)
		})
	}, nil
}

// CurrentSession returns the held session after confirming it with the
// server. A session the server rejects is dropped.
func (c *Client) CurrentSession(ctx context.Context) (*session.Session, error) {
	sess := c.Session()
	if sess == nil {
		return nil, nil
	}
	var user User
	err := c.do(ctx, http.MethodGet, "/auth/v1/user", sess.Token, nil, &user)
	if err != nil {
		if IsStatus(err, http.StatusUnauthorized) {
			c.setSession(nil, session.EventSignedOut)
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

// Session returns a copy of the held session, or nil.
func (c *Client) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	s := *c.current
	return &s
}

// SignIn exchanges credentials for a session.
func (c *Client) SignIn(ctx context.Context, email, password string) error {
	var resp SessionResponse
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token", "", credentials{Email: email, Password: password}, &resp); err != nil {
		return err
	}
	c.setSession(resp.session(), session.EventSignedIn)
	return nil
}

// SignUp registers an account and signs it in.
func (c *Client) SignUp(ctx context.Context, email, password, fullName string) error {
	body := signUpRequest{Email: email, Password: password, FullName: fullName, EmailRedirectTo: c.redirect}
	var resp SessionResponse
	if err := c.do(ctx, http.MethodPost, "/auth/v1/signup", "", body, &resp); err != nil {
		return err
	}
	c.setSession(resp.session(), session.EventSignedIn)
	return nil
}

// SignOut revokes the session on the server and forgets it locally. The
// local session is dropped even if the server call fails.
func (c *Client) SignOut(ctx context.Context) error {
	sess := c.Session()
	if sess == nil {
		return nil
	}
	err := c.do(ctx, http.MethodPost, "/auth/v1/logout", sess.Token, nil, nil)
	c.setSession(nil, session.EventSignedOut)
	return err
}

// Refresh rotates the session token.
func (c *Client) Refresh(ctx context.Context) error {
	sess := c.Session()
	if sess == nil {
		return ErrNotSignedIn
	}
	var resp SessionResponse
	if err := c.do(ctx, http.MethodPost, "/auth/v1/refresh", sess.Token, nil, &resp); err != nil {
		if IsStatus(err, http.StatusUnauthorized) {
			c.setSession(nil, session.EventSignedOut)
		}
		return err
	}
	c.setSession(resp.session(), session.EventTokenRefreshed)
	return nil
}

// EffectiveRole asks the server for the caller's effective role.
func (c *Client) EffectiveRole(ctx context.Context, _ string, token string) (role.Role, error) {
	var resp struct {
		Role string `json:"role"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/v1/roles/effective", token, nil, &resp); err != nil {
		return "", err
	}
	return role.Parse(resp.Role)
}

// ReviewApplication records an approve or reject decision.
func (c *Client) ReviewApplication(ctx context.Context, applicationID, decision, notes string) (ReviewResult, error) {
	var out ReviewResult
	err := c.authed(ctx, http.MethodPost, "/rest/v1/applications/"+url.PathEscape(applicationID)+"/review",
		reviewRequest{Decision: decision, Notes: notes}, &out)
	return out, err
}

// RegisterAgent creates an account that starts out with the agent role.
func (c *Client) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (RegisteredAgent, error) {
	var out RegisteredAgent
	err := c.authed(ctx, http.MethodPost, "/rest/v1/agents", req, &out)
	return out, err
}

// SubmitApplication files an agent application for the signed-in principal.
func (c *Client) SubmitApplication(ctx context.Context, req SubmitApplicationRequest) (Application, error) {
	var out Application
	err := c.authed(ctx, http.MethodPost, "/rest/v1/applications", req, &out)
	return out, err
}

// ListApplications returns the applications visible to the caller.
func (c *Client) ListApplications(ctx context.Context, status string) ([]Application, error) {
	path := "/rest/v1/applications"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out struct {
		Items []Application `json:"items"`
	}
	err := c.authed(ctx, http.MethodGet, path, nil, &out)
	return out.Items, err
}

func (c *Client) authed(ctx context.Context, method, path string, body, out any) error {
	sess := c.Session()
	if sess == nil {
		return ErrNotSignedIn
	}
	return c.do(ctx, method, path, sess.Token, body, out)
}

func (c *Client) setSession(s *session.Session, event session.Event) {
	c.mu.Lock()
	c.current = s
	subs := make([]*subscriber, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	var payload *session.Session
	if s != nil {
		cp := *s
		payload = &cp
	}
	n := session.Notification{Event: event, Session: payload}
	for _, sub := range subs {
		select {
		case sub.ch <- n:
		case <-sub.done:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload)
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		c.logger.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
		return &APIError{Status: resp.StatusCode, Message: payload.Error, Retriable: payload.Retriable}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
