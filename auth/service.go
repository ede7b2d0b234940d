package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidEmail signals a missing or malformed email address.
	ErrInvalidEmail = errors.New("auth: invalid email")
	// ErrSessionExpired signals a token whose session is expired, revoked or unknown.
	ErrSessionExpired = errors.New("auth: session expired")
)

const defaultSessionTTL = time.Hour

// Service handles authentication business logic.
type Service struct {
	repo          Repository
	jwtSecret     []byte
	sessionTTL    time.Duration
	emailRedirect string
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSessionTTL sets how long issued sessions stay valid.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithEmailRedirect sets the default post-registration confirmation target.
func WithEmailRedirect(url string) Option {
	return func(s *Service) { s.emailRedirect = url }
}

// LoginResult bundles the token and account returned after a successful login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Session   Session
	Account   Account
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		jwtSecret:  []byte(jwtSecret),
		sessionTTL: defaultSessionTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a new account. The account's profile and default role are
// created alongside it by the repository.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	params, err := s.prepareAccount(req)
	if err != nil {
		return nil, err
	}

	account, err := s.repo.CreateAccount(ctx, params)
	if err != nil {
		return nil, err
	}

	return &account, nil
}

func (s *Service) prepareAccount(req RegisterRequest) (CreateAccountParams, error) {
	email := strings.TrimSpace(req.Email)
	if _, err := mail.ParseAddress(email); email == "" || err != nil {
		return CreateAccountParams{}, ErrInvalidEmail
	}

	if len(req.Password) < 8 {
		return CreateAccountParams{}, ErrWeakPassword
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return CreateAccountParams{}, fmt.Errorf("auth: hash password: %w", err)
	}

	redirect := strings.TrimSpace(req.EmailRedirectTo)
	if redirect == "" {
		redirect = s.emailRedirect
	}

	return CreateAccountParams{
		Email:           email,
		PasswordHash:    string(passwordHash),
		FullName:        strings.TrimSpace(req.FullName),
		Phone:           strings.TrimSpace(req.Phone),
		EmailRedirectTo: redirect,
	}, nil
}

// Login authenticates an account and opens a new session.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	account, err := s.repo.GetAccountByEmail(ctx, strings.TrimSpace(req.Email))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	return s.issue(ctx, account)
}

// GetAccountByID retrieves account information by ID.
func (s *Service) GetAccountByID(ctx context.Context, id string) (*Account, error) {
	account, err := s.repo.GetAccountByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// VerifyToken validates a token and its backing session.
func (s *Service) VerifyToken(ctx context.Context, tokenString string) (Claims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return Claims{}, err
	}

	session, err := s.repo.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return Claims{}, ErrSessionExpired
		}
		return Claims{}, err
	}
	if session.PrincipalID != claims.PrincipalID || !session.Active(s.now()) {
		return Claims{}, ErrSessionExpired
	}

	return claims, nil
}

// Refresh rotates a still-valid session: the old one is revoked and a new
// token is issued for the same account.
func (s *Service) Refresh(ctx context.Context, tokenString string) (LoginResult, error) {
	claims, err := s.VerifyToken(ctx, tokenString)
	if err != nil {
		return LoginResult{}, err
	}

	account, err := s.repo.GetAccountByID(ctx, claims.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, ErrSessionExpired
		}
		return LoginResult{}, err
	}

	if err := s.repo.RevokeSession(ctx, claims.SessionID); err != nil {
		return LoginResult{}, err
	}
	return s.issue(ctx, account)
}

// SignOut revokes the session behind tokenString. Tokens that are already
// invalid are ignored.
func (s *Service) SignOut(ctx context.Context, tokenString string) error {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil
	}
	return s.repo.RevokeSession(ctx, claims.SessionID)
}

func (s *Service) issue(ctx context.Context, account Account) (LoginResult, error) {
	now := s.now()
	session, err := s.repo.CreateSession(ctx, account.ID, now.Add(s.sessionTTL))
	if err != nil {
		return LoginResult{}, err
	}

	token, err := s.generateToken(account, session, now)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token:     token,
		ExpiresAt: session.ExpiresAt,
		Session:   session,
		Account:   account,
	}, nil
}

// generateToken creates a JWT bound to the session.
func (s *Service) generateToken(account Account, session Session, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":   account.ID,
		"sid":   session.ID,
		"email": account.Email,
		"exp":   session.ExpiresAt.Unix(),
		"iat":   now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *Service) parse(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrSessionExpired
		}
		return Claims{}, fmt.Errorf("auth: parse token: %w", err)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("auth: invalid token")
	}

	var c Claims
	if c.PrincipalID, ok = mc["sub"].(string); !ok || c.PrincipalID == "" {
		return Claims{}, fmt.Errorf("auth: invalid sub in token")
	}
	if c.SessionID, ok = mc["sid"].(string); !ok || c.SessionID == "" {
		return Claims{}, fmt.Errorf("auth: invalid sid in token")
	}
	c.Email, _ = mc["email"].(string)
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}
