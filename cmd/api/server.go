package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"estateflow/admin"
	"estateflow/application"
	"estateflow/auth"
	"estateflow/policy"
	"estateflow/profile"
	"estateflow/role"
)

type contextKey string

const (
	ctxKeyUserID contextKey = "userID"
	ctxKeyToken  contextKey = "token"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Account, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(ctx context.Context, token string) (auth.Claims, error)
	Refresh(ctx context.Context, token string) (auth.LoginResult, error)
	SignOut(ctx context.Context, token string) error
	GetAccountByID(ctx context.Context, id string) (*auth.Account, error)
}

type roleService interface {
	EffectiveRole(ctx context.Context, principalID string) (role.Role, error)
	ListRoles(ctx context.Context, actorID, principalID string, limit int) ([]role.Assignment, error)
	AssignRole(ctx context.Context, actorID, principalID string, r role.Role) (bool, error)
	RevokeRole(ctx context.Context, actorID, principalID string, r role.Role) (bool, error)
}

type profileService interface {
	Get(ctx context.Context, actorID, principalID string) (profile.Profile, error)
	List(ctx context.Context, actorID string, limit int) ([]profile.Profile, error)
	Update(ctx context.Context, actorID string, params profile.UpdateParams) (profile.Profile, error)
}

type applicationService interface {
	Submit(ctx context.Context, actorID string, req application.SubmitRequest) (application.Application, error)
	Get(ctx context.Context, actorID, id string) (application.Application, error)
	List(ctx context.Context, actorID string, filter application.ListFilter) ([]application.Application, error)
	Review(ctx context.Context, actorID string, req application.ReviewRequest) (application.ReviewResult, error)
	RegisterAgentDirectly(ctx context.Context, actorID string, req application.RegisterAgentRequest) (application.RegisteredAgent, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the HTTP API.
type Server struct {
	authService        authService
	roleService        roleService
	profileService     profileService
	applicationService applicationService
	health             pinger
	apiKey             string
	logger             *zap.Logger
}

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Use(s.authenticate)

		r.Route("/auth/v1", func(r chi.Router) {
			r.Post("/signup", s.handleSignUp)
			r.Post("/token", s.handleSignIn)
			r.With(s.requireUser).Post("/refresh", s.handleRefresh)
			r.Post("/logout", s.handleSignOut)
			r.With(s.requireUser).Get("/user", s.handleCurrentUser)
		})

		r.Route("/rest/v1", func(r chi.Router) {
			r.Get("/profiles", s.handleProfiles)
			r.Get("/profiles/{principalID}", s.handleProfile)
			r.Get("/roles", s.handleRoles)
			r.Get("/applications", s.handleApplications)
			r.Get("/applications/{id}", s.handleApplication)

			r.Group(func(r chi.Router) {
				r.Use(s.requireUser)
				r.Get("/roles/effective", s.handleEffectiveRole)
				r.Post("/roles", s.handleAssignRole)
				r.Delete("/roles/{principalID}/{role}", s.handleRevokeRole)
				r.Patch("/profiles/{principalID}", s.handleUpdateProfile)
				r.Post("/applications", s.handleSubmitApplication)
				r.Post("/applications/{id}/review", s.handleReviewApplication)
				r.Post("/agents", s.handleRegisterAgent)
			})
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log().Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("apikey") != s.apiKey {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves an optional bearer token. Requests without one are
// anonymous; a token that does not verify is rejected.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid authorization header"})
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyToken, token)
		if r.URL.Path == "/auth/v1/logout" {
			// logout accepts stale tokens
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		claims, err := s.authService.VerifyToken(r.Context(), token)
		if err != nil {
			s.writeError(w, r, auth.ErrSessionExpired)
			return
		}
		ctx = context.WithValue(ctx, ctxKeyUserID, claims.PrincipalID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID(r) == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func bearer(r *http.Request) string {
	token, _ := r.Context().Value(ctxKeyToken).(string)
	return token
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.log().Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := s.authService.Register(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.authService.Login(r.Context(), auth.LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(result))
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(result))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	result, err := s.authService.Refresh(r.Context(), bearer(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(result))
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if token := bearer(r); token != "" {
		if err := s.authService.SignOut(r.Context(), token); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	account, err := s.authService.GetAccountByID(r.Context(), userID(r))
	if err != nil {
		if errors.Is(err, auth.ErrAccountNotFound) {
			err = auth.ErrSessionExpired
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(*account))
}

func (s *Server) handleEffectiveRole(w http.ResponseWriter, r *http.Request) {
	current, err := s.roleService.EffectiveRole(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"role": string(current)})
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	rows, err := s.roleService.ListRoles(r.Context(), userID(r), r.URL.Query().Get("principalId"), queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]roleResponse, 0, len(rows))
	for _, a := range rows {
		items = append(items, toRoleResponse(a))
	}
	writeJSON(w, http.StatusOK, listResponse[roleResponse]{Items: items, Total: len(items)})
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if !decode(w, r, &req) {
		return
	}
	target, err := role.Parse(req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.roleService.AssignRole(r.Context(), userID(r), req.PrincipalID, target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]bool{"created": created})
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	target, err := role.Parse(chi.URLParam(r, "role"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	removed, err := s.roleService.RevokeRole(r.Context(), userID(r), chi.URLParam(r, "principalID"), target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.profileService.List(r.Context(), userID(r), queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]profileResponse, 0, len(profiles))
	for _, p := range profiles {
		items = append(items, toProfileResponse(p))
	}
	writeJSON(w, http.StatusOK, listResponse[profileResponse]{Items: items, Total: len(items)})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profileService.Get(r.Context(), userID(r), chi.URLParam(r, "principalID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(p))
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.profileService.Update(r.Context(), userID(r), profile.UpdateParams{
		PrincipalID: chi.URLParam(r, "principalID"),
		FullName:    req.FullName,
		Phone:       req.Phone,
		AvatarURL:   req.AvatarURL,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(p))
}

func (s *Server) handleSubmitApplication(w http.ResponseWriter, r *http.Request) {
	var req submitApplicationRequest
	if !decode(w, r, &req) {
		return
	}
	app, err := s.applicationService.Submit(r.Context(), userID(r), application.SubmitRequest{
		FullName:        req.FullName,
		Phone:           req.Phone,
		Email:           req.Email,
		Company:         req.Company,
		LicenseNumber:   req.LicenseNumber,
		ExperienceYears: req.ExperienceYears,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplicationResponse(app))
}

func (s *Server) handleApplications(w http.ResponseWriter, r *http.Request) {
	filter := application.ListFilter{
		PrincipalID: r.URL.Query().Get("principalId"),
		Status:      application.Status(r.URL.Query().Get("status")),
		Limit:       queryLimit(r),
	}
	apps, err := s.applicationService.List(r.Context(), userID(r), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]applicationResponse, 0, len(apps))
	for _, app := range apps {
		items = append(items, toApplicationResponse(app))
	}
	writeJSON(w, http.StatusOK, listResponse[applicationResponse]{Items: items, Total: len(items)})
}

func (s *Server) handleApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.applicationService.Get(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationResponse(app))
}

func (s *Server) handleReviewApplication(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decode(w, r, &req) {
		return
	}
	decision, err := application.ParseDecision(req.Decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.applicationService.Review(r.Context(), userID(r), application.ReviewRequest{
		ApplicationID: chi.URLParam(r, "id"),
		Decision:      decision,
		Notes:         req.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reviewResponse{
		Application: toApplicationResponse(res.Application),
		RoleGranted: res.RoleGranted,
		Replayed:    res.Replayed,
	})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decode(w, r, &req) {
		return
	}
	agent, err := s.applicationService.RegisterAgentDirectly(r.Context(), userID(r), application.RegisterAgentRequest{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
		Phone:    req.Phone,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registeredAgentResponse{PrincipalID: agent.PrincipalID, Email: agent.Email})
}

// writeError maps domain errors to responses. Denied reads surface as 404 so
// callers cannot confirm rows they may not see.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var inv *application.InvariantError
	switch {
	case errors.As(err, &inv):
		s.log().Error("review aborted", zap.Error(err), zap.String("request_id", middleware.GetReqID(r.Context())))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "approval could not be completed, please retry", Retriable: inv.Retriable()})
	case errors.Is(err, auth.ErrSessionExpired):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: auth.UserMessage(err)})
	case auth.IsAuthError(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: auth.UserMessage(err)})
	case errors.Is(err, policy.ErrDenied):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: policy.ErrDenied.Error()})
	case errors.Is(err, application.ErrNotFound),
		errors.Is(err, profile.ErrNotFound),
		errors.Is(err, role.ErrUnknownPrincipal),
		errors.Is(err, auth.ErrAccountNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, application.ErrInvalidTransition),
		errors.Is(err, application.ErrPendingExists),
		errors.Is(err, admin.ErrSelfDemotion):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, application.ErrValidation), errors.Is(err, role.ErrInvalidRole):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		s.log().Error("request failed", zap.Error(err), zap.String("path", r.URL.Path), zap.String("request_id", middleware.GetReqID(r.Context())))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 50
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
