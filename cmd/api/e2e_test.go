package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"estateflow/auth"
	"estateflow/client"
	"estateflow/config"
	"estateflow/role"
	"estateflow/session"
)

const e2eAPIKey = "e2e-public-key"

func startMemoryAPI(t *testing.T, adminEmail, adminPassword string) string {
	t.Helper()
	ctx := context.Background()
	cfg := &config.Config{
		Backend: config.BackendMemory,
		Auth: config.AuthConfig{
			JWTSecret:           "0123456789abcdef-e2e",
			SessionTTL:          time.Hour,
			PublicAPIKey:        e2eAPIKey,
			BootstrapAdminEmail: adminEmail,
		},
		Outbox: config.OutboxConfig{Sink: config.SinkLog},
	}
	require.NoError(t, cfg.Validate())

	be, err := openBackend(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(be.close)

	// the bootstrap admin has to exist before wiring promotes it
	_, err = auth.NewService(be.accounts, cfg.Auth.JWTSecret).Register(ctx, auth.RegisterRequest{
		Email:    adminEmail,
		Password: adminPassword,
		FullName: "Site Admin",
	})
	require.NoError(t, err)

	app, err := wire(ctx, cfg, be, zap.NewNop())
	require.NoError(t, err)

	srv := httptest.NewServer(app.server.Routes())
	t.Cleanup(srv.Close)
	return srv.URL
}

func awaitState(t *testing.T, sc *session.Context, cond func(session.State) bool) session.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := sc.Await(ctx, cond)
	require.NoError(t, err, "last state: %+v", st)
	return st
}

func TestAgentOnboardingEndToEnd(t *testing.T) {
	ctx := context.Background()
	baseURL := startMemoryAPI(t, "admin@example.com", "admin-password")

	adminClient := client.New(baseURL, e2eAPIKey)
	require.NoError(t, adminClient.SignIn(ctx, "admin@example.com", "admin-password"))
	adminRole, err := adminClient.EffectiveRole(ctx, "", adminClient.Session().Token)
	require.NoError(t, err)
	require.Equal(t, role.RoleAdmin, adminRole)

	userClient := client.New(baseURL, e2eAPIKey)
	sc := session.New(userClient, userClient, userClient)
	t.Cleanup(sc.Close)
	require.NoError(t, sc.Start(ctx))

	st := awaitState(t, sc, func(s session.State) bool { return !s.Loading })
	require.False(t, st.SignedIn())

	require.NoError(t, sc.SignUp(ctx, "jane@example.com", "jane-password", "Jane Doe"))
	st = awaitState(t, sc, func(s session.State) bool { return s.EffectiveRole != "" })
	require.Equal(t, role.RoleUser, st.EffectiveRole)
	require.Equal(t, "jane@example.com", st.Email)

	submitted, err := userClient.SubmitApplication(ctx, client.SubmitApplicationRequest{
		FullName: "Jane Doe",
		Phone:    "+1 555 0100",
		Email:    "jane@example.com",
		Company:  "Doe Realty",
	})
	require.NoError(t, err)
	require.Equal(t, "pending", submitted.Status)

	_, err = userClient.ReviewApplication(ctx, submitted.ID, "approved", "")
	require.True(t, client.IsStatus(err, http.StatusForbidden), "got %v", err)

	pending, err := adminClient.ListApplications(ctx, "pending")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	res, err := adminClient.ReviewApplication(ctx, submitted.ID, "approved", "license checked")
	require.NoError(t, err)
	require.Equal(t, "approved", res.Application.Status)
	require.True(t, res.RoleGranted)

	again, err := adminClient.ReviewApplication(ctx, submitted.ID, "approved", "")
	require.NoError(t, err)
	require.True(t, again.Replayed)

	_, err = adminClient.ReviewApplication(ctx, submitted.ID, "rejected", "")
	require.True(t, client.IsStatus(err, http.StatusConflict), "got %v", err)

	require.NoError(t, userClient.Refresh(ctx))
	st = awaitState(t, sc, func(s session.State) bool { return s.Is(role.RoleAgent) })
	require.Equal(t, "jane@example.com", st.Email)

	require.NoError(t, sc.SignOut(ctx))
	st = awaitState(t, sc, func(s session.State) bool { return !s.SignedIn() })
	require.Empty(t, st.EffectiveRole)
}

func TestRegisterAgentDirectlyEndToEnd(t *testing.T) {
	ctx := context.Background()
	baseURL := startMemoryAPI(t, "root@example.com", "root-password")

	adminClient := client.New(baseURL, e2eAPIKey)
	require.NoError(t, adminClient.SignIn(ctx, "root@example.com", "root-password"))

	agent, err := adminClient.RegisterAgent(ctx, client.RegisterAgentRequest{
		Email:    "bob@example.com",
		Password: "bob-password",
		FullName: "Bob Agent",
	})
	require.NoError(t, err)
	require.NotEmpty(t, agent.PrincipalID)

	bob := client.New(baseURL, e2eAPIKey)
	require.NoError(t, bob.SignIn(ctx, "bob@example.com", "bob-password"))
	got, err := bob.EffectiveRole(ctx, agent.PrincipalID, bob.Session().Token)
	require.NoError(t, err)
	require.Equal(t, role.RoleAgent, got)

	_, err = bob.RegisterAgent(ctx, client.RegisterAgentRequest{
		Email:    "mallory@example.com",
		Password: "mallory-password",
		FullName: "Mallory",
	})
	require.True(t, client.IsStatus(err, http.StatusForbidden), "got %v", err)
}
