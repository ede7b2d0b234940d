package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estateflow/client"
	"estateflow/role"
	"estateflow/session"
)

const apiKey = "public-key"

func sessionBody(id, token string) map[string]any {
	return map[string]any{
		"accessToken": token,
		"expiresAt":   time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"user":        map[string]string{"id": id, "email": id + "@example.com", "fullName": "Test " + id},
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newServer(t *testing.T, mux *http.ServeMux) *client.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return client.New(srv.URL, apiKey)
}

func recv(t *testing.T, ch <-chan session.Notification) session.Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
		return session.Notification{}
	}
}

func TestSignInNotifiesSubscribers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Email, Password string }
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Password != "correct-horse" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid login credentials"})
			return
		}
		writeJSON(w, http.StatusOK, sessionBody("u1", "tok-1"))
	})
	c := newServer(t, mux)

	ch, unsubscribe, err := c.Subscribe(context.Background())
	require.NoError(t, err)
	defer unsubscribe()

	err = c.SignIn(context.Background(), "u1@example.com", "wrong")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.Status)
	require.Equal(t, "Invalid login credentials", apiErr.Message)
	require.Nil(t, c.Session())

	require.NoError(t, c.SignIn(context.Background(), "u1@example.com", "correct-horse"))
	n := recv(t, ch)
	require.Equal(t, session.EventSignedIn, n.Event)
	require.NotNil(t, n.Session)
	require.Equal(t, "u1", n.Session.PrincipalID)
	require.Equal(t, "tok-1", n.Session.Token)
	require.Equal(t, "tok-1", c.Session().Token)
}

func TestSignUpSendsRedirect(t *testing.T) {
	bodies := make(chan map[string]string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/signup", func(w http.ResponseWriter, r *http.Request) {
		var got map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		bodies <- got
		writeJSON(w, http.StatusCreated, sessionBody("u2", "tok-2"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := client.New(srv.URL, "", client.WithRedirect("https://app.example.com/"))

	require.NoError(t, c.SignUp(context.Background(), "u2@example.com", "long-enough", "Ada"))
	got := <-bodies
	require.Equal(t, "https://app.example.com/", got["emailRedirectTo"])
	require.Equal(t, "Ada", got["fullName"])
	require.Equal(t, "u2", c.Session().PrincipalID)
}

func TestSignOutClearsSessionWhenServerFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, sessionBody("u1", "tok-1"))
	})
	mux.HandleFunc("POST /auth/v1/logout", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	})
	c := newServer(t, mux)
	require.NoError(t, c.SignIn(context.Background(), "u1@example.com", "pw"))

	ch, unsubscribe, err := c.Subscribe(context.Background())
	require.NoError(t, err)
	defer unsubscribe()

	err = c.SignOut(context.Background())
	require.True(t, client.IsStatus(err, http.StatusInternalServerError))
	require.Nil(t, c.Session())

	n := recv(t, ch)
	require.Equal(t, session.EventSignedOut, n.Event)
	require.Nil(t, n.Session)

	require.NoError(t, c.SignOut(context.Background()))
}

func TestCurrentSessionDropsRejectedToken(t *testing.T) {
	var valid atomic.Bool
	valid.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, sessionBody("u1", "tok-1"))
	})
	mux.HandleFunc("GET /auth/v1/user", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		if !valid.Load() {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Session expired, please sign in again"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": "u1", "email": "u1@example.com"})
	})
	c := newServer(t, mux)

	sess, err := c.CurrentSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, sess)

	require.NoError(t, c.SignIn(context.Background(), "u1@example.com", "pw"))
	sess, err = c.CurrentSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, "u1", sess.PrincipalID)

	valid.Store(false)
	sess, err = c.CurrentSession(context.Background())
	require.NoError(t, err)
	require.Nil(t, sess)
	require.Nil(t, c.Session())
}

func TestEffectiveRole(t *testing.T) {
	answers := map[string]string{"Bearer tok-9": "agent", "Bearer tok-x": "owner"}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/v1/roles/effective", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"role": answers[r.Header.Get("Authorization")]})
	})
	c := newServer(t, mux)

	got, err := c.EffectiveRole(context.Background(), "u9", "tok-9")
	require.NoError(t, err)
	require.Equal(t, role.RoleAgent, got)

	_, err = c.EffectiveRole(context.Background(), "u9", "tok-x")
	require.ErrorIs(t, err, role.ErrInvalidRole)
}

func TestReviewApplicationSurfacesRetriableFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, sessionBody("admin", "tok-a"))
	})
	mux.HandleFunc("POST /rest/v1/applications/{id}/review", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "app-busy" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "approval could not be completed, please retry", "retriable": true})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"application": map[string]any{"id": r.PathValue("id"), "status": "approved", "createdAt": time.Now().UTC().Format(time.RFC3339)},
			"roleGranted": true,
		})
	})
	c := newServer(t, mux)

	_, err := c.ReviewApplication(context.Background(), "app-1", "approved", "")
	require.ErrorIs(t, err, client.ErrNotSignedIn)

	require.NoError(t, c.SignIn(context.Background(), "admin@example.com", "pw"))

	res, err := c.ReviewApplication(context.Background(), "app-1", "approved", "looks good")
	require.NoError(t, err)
	require.Equal(t, "approved", res.Application.Status)
	require.True(t, res.RoleGranted)

	_, err = c.ReviewApplication(context.Background(), "app-busy", "approved", "")
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	require.True(t, apiErr.Retriable)
}

func TestRequestsCarryAPIKey(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, sessionBody("u1", "tok-1"))
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	err := client.New(srv.URL, "other-key").SignIn(context.Background(), "u1@example.com", "pw")
	require.True(t, client.IsStatus(err, http.StatusUnauthorized))
}
