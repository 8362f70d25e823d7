// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/auth/authtest"
	"github.com/keyfold/keyfold/internal/httpapi"
	"github.com/keyfold/keyfold/internal/oauth"
)

// stubProvider completes OAuth flows with a canned profile.
type stubProvider struct {
	profile *auth.NormalizedProfile
	err     error
}

func (p *stubProvider) Name() string { return "google" }

func (p *stubProvider) AuthCodeURL(state string) string {
	return "https://consent.example.com/auth?state=" + url.QueryEscape(state)
}

func (p *stubProvider) Exchange(_ context.Context, _ string) (*auth.NormalizedProfile, error) {
	if p.err != nil {
		return nil, p.err
	}
	cp := *p.profile
	return &cp, nil
}

// apiFixture wires the HTTP server to in-memory repositories.
type apiFixture struct {
	sender *authtest.RecordingSender
	mailer *auth.Mailer
	srv    *httptest.Server
	client *http.Client
}

func newAPIFixture(t *testing.T, registry *oauth.Registry) *apiFixture {
	t.Helper()

	sender := authtest.NewRecordingSender()
	mailer, err := auth.NewMailer(sender, nil)
	require.NoError(t, err)
	userRepo := authtest.NewUserRepo()
	tokenRepo := authtest.NewTokenRepo()
	sessionRepo := authtest.NewSessionRepo()
	tokenSvc, err := auth.NewTokenService(tokenRepo)
	require.NoError(t, err)
	sessionSvc, err := auth.NewSessionService(sessionRepo, time.Hour)
	require.NoError(t, err)
	hasher := auth.NewArgon2idHasherWithParams(auth.Argon2Params{
		Time: 1, Memory: 1024, Threads: 1, SaltLen: 16, KeyLen: 32,
	})

	policy := auth.DefaultPolicy()
	policy.BaseURL = "https://accounts.example.com"

	var exchanger auth.ProfileExchanger
	if registry != nil {
		exchanger = registry
	}

	svc, err := auth.NewService(
		userRepo, authtest.NewIdentityRepo(),
		tokenSvc, sessionSvc, authtest.NewAtomic(userRepo, tokenRepo, sessionRepo),
		hasher, mailer, exchanger, policy,
	)
	require.NoError(t, err)

	server, err := httpapi.NewServer(svc, registry, nil, httpapi.Config{}, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &apiFixture{sender: sender, mailer: mailer, srv: srv, client: client}
}

func (f *apiFixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := f.client.Post(f.srv.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) get(t *testing.T, path string, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	return body.Error.Code
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == httpapi.DefaultSessionCookie {
			return c
		}
	}
	return nil
}

// register creates a user and returns the emailed verification token.
func (f *apiFixture) register(t *testing.T, email string) string {
	t.Helper()
	resp := f.postJSON(t, "/auth/register", map[string]string{
		"email": email, "name": "Alice", "password": "password123",
	})
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	f.mailer.Wait()
	req, ok := f.sender.Last()
	require.True(t, ok)
	parsed, err := url.Parse(req.URL)
	require.NoError(t, err)
	return parsed.Query().Get("token")
}

func TestServer_Register(t *testing.T) {
	t.Run("creates user", func(t *testing.T) {
		f := newAPIFixture(t, nil)

		resp := f.postJSON(t, "/auth/register", map[string]string{
			"email": "Alice@Example.com", "name": "Alice", "password": "password123",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var user struct {
			ID            string `json:"id"`
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
		}
		decodeBody(t, resp, &user)
		assert.NotEmpty(t, user.ID)
		assert.Equal(t, "alice@example.com", user.Email)
		assert.False(t, user.EmailVerified)
	})

	t.Run("duplicate email", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.register(t, "alice@example.com")

		resp := f.postJSON(t, "/auth/register", map[string]string{
			"email": "alice@example.com", "name": "Imposter", "password": "password456",
		})
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, "CONFLICT", errorCode(t, resp))
	})

	t.Run("weak password", func(t *testing.T) {
		f := newAPIFixture(t, nil)

		resp := f.postJSON(t, "/auth/register", map[string]string{
			"email": "alice@example.com", "name": "Alice", "password": "short",
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "VALIDATION_FAILED", errorCode(t, resp))
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newAPIFixture(t, nil)

		resp, err := f.client.Post(f.srv.URL+"/auth/register", "application/json", strings.NewReader("{not json"))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "INVALID_REQUEST", errorCode(t, resp))
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		f := newAPIFixture(t, nil)

		resp, err := f.client.Post(f.srv.URL+"/auth/register", "application/json",
			strings.NewReader(`{"email":"a@example.com","name":"A","password":"password123","admin":true}`))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "INVALID_REQUEST", errorCode(t, resp))
	})
}

func TestServer_VerifyEmail(t *testing.T) {
	t.Run("verifies and signs in", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		token := f.register(t, "alice@example.com")

		resp := f.get(t, "/auth/verify-email?token="+url.QueryEscape(token))
		require.Equal(t, http.StatusOK, resp.StatusCode)

		cookie := sessionCookie(resp)
		require.NotNil(t, cookie, "expected session cookie after verification")
		assert.True(t, cookie.HttpOnly)

		var user struct {
			EmailVerified bool `json:"email_verified"`
		}
		decodeBody(t, resp, &user)
		assert.True(t, user.EmailVerified)

		// The cookie authenticates follow-up requests.
		sessResp := f.get(t, "/auth/session", cookie)
		defer sessResp.Body.Close() //nolint:errcheck
		assert.Equal(t, http.StatusOK, sessResp.StatusCode)
	})

	t.Run("second use is gone", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		token := f.register(t, "alice@example.com")

		resp := f.get(t, "/auth/verify-email?token="+url.QueryEscape(token))
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close() //nolint:errcheck
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = f.get(t, "/auth/verify-email?token="+url.QueryEscape(token))
		require.Equal(t, http.StatusGone, resp.StatusCode)
		assert.Equal(t, "TOKEN_USED", errorCode(t, resp))
	})

	t.Run("unknown token", func(t *testing.T) {
		f := newAPIFixture(t, nil)

		resp := f.get(t, "/auth/verify-email?token=deadbeef")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "NOT_FOUND", errorCode(t, resp))
	})
}

func TestServer_SignIn(t *testing.T) {
	t.Run("valid credentials set session cookie", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		token := f.register(t, "alice@example.com")
		resp := f.get(t, "/auth/verify-email?token="+url.QueryEscape(token))
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close() //nolint:errcheck

		resp = f.postJSON(t, "/auth/sign-in", map[string]string{
			"email": "alice@example.com", "password": "password123",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		cookie := sessionCookie(resp)
		require.NotNil(t, cookie)
		assert.NotEmpty(t, cookie.Value)
		resp.Body.Close() //nolint:errcheck
	})

	t.Run("wrong password and unknown email are identical", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		token := f.register(t, "alice@example.com")
		resp := f.get(t, "/auth/verify-email?token="+url.QueryEscape(token))
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close() //nolint:errcheck

		wrongPass := f.postJSON(t, "/auth/sign-in", map[string]string{
			"email": "alice@example.com", "password": "wrongpassword",
		})
		require.Equal(t, http.StatusUnauthorized, wrongPass.StatusCode)
		assert.Equal(t, "INVALID_CREDENTIALS", errorCode(t, wrongPass))

		noUser := f.postJSON(t, "/auth/sign-in", map[string]string{
			"email": "nobody@example.com", "password": "password123",
		})
		require.Equal(t, http.StatusUnauthorized, noUser.StatusCode)
		assert.Equal(t, "INVALID_CREDENTIALS", errorCode(t, noUser))
	})

	t.Run("unverified account", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.register(t, "alice@example.com")

		resp := f.postJSON(t, "/auth/sign-in", map[string]string{
			"email": "alice@example.com", "password": "password123",
		})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "UNAUTHENTICATED", errorCode(t, resp))
	})
}

func TestServer_PasswordReset(t *testing.T) {
	t.Run("forgot-password is uniform", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.register(t, "alice@example.com")

		known := f.postJSON(t, "/auth/forgot-password", map[string]string{"email": "alice@example.com"})
		unknown := f.postJSON(t, "/auth/forgot-password", map[string]string{"email": "nobody@example.com"})

		assert.Equal(t, http.StatusAccepted, known.StatusCode)
		assert.Equal(t, http.StatusAccepted, unknown.StatusCode)

		var knownBody, unknownBody map[string]string
		decodeBody(t, known, &knownBody)
		decodeBody(t, unknown, &unknownBody)
		assert.Equal(t, knownBody, unknownBody)
	})

	t.Run("reset rotates credential and revokes sessions", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		verifyToken := f.register(t, "alice@example.com")
		verifyResp := f.get(t, "/auth/verify-email?token="+url.QueryEscape(verifyToken))
		_, _ = io.Copy(io.Discard, verifyResp.Body)
		verifyResp.Body.Close() //nolint:errcheck
		require.Equal(t, http.StatusOK, verifyResp.StatusCode)
		oldCookie := sessionCookie(verifyResp)
		require.NotNil(t, oldCookie)

		resp := f.postJSON(t, "/auth/forgot-password", map[string]string{"email": "alice@example.com"})
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close() //nolint:errcheck
		f.mailer.Wait()
		req, ok := f.sender.Last()
		require.True(t, ok)
		parsed, err := url.Parse(req.URL)
		require.NoError(t, err)
		resetToken := parsed.Query().Get("token")

		resp = f.postJSON(t, "/auth/reset-password", map[string]string{
			"token": resetToken, "password": "newpassword456",
		})
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close() //nolint:errcheck
		require.Equal(t, http.StatusOK, resp.StatusCode)

		// The pre-reset session cookie no longer authenticates.
		sessResp := f.get(t, "/auth/session", oldCookie)
		require.Equal(t, http.StatusUnauthorized, sessResp.StatusCode)
		assert.Equal(t, "UNAUTHENTICATED", errorCode(t, sessResp))

		// New credential works.
		resp = f.postJSON(t, "/auth/sign-in", map[string]string{
			"email": "alice@example.com", "password": "newpassword456",
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close() //nolint:errcheck
	})

	t.Run("reused reset token is gone", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		f.register(t, "alice@example.com")

		resp := f.postJSON(t, "/auth/forgot-password", map[string]string{"email": "alice@example.com"})
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close() //nolint:errcheck
		f.mailer.Wait()
		req, ok := f.sender.Last()
		require.True(t, ok)
		parsed, err := url.Parse(req.URL)
		require.NoError(t, err)
		resetToken := parsed.Query().Get("token")

		resp = f.postJSON(t, "/auth/reset-password", map[string]string{
			"token": resetToken, "password": "newpassword456",
		})
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close() //nolint:errcheck
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = f.postJSON(t, "/auth/reset-password", map[string]string{
			"token": resetToken, "password": "anotherpassword",
		})
		defer resp.Body.Close() //nolint:errcheck
		assert.Contains(t, []int{http.StatusGone, http.StatusNotFound}, resp.StatusCode)
	})
}

func TestServer_SignOut(t *testing.T) {
	t.Run("revokes session and clears cookie", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		token := f.register(t, "alice@example.com")
		verifyResp := f.get(t, "/auth/verify-email?token="+url.QueryEscape(token))
		_, _ = io.Copy(io.Discard, verifyResp.Body)
		verifyResp.Body.Close() //nolint:errcheck
		cookie := sessionCookie(verifyResp)
		require.NotNil(t, cookie)

		req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/auth/sign-out", nil)
		require.NoError(t, err)
		req.AddCookie(cookie)
		resp, err := f.client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close() //nolint:errcheck
		require.Equal(t, http.StatusOK, resp.StatusCode)

		cleared := sessionCookie(resp)
		require.NotNil(t, cleared)
		assert.Empty(t, cleared.Value)
		assert.Negative(t, cleared.MaxAge)

		sessResp := f.get(t, "/auth/session", cookie)
		defer sessResp.Body.Close() //nolint:errcheck
		assert.Equal(t, http.StatusUnauthorized, sessResp.StatusCode)
	})

	t.Run("without a session still succeeds", func(t *testing.T) {
		f := newAPIFixture(t, nil)

		resp, err := f.client.Post(f.srv.URL+"/auth/sign-out", "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close() //nolint:errcheck
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_Session(t *testing.T) {
	t.Run("no cookie", func(t *testing.T) {
		f := newAPIFixture(t, nil)

		resp := f.get(t, "/auth/session")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "UNAUTHENTICATED", errorCode(t, resp))
	})

	t.Run("garbage cookie", func(t *testing.T) {
		f := newAPIFixture(t, nil)

		resp := f.get(t, "/auth/session", &http.Cookie{
			Name: httpapi.DefaultSessionCookie, Value: "deadbeef",
		})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "UNAUTHENTICATED", errorCode(t, resp))
	})
}

func TestServer_OAuth(t *testing.T) {
	profile := &auth.NormalizedProfile{
		SubjectID:     "subject-123",
		Email:         "alice@example.com",
		Name:          "Alice",
		EmailVerified: true,
	}

	t.Run("routes absent when no registry", func(t *testing.T) {
		f := newAPIFixture(t, nil)

		resp := f.get(t, "/auth/oauth/google")
		defer resp.Body.Close() //nolint:errcheck
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("redirect sets state cookie", func(t *testing.T) {
		f := newAPIFixture(t, oauth.NewRegistry(&stubProvider{profile: profile}))

		resp := f.get(t, "/auth/oauth/google")
		defer resp.Body.Close() //nolint:errcheck
		require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)

		location := resp.Header.Get("Location")
		assert.Contains(t, location, "https://consent.example.com/auth?state=")

		var state string
		for _, c := range resp.Cookies() {
			if c.Name == "keyfold_oauth_state" {
				state = c.Value
			}
		}
		require.NotEmpty(t, state)
		assert.Contains(t, location, url.QueryEscape(state))
	})

	t.Run("unknown provider on redirect", func(t *testing.T) {
		f := newAPIFixture(t, oauth.NewRegistry(&stubProvider{profile: profile}))

		resp := f.get(t, "/auth/oauth/github")
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "PROVIDER_ERROR", errorCode(t, resp))
	})

	t.Run("callback with matching state signs in", func(t *testing.T) {
		f := newAPIFixture(t, oauth.NewRegistry(&stubProvider{profile: profile}))

		redirect := f.get(t, "/auth/oauth/google")
		_, _ = io.Copy(io.Discard, redirect.Body)
		redirect.Body.Close() //nolint:errcheck
		var stateCookie *http.Cookie
		for _, c := range redirect.Cookies() {
			if c.Name == "keyfold_oauth_state" {
				stateCookie = c
			}
		}
		require.NotNil(t, stateCookie)

		resp := f.get(t,
			"/auth/oauth/google/callback?code=good-code&state="+url.QueryEscape(stateCookie.Value),
			stateCookie)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NotNil(t, sessionCookie(resp))

		var user struct {
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
		}
		decodeBody(t, resp, &user)
		assert.Equal(t, "alice@example.com", user.Email)
		assert.True(t, user.EmailVerified)
	})

	t.Run("callback with state mismatch is rejected", func(t *testing.T) {
		f := newAPIFixture(t, oauth.NewRegistry(&stubProvider{profile: profile}))

		resp := f.get(t,
			"/auth/oauth/google/callback?code=good-code&state=attacker-state",
			&http.Cookie{Name: "keyfold_oauth_state", Value: "victim-state"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "UNAUTHENTICATED", errorCode(t, resp))
	})

	t.Run("callback without state cookie is rejected", func(t *testing.T) {
		f := newAPIFixture(t, oauth.NewRegistry(&stubProvider{profile: profile}))

		resp := f.get(t, "/auth/oauth/google/callback?code=good-code&state=some-state")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "UNAUTHENTICATED", errorCode(t, resp))
	})
}

func TestNewServer_NilService(t *testing.T) {
	srv, err := httpapi.NewServer(nil, nil, nil, httpapi.Config{}, nil)
	require.Error(t, err)
	assert.Nil(t, srv)
}
