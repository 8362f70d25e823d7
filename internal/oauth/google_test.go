// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package oauth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/pkg/errutil"
)

func TestNewGoogleProvider_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  oauth.GoogleConfig
	}{
		{"missing client ID", oauth.GoogleConfig{ClientSecret: "secret", RedirectURL: "https://example.com/cb"}},
		{"missing client secret", oauth.GoogleConfig{ClientID: "id", RedirectURL: "https://example.com/cb"}},
		{"missing redirect URL", oauth.GoogleConfig{ClientID: "id", ClientSecret: "secret"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := oauth.NewGoogleProvider(tt.cfg)
			require.Error(t, err)
			assert.Nil(t, provider)
		})
	}
}

func TestGoogleProvider_Name(t *testing.T) {
	provider, err := oauth.NewGoogleProvider(oauth.GoogleConfig{
		ClientID: "id", ClientSecret: "secret", RedirectURL: "https://example.com/cb",
	})
	require.NoError(t, err)
	assert.Equal(t, "google", provider.Name())
}

func TestGoogleProvider_AuthCodeURL(t *testing.T) {
	provider, err := oauth.NewGoogleProvider(oauth.GoogleConfig{
		ClientID: "my-client", ClientSecret: "secret", RedirectURL: "https://example.com/cb",
	})
	require.NoError(t, err)

	consentURL := provider.AuthCodeURL("csrf-state")
	assert.Contains(t, consentURL, "state=csrf-state")
	assert.Contains(t, consentURL, "client_id=my-client")
	assert.Contains(t, consentURL, "userinfo.email")
}

// fakeGoogle stands in for Google's token and userinfo endpoints.
func fakeGoogle(t *testing.T, userinfoStatus int, profile map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.FormValue("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"access_token": "access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, _ *http.Request) {
		if userinfoStatus != http.StatusOK {
			http.Error(w, "denied", userinfoStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(profile) //nolint:errcheck
	})
	return httptest.NewServer(mux)
}

func googleAgainst(t *testing.T, srv *httptest.Server) *oauth.GoogleProvider {
	t.Helper()
	provider, err := oauth.NewGoogleProvider(oauth.GoogleConfig{
		ClientID:     "id",
		ClientSecret: "secret",
		RedirectURL:  "https://example.com/cb",
		UserInfoURL:  srv.URL + "/userinfo",
		Endpoint: oauth2.Endpoint{
			AuthURL:  srv.URL + "/auth",
			TokenURL: srv.URL + "/token",
		},
	})
	require.NoError(t, err)
	return provider
}

func TestGoogleProvider_Exchange(t *testing.T) {
	ctx := context.Background()

	t.Run("returns normalized profile", func(t *testing.T) {
		srv := fakeGoogle(t, http.StatusOK, map[string]any{
			"id":             "subject-123",
			"email":          "alice@example.com",
			"verified_email": true,
			"name":           "Alice",
			"picture":        "https://img.example.com/alice.png",
		})
		defer srv.Close()

		profile, err := googleAgainst(t, srv).Exchange(ctx, "good-code")
		require.NoError(t, err)
		assert.Equal(t, "google", profile.Provider)
		assert.Equal(t, "subject-123", profile.SubjectID)
		assert.Equal(t, "alice@example.com", profile.Email)
		assert.Equal(t, "Alice", profile.Name)
		assert.Equal(t, "https://img.example.com/alice.png", profile.AvatarURL)
		assert.True(t, profile.EmailVerified)
	})

	t.Run("rejected code maps to provider error", func(t *testing.T) {
		srv := fakeGoogle(t, http.StatusOK, nil)
		defer srv.Close()

		_, err := googleAgainst(t, srv).Exchange(ctx, "bad-code")
		require.ErrorIs(t, err, auth.ErrProvider)
		errutil.AssertErrorCode(t, err, "OAUTH_EXCHANGE_FAILED")
	})

	t.Run("userinfo failure maps to provider error", func(t *testing.T) {
		srv := fakeGoogle(t, http.StatusForbidden, nil)
		defer srv.Close()

		_, err := googleAgainst(t, srv).Exchange(ctx, "good-code")
		require.ErrorIs(t, err, auth.ErrProvider)
		errutil.AssertErrorCode(t, err, "OAUTH_PROFILE_FETCH_FAILED")
	})

	t.Run("incomplete profile is refused", func(t *testing.T) {
		srv := fakeGoogle(t, http.StatusOK, map[string]any{
			"id": "subject-123", // no email
		})
		defer srv.Close()

		_, err := googleAgainst(t, srv).Exchange(ctx, "good-code")
		require.ErrorIs(t, err, auth.ErrProvider)
		errutil.AssertErrorCode(t, err, "OAUTH_PROFILE_INCOMPLETE")
	})
}
