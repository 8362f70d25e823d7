// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/samber/oops"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/keyfold/keyfold/internal/auth"
)

// googleUserInfoURL is Google's OpenID userinfo endpoint.
const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// exchangeTimeout bounds the full code exchange plus profile fetch.
const exchangeTimeout = 10 * time.Second

// GoogleConfig configures the Google provider.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// UserInfoURL overrides the profile endpoint. Tests point it at a fake.
	UserInfoURL string

	// Endpoint overrides Google's OAuth endpoints. Tests point it at a
	// fake token server; the zero value means the real endpoints.
	Endpoint oauth2.Endpoint
}

// GoogleProvider signs users in with Google accounts.
type GoogleProvider struct {
	cfg         *oauth2.Config
	userInfoURL string
}

// NewGoogleProvider creates a Google provider.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, errors.New("client secret is required")
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("redirect URL is required")
	}
	userInfoURL := cfg.UserInfoURL
	if userInfoURL == "" {
		userInfoURL = googleUserInfoURL
	}
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	return &GoogleProvider{
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
		},
		userInfoURL: userInfoURL,
	}, nil
}

// Name returns "google".
func (p *GoogleProvider) Name() string { return "google" }

// AuthCodeURL returns Google's consent page URL carrying state.
func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.cfg.AuthCodeURL(state)
}

// googleProfile is the userinfo payload shape returned by Google.
type googleProfile struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Exchange swaps the authorization code for an access token and fetches the
// user's profile. Any transport failure or malformed payload maps to
// auth.ErrProvider.
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*auth.NormalizedProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	token, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, oops.Code("OAUTH_EXCHANGE_FAILED").
			With("provider", p.Name()).
			With("operation", "exchange authorization code").
			Wrapf(auth.ErrProvider, "exchange authorization code: %v", err)
	}

	profile, err := p.fetchProfile(ctx, token)
	if err != nil {
		return nil, err
	}
	if profile.ID == "" || profile.Email == "" {
		return nil, oops.Code("OAUTH_PROFILE_INCOMPLETE").
			With("provider", p.Name()).
			Wrapf(auth.ErrProvider, "profile missing subject or email")
	}

	return &auth.NormalizedProfile{
		Provider:      p.Name(),
		SubjectID:     profile.ID,
		Email:         profile.Email,
		Name:          profile.Name,
		AvatarURL:     profile.Picture,
		EmailVerified: profile.VerifiedEmail,
	}, nil
}

func (p *GoogleProvider) fetchProfile(ctx context.Context, token *oauth2.Token) (*googleProfile, error) {
	client := p.cfg.Client(ctx, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, oops.Code("OAUTH_PROFILE_FETCH_FAILED").
			With("provider", p.Name()).
			With("operation", "build userinfo request").
			Wrapf(auth.ErrProvider, "build userinfo request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, oops.Code("OAUTH_PROFILE_FETCH_FAILED").
			With("provider", p.Name()).
			With("operation", "fetch userinfo").
			Wrapf(auth.ErrProvider, "fetch userinfo: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best effort

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, oops.Code("OAUTH_PROFILE_FETCH_FAILED").
			With("provider", p.Name()).
			With("status", resp.StatusCode).
			Wrapf(auth.ErrProvider, "userinfo returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, oops.Code("OAUTH_PROFILE_FETCH_FAILED").
			With("provider", p.Name()).
			With("operation", "read userinfo body").
			Wrapf(auth.ErrProvider, "read userinfo body: %v", err)
	}

	var profile googleProfile
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, oops.Code("OAUTH_PROFILE_INVALID").
			With("provider", p.Name()).
			With("operation", "decode userinfo").
			Wrapf(auth.ErrProvider, "decode userinfo: %v", err)
	}
	return &profile, nil
}

// Compile-time interface check.
var _ Provider = (*GoogleProvider)(nil)
