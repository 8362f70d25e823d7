// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package oauth implements authorization-code sign-in against external
// identity providers. A Registry of providers satisfies the auth package's
// ProfileExchanger so the auth service never sees provider specifics.
package oauth

import (
	"context"
	"sort"

	"github.com/samber/oops"

	"github.com/keyfold/keyfold/internal/auth"
)

// Provider completes an authorization-code flow for one external identity
// provider and returns a normalized profile.
type Provider interface {
	// Name returns the provider's registry key, e.g. "google".
	Name() string
	// AuthCodeURL returns the URL to redirect the user to, carrying state.
	AuthCodeURL(state string) string
	// Exchange swaps an authorization code for the provider's user profile.
	Exchange(ctx context.Context, code string) (*auth.NormalizedProfile, error)
}

// Registry dispatches exchanges to named providers.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a Registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Provider returns the named provider, or false if not registered.
func (r *Registry) Provider(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exchange dispatches to the named provider. An unknown provider maps to
// auth.ErrProvider.
func (r *Registry) Exchange(ctx context.Context, provider, code string) (*auth.NormalizedProfile, error) {
	p, ok := r.providers[provider]
	if !ok {
		return nil, oops.Code("OAUTH_UNKNOWN_PROVIDER").
			With("provider", provider).
			Wrap(auth.ErrProvider)
	}
	profile, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	profile.Provider = p.Name()
	return profile, nil
}

// Compile-time interface check.
var _ auth.ProfileExchanger = (*Registry)(nil)
