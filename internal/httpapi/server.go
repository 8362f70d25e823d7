// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package httpapi exposes the auth service over HTTP. Handlers stay thin:
// decode, call the service, translate the error taxonomy to a status code.
// Session tokens travel in an HttpOnly cookie.
package httpapi

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/observability"
)

var tracer = otel.Tracer("keyfold/httpapi")

const (
	// DefaultSessionCookie names the session cookie unless configured.
	DefaultSessionCookie = "keyfold_session"

	// stateCookie carries the OAuth CSRF state between redirect and callback.
	stateCookie = "keyfold_oauth_state"

	stateCookieTTL = 10 * time.Minute
)

// Config controls the HTTP surface.
type Config struct {
	SessionCookie string
	CookieSecure  bool
}

// Server routes HTTP requests to the auth service.
type Server struct {
	svc       *auth.Service
	providers *oauth.Registry
	metrics   *observability.Metrics
	cfg       Config
	logger    *slog.Logger
}

// NewServer creates a Server. providers and metrics may be nil; a nil
// provider registry disables the OAuth routes.
func NewServer(svc *auth.Service, providers *oauth.Registry, metrics *observability.Metrics, cfg Config, logger *slog.Logger) (*Server, error) {
	if svc == nil {
		return nil, errors.New("auth service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = DefaultSessionCookie
	}
	return &Server{
		svc:       svc,
		providers: providers,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// traced wraps a handler in a span named after the operation.
func (s *Server) traced(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), name,
			trace.WithAttributes(attribute.String("http.method", r.Method)))
		defer span.End()
		h(w, r.WithContext(ctx))
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/register", s.traced("auth.register", s.handleRegister))
	mux.HandleFunc("GET /auth/verify-email", s.traced("auth.verify_email", s.handleVerifyEmail))
	mux.HandleFunc("POST /auth/sign-in", s.traced("auth.sign_in", s.handleSignIn))
	mux.HandleFunc("POST /auth/forgot-password", s.traced("auth.forgot_password", s.handleForgotPassword))
	mux.HandleFunc("POST /auth/reset-password", s.traced("auth.reset_password", s.handleResetPassword))
	mux.HandleFunc("POST /auth/sign-out", s.traced("auth.sign_out", s.handleSignOut))
	mux.HandleFunc("GET /auth/session", s.traced("auth.session", s.handleSession))

	if s.providers != nil {
		mux.HandleFunc("GET /auth/oauth/{provider}", s.traced("auth.oauth_redirect", s.handleOAuthRedirect))
		mux.HandleFunc("GET /auth/oauth/{provider}/callback", s.traced("auth.oauth_callback", s.handleOAuthCallback))
	}

	return mux
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type userResponse struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	EmailVerified bool   `json:"email_verified"`
}

func toUserResponse(u *auth.User) userResponse {
	return userResponse{
		ID:            u.ID.String(),
		Email:         u.Email,
		Name:          u.Name,
		EmailVerified: u.EmailVerified,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}

	user, err := s.svc.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		s.countRegistration("error")
		s.writeError(w, r, err)
		return
	}
	s.countRegistration("ok")
	s.writeJSON(w, http.StatusCreated, toUserResponse(user))
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	view, sessionToken, err := s.svc.VerifyEmail(r.Context(), token, r.UserAgent(), clientIP(r))
	if err != nil {
		s.countTokenConsume(auth.PurposeVerifyEmail, "error")
		s.writeError(w, r, err)
		return
	}
	s.countTokenConsume(auth.PurposeVerifyEmail, "ok")

	if view != nil && sessionToken != "" {
		s.setSessionCookie(w, sessionToken, view.Session.ExpiresAt)
		s.writeJSON(w, http.StatusOK, toUserResponse(view.User))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !s.decode(w, r, &req) {
		return
	}

	view, token, err := s.svc.SignInPassword(r.Context(), req.Email, req.Password, r.UserAgent(), clientIP(r))
	if err != nil {
		s.countSignIn("password", "error")
		s.writeError(w, r, err)
		return
	}
	s.countSignIn("password", "ok")

	s.setSessionCookie(w, token, view.Session.ExpiresAt)
	s.writeJSON(w, http.StatusOK, toUserResponse(view.User))
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Uniform response whether or not the account exists.
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.svc.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		s.countTokenConsume(auth.PurposeResetPassword, "error")
		s.writeError(w, r, err)
		return
	}
	s.countTokenConsume(auth.PurposeResetPassword, "ok")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	view, err := s.currentSession(r)
	if err != nil {
		// Clearing the cookie is the useful part even when the session is gone.
		s.clearSessionCookie(w)
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
		return
	}

	if err := s.svc.SignOut(r.Context(), view.Session.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.metrics != nil {
		s.metrics.SessionsRevoked.Inc()
	}
	s.clearSessionCookie(w)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

type sessionResponse struct {
	User      userResponse `json:"user"`
	SessionID string       `json:"session_id"`
	ExpiresAt time.Time    `json:"expires_at"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.currentSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessionResponse{
		User:      toUserResponse(view.User),
		SessionID: view.Session.ID.String(),
		ExpiresAt: view.Session.ExpiresAt,
	})
}

func (s *Server) handleOAuthRedirect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	provider, ok := s.providers.Provider(name)
	if !ok {
		s.writeError(w, r, auth.ErrProvider)
		return
	}

	state, err := newState()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth/oauth",
		MaxAge:   int(stateCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, provider.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")

	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || r.URL.Query().Get("state") != cookie.Value {
		s.clearStateCookie(w)
		s.writeError(w, r, auth.ErrUnauthenticated)
		return
	}
	s.clearStateCookie(w)

	code := r.URL.Query().Get("code")
	view, token, err := s.svc.SignInOAuth(r.Context(), name, code, r.UserAgent(), clientIP(r))
	if err != nil {
		s.countSignIn("oauth", "error")
		s.writeError(w, r, err)
		return
	}
	s.countSignIn("oauth", "ok")

	s.setSessionCookie(w, token, view.Session.ExpiresAt)
	s.writeJSON(w, http.StatusOK, toUserResponse(view.User))
}

// currentSession resolves the session cookie into a validated session view.
func (s *Server) currentSession(r *http.Request) (*auth.SessionView, error) {
	cookie, err := r.Cookie(s.cfg.SessionCookie)
	if err != nil {
		return nil, auth.ErrUnauthenticated
	}
	return s.svc.ValidateSession(r.Context(), cookie.Value)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   stateCookie,
		Value:  "",
		Path:   "/auth/oauth",
		MaxAge: -1,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody("INVALID_REQUEST", "malformed request body"))
		return false
	}
	return true
}

func (s *Server) countSignIn(method, status string) {
	if s.metrics != nil {
		s.metrics.SignInsTotal.WithLabelValues(method, status).Inc()
	}
}

func (s *Server) countRegistration(status string) {
	if s.metrics != nil {
		s.metrics.RegistrationsTotal.WithLabelValues(status).Inc()
	}
}

func (s *Server) countTokenConsume(purpose auth.TokenPurpose, status string) {
	if s.metrics != nil {
		s.metrics.TokensConsumedTotal.WithLabelValues(string(purpose), status).Inc()
	}
}

// clientIP extracts the remote address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// newState returns a random URL-safe OAuth state value.
func newState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
