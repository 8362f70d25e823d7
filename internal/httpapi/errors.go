// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/pkg/errutil"
)

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorBody(code, message string) errorResponse {
	return errorResponse{Error: errorDetail{Code: code, Message: message}}
}

// writeError maps the auth error taxonomy onto HTTP statuses. Messages are
// deliberately generic; detail stays in the server log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)
	span.SetStatus(codes.Error, body.Error.Code)
	if status >= http.StatusInternalServerError {
		errutil.LogError(s.logger, "request failed", err)
	} else {
		s.logger.DebugContext(r.Context(), "request rejected",
			"code", body.Error.Code,
			"status", status,
			"path", r.URL.Path)
	}
	s.writeJSON(w, status, body)
}

func classify(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, auth.ErrValidation):
		return http.StatusBadRequest, errorBody("VALIDATION_FAILED", "invalid input")
	case errors.Is(err, auth.ErrConflict):
		return http.StatusConflict, errorBody("CONFLICT", "resource already exists")
	case errors.Is(err, auth.ErrAccountConflict):
		return http.StatusConflict, errorBody("ACCOUNT_CONFLICT", "account conflict, sign in with your existing method")
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, errorBody("INVALID_CREDENTIALS", "invalid email or password")
	case errors.Is(err, auth.ErrAccountLocked):
		return http.StatusForbidden, errorBody("ACCOUNT_LOCKED", "account temporarily locked")
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, errorBody("UNAUTHENTICATED", "authentication required")
	case errors.Is(err, auth.ErrTokenExpired):
		return http.StatusGone, errorBody("TOKEN_EXPIRED", "token has expired")
	case errors.Is(err, auth.ErrTokenUsed):
		return http.StatusGone, errorBody("TOKEN_USED", "token has already been used")
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound, errorBody("NOT_FOUND", "not found")
	case errors.Is(err, auth.ErrProvider):
		return http.StatusBadGateway, errorBody("PROVIDER_ERROR", "identity provider error")
	default:
		return http.StatusInternalServerError, errorBody("INTERNAL", "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}
