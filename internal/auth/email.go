// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/keyfold/keyfold/pkg/errutil"
)

// EmailRequest is the outbound email contract: purpose, recipient, and the
// link carrying the verification or reset token.
type EmailRequest struct {
	Purpose TokenPurpose `json:"purpose"`
	Email   string       `json:"email"`
	URL     string       `json:"url,omitempty"`
}

// EmailSender delivers a single email. Implementations must respect the
// context deadline; delivery is best-effort and never participates in the
// caller's transaction.
type EmailSender interface {
	SendEmail(ctx context.Context, req EmailRequest) error
}

// LogEmailSender is a development implementation that logs the email
// instead of sending it. The token-bearing URL is logged at debug level
// only.
type LogEmailSender struct {
	Logger *slog.Logger
}

// SendEmail logs the email request.
func (s *LogEmailSender) SendEmail(_ context.Context, req EmailRequest) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("outbound email",
		"purpose", string(req.Purpose),
		"to", req.Email,
	)
	logger.Debug("outbound email link", "url", req.URL)
	return nil
}

// HTTPEmailSender posts the email request as JSON to an external delivery
// endpoint.
type HTTPEmailSender struct {
	Endpoint string
	Client   *http.Client
}

// SendEmail posts the request to the configured endpoint. Any non-2xx
// response is an error so the dispatcher can retry.
func (s *HTTPEmailSender) SendEmail(ctx context.Context, req EmailRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return oops.Code("EMAIL_ENCODE_FAILED").Wrap(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return oops.Code("EMAIL_REQUEST_FAILED").Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return oops.Code("EMAIL_SEND_FAILED").
			With("endpoint", s.Endpoint).
			Wrap(err)
	}
	defer resp.Body.Close() //nolint:errcheck // response body close failure is irrelevant here
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return oops.Code("EMAIL_SEND_FAILED").
			With("endpoint", s.Endpoint).
			With("status", resp.StatusCode).
			Errorf("email endpoint returned %s", resp.Status)
	}
	return nil
}

// Mailer dispatch configuration.
const (
	mailerSendTimeout  = 10 * time.Second
	mailerMaxRetries   = 3
	mailerRetryBackoff = 500 * time.Millisecond
)

// Mailer dispatches emails asynchronously with bounded retry. A failed
// send is logged and dropped; it never rolls back the state change that
// triggered it.
type Mailer struct {
	sender EmailSender
	logger *slog.Logger
	wg     sync.WaitGroup

	// OnDispatch, when set, is called once per dispatched email with its
	// purpose. Used to feed metrics.
	OnDispatch func(purpose TokenPurpose)
}

// NewMailer creates a Mailer around a sender.
func NewMailer(sender EmailSender, logger *slog.Logger) (*Mailer, error) {
	if sender == nil {
		return nil, fmt.Errorf("email sender is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{sender: sender, logger: logger}, nil
}

// Dispatch sends the email in a background goroutine with fibonacci
// backoff. The call returns immediately.
func (m *Mailer) Dispatch(req EmailRequest) {
	if m.OnDispatch != nil {
		m.OnDispatch(req.Purpose)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), mailerSendTimeout)
		defer cancel()

		backoff := retry.WithMaxRetries(mailerMaxRetries, retry.NewFibonacci(mailerRetryBackoff))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if sendErr := m.sender.SendEmail(ctx, req); sendErr != nil {
				return retry.RetryableError(sendErr)
			}
			return nil
		})
		if err != nil {
			errutil.LogError(m.logger, "email delivery failed",
				oops.Code("EMAIL_DELIVERY_FAILED").
					With("purpose", string(req.Purpose)).
					With("to", req.Email).
					Wrap(err))
		}
	}()
}

// Wait blocks until all in-flight dispatches have finished. Used during
// shutdown and in tests.
func (m *Mailer) Wait() {
	m.wg.Wait()
}
