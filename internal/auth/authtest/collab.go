// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package authtest

import (
	"context"
	"sync"

	"github.com/keyfold/keyfold/internal/auth"
)

// RecordingSender is an auth.EmailSender that captures every request.
type RecordingSender struct {
	mu   sync.Mutex
	sent []auth.EmailRequest

	// Err, when set, is returned from every SendEmail call.
	Err error
}

// NewRecordingSender creates an empty RecordingSender.
func NewRecordingSender() *RecordingSender {
	return &RecordingSender{}
}

func (s *RecordingSender) SendEmail(_ context.Context, req auth.EmailRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.sent = append(s.sent, req)
	return nil
}

// Sent returns a copy of all captured requests.
func (s *RecordingSender) Sent() []auth.EmailRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]auth.EmailRequest, len(s.sent))
	copy(out, s.sent)
	return out
}

// Last returns the most recent captured request, or false if none.
func (s *RecordingSender) Last() (auth.EmailRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return auth.EmailRequest{}, false
	}
	return s.sent[len(s.sent)-1], true
}

// StaticExchanger is an auth.ProfileExchanger that returns a fixed profile.
type StaticExchanger struct {
	Profile *auth.NormalizedProfile
	Err     error
}

func (e *StaticExchanger) Exchange(_ context.Context, provider, _ string) (*auth.NormalizedProfile, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	cp := *e.Profile
	cp.Provider = provider
	return &cp, nil
}

var (
	_ auth.EmailSender      = (*RecordingSender)(nil)
	_ auth.ProfileExchanger = (*StaticExchanger)(nil)
)
