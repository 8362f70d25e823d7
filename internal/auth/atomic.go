// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import "context"

// TxRepositories bundles repositories bound to a single unit of work.
// Mutations made through them commit or roll back together.
type TxRepositories struct {
	Users    UserRepository
	Tokens   TokenRepository
	Sessions SessionRepository
}

// Atomic runs a unit of work whose repository mutations are atomic: when fn
// returns an error nothing it wrote persists. Token consumption and the
// state change it authorizes go through this seam so a failure partway
// cannot burn the token.
type Atomic interface {
	InTx(ctx context.Context, fn func(TxRepositories) error) error
}
