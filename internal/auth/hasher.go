// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
)

// AlgoArgon2id is the algorithm tag recorded alongside password hashes.
// The tag exists so a future algorithm migration can tell hashes apart
// without parsing them.
const AlgoArgon2id = "argon2id"

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = oops.Code("AUTH_EMPTY_PASSWORD").Errorf("password cannot be empty")

// PasswordHasher provides password hashing and verification. The service
// cares only about the stated properties: salted, slow, constant-time
// verification, and upgrade detection.
type PasswordHasher interface {
	// Hash produces an encoded hash of the password.
	Hash(password string) (string, error)

	// Verify checks if the password matches the hash.
	// Returns (true, nil) on match, (false, nil) on mismatch, or error on
	// an invalid hash.
	Verify(password, hash string) (bool, error)

	// NeedsUpgrade returns true if the hash predates the current
	// algorithm or parameters and should be recomputed on next sign-in.
	NeedsUpgrade(hash string) bool

	// Algorithm returns the tag stored with hashes this hasher produces.
	Algorithm() string
}

// Argon2Params holds argon2id cost parameters.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	SaltLen int
	KeyLen  uint32
}

// DefaultArgon2Params are the OWASP-recommended argon2id parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:    1,
		Memory:  64 * 1024, // 64 MB
		Threads: 4,
		SaltLen: 16,
		KeyLen:  32,
	}
}

// Argon2idHasher implements PasswordHasher using argon2id with PHC-format
// encoding.
type Argon2idHasher struct {
	params Argon2Params
}

// NewArgon2idHasher creates an Argon2idHasher with default parameters.
func NewArgon2idHasher() *Argon2idHasher {
	return &Argon2idHasher{params: DefaultArgon2Params()}
}

// NewArgon2idHasherWithParams creates an Argon2idHasher with explicit
// parameters. Intended for tests that need cheap hashes.
func NewArgon2idHasherWithParams(params Argon2Params) *Argon2idHasher {
	return &Argon2idHasher{params: params}
}

// Algorithm returns the argon2id tag.
func (h *Argon2idHasher) Algorithm() string { return AlgoArgon2id }

// Hash produces a PHC-encoded argon2id hash of the password.
func (h *Argon2idHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.Memory, h.params.Threads, h.params.KeyLen)

	// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
	encoded := fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
	return encoded, nil
}

// Verify checks if the password matches the PHC-encoded hash. Parameters
// are taken from the hash itself, so hashes produced under older cost
// settings still verify.
func (h *Argon2idHasher) Verify(password, encodedHash string) (bool, error) {
	params, salt, expected, err := decodeArgon2Hash(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, uint32(len(expected)))

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// NeedsUpgrade returns true if the hash is not argon2id or was produced
// with weaker cost parameters than the current configuration.
func (h *Argon2idHasher) NeedsUpgrade(hash string) bool {
	params, _, _, err := decodeArgon2Hash(hash)
	if err != nil {
		return true
	}
	return params.Memory < h.params.Memory || params.Time < h.params.Time
}

// decodeArgon2Hash parses a PHC-format argon2id hash into its parameters,
// salt, and key.
func decodeArgon2Hash(encodedHash string) (Argon2Params, []byte, []byte, error) {
	var params Argon2Params

	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return params, nil, nil, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash format")
	}
	if parts[1] != "argon2id" {
		return params, nil, nil, oops.Code("AUTH_INVALID_HASH").
			With("algorithm", parts[1]).
			Errorf("unsupported hash algorithm")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return params, nil, nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return params, nil, nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if threads == 0 || threads > 255 {
		return params, nil, nil, oops.Code("AUTH_INVALID_HASH").
			With("threads", threads).
			Errorf("thread count out of range")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return params, nil, nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if len(key) == 0 || len(key) > 1<<10 {
		return params, nil, nil, oops.Code("AUTH_INVALID_HASH").
			With("key_len", len(key)).
			Errorf("invalid hash key length")
	}

	params.Time = time
	params.Memory = memory
	params.Threads = uint8(threads)
	params.SaltLen = len(salt)
	params.KeyLen = uint32(len(key))
	return params, salt, key, nil
}
