// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tokens issues and verifies the bearer tokens steps and debug
// sessions use to call back into the orchestrator. Plaintext tokens are
// returned exactly once; only their SHA-256 is retained.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// tokenBytes is the entropy of a generated token.
const tokenBytes = 32

// New generates a URL-safe random token and returns it with its hash.
func New() (plaintext, hash string, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	plaintext = base64.RawURLEncoding.EncodeToString(buf)
	return plaintext, Hash(plaintext), nil
}

// Hash returns the hex SHA-256 of a token.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Verify compares a presented token against a stored hash in constant time.
func Verify(plaintext, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(Hash(plaintext)), []byte(storedHash)) == 1
}

// entry is one issued token bound to its subject.
type entry struct {
	hash      string
	expiresAt time.Time
}

// Registry holds in-flight step tokens keyed by subject (a step run id).
// Tokens are bound: a token issued for one step never verifies for another.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry

	sweepOnce sync.Once
}

// NewRegistry creates an empty token registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Issue generates a token for subject, replacing any previous one.
func (r *Registry) Issue(subject string, ttl time.Duration) (string, error) {
	plaintext, hash, err := New()
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.entries[subject] = entry{hash: hash, expiresAt: time.Now().Add(ttl)}
	r.mu.Unlock()
	return plaintext, nil
}

// VerifyFor checks a presented token against the one issued for subject.
// Expired and revoked tokens never verify.
func (r *Registry) VerifyFor(subject, plaintext string) bool {
	r.mu.Lock()
	e, ok := r.entries[subject]
	r.mu.Unlock()
	if !ok || time.Now().After(e.expiresAt) {
		return false
	}
	return Verify(plaintext, e.hash)
}

// Revoke invalidates the token issued for subject.
func (r *Registry) Revoke(subject string) {
	r.mu.Lock()
	delete(r.entries, subject)
	r.mu.Unlock()
}

// StartSweeper drops expired tokens on the given interval until ctx is
// cancelled. Repeated calls start at most one loop.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	r.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.SweepExpired()
				}
			}
		}()
	})
}

// SweepExpired drops expired entries and returns how many were removed.
func (r *Registry) SweepExpired() int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for subject, e := range r.entries {
		if now.After(e.expiresAt) {
			delete(r.entries, subject)
			removed++
		}
	}
	return removed
}
