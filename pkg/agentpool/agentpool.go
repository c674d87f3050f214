// Package agentpool manages agent pools and their join tokens — the bearer
// credentials a RunnerListener exchanges for a CA-signed certificate.
package agentpool

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenPrefix identifies raw agent-pool join tokens returned to callers.
const TokenPrefix = "tppool_"

// tokenRandBytes is the number of random bytes packed into a raw token,
// hex-encoded after the prefix.
const tokenRandBytes = 24

// Pool is a named group of listeners that runs can be pinned to.
type Pool struct {
	ID                 uuid.UUID
	Name               string
	Description        string
	ServiceAccountName string
	Org                string
	CreatedAt          time.Time
}

// Token is a join credential for a pool. The raw secret is never persisted;
// only TokenHash is stored, and the raw value is returned to the caller
// exactly once, at creation time.
type Token struct {
	ID          uuid.UUID
	PoolRef     uuid.UUID
	TokenHash   string
	Description string
	ExpiresAt   *time.Time
	MaxUses     *int
	UseCount    int
	IsRevoked   bool
	CreatedBy   string
	CreatedAt   time.Time
}

// Valid implements the validity predicate from the data model: not revoked,
// not expired, and under its use budget if one is set.
func (t Token) Valid(now time.Time) bool {
	if t.IsRevoked {
		return false
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return false
	}
	if t.MaxUses != nil && t.UseCount >= *t.MaxUses {
		return false
	}
	return true
}

// GenerateToken creates a new raw token and its stored hash. The raw value
// must be shown to the caller once and never persisted.
func GenerateToken() (raw string, hash string, err error) {
	buf := make([]byte, tokenRandBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating join token: %w", err)
	}
	raw = TokenPrefix + hex.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

// HashToken computes the SHA-256 hash of a raw token, the form stored in
// the database and compared against on lookup.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
