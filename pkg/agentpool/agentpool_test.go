package agentpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateTokenRoundTrip(t *testing.T) {
	raw, hash, err := GenerateToken()
	require.NoError(t, err)
	require.True(t, len(raw) > len(TokenPrefix))
	require.Equal(t, TokenPrefix, raw[:len(TokenPrefix)])
	require.Equal(t, hash, HashToken(raw))
}

func TestGenerateTokenUnique(t *testing.T) {
	raw1, _, err := GenerateToken()
	require.NoError(t, err)
	raw2, _, err := GenerateToken()
	require.NoError(t, err)
	require.NotEqual(t, raw1, raw2)
}

func TestTokenValid(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	maxUses := 3

	cases := []struct {
		name  string
		token Token
		want  bool
	}{
		{"fresh token with no limits", Token{}, true},
		{"revoked token", Token{IsRevoked: true}, false},
		{"expired token", Token{ExpiresAt: &past}, false},
		{"not yet expired token", Token{ExpiresAt: &future}, true},
		{"under use budget", Token{MaxUses: &maxUses, UseCount: 2}, true},
		{"at use budget", Token{MaxUses: &maxUses, UseCount: 3}, false},
		{"over use budget", Token{MaxUses: &maxUses, UseCount: 4}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, c.token.Valid(now))
		})
	}
}
