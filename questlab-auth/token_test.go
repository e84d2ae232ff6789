package questlabauth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tj/assert"
)

var testSecret = []byte("test-secret-key-for-session-tokens")

func TestTokens(t *testing.T) {
	alice := Identity{ID: "user-1", Email: "alice@example.com", DisplayName: "Alice"}

	t.Run("round trip", func(t *testing.T) {
		tokens := New(testSecret, time.Hour)
		token, err := tokens.Issue(alice)
		assert.NoError(t, err)

		claims, err := tokens.Verify(token)
		assert.NoError(t, err)
		assert.Equal(t, alice.ID, claims.SubjectID())
		assert.Equal(t, alice.Email, claims.Email)
		assert.Equal(t, alice.DisplayName, claims.DisplayName)
		assert.NotEmpty(t, claims.ID)
		assert.Equal(t, time.Hour, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
	})

	t.Run("different identities", func(t *testing.T) {
		tokens := New(testSecret, 0)
		assert.Equal(t, DefaultTTL, tokens.TTL())
		for _, id := range []string{"user-1", "user-2", "user-3"} {
			token, err := tokens.Issue(Identity{ID: id})
			assert.NoError(t, err)
			claims, err := tokens.Verify(token)
			assert.NoError(t, err)
			assert.Equal(t, id, claims.Subject)
		}
	})

	t.Run("issue requires an id", func(t *testing.T) {
		_, err := New(testSecret, time.Hour).Issue(Identity{Email: "nobody@example.com"})
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		tokens := New(testSecret, time.Hour)
		token, err := tokens.Issue(alice)
		assert.NoError(t, err)

		tokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err = tokens.Verify(token)
		assert.True(t, errors.Is(err, ErrInvalidToken))
		assert.True(t, errors.Is(err, jwt.ErrTokenExpired))
	})

	t.Run("verifier clock behind issuer", func(t *testing.T) {
		issued := time.Now()
		signer := New(testSecret, time.Hour)
		signer.now = func() time.Time { return issued }
		token, err := signer.Issue(alice)
		assert.NoError(t, err)

		verifier := New(testSecret, time.Hour)
		verifier.now = func() time.Time { return issued.Add(-2 * time.Second) }
		claims, err := verifier.Verify(token)
		assert.NoError(t, err)
		assert.Equal(t, alice.ID, claims.Subject)

		verifier.now = func() time.Time { return issued.Add(-5 * time.Minute) }
		_, err = verifier.Verify(token)
		assert.True(t, errors.Is(err, jwt.ErrTokenUsedBeforeIssued))
	})

	t.Run("negative lifetime", func(t *testing.T) {
		tokens := New(testSecret, time.Hour)
		tokens.ttl = -time.Hour
		token, err := tokens.Issue(alice)
		assert.NoError(t, err)

		_, err = tokens.Verify(token)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("invalid", func(t *testing.T) {
		tokens := New(testSecret, time.Hour)
		other, err := New([]byte("different-secret"), time.Hour).Issue(alice)
		assert.NoError(t, err)

		noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"sub": alice.ID,
			"iss": issuer,
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		assert.NoError(t, err)

		noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"iss": issuer,
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString(testSecret)
		assert.NoError(t, err)

		noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": alice.ID,
			"iss": issuer,
		}).SignedString(testSecret)
		assert.NoError(t, err)

		tests := map[string]string{
			"empty":         "",
			"garbage":       "not-a-jwt-token",
			"malformed":     "header.payload.signature",
			"wrong secret":  other,
			"alg none":      noneAlg,
			"no subject":    noSubject,
			"no expiry":     noExpiry,
			"truncated sig": other[:len(other)-4],
		}
		for name, token := range tests {
			t.Run(name, func(t *testing.T) {
				claims, err := tokens.Verify(token)
				assert.Nil(t, claims)
				assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
			})
		}
	})
}

func TestExtractFromHeader(t *testing.T) {
	t.Run("bearer", func(t *testing.T) {
		token, err := ExtractFromHeader("Bearer abc.def.ghi")
		assert.NoError(t, err)
		assert.Equal(t, "abc.def.ghi", token)
	})

	for _, header := range []string{"", "abc.def.ghi", "Basic dXNlcjpwYXNz", "Bearer ", "bearer abc"} {
		t.Run("rejects "+strings.TrimSpace(header), func(t *testing.T) {
			_, err := ExtractFromHeader(header)
			assert.True(t, errors.Is(err, ErrMissingAuth))
		})
	}
}
