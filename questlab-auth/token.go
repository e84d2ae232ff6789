// Package questlabauth issues and verifies the signed session tokens that
// authenticate realtime gateway connections.
package questlabauth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultTTL is the lifetime of an issued session token.
	DefaultTTL = 24 * time.Hour

	issuer       = "questlab"
	bearerPrefix = "Bearer "

	// clockSkew tolerates clock drift between the replica that issued a token
	// and the one verifying it.
	clockSkew = 30 * time.Second
)

var (
	// ErrInvalidToken covers malformed, expired, and badly signed tokens alike.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingAuth is returned when no "Bearer <token>" credential is present.
	ErrMissingAuth = errors.New("missing authorization")
)

// Identity is the subject a token is issued for.
type Identity struct {
	ID          string
	Email       string
	DisplayName string
}

// Claims is the verified token payload. The subject id is Subject; IssuedAt
// and ExpiresAt are always populated on tokens produced by Issue.
type Claims struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// SubjectID returns the id of the identity the token was issued for.
func (c *Claims) SubjectID() string {
	return c.Subject
}

// Tokens signs and verifies HS256 session tokens with a server secret.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// New returns a token service; a non-positive ttl selects DefaultTTL.
func New(secret []byte, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tokens{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}
}

// TTL reports the lifetime given to issued tokens.
func (t *Tokens) TTL() time.Duration {
	return t.ttl
}

// Issue signs a token for the identity carrying its id and profile claims.
func (t *Tokens) Issue(identity Identity) (string, error) {
	if identity.ID == "" {
		return "", fmt.Errorf("unable to issue token: identity has no id")
	}

	now := t.now()
	claims := Claims{
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   identity.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("unable to sign token for %v: %w", identity.ID, err)
	}
	return token, nil
}

// Verify checks the signature and expiry of a token and returns its claims.
func (t *Tokens) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	return &claims, nil
}

// ExtractFromHeader pulls the token out of an Authorization header value of the
// form "Bearer <token>".
func ExtractFromHeader(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrMissingAuth)
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrMissingAuth)
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrMissingAuth)
	}
	return token, nil
}
