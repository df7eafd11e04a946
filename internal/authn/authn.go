// Package authn verifies the JWT every connecting client presents and
// extracts the player_id principal SessionHub registers the connection
// under. Grounded in the teacher's internal/jwt.JWTManager (HS256 signing,
// ParseWithClaims, ValidateToken), generalized from its per-challenge
// CustomClaims (userId+challengeId bound at token-issue time) to a bare
// player identity claim, since in this core a single connection can range
// across many matches over its lifetime rather than being scoped to one.
package authn

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("authn: token is required")
	ErrInvalidToken = errors.New("authn: invalid or expired token")
)

// Claims is the principal this core trusts once a token validates.
type Claims struct {
	PlayerID string `json:"player_id"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens presented on WebSocket upgrade.
type Verifier struct {
	secretKey []byte
}

func NewVerifier(secretKey string) *Verifier {
	return &Verifier{secretKey: []byte(secretKey)}
}

// Issue mints a token for playerID, used by tests and by any sibling
// service fronting this core's upgrade endpoint.
func (v *Verifier) Issue(playerID string, ttl time.Duration) (string, error) {
	if playerID == "" {
		return "", errors.New("authn: playerID cannot be empty")
	}
	claims := Claims{
		PlayerID: playerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// Verify validates a bearer token (with or without the "Bearer " prefix)
// and returns the player_id principal it carries.
func (v *Verifier) Verify(rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, ErrMissingToken
	}
	if after, ok := strings.CutPrefix(rawToken, "Bearer "); ok {
		rawToken = after
	}

	token, err := jwt.ParseWithClaims(rawToken, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("authn: unexpected signing method")
		}
		return v.secretKey, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.PlayerID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
