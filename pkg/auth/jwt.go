package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const audience = "slotbridge-api"

// Claims identify a bridged UserSession. Sub is the registry identity and
// Sid the session instance it was issued for.
type Claims struct {
	SessionID string `json:"sid"`
	Name      string `json:"name,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
	jwt.RegisteredClaims
}

func NewSessionToken(identity, sessionID, name string, synthetic bool, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		SessionID: sessionID,
		Name:      name,
		Synthetic: synthetic,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  []string{audience},
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func Parse(tokenString, secret string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithAudience(audience))
	if err != nil {
		return nil, err
	}
	if claims, ok := tok.Claims.(*Claims); ok && tok.Valid {
		if claims.Subject == "" {
			return nil, errors.New("token has no subject")
		}
		if claims.SessionID == "" {
			return nil, errors.New("token has no session")
		}
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
