package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/ptt/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the identity in a signed token: sub is the user id.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for id.
func IssueToken(secret []byte, id Identity, ttl time.Duration) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}
	now := time.Now()
	claims := &Claims{
		Name: id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseToken verifies the signature and expiry and returns the identity.
func ParseToken(secret []byte, tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	return claimsIdentity(claims)
}

func claimsIdentity(c *Claims) (Identity, error) {
	id := Identity{UserID: domain.UserID(c.Subject), DisplayName: c.Name}
	if err := id.Validate(); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return id, nil
}

// Token reads the identity out of a token issued elsewhere. The client
// cannot verify it; the relay server does.
type Token struct {
	raw string
	id  Identity
}

func NewToken(tokenString string) (*Token, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	id, err := claimsIdentity(claims)
	if err != nil {
		return nil, err
	}
	return &Token{raw: tokenString, id: id}, nil
}

func (t *Token) Identity(context.Context) (Identity, error) { return t.id, nil }

// Raw is the bearer string to present to the server.
func (t *Token) Raw() string { return t.raw }
