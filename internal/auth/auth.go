package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vknguyen/typerank/internal/errors"
)

const defaultTokenTTL = 24 * time.Hour

// Claims identify an authenticated caller.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret string
	Issuer string
}

// Service issues and verifies HS256 bearer tokens. Session management proper
// lives outside this service; tokens minted here carry only the identity the
// submission pipeline needs.
type Service struct {
	secret []byte
	issuer string
}

func NewService(c Config) *Service {
	return &Service{
		secret: []byte(c.Secret),
		issuer: c.Issuer,
	}
}

func (s *Service) IssueToken(userID, username, email string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		Email:    email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(defaultTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.secret)
}

// VerifyToken validates a bearer token and returns the caller identity.
// Any failure is returned as Unauthenticated; there is no anonymous fallback.
func (s *Service) VerifyToken(token string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("invalid token"),
			errors.WithCause(err))
	}

	claims, ok := t.Claims.(*Claims)
	if !ok || !t.Valid || claims.UserID == "" {
		return nil, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("invalid token"))
	}

	return claims, nil
}
