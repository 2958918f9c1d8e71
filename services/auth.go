package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is used when NewAuthService is given a non-positive TTL.
const DefaultTokenTTL = 24 * time.Hour

type AuthService struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

func NewAuthService(secret string, ttl time.Duration) (*AuthService, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &AuthService{
		jwtSecret: []byte(secret),
		ttl:       ttl,
		now:       time.Now,
	}, nil
}

// CreateJWT generates a signed token for the given subject
func (s *AuthService) CreateJWT(subject string) (string, error) {
	if subject == "" {
		return "", errors.New("subject must not be empty")
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
	})

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// VerifyJWT verifies a token and returns its subject
func (s *AuthService) VerifyJWT(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", errors.New("subject claim missing")
	}

	return subject, nil
}

// TokenSource returns a function that mints tokens for subject, reusing the
// last one until it is within a fifth of its lifetime of expiring. The
// returned function satisfies client.TokenFunc.
func (s *AuthService) TokenSource(subject string) func(ctx context.Context) (string, error) {
	var (
		mu      sync.Mutex
		current string
		renewAt time.Time
	)
	return func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		mu.Lock()
		defer mu.Unlock()

		if current != "" && s.now().Before(renewAt) {
			return current, nil
		}
		token, err := s.CreateJWT(subject)
		if err != nil {
			return "", err
		}
		current = token
		renewAt = s.now().Add(s.ttl * 4 / 5)
		return current, nil
	}
}
