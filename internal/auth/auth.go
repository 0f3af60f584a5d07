// Package auth issues and verifies operator access tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FranksOps/prospector/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidToken covers missing, malformed, expired and forged tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidCredentials means the email or password did not match.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// DefaultTokenLifetime is how long an access token stays valid.
const DefaultTokenLifetime = 30 * time.Minute

// Users is the part of the store auth needs.
type Users interface {
	CreateUser(ctx context.Context, u *storage.User) error
	GetUser(ctx context.Context, email string) (*storage.User, error)
}

// Service registers operators, checks their passwords and hands out tokens.
type Service struct {
	users    Users
	secret   []byte
	lifetime time.Duration
	cost     int
	now      func() time.Time
	// dummy is compared against for unknown emails so they cost the same as
	// wrong passwords.
	dummy []byte
}

// Option configures a Service.
type Option func(*Service)

// WithTokenLifetime overrides DefaultTokenLifetime.
func WithTokenLifetime(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lifetime = d
		}
	}
}

// WithBcryptCost sets the hashing cost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns a service signing tokens with secret (HS256).
func NewService(users Users, secret string, opts ...Option) (*Service, error) {
	if secret == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	s := &Service{
		users:    users,
		secret:   []byte(secret),
		lifetime: DefaultTokenLifetime,
		cost:     bcrypt.DefaultCost,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("prospector"), s.cost)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	s.dummy = dummy
	return s, nil
}

// Register stores a new operator with a hashed password.
func (s *Service) Register(ctx context.Context, email, password string) (*storage.User, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidCredentials)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	u := &storage.User{Email: email, HashedPassword: string(hash)}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Login checks the password and returns a signed access token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	u, err := s.users.GetUser(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummy, []byte(password))
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.HashedPassword), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.Issue(u.Email)
}

// Issue signs a token whose subject is email.
func (s *Service) Issue(email string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// Verify parses token and returns its subject.
func (s *Service) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Authenticate resolves a token to the stored user it names.
func (s *Service) Authenticate(ctx context.Context, token string) (*storage.User, error) {
	email, err := s.Verify(token)
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetUser(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown user", ErrInvalidToken)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}
