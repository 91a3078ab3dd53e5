// Package session resolves the local identity the connection operates for.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSession means no identity is known. Callers must not fall back to any
// other identity.
var ErrNoSession = errors.New("no active session")

type Session struct {
	Identity  string
	Token     string
	ExpiresAt time.Time
}

type Provider interface {
	Current(ctx context.Context) (Session, error)
}

// TokenProvider derives the session from the access token issued by the
// backend. The client cannot verify the signature, so only the subject and
// expiry are read; the server checks the token again during authenticate.
type TokenProvider struct {
	token string
	now   func() time.Time
}

func NewTokenProvider(token string) *TokenProvider {
	return &TokenProvider{token: token, now: time.Now}
}

func (p *TokenProvider) Current(ctx context.Context) (Session, error) {
	if p.token == "" {
		return Session{}, ErrNoSession
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(p.token, &claims); err != nil {
		return Session{}, fmt.Errorf("%w: unreadable access token: %v", ErrNoSession, err)
	}
	if claims.Subject == "" {
		return Session{}, fmt.Errorf("%w: access token has no subject", ErrNoSession)
	}

	s := Session{Identity: claims.Subject, Token: p.token}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
		if !s.ExpiresAt.After(p.now()) {
			return Session{}, fmt.Errorf("%w: access token expired", ErrNoSession)
		}
	}
	return s, nil
}

// Static always returns the same session.
type Static Session

func (s Static) Current(ctx context.Context) (Session, error) {
	if s.Identity == "" {
		return Session{}, ErrNoSession
	}
	return Session(s), nil
}
