// Package auth authenticates API principals and issues the tokens the
// service trusts on every request.
package auth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"waypoint/api/internal/store"
	"waypoint/api/internal/util"
)

// ErrBadCredentials is returned for unknown principals and wrong
// secrets alike.
var ErrBadCredentials = errors.New("bad credentials")

// PrincipalStore is the slice of storage authentication needs.
type PrincipalStore interface {
	GetPrincipal(ctx context.Context, name string) (store.Principal, error)
	CreatePrincipal(ctx context.Context, p store.Principal) error
}

// Service exchanges principal credentials for signed API tokens.
type Service struct {
	store    PrincipalStore
	secret   []byte
	tokenTTL time.Duration
}

func NewService(principals PrincipalStore, tokenSecret string, tokenTTL time.Duration) *Service {
	return &Service{
		store:    principals,
		secret:   []byte(tokenSecret),
		tokenTTL: tokenTTL,
	}
}

// Login verifies the principal's secret and issues a token carrying
// its identities.
func (s *Service) Login(ctx context.Context, name, secret string) (string, error) {
	principal, err := s.store.GetPrincipal(ctx, name)
	if err != nil {
		return "", ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(principal.SecretHash), []byte(secret)) != nil {
		return "", ErrBadCredentials
	}
	return IssueToken(s.secret, Claims{
		Sub:        principal.Name,
		Identities: principal.Identities,
		JTI:        util.NewID("tok"),
		Exp:        time.Now().Add(s.tokenTTL).Unix(),
	})
}

// Provision creates a principal with a freshly hashed secret.
func (s *Service) Provision(ctx context.Context, name, secret string, identities []string) error {
	if len(secret) < 8 {
		return errors.New("secret must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.store.CreatePrincipal(ctx, store.Principal{
		Name:       name,
		SecretHash: string(hash),
		Identities: identities,
	})
}

// Verify parses a token and returns the identities it grants.
func (s *Service) Verify(token string) ([]string, string, error) {
	claims, err := ParseToken(s.secret, token)
	if err != nil {
		return nil, "", err
	}
	return claims.Identities, claims.Sub, nil
}
