package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"waypoint/api/internal/store"
)

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	claims := Claims{
		Sub:        "svc:landcastle",
		Identities: []string{"svc:landcastle", "team:infra"},
		JTI:        "tok_1",
		Exp:        time.Now().Add(time.Hour).Unix(),
	}
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	parsed, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Sub != claims.Sub || len(parsed.Identities) != 2 {
		t.Errorf("claims did not round trip: %+v", parsed)
	}
}

func TestTokenTampered(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claims{
		Sub: "svc:landcastle", JTI: "tok_1", Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseToken([]byte("other-secret"), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("want ErrInvalidToken for wrong secret, got %v", err)
	}
	if _, err := ParseToken(secret, token+"x"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("want ErrInvalidToken for tampered token, got %v", err)
	}
}

func TestTokenExpired(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, Claims{
		Sub: "svc:landcastle", JTI: "tok_1", Exp: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseToken(secret, token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("want ErrExpiredToken, got %v", err)
	}
}

type fakePrincipals struct {
	principals map[string]store.Principal
}

func (f *fakePrincipals) GetPrincipal(ctx context.Context, name string) (store.Principal, error) {
	p, ok := f.principals[name]
	if !ok {
		return store.Principal{}, errors.New("not found")
	}
	return p, nil
}

func (f *fakePrincipals) CreatePrincipal(ctx context.Context, p store.Principal) error {
	f.principals[p.Name] = p
	return nil
}

func TestLogin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sesame-open"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	principals := &fakePrincipals{principals: map[string]store.Principal{
		"svc:landcastle": {
			Name:       "svc:landcastle",
			SecretHash: string(hash),
			Identities: []string{"svc:landcastle"},
		},
	}}
	svc := NewService(principals, "test-secret", time.Hour)
	ctx := context.Background()

	token, err := svc.Login(ctx, "svc:landcastle", "sesame-open")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	identities, sub, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != "svc:landcastle" || len(identities) != 1 {
		t.Errorf("unexpected claims: sub=%s identities=%v", sub, identities)
	}

	if _, err := svc.Login(ctx, "svc:landcastle", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("want ErrBadCredentials for wrong secret, got %v", err)
	}
	if _, err := svc.Login(ctx, "svc:nobody", "sesame-open"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("want ErrBadCredentials for unknown principal, got %v", err)
	}
}

func TestProvisionAndLogin(t *testing.T) {
	principals := &fakePrincipals{principals: map[string]store.Principal{}}
	svc := NewService(principals, "test-secret", time.Hour)
	ctx := context.Background()

	if err := svc.Provision(ctx, "svc:relay", "short", nil); err == nil {
		t.Errorf("short secret should be refused")
	}
	if err := svc.Provision(ctx, "svc:relay", "long-enough-secret", []string{"svc:relay"}); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := svc.Login(ctx, "svc:relay", "long-enough-secret"); err != nil {
		t.Errorf("login after provision: %v", err)
	}
}
