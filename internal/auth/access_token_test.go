package auth

import (
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	store := newMemStore()
	svc, err := NewService(Config{
		Store:           store,
		Secret:          "super-secret-key",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
		ResetTokenTTL:   time.Hour,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	fixed := time.Now()
	svc.WithNow(func() time.Time { return fixed })
	return svc, store
}

func TestServiceParseAccessTokenSuccess(t *testing.T) {
	svc, store := newTestService(t)
	account := seedAccount(t, store, "parse@example.com", "password123", []string{"admin"})

	token, _, err := svc.signAccessToken(account)
	if err != nil {
		t.Fatalf("sign access token: %v", err)
	}
	subject, err := svc.ParseAccessToken(token)
	if err != nil {
		t.Fatalf("parse access token: %v", err)
	}
	if subject != account.ID.String() {
		t.Fatalf("unexpected subject: %s", subject)
	}
}

func TestServiceAccessTokenCarriesRoleClaim(t *testing.T) {
	svc, store := newTestService(t)
	account := seedAccount(t, store, "role@example.com", "password123", []string{"unknown", "manager"})

	token, _, err := svc.signAccessToken(account)
	if err != nil {
		t.Fatalf("sign access token: %v", err)
	}
	parsed, err := jwt.ParseString(token, jwt.WithKey(jwa.HS256, []byte("super-secret-key")))
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	role, ok := parsed.Get("role")
	if !ok {
		t.Fatal("expected role claim")
	}
	if role != string(RoleManager) {
		t.Fatalf("role claim = %v, want %s", role, RoleManager)
	}
}

func TestServiceParseAccessTokenRejectsAlgorithmMismatch(t *testing.T) {
	svc, _ := newTestService(t)

	built, err := jwt.NewBuilder().
		Subject("account-id").
		Issuer(svc.issuer).
		Audience([]string{svc.audience}).
		IssuedAt(svc.now()).
		Expiration(svc.now().Add(time.Minute)).
		Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}
	signed, err := jwt.Sign(built, jwt.WithKey(jwa.HS512, svc.secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := svc.ParseAccessToken(string(signed)); err == nil {
		t.Fatal("expected algorithm mismatch to be rejected")
	}
}

func TestServiceParseAccessTokenRejectsExpired(t *testing.T) {
	svc, store := newTestService(t)
	account := seedAccount(t, store, "expired@example.com", "password123", []string{"viewer"})

	token, _, err := svc.signAccessToken(account)
	if err != nil {
		t.Fatalf("sign access token: %v", err)
	}
	svc.WithNow(func() time.Time { return time.Now().Add(2 * time.Minute) })
	if _, err := svc.ParseAccessToken(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}
