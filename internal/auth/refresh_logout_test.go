package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type tokenEnvelope struct {
	Data struct {
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

func newSessionHandler(t *testing.T, store *memStore) *Handler {
	t.Helper()
	svc, err := NewService(Config{
		Store:           store,
		Secret:          "test-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
		ResetTokenTTL:   time.Hour,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &Handler{
		Service:           svc,
		RefreshCookieName: "rt",
		CookieSameSite:    http.SameSiteLaxMode,
	}
}

// callAuth drives one handler endpoint and returns the raw response.
func callAuth(fn http.HandlerFunc, body string, cookie *http.Cookie) *http.Response {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/x", strings.NewReader(body))
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	fn(rec, req)
	return rec.Result()
}

func decodeToken(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	var payload tokenEnvelope
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode token payload: %v", err)
	}
	if payload.Data.AccessToken == "" {
		t.Fatal("expected access token in response")
	}
	return payload.Data.AccessToken
}

func TestRefreshRotateAndLogout(t *testing.T) {
	store := newMemStore()
	seedAccount(t, store, "user@example.com", "password123", []string{"manager"})
	handler := newSessionHandler(t, store)

	// Login establishes the session and sets the refresh cookie.
	loginRes := callAuth(handler.Login, `{"email":"user@example.com","password":"password123"}`, nil)
	if loginRes.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want %d", loginRes.StatusCode, http.StatusOK)
	}
	decodeToken(t, loginRes)

	first := findCookie(loginRes.Cookies(), "rt")
	if first == nil {
		t.Fatal("expected refresh cookie after login")
	}
	firstHash := hashRefreshToken(first.Value)
	if !store.hasSession(firstHash) {
		t.Fatal("expected session stored for initial refresh token")
	}

	// Refresh rotates the token: a new session replaces the old one.
	refreshRes := callAuth(handler.Refresh, "", first)
	if refreshRes.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d, want %d", refreshRes.StatusCode, http.StatusOK)
	}
	decodeToken(t, refreshRes)

	rotated := findCookie(refreshRes.Cookies(), "rt")
	if rotated == nil {
		t.Fatal("expected rotated refresh cookie")
	}
	if rotated.Value == first.Value {
		t.Fatal("refresh did not rotate the token")
	}
	if !store.hasSession(hashRefreshToken(rotated.Value)) {
		t.Fatal("expected session stored for rotated token")
	}
	if store.hasSession(firstHash) {
		t.Fatal("expected old session removed after rotation")
	}

	// The superseded token must be dead: replaying it is the classic
	// stolen-cookie scenario.
	reuseRes := callAuth(handler.Refresh, "", &http.Cookie{Name: "rt", Value: first.Value})
	if reuseRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("reuse status = %d, want %d", reuseRes.StatusCode, http.StatusUnauthorized)
	}
	_ = reuseRes.Body.Close()

	// Logout revokes the live session and expires the cookie.
	logoutRes := callAuth(handler.Logout, "", rotated)
	if logoutRes.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d, want %d", logoutRes.StatusCode, http.StatusNoContent)
	}
	cleared := findCookie(logoutRes.Cookies(), "rt")
	if cleared == nil {
		t.Fatal("expected cookie clearing on logout")
	}
	if cleared.MaxAge != -1 {
		t.Fatalf("logout cookie MaxAge = %d, want -1", cleared.MaxAge)
	}
	if store.hasSession(hashRefreshToken(rotated.Value)) {
		t.Fatal("expected session removed after logout")
	}
}

func TestRefreshRejectsExpiredSession(t *testing.T) {
	store := newMemStore()
	account := seedAccount(t, store, "stale@example.com", "password123", []string{"viewer"})
	handler := newSessionHandler(t, store)
	svc := handler.Service

	token, hashed, _, err := svc.newRefreshToken()
	if err != nil {
		t.Fatalf("mint refresh token: %v", err)
	}
	expiredAt := time.Now().Add(-time.Minute)
	if _, err := store.CreateSession(context.Background(), account.ID, hashed, "", "", expiredAt); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	if _, err := svc.Refresh(context.Background(), token); err == nil {
		t.Fatal("expected refresh of expired session to fail")
	}
	// Expired rows are purged on touch so they cannot pile up.
	if store.hasSession(hashed) {
		t.Fatal("expected expired session to be removed")
	}
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}
