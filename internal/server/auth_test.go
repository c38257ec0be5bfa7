package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLoginDeniedIsAudited(t *testing.T) {
	api, store, _ := newTestAPI(t)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	rawBody, _ := json.Marshal(map[string]string{"username": "intruder", "password": "guess"})
	resp, err := http.Post(server.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(rawBody))
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("login without a session store must fail, got %d", resp.StatusCode)
	}

	var sawDenied bool
	for _, event := range store.ListAudit(10) {
		if event.Action == "auth.login" && event.Result == "denied" {
			sawDenied = true
			if event.IPHash == "" {
				t.Fatal("denied login must carry the actor ip hash")
			}
		}
	}
	if !sawDenied {
		t.Fatalf("denied login missing from audit log: %+v", store.ListAudit(10))
	}
}

func TestLogoutClearsSessionCookie(t *testing.T) {
	api, store, _ := newTestAPI(t)
	server := httptest.NewServer(api.Handler())
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/v1/auth/logout", "application/json", nil)
	if err != nil {
		t.Fatalf("logout request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var cleared bool
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "redscan_session" && cookie.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("logout must expire the session cookie, got %v", resp.Header["Set-Cookie"])
	}

	var sawLogout bool
	for _, event := range store.ListAudit(10) {
		if event.Action == "auth.logout" && event.Result == "ok" {
			sawLogout = true
		}
	}
	if !sawLogout {
		t.Fatalf("logout missing from audit log: %+v", store.ListAudit(10))
	}
}

func TestAdminTokenComparisonRejectsNearMisses(t *testing.T) {
	auth := NewAuth(nil, nil, ServerConfig{
		Security: SecurityConfig{AdminToken: "secret-token"},
	})
	for _, token := range []string{"secret-token2", "secret-toke", strings.ToUpper("secret-token")} {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/scans", nil)
		r.Header.Set("X-Admin-Token", token)
		if _, err := auth.AuthenticateRequest(r); err == nil {
			t.Fatalf("token %q must not authenticate", token)
		}
	}
	r := httptest.NewRequest(http.MethodGet, "/api/v1/scans", nil)
	r.Header.Set("X-Admin-Token", "secret-token")
	principal, err := auth.AuthenticateRequest(r)
	if err != nil || principal.Role != "admin" {
		t.Fatalf("exact token must authenticate as admin, got %+v err=%v", principal, err)
	}
}
