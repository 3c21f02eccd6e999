package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestGoogleOAuth_GetLoginURL_ContainsRequiredParams(t *testing.T) {
	g := NewGoogleOAuth(GoogleOAuthConfig{
		ClientID:    "test-client-id",
		RedirectURL: "http://localhost:8080/__/auth/handler",
	}, nil)

	loginURL := g.GetLoginURL("test-state-value")

	if loginURL == "" {
		t.Fatal("expected non-empty URL")
	}

	tests := []struct {
		name     string
		contains string
	}{
		{"client_id", "client_id=test-client-id"},
		{"redirect_uri", "redirect_uri="},
		{"state", "state=test-state-value"},
		{"response_type", "response_type=code"},
		{"scope openid", "openid"},
		{"scope email", "email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(loginURL, tt.contains) {
				t.Errorf("URL should contain %q, got %q", tt.contains, loginURL)
			}
		})
	}
}

func TestGoogleOAuth_ExchangeCode_ReturnsIDToken(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("code") != "auth-code" {
			t.Errorf("code = %q, want %q", r.PostForm.Get("code"), "auth-code")
		}
		if r.PostForm.Get("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-access-token",
			"id_token":     "google-id-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenServer.Close()

	g := NewGoogleOAuth(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8080/__/auth/handler",
		TokenURL:     tokenServer.URL,
	}, tokenServer.Client())

	idToken, err := g.ExchangeCode(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if idToken != "google-id-token" {
		t.Errorf("idToken = %q, want %q", idToken, "google-id-token")
	}
}

func TestGoogleOAuth_ExchangeCode_TokenError(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer tokenServer.Close()

	g := NewGoogleOAuth(GoogleOAuthConfig{TokenURL: tokenServer.URL}, tokenServer.Client())

	_, err := g.ExchangeCode(context.Background(), "bad-code")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if CodeOf(err) != CodeInvalidCredential {
		t.Errorf("CodeOf(err) = %q, want %q", CodeOf(err), CodeInvalidCredential)
	}
}

func TestGoogleOAuth_ExchangeCode_MissingIDToken(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "only-access"})
	}))
	defer tokenServer.Close()

	g := NewGoogleOAuth(GoogleOAuthConfig{TokenURL: tokenServer.URL}, tokenServer.Client())

	if _, err := g.ExchangeCode(context.Background(), "code"); err == nil {
		t.Fatal("expected error for missing id_token, got nil")
	}
}

func TestGoogleOAuth_GetLoginURL_EscapesRedirect(t *testing.T) {
	g := NewGoogleOAuth(GoogleOAuthConfig{RedirectURL: "http://localhost:8080/cb?x=1"}, nil)

	u, err := url.Parse(g.GetLoginURL("s"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := u.Query().Get("redirect_uri"); got != "http://localhost:8080/cb?x=1" {
		t.Errorf("redirect_uri = %q", got)
	}
}
