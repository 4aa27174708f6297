package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// rewriteTransport redirects hardcoded twitch hosts to a test server.
type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}

func newRewriteClient(serverURL string) *http.Client {
	return &http.Client{
		Transport: &rewriteTransport{
			Transport: http.DefaultTransport,
			host:      serverURL,
		},
	}
}

func TestBuildAuthorizeURL(t *testing.T) {
	raw, err := BuildAuthorizeURL("cid", "https://bot.example.com/callback", "channel:manage:schedule,channel:read:schedule", "signed-state")
	if err != nil {
		t.Fatalf("BuildAuthorizeURL() error = %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	if u.Host != "id.twitch.tv" || u.Path != "/oauth2/authorize" {
		t.Errorf("authorize url = %s://%s%s, want id.twitch.tv/oauth2/authorize", u.Scheme, u.Host, u.Path)
	}
	q := u.Query()
	want := map[string]string{
		"response_type": "code",
		"client_id":     "cid",
		"redirect_uri":  "https://bot.example.com/callback",
		"force_verify":  "true",
		"scope":         "channel:manage:schedule channel:read:schedule",
		"state":         "signed-state",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("query %s = %q, want %q", k, got, v)
		}
	}
}

func TestBuildAuthorizeURL_MissingParams(t *testing.T) {
	if _, err := BuildAuthorizeURL("", "https://x/cb", "", ""); err == nil {
		t.Error("expected error for empty clientID")
	}
	if _, err := BuildAuthorizeURL("cid", "", "", ""); err == nil {
		t.Error("expected error for empty redirectURI")
	}
}

func TestExchangeAuthCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("code") != "abc123" {
			t.Errorf("code = %q", r.PostForm.Get("code"))
		}
		if r.PostForm.Get("redirect_uri") != "https://bot.example.com/callback" {
			t.Errorf("redirect_uri = %q", r.PostForm.Get("redirect_uri"))
		}
		json.NewEncoder(w).Encode(TokenGrant{
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			TokenType:    "bearer",
			ExpiresIn:    14400,
		})
	}))
	defer server.Close()

	grant, err := ExchangeAuthCode(context.Background(), newRewriteClient(server.URL), "cid", "secret", "abc123", "https://bot.example.com/callback")
	if err != nil {
		t.Fatalf("ExchangeAuthCode() error = %v", err)
	}
	if grant.AccessToken != "at-1" || grant.RefreshToken != "rt-1" {
		t.Errorf("grant = %+v, want at-1/rt-1", grant)
	}
}

func TestExchangeAuthCode_MissingParams(t *testing.T) {
	if _, err := ExchangeAuthCode(context.Background(), nil, "", "s", "c", "r"); err == nil {
		t.Error("expected error for empty clientID")
	}
	if _, err := ExchangeAuthCode(context.Background(), nil, "cid", "s", "", "r"); err == nil {
		t.Error("expected error for empty code")
	}
}

func TestRefreshToken_Rotation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("refresh_token") != "rt-old" {
			t.Errorf("refresh_token = %q", r.PostForm.Get("refresh_token"))
		}
		json.NewEncoder(w).Encode(TokenGrant{
			AccessToken:  "at-new",
			RefreshToken: "rt-new",
			ExpiresIn:    14400,
		})
	}))
	defer server.Close()

	grant, err := RefreshToken(context.Background(), newRewriteClient(server.URL), "cid", "secret", "rt-old")
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	if grant.RefreshToken != "rt-new" {
		t.Errorf("rotated refresh token = %q, want rt-new", grant.RefreshToken)
	}
}

func TestRefreshToken_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":400,"message":"Invalid refresh token"}`))
	}))
	defer server.Close()

	_, err := RefreshToken(context.Background(), newRewriteClient(server.URL), "cid", "secret", "rt-dead")
	if err == nil {
		t.Fatal("expected error from 400 response")
	}
	if !strings.Contains(err.Error(), "Invalid refresh token") {
		t.Errorf("error = %v, want upstream body included", err)
	}
}

func TestValidateToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-1" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(ValidateResult{
			ClientID: "cid",
			Login:    "streamer",
			UserID:   "42",
			Scopes:   []string{"channel:manage:schedule"},
		})
	}))
	defer server.Close()

	res, err := ValidateToken(context.Background(), newRewriteClient(server.URL), "at-1")
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if res.UserID != "42" || res.Login != "streamer" {
		t.Errorf("result = %+v", res)
	}
}

func TestValidateToken_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"status":401,"message":"invalid access token"}`))
	}))
	defer server.Close()

	if _, err := ValidateToken(context.Background(), newRewriteClient(server.URL), "bad"); err == nil {
		t.Fatal("expected error from 401 response")
	}
}

func TestAuthHeaders(t *testing.T) {
	h := AuthHeaders("cid", "tok")
	if h.Get("Client-Id") != "cid" {
		t.Errorf("Client-Id = %q", h.Get("Client-Id"))
	}
	if h.Get("Authorization") != "Bearer tok" {
		t.Errorf("Authorization = %q", h.Get("Authorization"))
	}
	if h.Get("Accept") != "application/json" {
		t.Errorf("Accept = %q", h.Get("Accept"))
	}
}
