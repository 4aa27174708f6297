package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/schedule-bridge/twitchapi"
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

// memStore is an in-memory CredentialStore keyed by guild id.
type memStore struct {
	mu      sync.Mutex
	creds   map[string]*Credential
	sweepAt time.Time
}

func newMemStore() *memStore {
	return &memStore{creds: map[string]*Credential{}}
}

func (m *memStore) Find(_ context.Context, guildID, twitchID string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[guildID]
	if !ok || (twitchID != "" && c.TwitchID != twitchID) {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) Upsert(_ context.Context, guildID, twitchID, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[guildID] = &Credential{
		GuildID:      guildID,
		TwitchID:     twitchID,
		RefreshToken: refreshToken,
		UpdatedAt:    time.Now(),
	}
	return nil
}

func (m *memStore) List(_ context.Context) ([]Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Credential, 0, len(m.creds))
	for _, c := range m.creds {
		out = append(out, *c)
	}
	return out, nil
}

func (m *memStore) RecordSweep(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepAt = at
	return nil
}

func (m *memStore) lastSweep() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepAt
}

func (m *memStore) stored(guildID string) Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[guildID]
	if !ok {
		return Credential{}
	}
	return *c
}

// twitchStub fakes the id.twitch.tv endpoints the service talks to. Refresh
// tokens are single use: reusing a consumed one yields a 400, matching
// upstream rotation semantics.
type twitchStub struct {
	mu            sync.Mutex
	tokenCalls    int
	refreshCalls  int
	liveRefresh   string
	grantCounter  int
	refreshDelay  time.Duration
	omitRotated   bool
	validateID    string
	validateLogin string
}

func (s *twitchStub) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.tokenCalls++
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			s.grantCounter++
			s.liveRefresh = fmt.Sprintf("rt-%d", s.grantCounter)
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  fmt.Sprintf("at-%d", s.grantCounter),
				"refresh_token": s.liveRefresh,
				"expires_in":    14400,
			})
		case "refresh_token":
			s.refreshCalls++
			if s.refreshDelay > 0 {
				s.mu.Unlock()
				time.Sleep(s.refreshDelay)
				s.mu.Lock()
			}
			if r.PostForm.Get("refresh_token") != s.liveRefresh {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"status":400,"message":"Invalid refresh token"}`))
				return
			}
			s.grantCounter++
			resp := map[string]any{
				"access_token": fmt.Sprintf("at-%d", s.grantCounter),
				"expires_in":   14400,
			}
			if !s.omitRotated {
				s.liveRefresh = fmt.Sprintf("rt-%d", s.grantCounter)
				resp["refresh_token"] = s.liveRefresh
			}
			json.NewEncoder(w).Encode(resp)
		case "client_credentials":
			s.grantCounter++
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": fmt.Sprintf("app-at-%d", s.grantCounter),
				"expires_in":   3600,
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"client_id": "cid",
			"login":     s.validateLogin,
			"user_id":   s.validateID,
		})
	})
	return mux
}

func (s *twitchStub) calls() (token, refresh int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls, s.refreshCalls
}

func newTestService(t *testing.T, stub *twitchStub, store CredentialStore) (*Service, *twitchStub) {
	t.Helper()
	if stub == nil {
		stub = &twitchStub{validateID: "42", validateLogin: "streamer"}
	}
	server := httptest.NewServer(stub.handler(t))
	t.Cleanup(server.Close)
	return &Service{
		ClientID:     "cid",
		ClientSecret: "client-secret",
		RedirectURI:  "https://bot.example.com/callback",
		Scopes:       "channel:manage:schedule",
		StateMaxAge:  15 * time.Minute,
		Store:        store,
		HTTPClient:   newRewriteClient(server.URL),
	}, stub
}

func TestExchangeCode_LinksGuild(t *testing.T) {
	store := newMemStore()
	svc, stub := newTestService(t, nil, store)

	state, err := EncodeState("guild-1", []byte(svc.ClientSecret))
	if err != nil {
		t.Fatalf("EncodeState() error = %v", err)
	}
	if !svc.ExchangeCode(context.Background(), "code-1", state) {
		t.Fatal("ExchangeCode() = false, want true")
	}
	cred := store.stored("guild-1")
	if cred.TwitchID != "42" {
		t.Errorf("stored twitch id = %q, want 42", cred.TwitchID)
	}
	if cred.RefreshToken != "rt-1" {
		t.Errorf("stored refresh token = %q, want rt-1", cred.RefreshToken)
	}
	if tokens, _ := stub.calls(); tokens != 1 {
		t.Errorf("token endpoint calls = %d, want 1", tokens)
	}
}

func TestExchangeCode_BadState(t *testing.T) {
	store := newMemStore()
	svc, stub := newTestService(t, nil, store)

	if svc.ExchangeCode(context.Background(), "code-1", "forged-state") {
		t.Error("ExchangeCode() = true for forged state")
	}
	if tokens, _ := stub.calls(); tokens != 0 {
		t.Errorf("token endpoint calls = %d, want 0 (no upstream call for bad state)", tokens)
	}
	if store.stored("guild-1").GuildID != "" {
		t.Error("credential stored despite bad state")
	}
}

func TestExchangeCode_NoUserIdentity(t *testing.T) {
	store := newMemStore()
	stub := &twitchStub{validateID: ""} // app token shape, no user behind it
	svc, _ := newTestService(t, stub, store)

	state, _ := EncodeState("guild-1", []byte(svc.ClientSecret))
	if svc.ExchangeCode(context.Background(), "code-1", state) {
		t.Error("ExchangeCode() = true without a user identity")
	}
	if store.stored("guild-1").GuildID != "" {
		t.Error("credential stored despite missing user id")
	}
}

func TestHandleCallback(t *testing.T) {
	store := newMemStore()
	svc, stub := newTestService(t, nil, store)
	state, _ := EncodeState("guild-1", []byte(svc.ClientSecret))

	rejected := []struct {
		name string
		url  string
	}{
		{"wrong host", "https://evil.example.com/callback?code=c&state=" + state},
		{"wrong path", "https://bot.example.com/other?code=c&state=" + state},
		{"missing code", "https://bot.example.com/callback?state=" + state},
		{"missing state", "https://bot.example.com/callback?code=c"},
	}
	for _, tt := range rejected {
		if svc.HandleCallback(context.Background(), tt.url) {
			t.Errorf("%s: HandleCallback() = true, want false", tt.name)
		}
	}
	if tokens, _ := stub.calls(); tokens != 0 {
		t.Fatalf("token endpoint calls = %d, want 0 before a valid callback", tokens)
	}

	ok := svc.HandleCallback(context.Background(), "https://bot.example.com/callback?code=c&state="+state)
	if !ok {
		t.Fatal("HandleCallback() = false for valid callback")
	}
	if store.stored("guild-1").TwitchID != "42" {
		t.Error("valid callback did not link the guild")
	}
}

func TestUserAccessToken_NotLinked(t *testing.T) {
	svc, _ := newTestService(t, nil, newMemStore())
	_, err := svc.UserAccessToken(context.Background(), "guild-unknown")
	if !errors.Is(err, ErrNotLinked) {
		t.Errorf("error = %v, want ErrNotLinked", err)
	}
}

func TestUserAccessToken_RotatesAndPersists(t *testing.T) {
	store := newMemStore()
	stub := &twitchStub{validateID: "42", liveRefresh: "rt-seed", grantCounter: 0}
	svc, _ := newTestService(t, stub, store)
	if err := store.Upsert(context.Background(), "guild-1", "42", "rt-seed"); err != nil {
		t.Fatal(err)
	}

	tok, err := svc.UserAccessToken(context.Background(), "guild-1")
	if err != nil {
		t.Fatalf("UserAccessToken() error = %v", err)
	}
	if tok == "" {
		t.Fatal("empty access token")
	}
	cred := store.stored("guild-1")
	if cred.RefreshToken == "rt-seed" {
		t.Error("refresh token not rotated in store")
	}
	if cred.RefreshToken != stub.liveRefresh {
		t.Errorf("stored refresh token %q does not match upstream live token %q", cred.RefreshToken, stub.liveRefresh)
	}

	// The rotated token must work for the next refresh. The seed is dead.
	if _, err := svc.UserAccessToken(context.Background(), "guild-1"); err != nil {
		t.Fatalf("second refresh with rotated token failed: %v", err)
	}
}

func TestUserAccessToken_RevokedRefreshToken(t *testing.T) {
	store := newMemStore()
	stub := &twitchStub{validateID: "42", liveRefresh: "rt-live"}
	svc, _ := newTestService(t, stub, store)
	if err := store.Upsert(context.Background(), "guild-1", "42", "rt-dead"); err != nil {
		t.Fatal(err)
	}

	_, err := svc.UserAccessToken(context.Background(), "guild-1")
	if !errors.Is(err, twitchapi.ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized for a revoked refresh token", err)
	}
	if got := store.stored("guild-1").RefreshToken; got != "rt-dead" {
		t.Errorf("stored refresh token = %q, failed refresh must not rewrite the store", got)
	}
}

func TestUserAccessToken_KeepsOldTokenWhenNotRotated(t *testing.T) {
	store := newMemStore()
	stub := &twitchStub{validateID: "42", liveRefresh: "rt-seed", omitRotated: true}
	svc, _ := newTestService(t, stub, store)
	if err := store.Upsert(context.Background(), "guild-1", "42", "rt-seed"); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.UserAccessToken(context.Background(), "guild-1"); err != nil {
		t.Fatalf("UserAccessToken() error = %v", err)
	}
	if got := store.stored("guild-1").RefreshToken; got != "rt-seed" {
		t.Errorf("stored refresh token = %q, want rt-seed kept when upstream omits rotation", got)
	}
}

func TestUserAccessToken_ConcurrentSingleRefresh(t *testing.T) {
	store := newMemStore()
	stub := &twitchStub{validateID: "42", liveRefresh: "rt-seed", refreshDelay: 100 * time.Millisecond}
	svc, _ := newTestService(t, stub, store)
	if err := store.Upsert(context.Background(), "guild-1", "42", "rt-seed"); err != nil {
		t.Fatal(err)
	}
	cred, err := store.Find(context.Background(), "guild-1", "")
	if err != nil {
		t.Fatal(err)
	}

	// All callers share one pre-loaded credential, so every request races on
	// the same single-use refresh token. Exactly one upstream call may happen.
	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.UserAccessTokenFor(context.Background(), cred)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if _, refreshes := stub.calls(); refreshes != 1 {
		t.Errorf("upstream refresh calls = %d, want 1", refreshes)
	}
}

func TestAuthHeaders_AppTokenFallback(t *testing.T) {
	svc, stub := newTestService(t, nil, newMemStore())

	// Empty access token falls back to a client-credentials app token.
	h, err := svc.AuthHeaders(context.Background(), "")
	if err != nil {
		t.Fatalf("AuthHeaders() error = %v", err)
	}
	if auth := h.Get("Authorization"); !strings.HasPrefix(auth, "Bearer app-at-") {
		t.Errorf("Authorization = %q, want app token bearer", auth)
	}
	if h.Get("Client-Id") != "cid" {
		t.Errorf("Client-Id = %q, want cid", h.Get("Client-Id"))
	}

	// The app token is cached; a second call must not hit upstream again.
	if _, err := svc.AuthHeaders(context.Background(), ""); err != nil {
		t.Fatalf("second AuthHeaders() error = %v", err)
	}
	if tokens, _ := stub.calls(); tokens != 1 {
		t.Errorf("token endpoint calls = %d, want 1 (cached app token)", tokens)
	}

	// A supplied token passes through untouched.
	h, err = svc.AuthHeaders(context.Background(), "user-tok")
	if err != nil {
		t.Fatalf("AuthHeaders(user token) error = %v", err)
	}
	if auth := h.Get("Authorization"); auth != "Bearer user-tok" {
		t.Errorf("Authorization = %q, want Bearer user-tok", auth)
	}
}

func TestScopeList(t *testing.T) {
	svc := &Service{Scopes: "channel:manage:schedule,channel:read:schedule user:read:email"}
	got := svc.ScopeList()
	want := []string{"channel:manage:schedule", "channel:read:schedule", "user:read:email"}
	if len(got) != len(want) {
		t.Fatalf("ScopeList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ScopeList()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAuthorizeURL_EmbedsState(t *testing.T) {
	svc, _ := newTestService(t, nil, newMemStore())
	raw, err := svc.AuthorizeURL("guild-1")
	if err != nil {
		t.Fatalf("AuthorizeURL() error = %v", err)
	}
	if !strings.Contains(raw, "state=") {
		t.Fatalf("authorize url %q missing state", raw)
	}
	if !strings.Contains(raw, "force_verify=true") {
		t.Errorf("authorize url %q missing force_verify", raw)
	}
}
