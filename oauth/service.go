package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/schedule-bridge/config"
	"github.com/onnwee/schedule-bridge/telemetry"
	"github.com/onnwee/schedule-bridge/twitchapi"
)

// Service owns the per-guild token lifecycle: building authorization URLs,
// exchanging callback codes, and keeping user tokens alive through
// refresh-token rotation. App (client credentials) tokens are delegated to
// twitchapi.TokenSource and never persisted.
type Service struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       string
	StateMaxAge  time.Duration

	Store      CredentialStore
	HTTPClient *http.Client
	AppTokens  *twitchapi.TokenSource

	// refreshes are single-flighted per (guild, twitch) key: refresh tokens
	// are single-use upstream, so two concurrent refreshes for one key would
	// burn the token twice and strand a stale value in the store.
	refreshGroup singleflight.Group

	appTokensOnce sync.Once
}

// NewService wires a Service from config and a credential store.
func NewService(cfg *config.Config, store CredentialStore, hc *http.Client) *Service {
	return &Service{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURI:  cfg.TwitchRedirectURI,
		Scopes:       cfg.TwitchScopes,
		StateMaxAge:  cfg.StateMaxAge,
		Store:        store,
		HTTPClient:   hc,
		AppTokens: &twitchapi.TokenSource{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			HTTPClient:   hc,
		},
	}
}

// AuthorizeURL builds the upstream authorization URL for a guild, embedding a
// signed correlation state. Pure; no I/O.
func (s *Service) AuthorizeURL(guildID string) (string, error) {
	st, err := EncodeState(guildID, []byte(s.ClientSecret))
	if err != nil {
		return "", err
	}
	return twitchapi.BuildAuthorizeURL(s.ClientID, s.RedirectURI, s.Scopes, st)
}

// HandleCallback validates an inbound redirect URL against the configured
// redirect URI (same host and path) and required query parameters, then runs
// the code exchange. Returns true only when the exchange fully succeeded; the
// web responder maps false to a 404 without leaking detail. No upstream call
// is made for a URL that fails validation.
func (s *Service) HandleCallback(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		telemetry.IncCounter(telemetry.CallbacksRejected)
		slog.Warn("oauth callback: unparseable url", slog.Any("err", err))
		return false
	}
	expected, err := url.Parse(s.RedirectURI)
	if err != nil {
		telemetry.IncCounter(telemetry.CallbacksRejected)
		slog.Error("oauth callback: invalid configured redirect uri", slog.Any("err", err))
		return false
	}
	q := u.Query()
	if u.Host != expected.Host || u.Path != expected.Path || q.Get("code") == "" || q.Get("state") == "" {
		telemetry.IncCounter(telemetry.CallbacksRejected)
		slog.Warn("oauth callback rejected", slog.String("host", u.Host), slog.String("path", u.Path))
		return false
	}
	return s.ExchangeCode(ctx, q.Get("code"), q.Get("state"))
}

// ExchangeCode recovers the guild id from the correlation state, exchanges the
// authorization code, resolves the broadcaster's durable id by validating the
// new access token, and stores the rotated refresh token. All failures are
// logged and collapsed to false: the only caller is a public web responder
// that must not leak internal error detail.
func (s *Service) ExchangeCode(ctx context.Context, code, stateToken string) bool {
	guildID, err := DecodeState(stateToken, []byte(s.ClientSecret), s.StateMaxAge)
	if err != nil {
		telemetry.IncCounter(telemetry.CodeExchangesFailed)
		slog.Warn("oauth exchange: bad state", slog.Any("err", err))
		return false
	}
	grant, err := twitchapi.ExchangeAuthCode(ctx, s.HTTPClient, s.ClientID, s.ClientSecret, code, s.RedirectURI)
	if err != nil {
		telemetry.IncCounter(telemetry.CodeExchangesFailed)
		slog.Warn("oauth exchange: code exchange failed", slog.String("guild", guildID), slog.Any("err", err))
		return false
	}
	val, err := twitchapi.ValidateToken(ctx, s.HTTPClient, grant.AccessToken)
	if err != nil || val.UserID == "" {
		telemetry.IncCounter(telemetry.CodeExchangesFailed)
		slog.Warn("oauth exchange: failed to authenticate user", slog.String("guild", guildID), slog.Any("err", err))
		return false
	}
	if err := s.Store.Upsert(ctx, guildID, val.UserID, grant.RefreshToken); err != nil {
		telemetry.IncCounter(telemetry.CodeExchangesFailed)
		slog.Error("oauth exchange: persist failed", slog.String("guild", guildID), slog.Any("err", err))
		return false
	}
	telemetry.IncCounter(telemetry.CodeExchangesSucceeded)
	slog.Info("twitch account linked", slog.String("guild", guildID), slog.String("twitch_id", val.UserID))
	return true
}

// UserAccessToken returns a fresh user-scoped access token for a guild,
// rotating the stored refresh token. ErrNotLinked when no credential exists.
func (s *Service) UserAccessToken(ctx context.Context, guildID string) (string, error) {
	cred, err := s.Store.Find(ctx, guildID, "")
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return "", fmt.Errorf("guild %s: %w", guildID, ErrNotLinked)
	}
	return s.UserAccessTokenFor(ctx, cred)
}

// UserAccessTokenFor refreshes using an already-loaded credential. Concurrent
// callers for the same key share a single upstream refresh; the rotated
// refresh token is persisted before any caller sees the access token.
func (s *Service) UserAccessTokenFor(ctx context.Context, cred *Credential) (string, error) {
	key := cred.GuildID + "|" + cred.TwitchID
	tok, err, _ := s.refreshGroup.Do(key, func() (any, error) {
		grant, err := twitchapi.RefreshToken(ctx, s.HTTPClient, s.ClientID, s.ClientSecret, cred.RefreshToken)
		if err != nil {
			telemetry.IncCounter(telemetry.TokenRefreshesFailed)
			// A rejection from the token endpoint means the stored refresh
			// token is dead; callers prompt for a re-link.
			var se *twitchapi.StatusError
			if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
				return "", fmt.Errorf("refresh token for guild %s: %v: %w", cred.GuildID, err, twitchapi.ErrUnauthorized)
			}
			return "", fmt.Errorf("refresh token for guild %s: %w", cred.GuildID, err)
		}
		// The old refresh token died the moment the grant succeeded; persist
		// the rotated one before handing out the access token.
		rotated := grant.RefreshToken
		if rotated == "" {
			rotated = cred.RefreshToken
		}
		if err := s.Store.Upsert(ctx, cred.GuildID, cred.TwitchID, rotated); err != nil {
			telemetry.IncCounter(telemetry.TokenRefreshesFailed)
			return "", fmt.Errorf("persist rotated refresh token for guild %s: %w", cred.GuildID, err)
		}
		telemetry.IncCounter(telemetry.TokenRefreshesSucceeded)
		return grant.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return tok.(string), nil
}

// appTokenSource returns the app token cache, building one from the service
// credentials when the Service was constructed without NewService.
func (s *Service) appTokenSource() *twitchapi.TokenSource {
	s.appTokensOnce.Do(func() {
		if s.AppTokens == nil {
			s.AppTokens = &twitchapi.TokenSource{
				ClientID:     s.ClientID,
				ClientSecret: s.ClientSecret,
				HTTPClient:   s.HTTPClient,
			}
		}
	})
	return s.AppTokens
}

// AppAccessToken returns a transient app-only bearer token.
func (s *Service) AppAccessToken(ctx context.Context) (string, error) {
	telemetry.IncCounter(telemetry.AppTokenFetches)
	return s.appTokenSource().Get(ctx)
}

// AuthHeaders returns the Helix header set. With an empty accessToken an app
// token is fetched, matching endpoints that don't need user authorization.
func (s *Service) AuthHeaders(ctx context.Context, accessToken string) (http.Header, error) {
	if accessToken == "" {
		tok, err := s.AppAccessToken(ctx)
		if err != nil {
			return nil, err
		}
		accessToken = tok
	}
	return twitchapi.AuthHeaders(s.ClientID, accessToken), nil
}

// ScopeList splits the configured scope string for display purposes.
func (s *Service) ScopeList() []string {
	return strings.Fields(strings.ReplaceAll(s.Scopes, ",", " "))
}
