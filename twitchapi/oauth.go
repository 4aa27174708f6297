// Package twitchapi contains helpers to talk to the Twitch OAuth and Helix APIs:
// token grants (client credentials, authorization code, refresh), token
// validation, and cursor-paginated resource fetching.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultHTTPClient bounds every upstream call; callers can override per client.
var defaultHTTPClient = &http.Client{Timeout: 15 * time.Second}

// TokenGrant represents the response from the oauth2/token endpoint for the
// authorization_code and refresh_token grants. RefreshToken rotates on every
// refresh and must be persisted before the access token is used.
type TokenGrant struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scope        []string `json:"scope"`
	ExpiresIn    int      `json:"expires_in"`
}

// ValidateResult is the oauth2/validate response for a user access token.
type ValidateResult struct {
	ClientID string   `json:"client_id"`
	Login    string   `json:"login"`
	UserID   string   `json:"user_id"`
	Scopes   []string `json:"scopes"`
}

// BuildAuthorizeURL constructs the user authorization URL for the OAuth code grant.
// force_verify makes Twitch re-prompt for consent so a guild can re-link a
// different broadcaster account.
func BuildAuthorizeURL(clientID, redirectURI, scopes, state string) (string, error) {
	if clientID == "" || redirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", clientID)
	v.Set("redirect_uri", redirectURI)
	v.Set("force_verify", "true")
	if scopes != "" {
		v.Set("scope", strings.TrimSpace(strings.ReplaceAll(scopes, ",", " ")))
	}
	if state != "" {
		v.Set("state", state)
	}
	return "https://id.twitch.tv/oauth2/authorize?" + v.Encode(), nil
}

// ExchangeAuthCode exchanges an authorization code for access & refresh tokens.
func ExchangeAuthCode(ctx context.Context, hc *http.Client, clientID, clientSecret, code, redirectURI string) (*TokenGrant, error) {
	if clientID == "" || clientSecret == "" || code == "" || redirectURI == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", redirectURI)
	return postTokenForm(ctx, hc, form, "auth code exchange")
}

// RefreshToken exchanges a refresh token for a new access token. The response
// carries a rotated refresh token; the one passed in is dead upstream after
// this call succeeds.
func RefreshToken(ctx context.Context, hc *http.Client, clientID, clientSecret, refreshToken string) (*TokenGrant, error) {
	if clientID == "" || clientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return postTokenForm(ctx, hc, form, "refresh")
}

func postTokenForm(ctx context.Context, hc *http.Client, form url.Values, op string) (*TokenGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://id.twitch.tv/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if hc == nil {
		hc = defaultHTTPClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch %s failed: %w", op, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)})
	}
	var res TokenGrant
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ValidateToken resolves the durable user id behind an access token via
// oauth2/validate. An empty user id means the token does not identify a user
// (e.g. an app token), which callers treat as an authentication failure.
func ValidateToken(ctx context.Context, hc *http.Client, accessToken string) (*ValidateResult, error) {
	if accessToken == "" {
		return nil, errors.New("missing access token for validation")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://id.twitch.tv/oauth2/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if hc == nil {
		hc = defaultHTTPClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch token validation failed: %w", &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)})
	}
	var res ValidateResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AuthHeaders returns the header set Helix endpoints require.
func AuthHeaders(clientID, accessToken string) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	h.Set("Client-Id", clientID)
	h.Set("Authorization", "Bearer "+accessToken)
	return h
}
