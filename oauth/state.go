package oauth

import (
	"bytes"
	"compress/flate"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrBadState marks a correlation state that failed decoding, signature
// verification, or the max-age check. Fails only the single callback.
var ErrBadState = errors.New("invalid correlation state")

// state is the self-describing payload embedded in the OAuth state parameter.
// It is never stored server-side; the platform echoes it back on callback.
// The HMAC signature and issued-at bound prevent forgery and replay of stale
// authorization links.
type state struct {
	GuildID  string `json:"guild_id"`
	IssuedAt int64  `json:"iat"`
}

// EncodeState packs guildID into an opaque, signed, URL-safe token:
// base64url(deflate(json)) + "." + base64url(hmac-sha256(secret, compressed)).
func EncodeState(guildID string, secret []byte) (string, error) {
	if guildID == "" {
		return "", fmt.Errorf("guildID empty")
	}
	payload, err := json.Marshal(state{GuildID: guildID, IssuedAt: time.Now().Unix()})
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(payload); err != nil {
		return "", err
	}
	if err := fw.Close(); err != nil {
		return "", err
	}
	compressed := buf.Bytes()
	mac := hmac.New(sha256.New, secret)
	mac.Write(compressed)
	sig := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(compressed) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// DecodeState verifies and unpacks a state token, returning the originating
// guild id. maxAge <= 0 disables the age check.
func DecodeState(token string, secret []byte, maxAge time.Duration) (string, error) {
	payloadPart, sigPart, ok := strings.Cut(token, ".")
	if !ok {
		return "", fmt.Errorf("missing signature: %w", ErrBadState)
	}
	compressed, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return "", fmt.Errorf("payload decode: %w", ErrBadState)
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return "", fmt.Errorf("signature decode: %w", ErrBadState)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(compressed)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", fmt.Errorf("signature mismatch: %w", ErrBadState)
	}
	fr := flate.NewReader(bytes.NewReader(compressed))
	payload, err := io.ReadAll(fr)
	if err != nil {
		return "", fmt.Errorf("inflate: %w", ErrBadState)
	}
	var st state
	if err := json.Unmarshal(payload, &st); err != nil {
		return "", fmt.Errorf("unmarshal: %w", ErrBadState)
	}
	if st.GuildID == "" {
		return "", fmt.Errorf("empty guild id: %w", ErrBadState)
	}
	if maxAge > 0 {
		issued := time.Unix(st.IssuedAt, 0)
		if time.Since(issued) > maxAge {
			return "", fmt.Errorf("state expired: %w", ErrBadState)
		}
	}
	return st.GuildID, nil
}
