// Package oauth owns the credential lifecycle that links one Twitch
// broadcaster to one guild: authorization URL generation, the callback code
// exchange, and refresh-token rotation against a durable credential store.
package oauth

import (
	"context"
	"errors"
	"time"
)

// ErrNotLinked is returned when a guild has no stored broadcaster credential.
// Callers prompt the user to authorize rather than reporting a failure.
var ErrNotLinked = errors.New("guild has no linked twitch account")

// Credential is the durable link between a guild and a broadcaster. The
// refresh token is single-use upstream and rotates on every refresh; the
// settings fields are per-guild bot preferences carried alongside the link.
type Credential struct {
	GuildID        string
	TwitchID       string
	RefreshToken   string
	TimeZone       string
	ChangeChannel  string
	ChangeLanguage string
	UpdatedAt      time.Time
}

// CredentialStore persists credentials keyed by (guild id, twitch id). At most
// one row exists per pair; Find with an empty twitchID performs the
// one-broadcaster-per-guild lookup by guild alone. Upsert must be atomic
// (insert-or-update in one statement) so concurrent re-links cannot race a
// separate find-then-create.
type CredentialStore interface {
	Find(ctx context.Context, guildID, twitchID string) (*Credential, error)
	Upsert(ctx context.Context, guildID, twitchID, refreshToken string) error
}
