package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/schedule-bridge/crypto"
	"github.com/onnwee/schedule-bridge/oauth"
)

// ChannelStore is the Postgres-backed oauth.CredentialStore. Refresh tokens
// are encrypted at rest when ENCRYPTION_KEY is set (encryption_version=1);
// plaintext rows (version=0) are still readable for backward compatibility.
type ChannelStore struct {
	DB *sql.DB
}

var _ oauth.CredentialStore = (*ChannelStore)(nil)

// Find returns the credential for (guildID, twitchID), or for guildID alone
// when twitchID is empty. Returns (nil, nil) when no row exists.
func (s *ChannelStore) Find(ctx context.Context, guildID, twitchID string) (*oauth.Credential, error) {
	q := `SELECT guild_id, twitch_id, refresh_token, COALESCE(time_zone,''), COALESCE(change_channel,''),
	             COALESCE(change_language,''), COALESCE(encryption_version,0), updated_at
	      FROM channels WHERE guild_id=$1`
	args := []any{guildID}
	if twitchID != "" {
		q += ` AND twitch_id=$2`
		args = append(args, twitchID)
	}
	q += ` LIMIT 1`

	var c oauth.Credential
	var encVersion int
	row := s.DB.QueryRowContext(ctx, q, args...)
	err := row.Scan(&c.GuildID, &c.TwitchID, &c.RefreshToken, &c.TimeZone, &c.ChangeChannel, &c.ChangeLanguage, &encVersion, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if encVersion == 1 {
		plain, err := decryptToken(c.RefreshToken)
		if err != nil {
			return nil, err
		}
		c.RefreshToken = plain
	}
	return &c, nil
}

// Upsert stores or rotates the refresh token for (guildID, twitchID) in a
// single atomic statement.
func (s *ChannelStore) Upsert(ctx context.Context, guildID, twitchID, refreshToken string) error {
	if guildID == "" || twitchID == "" {
		return fmt.Errorf("guildID and twitchID required")
	}
	toStore, encVersion, encKeyID, err := encryptToken(refreshToken)
	if err != nil {
		return err
	}
	q := `INSERT INTO channels(guild_id, twitch_id, refresh_token, encryption_version, encryption_key_id, updated_at)
	      VALUES($1,$2,$3,$4,$5,NOW())
	      ON CONFLICT(guild_id, twitch_id) DO UPDATE SET
	        refresh_token=EXCLUDED.refresh_token,
	        encryption_version=EXCLUDED.encryption_version,
	        encryption_key_id=EXCLUDED.encryption_key_id,
	        updated_at=NOW()`
	_, err = s.DB.ExecContext(ctx, q, guildID, twitchID, toStore, encVersion, encKeyID)
	return err
}

// List returns all stored credentials, oldest-refreshed first. Used by the
// background keep-alive refresher.
func (s *ChannelStore) List(ctx context.Context) ([]oauth.Credential, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT guild_id, twitch_id, refresh_token, COALESCE(time_zone,''),
		COALESCE(change_channel,''), COALESCE(change_language,''), COALESCE(encryption_version,0), updated_at
		FROM channels ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []oauth.Credential
	for rows.Next() {
		var c oauth.Credential
		var encVersion int
		if err := rows.Scan(&c.GuildID, &c.TwitchID, &c.RefreshToken, &c.TimeZone, &c.ChangeChannel, &c.ChangeLanguage, &encVersion, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if encVersion == 1 {
			plain, err := decryptToken(c.RefreshToken)
			if err != nil {
				return nil, err
			}
			c.RefreshToken = plain
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetTimezone updates the guild's display timezone.
func (s *ChannelStore) SetTimezone(ctx context.Context, guildID, timeZone string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE channels SET time_zone=$1, updated_at=NOW() WHERE guild_id=$2`, timeZone, guildID)
	if err != nil {
		return err
	}
	return requireRow(res, guildID)
}

// SetChangeChannel updates (or clears, with empty values) the channel and
// language used for schedule-change announcements.
func (s *ChannelStore) SetChangeChannel(ctx context.Context, guildID, channelID, language string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE channels SET change_channel=NULLIF($1,''), change_language=NULLIF($2,''), updated_at=NOW() WHERE guild_id=$3`,
		channelID, language, guildID)
	if err != nil {
		return err
	}
	return requireRow(res, guildID)
}

// RecordSweep stores the completion time of the latest keep-alive sweep.
// Surfaced on /status so operators can tell a stalled refresher from one that
// simply has nothing stale to rotate.
func (s *ChannelStore) RecordSweep(ctx context.Context, at time.Time) error {
	return SetKV(ctx, s.DB, SweepCompletedKey, at.UTC().Format(time.RFC3339))
}

func requireRow(res sql.Result, guildID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("guild %s: %w", guildID, oauth.ErrNotLinked)
	}
	return nil
}

func encryptToken(refreshToken string) (stored string, encVersion int, encKeyID string, err error) {
	enc, err := getEncryptor()
	if err != nil {
		return "", 0, "", fmt.Errorf("get encryptor: %w", err)
	}
	if enc == nil {
		return refreshToken, 0, "", nil
	}
	ct, err := crypto.EncryptString(enc, refreshToken)
	if err != nil {
		return "", 0, "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	return ct, 1, "default", nil
}

func decryptToken(stored string) (string, error) {
	enc, err := getEncryptor()
	if err != nil {
		return "", fmt.Errorf("get encryptor for decryption: %w", err)
	}
	if enc == nil {
		return "", fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
	}
	plain, err := crypto.DecryptString(enc, stored)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	return plain, nil
}
