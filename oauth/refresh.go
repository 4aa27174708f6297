package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// CredentialLister enumerates all stored credentials, oldest rotation first.
// Implemented by db.ChannelStore.
type CredentialLister interface {
	List(ctx context.Context) ([]Credential, error)
}

// SweepRecorder is implemented by stores that track when the last keep-alive
// sweep finished. Recording is best effort.
type SweepRecorder interface {
	RecordSweep(ctx context.Context, at time.Time) error
}

// StartRefresher launches a goroutine that periodically sweeps stored
// credentials and proactively rotates refresh tokens that have not been
// exercised within the staleness window. Upstream revokes refresh tokens that
// sit unused too long, so a guild that goes quiet for weeks would otherwise
// come back to a dead link.
// interval: how often to wake up and sweep.
// window: rotate when a credential's last update is older than this.
func StartRefresher(ctx context.Context, svc *Service, lister CredentialLister, interval, window time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			sweepCredentials(ctx, svc, lister, window)
			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

func sweepCredentials(ctx context.Context, svc *Service, lister CredentialLister, window time.Duration) {
	creds, err := lister.List(ctx)
	if err != nil {
		slog.Warn("credential sweep: list failed", slog.Any("err", err))
		return
	}
	for i := range creds {
		cred := &creds[i]
		if time.Since(cred.UpdatedAt) < window {
			continue
		}
		ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, err := svc.UserAccessTokenFor(ctx2, cred)
		cancel()
		if err != nil {
			slog.Warn("credential sweep: rotation failed",
				slog.String("guild", cred.GuildID),
				slog.String("twitch_id", cred.TwitchID),
				slog.Any("err", err))
			continue
		}
		slog.Info("credential rotated", slog.String("guild", cred.GuildID))
		if ctx.Err() != nil {
			return
		}
	}
	if rec, ok := lister.(SweepRecorder); ok {
		if err := rec.RecordSweep(ctx, time.Now()); err != nil {
			slog.Warn("credential sweep: record completion failed", slog.Any("err", err))
		}
	}
}
