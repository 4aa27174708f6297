package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/schedule-bridge/oauth"
	"github.com/onnwee/schedule-bridge/telemetry"
	"github.com/onnwee/schedule-bridge/twitchapi"
)

// HandleSchedule lists upcoming schedule segments for a linked guild.
func (h *Handlers) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	guildID := r.URL.Query().Get("guild_id")
	if guildID == "" {
		http.Error(w, "missing guild_id", http.StatusBadRequest)
		return
	}
	maxPages := 0
	if v := r.URL.Query().Get("max_pages"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid max_pages", http.StatusBadRequest)
			return
		}
		maxPages = n
	}

	ctx := r.Context()
	cred, token, ok := h.userToken(w, r, guildID)
	if !ok {
		return
	}

	var segments []twitchapi.Segment
	var err error
	telemetry.TimeFunc(telemetry.FetchDuration, func() {
		segments, err = h.schedule.GetSchedule(ctx, twitchapi.AuthHeaders(h.oauth.ClientID, token), cred.TwitchID, time.Now(), maxPages)
	})
	if err != nil {
		h.writeScheduleErr(w, guildID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"broadcaster_id": cred.TwitchID,
		"time_zone":      h.timezoneFor(cred),
		"segments":       segments,
	})
}

// HandleScheduleSegment creates, edits, or deletes one schedule segment.
// POST creates, PATCH updates (including cancellation via is_canceled),
// DELETE removes. All require guild_id; PATCH and DELETE require id.
func (h *Handlers) HandleScheduleSegment(w http.ResponseWriter, r *http.Request) {
	guildID := r.URL.Query().Get("guild_id")
	if guildID == "" {
		http.Error(w, "missing guild_id", http.StatusBadRequest)
		return
	}
	segmentID := r.URL.Query().Get("id")
	if (r.Method == http.MethodPatch || r.Method == http.MethodDelete) && segmentID == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	cred, token, ok := h.userToken(w, r, guildID)
	if !ok {
		return
	}
	header := twitchapi.AuthHeaders(h.oauth.ClientID, token)

	var body twitchapi.SegmentRequest
	if r.Method == http.MethodPost || r.Method == http.MethodPatch {
		if err := decodeJSONBody(r, &body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}

	switch r.Method {
	case http.MethodPost:
		if body.Timezone == "" {
			body.Timezone = h.timezoneFor(cred)
		}
		seg, err := h.schedule.CreateSegment(ctx, header, cred.TwitchID, body)
		if err != nil {
			h.writeScheduleErr(w, guildID, err)
			return
		}
		writeJSON(w, http.StatusCreated, seg)
	case http.MethodPatch:
		seg, err := h.schedule.UpdateSegment(ctx, header, cred.TwitchID, segmentID, body)
		if err != nil {
			h.writeScheduleErr(w, guildID, err)
			return
		}
		writeJSON(w, http.StatusOK, seg)
	case http.MethodDelete:
		if err := h.schedule.DeleteSegment(ctx, header, cred.TwitchID, segmentID); err != nil {
			h.writeScheduleErr(w, guildID, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleSettings updates per-guild preferences: display timezone and the
// channel/language used for schedule-change announcements.
func (h *Handlers) HandleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	guildID := r.URL.Query().Get("guild_id")
	if guildID == "" {
		http.Error(w, "missing guild_id", http.StatusBadRequest)
		return
	}
	var body struct {
		TimeZone       *string `json:"time_zone"`
		ChangeChannel  *string `json:"change_channel"`
		ChangeLanguage *string `json:"change_language"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if body.TimeZone != nil {
		if _, err := time.LoadLocation(*body.TimeZone); err != nil {
			http.Error(w, "unknown time zone", http.StatusBadRequest)
			return
		}
		if err := h.store.SetTimezone(ctx, guildID, *body.TimeZone); err != nil {
			h.writeScheduleErr(w, guildID, err)
			return
		}
	}
	if body.ChangeChannel != nil {
		lang := ""
		if body.ChangeLanguage != nil {
			lang = *body.ChangeLanguage
		}
		if err := h.store.SetChangeChannel(ctx, guildID, *body.ChangeChannel, lang); err != nil {
			h.writeScheduleErr(w, guildID, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userToken loads the guild's credential and a fresh access token, writing the
// not-linked/re-link responses itself. ok=false means a response was written.
func (h *Handlers) userToken(w http.ResponseWriter, r *http.Request, guildID string) (*oauth.Credential, string, bool) {
	cred, err := h.oauth.Store.Find(r.Context(), guildID, "")
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return nil, "", false
	}
	if cred == nil {
		h.writeNotLinked(w, guildID, http.StatusNotFound, "not_linked")
		return nil, "", false
	}
	token, err := h.oauth.UserAccessTokenFor(r.Context(), cred)
	if err != nil {
		h.writeScheduleErr(w, guildID, err)
		return nil, "", false
	}
	return cred, token, true
}

// writeScheduleErr maps the error taxonomy onto HTTP responses. A guild whose
// stored authorization no longer works gets the same re-link prompt as one
// that never linked.
func (h *Handlers) writeScheduleErr(w http.ResponseWriter, guildID string, err error) {
	switch {
	case errors.Is(err, oauth.ErrNotLinked):
		h.writeNotLinked(w, guildID, http.StatusNotFound, "not_linked")
	case errors.Is(err, twitchapi.ErrUnauthorized):
		h.writeNotLinked(w, guildID, http.StatusUnauthorized, "relink_required")
	default:
		slog.Warn("schedule request failed", slog.String("guild", guildID), slog.Any("err", err))
		http.Error(w, "upstream request failed", http.StatusBadGateway)
	}
}

func (h *Handlers) writeNotLinked(w http.ResponseWriter, guildID string, status int, reason string) {
	resp := map[string]string{"error": reason}
	if u, err := h.oauth.AuthorizeURL(guildID); err == nil {
		resp["authorize_url"] = u
	}
	writeJSON(w, status, resp)
}

func (h *Handlers) timezoneFor(cred *oauth.Credential) string {
	if cred.TimeZone != "" {
		return cred.TimeZone
	}
	return h.defaultTimezone
}

func decodeJSONBody(r *http.Request, v any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(v)
}
