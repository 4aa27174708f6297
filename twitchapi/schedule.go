package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrUnauthorized marks a 401/403 from a user-token Helix call. Callers map it
// to a "link broken, re-authorize" prompt rather than a generic failure.
var ErrUnauthorized = errors.New("twitch authorization rejected")

// Segment is one scheduled broadcast in a channel's stream schedule.
type Segment struct {
	ID            string    `json:"id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Title         string    `json:"title"`
	IsRecurring   bool      `json:"is_recurring"`
	CanceledUntil *string   `json:"canceled_until"`
	Category      *Category `json:"category"`
}

// Category is the game/category attached to a segment.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SegmentRequest is the mutation body for creating or updating a segment.
// Nil/zero fields are omitted so updates only touch the supplied options.
type SegmentRequest struct {
	StartTime   string `json:"start_time,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	Duration    int    `json:"duration,omitempty"`
	IsRecurring *bool  `json:"is_recurring,omitempty"`
	CategoryID  string `json:"category_id,omitempty"`
	Title       string `json:"title,omitempty"`
	IsCanceled  *bool  `json:"is_canceled,omitempty"`
}

// scheduleEnvelope is the Helix schedule response shape; segments live under data.
type scheduleEnvelope struct {
	Data struct {
		Segments         []Segment `json:"segments"`
		BroadcasterID    string    `json:"broadcaster_id"`
		BroadcasterLogin string    `json:"broadcaster_login"`
	} `json:"data"`
}

// ScheduleClient calls the Helix schedule endpoints with caller-supplied
// headers (user token for mutations, app token suffices for reads).
type ScheduleClient struct {
	HTTPClient *http.Client
}

func (sc *ScheduleClient) http() *http.Client {
	if sc.HTTPClient != nil {
		return sc.HTTPClient
	}
	return defaultHTTPClient
}

// GetSchedule lists upcoming segments for a broadcaster starting at from,
// following pagination up to maxPages (<= 0 for all pages).
func (sc *ScheduleClient) GetSchedule(ctx context.Context, header http.Header, broadcasterID string, from time.Time, maxPages int) ([]Segment, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("start_time", from.UTC().Format(time.RFC3339))
	q.Set("first", "25")
	query := "https://api.twitch.tv/helix/schedule?" + q.Encode()
	segments, err := FetchAll(ctx, sc.http(), query, header, func(body []byte) ([]Segment, error) {
		var env scheduleEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, err
		}
		return env.Data.Segments, nil
	}, maxPages)
	if err != nil {
		return nil, classifyScheduleErr(err)
	}
	return segments, nil
}

// CreateSegment adds a scheduled broadcast and returns the created segment.
func (sc *ScheduleClient) CreateSegment(ctx context.Context, header http.Header, broadcasterID string, reqBody SegmentRequest) (*Segment, error) {
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	return sc.mutateSegment(ctx, http.MethodPost, q, header, &reqBody)
}

// UpdateSegment edits (or cancels, via IsCanceled) an existing segment.
func (sc *ScheduleClient) UpdateSegment(ctx context.Context, header http.Header, broadcasterID, segmentID string, reqBody SegmentRequest) (*Segment, error) {
	if segmentID == "" {
		return nil, fmt.Errorf("segmentID empty")
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("id", segmentID)
	return sc.mutateSegment(ctx, http.MethodPatch, q, header, &reqBody)
}

// DeleteSegment removes a segment from the schedule.
func (sc *ScheduleClient) DeleteSegment(ctx context.Context, header http.Header, broadcasterID, segmentID string) error {
	if segmentID == "" {
		return fmt.Errorf("segmentID empty")
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("id", segmentID)
	_, err := sc.mutateSegment(ctx, http.MethodDelete, q, header, nil)
	return err
}

func (sc *ScheduleClient) mutateSegment(ctx context.Context, method string, q url.Values, header http.Header, body *SegmentRequest) (*Segment, error) {
	if q.Get("broadcaster_id") == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	u := "https://api.twitch.tv/helix/schedule/segment?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := sc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("twitch segment %s: %s: %w", method, resp.Status, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch segment %s failed: %s: %s", method, resp.Status, string(b))
	}
	if method == http.MethodDelete {
		return nil, nil
	}
	var env scheduleEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, err
	}
	if len(env.Data.Segments) == 0 {
		return nil, fmt.Errorf("twitch segment %s: empty response", method)
	}
	return &env.Data.Segments[0], nil
}

// classifyScheduleErr surfaces ErrUnauthorized for 401/403 page failures so the
// caller can distinguish a broken link from transient upstream trouble.
func classifyScheduleErr(err error) error {
	var se *StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("%v: %w", err, ErrUnauthorized)
	}
	return err
}

// GetUserID resolves a login name to its durable user id using an app token.
func GetUserID(ctx context.Context, hc *http.Client, header http.Header, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	if hc == nil {
		hc = defaultHTTPClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.twitch.tv/helix/users", nil)
	if err != nil {
		return "", err
	}
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}
