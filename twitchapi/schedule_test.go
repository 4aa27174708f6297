package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func scheduleBody(segments []Segment, cursor string) map[string]any {
	body := map[string]any{
		"data": map[string]any{
			"segments":          segments,
			"broadcaster_id":    "42",
			"broadcaster_login": "streamer",
		},
	}
	if cursor != "" {
		body["pagination"] = map[string]string{"cursor": cursor}
	}
	return body
}

func TestScheduleClient_GetSchedule(t *testing.T) {
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("broadcaster_id") != "42" {
			t.Errorf("broadcaster_id = %q", q.Get("broadcaster_id"))
		}
		if q.Get("first") != "25" {
			t.Errorf("first = %q, want 25", q.Get("first"))
		}
		if q.Get("start_time") != "2026-08-01T00:00:00Z" {
			t.Errorf("start_time = %q", q.Get("start_time"))
		}
		if q.Get("after") == "" {
			json.NewEncoder(w).Encode(scheduleBody([]Segment{
				{ID: "seg-1", Title: "Monday show", StartTime: from.Add(24 * time.Hour)},
				{ID: "seg-2", Title: "Tuesday show", StartTime: from.Add(48 * time.Hour)},
			}, "next"))
			return
		}
		json.NewEncoder(w).Encode(scheduleBody([]Segment{
			{ID: "seg-3", Title: "Friday show", StartTime: from.Add(120 * time.Hour)},
		}, ""))
	}))
	defer server.Close()

	sc := &ScheduleClient{HTTPClient: newRewriteClient(server.URL)}
	segments, err := sc.GetSchedule(context.Background(), AuthHeaders("cid", "tok"), "42", from, 0)
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("len(segments) = %d, want 3", len(segments))
	}
	if segments[0].ID != "seg-1" || segments[2].ID != "seg-3" {
		t.Errorf("segment order = %s..%s, want seg-1..seg-3", segments[0].ID, segments[2].ID)
	}
}

func TestScheduleClient_GetSchedule_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"status":401,"message":"Invalid OAuth token"}`))
	}))
	defer server.Close()

	sc := &ScheduleClient{HTTPClient: newRewriteClient(server.URL)}
	_, err := sc.GetSchedule(context.Background(), nil, "42", time.Now(), 0)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestScheduleClient_CreateSegment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Query().Get("broadcaster_id") != "42" {
			t.Errorf("broadcaster_id = %q", r.URL.Query().Get("broadcaster_id"))
		}
		var req SegmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.Title != "New show" || req.Duration != 120 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(scheduleBody([]Segment{{ID: "seg-new", Title: req.Title}}, ""))
	}))
	defer server.Close()

	sc := &ScheduleClient{HTTPClient: newRewriteClient(server.URL)}
	seg, err := sc.CreateSegment(context.Background(), AuthHeaders("cid", "tok"), "42", SegmentRequest{
		StartTime: "2026-09-01T18:00:00Z",
		Timezone:  "America/New_York",
		Duration:  120,
		Title:     "New show",
	})
	if err != nil {
		t.Fatalf("CreateSegment() error = %v", err)
	}
	if seg.ID != "seg-new" {
		t.Errorf("segment id = %q, want seg-new", seg.ID)
	}
}

func TestScheduleClient_UpdateSegment_Cancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		if r.URL.Query().Get("id") != "seg-1" {
			t.Errorf("id = %q", r.URL.Query().Get("id"))
		}
		var req SegmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.IsCanceled == nil || !*req.IsCanceled {
			t.Errorf("is_canceled = %v, want true", req.IsCanceled)
		}
		json.NewEncoder(w).Encode(scheduleBody([]Segment{{ID: "seg-1"}}, ""))
	}))
	defer server.Close()

	canceled := true
	sc := &ScheduleClient{HTTPClient: newRewriteClient(server.URL)}
	if _, err := sc.UpdateSegment(context.Background(), nil, "42", "seg-1", SegmentRequest{IsCanceled: &canceled}); err != nil {
		t.Fatalf("UpdateSegment() error = %v", err)
	}
}

func TestScheduleClient_DeleteSegment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sc := &ScheduleClient{HTTPClient: newRewriteClient(server.URL)}
	if err := sc.DeleteSegment(context.Background(), nil, "42", "seg-1"); err != nil {
		t.Fatalf("DeleteSegment() error = %v", err)
	}
}

func TestScheduleClient_MutationUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	sc := &ScheduleClient{HTTPClient: newRewriteClient(server.URL)}
	_, err := sc.CreateSegment(context.Background(), nil, "42", SegmentRequest{Title: "x"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
}

func TestScheduleClient_MissingIDs(t *testing.T) {
	sc := &ScheduleClient{}
	if _, err := sc.GetSchedule(context.Background(), nil, "", time.Now(), 0); err == nil {
		t.Error("expected error for empty broadcasterID")
	}
	if _, err := sc.UpdateSegment(context.Background(), nil, "42", "", SegmentRequest{}); err == nil {
		t.Error("expected error for empty segmentID")
	}
	if err := sc.DeleteSegment(context.Background(), nil, "42", ""); err == nil {
		t.Error("expected error for empty segmentID")
	}
}

func TestGetUserID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("login") != "streamer" {
			t.Errorf("login = %q", r.URL.Query().Get("login"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": "42", "login": "streamer"}},
		})
	}))
	defer server.Close()

	id, err := GetUserID(context.Background(), newRewriteClient(server.URL), AuthHeaders("cid", "tok"), "streamer")
	if err != nil {
		t.Fatalf("GetUserID() error = %v", err)
	}
	if id != "42" {
		t.Errorf("id = %q, want 42", id)
	}
}
