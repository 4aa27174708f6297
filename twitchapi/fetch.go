package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/schedule-bridge/telemetry"
)

// ExtractFunc maps one decoded page body to the items that page contributed.
// Returning an empty slice is a valid (empty) contribution, not an error.
type ExtractFunc[T any] func(body []byte) ([]T, error)

// PageError reports a failed page fetch. Cursor is the last cursor seen before
// the failure, so callers wanting resumability can restart from it.
type PageError struct {
	Page   int
	Cursor string
	Err    error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("fetch page %d (cursor %q): %v", e.Page, e.Cursor, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// StatusError is a non-2xx upstream response, preserving the status code so
// callers can tell an expired authorization (401/403) from other failures.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Body)
}

// FetchAll repeatedly GETs query, following the upstream pagination cursor via
// the `after` parameter, until the upstream omits a cursor or maxPages is
// reached (maxPages <= 0 fetches until exhaustion). Items accumulate in
// request order. Any transport, status, or decode failure aborts the whole
// call; nothing partial is returned.
func FetchAll[T any](ctx context.Context, hc *http.Client, query string, header http.Header, extract ExtractFunc[T], maxPages int) ([]T, error) {
	if hc == nil {
		hc = defaultHTTPClient
	}
	var out []T
	cursor := ""
	for page := 1; ; page++ {
		u := query
		if cursor != "" {
			u += "&after=" + cursor
		}
		items, next, err := fetchPage(ctx, hc, u, header, extract)
		if err != nil {
			return nil, &PageError{Page: page, Cursor: cursor, Err: err}
		}
		telemetry.IncCounter(telemetry.PagesFetched)
		out = append(out, items...)
		if next == "" || (maxPages > 0 && page >= maxPages) {
			return out, nil
		}
		cursor = next
	}
}

func fetchPage[T any](ctx context.Context, hc *http.Client, u string, header http.Header, extract ExtractFunc[T]) ([]T, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
	}
	var envelope struct {
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, "", err
	}
	items, err := extract(body)
	if err != nil {
		return nil, "", err
	}
	return items, envelope.Pagination.Cursor, nil
}
