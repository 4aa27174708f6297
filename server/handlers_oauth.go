package server

import (
	"net/http"
)

const closeWindowPage = `<!DOCTYPE html>
<html>
<head><title>Linked</title></head>
<body>
<p>Twitch account linked. You can close this window.</p>
<script>window.close();</script>
</body>
</html>
`

// HandleOAuthStart redirects the browser to the Twitch authorization page for
// the requesting guild, with the correlation state embedded.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	guildID := r.URL.Query().Get("guild_id")
	if guildID == "" {
		http.Error(w, "missing guild_id", http.StatusBadRequest)
		return
	}
	authURL, err := h.oauth.AuthorizeURL(guildID)
	if err != nil {
		http.Error(w, "authorization unavailable", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleOAuthCallback completes the link flow. A failed exchange renders a
// plain 404 so probing requests learn nothing about why they were rejected.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if !h.oauth.HandleCallback(r.Context(), requestURL(r)) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(closeWindowPage))
}

// requestURL reconstructs the absolute URL the client requested, honoring the
// proxy protocol header so the host/path check against the configured redirect
// URI sees the public address.
func requestURL(r *http.Request) string {
	scheme := "https"
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	} else if r.TLS == nil {
		scheme = "http"
	}
	u := scheme + "://" + r.Host + r.URL.Path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}
