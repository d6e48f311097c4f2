package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
)

const anyOrigin = "*"

// NewCheckOrigin returns the upgrader's CheckOrigin func.
//
// With neither appURL nor extraOrigins set, or with "*" among extraOrigins,
// every origin is accepted. Otherwise browser controllers must come from the
// origin of appURL or one of extraOrigins, plus localhost on any port in
// development. Requests without an Origin header (show-control engines, CLI
// tools) are always accepted.
func NewCheckOrigin(appURL string, isDevelopment bool, extraOrigins ...string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(extraOrigins)+1)
	for _, raw := range append([]string{appURL}, extraOrigins...) {
		if raw == anyOrigin {
			return acceptAll
		}
		if origin := originOf(raw); origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return acceptAll
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		if isDevelopment && isLoopback(origin) {
			return true
		}

		slog.WarnContext(r.Context(), "WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

func acceptAll(*http.Request) bool { return true }

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isLoopback(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
