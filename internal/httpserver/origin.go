package httpserver

import (
	"net/http"
	"net/url"
	"strings"
)

// withOriginPolicy gates browser-facing handlers on the configured origin
// allow-list and emits the matching CORS headers. Requests without an Origin
// header (devices, CLI clients) pass through untouched.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		normalized, ok := normalizeOrigin(originHeader)
		if !ok || !s.originAllowed(normalized, r.Host) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalized)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			if reqHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); reqHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// originAllowed applies the allow-list when one is configured; otherwise only
// same-host requests pass. Scheme is ignored for the same-host comparison
// because the broker usually sits behind a TLS-terminating proxy.
func (s *Server) originAllowed(normalizedOrigin, requestHost string) bool {
	if len(s.cfg.AllowedOrigins) > 0 {
		for _, allowed := range s.cfg.AllowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(normalizedOrigin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, strings.TrimSpace(requestHost))
}

// normalizeOrigin lower-cases and validates a browser Origin header value into
// scheme://host[:port] form. The sandboxed "null" origin never matches an
// allow-list entry and is rejected here.
func normalizeOrigin(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", false
	}
	return scheme + "://" + strings.ToLower(u.Host), true
}
