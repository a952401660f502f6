package httpserver

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return s.withOriginPolicy(next.ServeHTTP)
	}
}

// withOriginPolicy rejects browser requests from origins that are neither
// listed in AllowedOrigins nor, when the list is empty, same-host.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		normalized, host, ok := normalizeOrigin(originHeader)
		if !ok || !originAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins) {
			s.log.Debug("origin rejected", "origin", originHeader, "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalized)
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// normalizeOrigin returns scheme://host[:port] with default ports dropped,
// and the host[:port] part on its own.
func normalizeOrigin(header string) (normalized, host string, ok bool) {
	u, err := url.Parse(header)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// originAllowed matches against the configured list, or the request's Host
// header when the list is empty. Scheme is ignored for the same-host check
// since TLS is usually terminated in front of the relay.
func originAllowed(normalized, originHost, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}
	scheme, _, _ := strings.Cut(normalized, "://")
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && reqHost == originHost
}

func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	hostname, port := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		hostname, port = h, p
		if n, err := strconv.ParseUint(port, 10, 16); err != nil || n == 0 {
			return "", false
		}
	} else if strings.Contains(strings.Trim(authority, "[]"), ":") && !strings.HasPrefix(authority, "[") {
		// Unbracketed IPv6 literal.
		return "", false
	}
	hostname = strings.Trim(hostname, "[]")
	if hostname == "" {
		return "", false
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname, true
	}
	return net.JoinHostPort(strings.Trim(hostname, "[]"), port), true
}
