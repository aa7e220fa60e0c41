package gateway

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// originPolicy decides which browser origins may call the API. Entries are
// "*", a full origin ("https://desk.example.com") or a host pattern in
// path.Match syntax ("*.example.com"), the same form the WebSocket
// handshake accepts.
type originPolicy struct {
	any      bool
	exact    map[string]bool
	patterns []string
}

func newOriginPolicy(allow []string) originPolicy {
	p := originPolicy{exact: map[string]bool{}}
	for _, o := range allow {
		o = strings.TrimSpace(o)
		switch {
		case o == "":
		case o == "*":
			p.any = true
		case strings.Contains(o, "://"):
			p.exact[strings.TrimSuffix(o, "/")] = true
		default:
			p.patterns = append(p.patterns, strings.ToLower(o))
		}
	}
	return p
}

func (p originPolicy) empty() bool {
	return !p.any && len(p.exact) == 0 && len(p.patterns) == 0
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.any || p.exact[origin] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	for _, pat := range p.patterns {
		if ok, _ := path.Match(pat, host); ok {
			return true
		}
	}
	return false
}

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-API-Key, X-Agent-ID, Idempotency-Key"
	corsMaxAge  = "3600"
)

// NewCORSMiddleware answers preflights and tags responses for allowed
// origins. An empty list adds no headers, leaving browsers same-origin only.
func NewCORSMiddleware(allowOrigins []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(allowOrigins)
	if policy.empty() {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			h.Add("Vary", "Origin")
			if policy.allows(origin) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware caps request bodies; handlers see an
// *http.MaxBytesError past the limit. Zero means 1 MiB.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
