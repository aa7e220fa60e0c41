package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/crewdesk/internal/apperr"
	"github.com/basket/crewdesk/internal/config"
	"github.com/basket/crewdesk/internal/shared"
)

// codeUnauthenticated is reported when a request carries no key at all.
const codeUnauthenticated apperr.Code = "UNAUTHENTICATED"

// Principal is the caller behind an API key.
type Principal struct {
	Name   string
	Tenant string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type keyEntry struct {
	secret []byte
	who    Principal
}

// keyring authenticates API requests. With auth disabled every request
// passes through anonymously.
type keyring struct {
	enabled bool
	entries []keyEntry
}

func newKeyring(cfg config.AuthConfig) *keyring {
	kr := &keyring{enabled: cfg.Enabled}
	for _, k := range cfg.Keys {
		if strings.TrimSpace(k.Key) == "" {
			continue
		}
		kr.entries = append(kr.entries, keyEntry{
			secret: []byte(k.Key),
			who:    Principal{Name: k.Name, Tenant: k.Tenant},
		})
	}
	return kr
}

// match compares against every entry so the time taken does not reveal
// which key was close.
func (kr *keyring) match(candidate string) (Principal, bool) {
	var (
		found Principal
		ok    bool
	)
	c := []byte(candidate)
	for _, e := range kr.entries {
		if subtle.ConstantTimeCompare(c, e.secret) == 1 && !ok {
			found, ok = e.who, true
		}
	}
	return found, ok
}

func (kr *keyring) wrap(next http.Handler) http.Handler {
	if !kr.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := apiKeyOf(r)
		if key == "" {
			writeError(w, apperr.New(codeUnauthenticated, "missing API key"))
			return
		}
		who, ok := kr.match(key)
		if !ok {
			writeError(w, apperr.New(apperr.CodePermissionDenied, "invalid API key"))
			return
		}
		ctx := withPrincipal(r.Context(), who)
		// The key's tenant pays for whatever the request starts.
		if who.Tenant != "" {
			ctx = shared.WithTenantID(ctx, who.Tenant)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// apiKeyOf reads the key from Authorization: Bearer, X-API-Key or, for
// WebSocket handshakes that cannot set headers, the api_key query param.
func apiKeyOf(r *http.Request) string {
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	return r.URL.Query().Get("api_key")
}
