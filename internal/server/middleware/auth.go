package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

// Auth requires the API key on every request except the public paths. The
// key is accepted as "Authorization: Bearer <key>" or "X-API-Key: <key>".
// An empty apiKey disables the check.
func Auth(apiKey string, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}
	want := []byte(apiKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := presentedKey(r)
			switch {
			case !ok:
				writeError(w, http.StatusUnauthorized, fmt.Errorf("%w: missing api key", domain.ErrUnauthorized))
			case subtle.ConstantTimeCompare([]byte(got), want) != 1:
				writeError(w, http.StatusUnauthorized, fmt.Errorf("%w: invalid api key", domain.ErrUnauthorized))
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func presentedKey(r *http.Request) (string, bool) {
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		if token = strings.TrimSpace(token); token != "" {
			return token, true
		}
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, true
	}
	return "", false
}

// writeError answers {"error": "..."} like the API handlers do.
func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
