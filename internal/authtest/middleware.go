package authtest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Protect guards next as resourceServer. A missing, unknown or expired
// bearer token, or one issued for another resource server, gets a 401
// with code AuthenticationFailed. When requiredScope is set and the
// token lacks it, the response is a 403 with code ConsentRequired.
func (p *Provider) Protect(resourceServer, requiredScope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeAPIError(w, http.StatusUnauthorized, map[string]any{
				"code":    "AuthenticationFailed",
				"message": "no bearer token",
			})

			return
		}

		g := p.store.validate(strings.TrimPrefix(authHeader, "Bearer "))
		if g == nil || g.ResourceServer != resourceServer {
			p.logger.Debug("middleware: invalid bearer token", slog.String("path", r.URL.Path))
			writeAPIError(w, http.StatusUnauthorized, map[string]any{
				"code":    "AuthenticationFailed",
				"message": "token is not valid for this resource server",
			})

			return
		}

		if requiredScope != "" && !g.HasScope(requiredScope) {
			writeAPIError(w, http.StatusForbidden, map[string]any{
				"code":            "ConsentRequired",
				"message":         "missing required consent",
				"required_scopes": []string{requiredScope},
			})

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeAPIError(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
