// internal/viewer/routes/api_logs.go

package routes

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

const adminUser = "admin"

func registerAPILogRoutes(r *mux.Router, d Deps) {
	if d.Logs == nil {
		return
	}
	r.Handle("/api/logs", requireAdmin(d.AdminPasswordHash, http.HandlerFunc(d.Logs.ServeLogsJSON)))
	r.Handle("/api/logs/stream", requireAdmin(d.AdminPasswordHash, http.HandlerFunc(d.Logs.ServeLogsSSE)))
}

// requireAdmin guards next with HTTP Basic Auth checked against a bcrypt
// hash. An empty hash refuses every request.
func requireAdmin(hash string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hash == "" {
			writeError(w, http.StatusForbidden, codeForbidden, "admin access not configured")
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(adminUser)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="formsync"`)
			writeError(w, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
