// internal/viewer/routes/register.go
package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/petervdpas/formsync/internal/auth"
	"github.com/petervdpas/formsync/internal/blob"
	"github.com/petervdpas/formsync/internal/room"
	"github.com/petervdpas/formsync/internal/storage"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Hub    *room.Hub
	Repo   storage.Repository
	Blobs  blob.Store
	Issuer *auth.Issuer
	Logs   Logs

	// Origins accepted on the websocket upgrade.
	AllowedOrigins []string
	// bcrypt hash for the admin endpoints. Empty disables them.
	AdminPasswordHash string
}

// Register mounts every endpoint on r.
func Register(r *mux.Router, d Deps) error {
	sessions, err := newSessionRoutes(d)
	if err != nil {
		return err
	}

	r.HandleFunc("/healthz", healthz(d)).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/templates", listTemplates).Methods(http.MethodGet)
	api.HandleFunc("/sessions", sessions.create).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", sessions.get).Methods(http.MethodGet)
	registerParticipantRoutes(api, d)
	registerScreenshotRoutes(r, api, d)

	registerWSRoutes(r, d)
	registerAPILogRoutes(r, d)
	return nil
}

func healthz(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"status": "ok"}
		if d.Hub != nil {
			out["rooms"] = len(d.Hub.Rooms())
			out["connections"] = d.Hub.Connections()
		}
		writeJSON(w, http.StatusOK, out)
	}
}
