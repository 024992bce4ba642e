package viewer

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/petervdpas/formsync/internal/auth"
	"github.com/petervdpas/formsync/internal/blob"
	"github.com/petervdpas/formsync/internal/room"
	"github.com/petervdpas/formsync/internal/storage"
	"github.com/petervdpas/formsync/internal/viewer/routes"
)

// Viewer is the HTTP surface of the server: REST, the websocket endpoint,
// blob serving and the admin log stream.
type Viewer struct {
	Hub    *room.Hub
	Repo   storage.Repository
	Blobs  blob.Store
	Issuer *auth.Issuer
	Logs   *LogBuffer

	AllowedOrigins    []string
	AdminPasswordHash string
}

// Handler builds the router wrapped in CORS.
func (v Viewer) Handler() (http.Handler, error) {
	r := mux.NewRouter()

	deps := routes.Deps{
		Hub:               v.Hub,
		Repo:              v.Repo,
		Blobs:             v.Blobs,
		Issuer:            v.Issuer,
		AllowedOrigins:    v.AllowedOrigins,
		AdminPasswordHash: v.AdminPasswordHash,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	if err := routes.Register(r, deps); err != nil {
		return nil, err
	}

	origins := v.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	return noCache(cors(r)), nil
}
