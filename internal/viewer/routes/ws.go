package routes

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/petervdpas/formsync/internal/auth"
	"github.com/petervdpas/formsync/internal/room"
)

func registerWSRoutes(r *mux.Router, d Deps) {
	if d.Hub == nil {
		return
	}
	up := room.NewUpgrader(d.AllowedOrigins)

	// GET /ws?token=...
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		var ident *room.Identity
		if d.Issuer != nil {
			claims, err := d.Issuer.Parse(bearerToken(r))
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					msg = "token expired"
				}
				writeError(w, http.StatusUnauthorized, codeUnauthorized, msg)
				return
			}
			ident = &room.Identity{
				ParticipantID: claims.ParticipantID,
				Name:          claims.Name,
				Color:         claims.Color,
			}
		}
		d.Hub.ServeWS(up, w, r, ident)
	}).Methods(http.MethodGet)
}
