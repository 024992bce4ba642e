package routes

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
)

func registerParticipantRoutes(api *mux.Router, d Deps) {
	// POST /api/v1/participants {name} -> {participantId,name,color,token}
	api.HandleFunc("/participants", func(w http.ResponseWriter, r *http.Request) {
		if d.Issuer == nil {
			writeError(w, http.StatusServiceUnavailable, codeInternal, "identity issuance disabled")
			return
		}
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, "invalid json: "+err.Error())
			return
		}
		id, err := d.Issuer.Issue(req.Name)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}
		log.Printf("HTTP: issued identity %s for %q", id.ParticipantID, id.Name)
		writeJSON(w, http.StatusCreated, id)
	}).Methods(http.MethodPost)
}
