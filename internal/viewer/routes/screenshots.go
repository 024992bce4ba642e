package routes

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/petervdpas/formsync/internal/blob"
)

// multipart overhead allowed on top of blob.MaxSize.
const uploadSlack = 1 << 20

func registerScreenshotRoutes(r, api *mux.Router, d Deps) {
	if d.Blobs == nil {
		return
	}

	// POST /api/v1/screenshots (multipart, field "file") -> {ref}
	api.HandleFunc("/screenshots", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, blob.MaxSize+uploadSlack)
		file, hdr, err := r.FormFile("file")
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				writeError(w, http.StatusRequestEntityTooLarge, codeTooLarge, blob.ErrTooLarge.Error())
				return
			}
			writeError(w, http.StatusBadRequest, codeBadRequest, "missing file: "+err.Error())
			return
		}
		defer file.Close()

		ref, err := d.Blobs.Upload(r.Context(), file, hdr.Size, hdr.Header.Get("Content-Type"))
		switch {
		case errors.Is(err, blob.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, codeTooLarge, err.Error())
			return
		case errors.Is(err, blob.ErrUnsupportedType):
			writeError(w, http.StatusUnsupportedMediaType, codeUnsupported, err.Error())
			return
		case err != nil:
			internalError(w, r, err)
			return
		}
		log.Printf("HTTP: stored screenshot %s (%d bytes)", ref, hdr.Size)
		writeJSON(w, http.StatusCreated, map[string]string{"ref": ref})
	}).Methods(http.MethodPost)

	// GET /blobs/{name}
	r.HandleFunc("/blobs/{name}", func(w http.ResponseWriter, r *http.Request) {
		rc, contentType, err := d.Blobs.Open(r.Context(), mux.Vars(r)["name"])
		switch {
		case errors.Is(err, blob.ErrNotFound):
			writeError(w, http.StatusNotFound, codeNotFound, "blob not found")
			return
		case err != nil:
			internalError(w, r, err)
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if _, err := io.Copy(w, rc); err != nil {
			log.Printf("HTTP: serve blob: %v", err)
		}
	}).Methods(http.MethodGet)
}
