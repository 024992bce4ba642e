package routes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/petervdpas/formsync/internal/model"
)

const createSessionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "sessionId":   { "type": "string", "pattern": "^\\s*[A-Za-z0-9]{6}\\s*$" },
    "templateId":  { "type": "string", "maxLength": 64 },
    "title":       { "type": "string", "maxLength": 200 },
    "description": { "type": "string", "maxLength": 2000 },
    "createdBy":   { "type": "string", "maxLength": 64 },
    "fields": {
      "type": "array",
      "maxItems": 200,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "additionalProperties": false,
        "properties": {
          "id":          { "type": "string", "minLength": 1, "maxLength": 64 },
          "type":        { "type": "string", "minLength": 1, "maxLength": 32 },
          "label":       { "type": "string", "maxLength": 200 },
          "required":    { "type": "boolean" },
          "placeholder": { "type": "string", "maxLength": 200 },
          "options":     { "type": "array", "maxItems": 100, "items": { "type": "string" } }
        }
      }
    }
  }
}`

// newSessionIDAttempts bounds retries when a generated id collides.
const newSessionIDAttempts = 5

type createSessionRequest struct {
	SessionID   string        `json:"sessionId"`
	TemplateID  string        `json:"templateId"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	CreatedBy   string        `json:"createdBy"`
	Fields      []model.Field `json:"fields"`
}

type sessionRoutes struct {
	d      Deps
	schema *jsonschema.Schema
}

func newSessionRoutes(d Deps) (*sessionRoutes, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(createSessionSchema))
	if err != nil {
		return nil, fmt.Errorf("parse session schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("create-session.json", doc); err != nil {
		return nil, fmt.Errorf("add session schema: %w", err)
	}
	sch, err := c.Compile("create-session.json")
	if err != nil {
		return nil, fmt.Errorf("compile session schema: %w", err)
	}
	return &sessionRoutes{d: d, schema: sch}, nil
}

// POST /api/v1/sessions
func (s *sessionRoutes) create(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := s.schema.Validate(inst); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, firstLine(err.Error()))
		return
	}
	var req createSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid json: "+err.Error())
		return
	}

	sess, err := buildSession(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	explicitID := sess.ID != ""
	for attempt := 0; ; attempt++ {
		if !explicitID {
			sess.ID = model.NewSessionID()
		}
		err = s.d.Repo.CreateSession(r.Context(), sess)
		if !errors.Is(err, model.ErrSessionExists) || explicitID || attempt+1 >= newSessionIDAttempts {
			break
		}
	}
	switch {
	case errors.Is(err, model.ErrSessionExists):
		writeError(w, http.StatusConflict, codeExists, fmt.Sprintf("session %s already exists", sess.ID))
		return
	case err != nil:
		internalError(w, r, err)
		return
	}

	log.Printf("HTTP: created session %s (%d fields, template %q)", sess.ID, len(sess.Fields), sess.TemplateID)
	writeJSON(w, http.StatusCreated, sess)
}

// buildSession resolves the template and checks what the schema cannot.
func buildSession(req createSessionRequest) (model.Session, error) {
	title, desc, fields := req.Title, req.Description, req.Fields
	if req.TemplateID != "" {
		tpl, ok := model.LookupTemplate(req.TemplateID)
		if !ok {
			return model.Session{}, fmt.Errorf("unknown template %q", req.TemplateID)
		}
		if title == "" {
			title = tpl.Title
		}
		if desc == "" {
			desc = tpl.Description
		}
		if len(fields) == 0 {
			fields = tpl.Fields
		}
	}
	if len(fields) == 0 {
		return model.Session{}, errors.New("fields or templateId required")
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f.ID] {
			return model.Session{}, fmt.Errorf("duplicate field id %q", f.ID)
		}
		seen[f.ID] = true
	}
	if title == "" {
		title = "Untitled form"
	}

	var id string
	if req.SessionID != "" {
		id = model.NormalizeSessionID(req.SessionID)
		if !model.ValidSessionID(id) {
			return model.Session{}, fmt.Errorf("invalid session id %q", req.SessionID)
		}
	}
	sess := model.NewSession(id, title, desc, fields)
	sess.TemplateID = req.TemplateID
	sess.CreatedBy = req.CreatedBy
	return sess, nil
}

// GET /api/v1/sessions/{id}
func (s *sessionRoutes) get(w http.ResponseWriter, r *http.Request) {
	id := model.NormalizeSessionID(mux.Vars(r)["id"])
	if !model.ValidSessionID(id) {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid session id")
		return
	}
	var (
		sess model.Session
		err  error
	)
	if s.d.Hub != nil {
		sess, err = s.d.Hub.Snapshot(r.Context(), id)
	} else {
		sess, err = s.d.Repo.FindSession(r.Context(), id)
	}
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "session not found")
	case err != nil:
		internalError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, sess)
	}
}

// GET /api/v1/templates
func listTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.Templates())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
