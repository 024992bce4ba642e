package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/petervdpas/formsync/internal/auth"
	"github.com/petervdpas/formsync/internal/model"
)

// CreateRequest is the body of POST /api/v1/sessions.
type CreateRequest struct {
	SessionID   string        `json:"sessionId,omitempty"`
	TemplateID  string        `json:"templateId,omitempty"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Fields      []model.Field `json:"fields,omitempty"`
}

// API talks to the server's REST surface.
type API struct {
	BaseURL string
	HTTP    *http.Client
}

func NewAPI(serverURL string) *API {
	return &API{
		BaseURL: httpURL(serverURL),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// apiError is the JSON error body every endpoint returns.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *API) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, body)
	if err != nil {
		return 0, err
	}
	if contentType != "" {
		req.Header.Set("content-type", contentType)
	}
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		var e apiError
		_ = json.NewDecoder(resp.Body).Decode(&e)
		msg := strings.TrimSpace(e.Error)
		if msg == "" {
			msg = resp.Status
		}
		return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, msg)
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

func (a *API) postJSON(ctx context.Context, path string, in, out any) (int, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	return a.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(b), out)
}

// Identify asks the server for a participant identity and token.
func (a *API) Identify(ctx context.Context, name string) (auth.Identity, error) {
	var id auth.Identity
	_, err := a.postJSON(ctx, "/api/v1/participants", map[string]string{"name": name}, &id)
	return id, err
}

// Create creates a session. A session that already exists is returned as
// model.ErrSessionExists.
func (a *API) Create(ctx context.Context, req CreateRequest) (model.Session, error) {
	var s model.Session
	status, err := a.postJSON(ctx, "/api/v1/sessions", req, &s)
	if status == http.StatusConflict {
		return model.Session{}, model.ErrSessionExists
	}
	return s, err
}

// CreateSession recreates a session from a locally saved copy. It is what
// the engine calls after the server answers a join with not_found.
func (a *API) CreateSession(ctx context.Context, s model.Session) error {
	_, err := a.Create(ctx, CreateRequest{
		SessionID:   s.ID,
		TemplateID:  s.TemplateID,
		Title:       s.Title,
		Description: s.Description,
		Fields:      s.Fields,
	})
	if errors.Is(err, model.ErrSessionExists) {
		return nil
	}
	return err
}

// Session fetches the stored state of a session.
func (a *API) Session(ctx context.Context, id string) (model.Session, error) {
	var s model.Session
	status, err := a.do(ctx, http.MethodGet, "/api/v1/sessions/"+model.NormalizeSessionID(id), "", nil, &s)
	if status == http.StatusNotFound {
		return model.Session{}, model.ErrSessionNotFound
	}
	return s, err
}

// UploadScreenshot posts an image and returns the reference to store in a
// screenshot.
func (a *API) UploadScreenshot(ctx context.Context, r io.Reader, filename, contentType string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out struct {
		Ref string `json:"ref"`
	}
	if _, err := a.do(ctx, http.MethodPost, "/api/v1/screenshots", mw.FormDataContentType(), &buf, &out); err != nil {
		return "", err
	}
	return out.Ref, nil
}
