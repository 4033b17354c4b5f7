package handlers

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"portrait/internal/domain"
	"portrait/internal/storage"
)

const (
	maxUploadBytes = 32 << 20
	maxSelfieBytes = 10 << 20
)

type outputView struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"`
}

type runView struct {
	ID        string       `json:"id"`
	Mode      domain.Mode  `json:"mode"`
	JobID     string       `json:"job_id"`
	State     string       `json:"state"`
	Detail    string       `json:"detail,omitempty"`
	ErrorKind string       `json:"error_kind,omitempty"`
	Outputs   []outputView `json:"outputs,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func newRunView(run *domain.Run) runView {
	return runView{
		ID:        run.ID,
		Mode:      run.Mode,
		JobID:     string(run.Handle),
		State:     string(run.State),
		Detail:    run.Detail,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
}

// CreatePortrait accepts a multipart form with one or more "selfies" files and
// optional template, prompt, negative_prompt, resemblance, pose_strength,
// steps and mode fields. It answers 202 once the job is submitted.
func (a *App) CreatePortrait(w http.ResponseWriter, r *http.Request) {
	tenant := a.currentTenant(r)
	if tenant == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid multipart payload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	req := domain.GenerationRequest{
		TenantID:       tenant,
		Prompt:         formString(r, "prompt", domain.DefaultPrompt),
		NegativePrompt: formString(r, "negative_prompt", domain.DefaultNegativePrompt),
	}
	var err error
	if req.Resemblance, err = formFloat(r, "resemblance", domain.DefaultResemblance); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "resemblance must be a number")
		return
	}
	if req.PoseStrength, err = formFloat(r, "pose_strength", domain.DefaultPoseStrength); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "pose_strength must be a number")
		return
	}
	steps, err := formFloat(r, "steps", domain.DefaultSteps)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "steps must be a number")
		return
	}
	req.Steps = int(steps)

	mode := a.Pipeline.DefaultMode()
	if raw := strings.TrimSpace(r.FormValue("mode")); raw != "" {
		if mode, err = domain.ParseMode(raw); err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}

	if name := strings.TrimSpace(r.FormValue("template")); name != "" {
		path, ok := a.templatePath(name)
		if !ok {
			a.error(w, http.StatusBadRequest, "bad_request", "unknown template")
			return
		}
		req.TemplatePath = path
	}

	files := r.MultipartForm.File["selfies"]
	if len(files) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "at least one selfie is required")
		return
	}
	keys := make([]string, 0, len(files))
	defer func() {
		for _, key := range keys {
			if err := a.Uploads.Remove(key); err != nil {
				a.Logger.Warn().Err(err).Str("key", key).Msg("http: remove upload failed")
			}
		}
	}()
	for _, fh := range files {
		key := uuid.NewString() + "-" + filepath.Base(fh.Filename)
		path, err := a.saveUpload(r, key, fh.Open)
		if err != nil {
			a.Logger.Warn().Err(err).Str("tenant", tenant).Msg("http: save upload failed")
			a.error(w, http.StatusBadRequest, "bad_request", "failed to read selfie")
			return
		}
		keys = append(keys, key)
		req.SelfiePaths = append(req.SelfiePaths, path)
	}

	run, err := a.Pipeline.SubmitMode(r.Context(), req, mode, a.Board)
	if err != nil {
		kind := domain.KindOf(err)
		a.error(w, statusForKind(kind), string(kind), err.Error())
		return
	}
	a.json(w, http.StatusAccepted, newRunView(run))
}

// GetPortrait reports the state of a run owned by the caller and, once it
// has completed, the retrieved outputs.
func (a *App) GetPortrait(w http.ResponseWriter, r *http.Request) {
	tenant := a.currentTenant(r)
	if tenant == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
		return
	}
	run, err := a.Runs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) || (err == nil && run.TenantID != tenant) {
		a.error(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load run")
		return
	}
	view := newRunView(run)
	if outcome, ok := a.Board.Outcome(run.ID); ok {
		view.ErrorKind = string(outcome.Kind)
		for _, art := range outcome.Artifacts {
			name := filepath.Base(art.LocalPath)
			view.Outputs = append(view.Outputs, outputView{
				Name:     name,
				URL:      "/v1/outputs/" + name,
				Size:     art.Size,
				Checksum: art.Checksum,
			})
		}
	}
	a.json(w, http.StatusOK, view)
}

// CancelPortrait stops tracking an in-flight run; it ends CANCELLED.
func (a *App) CancelPortrait(w http.ResponseWriter, r *http.Request) {
	tenant := a.currentTenant(r)
	if tenant == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
		return
	}
	run, err := a.Runs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) || (err == nil && run.TenantID != tenant) {
		a.error(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load run")
		return
	}
	if !a.Tracker.Cancel(run.Handle) {
		a.error(w, http.StatusConflict, "conflict", "run is not being tracked")
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"id": run.ID, "status": "cancelling"})
}

func (a *App) saveUpload(r *http.Request, key string, open func() (multipart.File, error)) (string, error) {
	f, err := open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxSelfieBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxSelfieBytes {
		return "", errors.New("selfie exceeds size limit")
	}
	return a.Uploads.Write(r.Context(), key, data)
}

func (a *App) templatePath(name string) (string, bool) {
	name = filepath.Base(name)
	if !storage.IsImage(name) {
		return "", false
	}
	path := filepath.Join(a.Gallery, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

// formString returns the field value, or fallback when the field is absent.
// A present but empty field stays empty.
func formString(r *http.Request, key, fallback string) string {
	if vs, ok := r.MultipartForm.Value[key]; ok && len(vs) > 0 {
		return vs[0]
	}
	return fallback
}

func formFloat(r *http.Request, key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(r.FormValue(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(raw, 64)
}
