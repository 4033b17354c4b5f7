package handlers

import (
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"portrait/internal/storage"
	"portrait/pkg/zip"
)

// ListOutputs returns the caller's retrieved portraits, newest first.
func (a *App) ListOutputs(w http.ResponseWriter, r *http.Request) {
	tenant := a.currentTenant(r)
	if tenant == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
		return
	}
	files, err := a.Outputs.List(tenant + "-")
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to list outputs")
		return
	}
	slices.Reverse(files)
	items := make([]map[string]any, 0, len(files))
	for _, f := range files {
		items = append(items, map[string]any{
			"name":        f.Key,
			"url":         "/v1/outputs/" + f.Key,
			"size":        f.Size,
			"modified_at": f.ModTime.UTC().Format(time.RFC3339),
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// DownloadOutput serves one of the caller's outputs.
func (a *App) DownloadOutput(w http.ResponseWriter, r *http.Request) {
	tenant := a.currentTenant(r)
	if tenant == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
		return
	}
	name := chi.URLParam(r, "name")
	if !strings.HasPrefix(name, tenant+"-") || strings.ContainsAny(name, `/\`) {
		a.error(w, http.StatusNotFound, "not_found", "output not found")
		return
	}
	path, err := a.Outputs.Path(name)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "output not found")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "output not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		a.error(w, http.StatusNotFound, "not_found", "output not found")
		return
	}
	w.Header().Set("Content-Type", storage.ContentTypeFor(name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// ArchiveOutputs streams all of the caller's outputs as one zip file.
func (a *App) ArchiveOutputs(w http.ResponseWriter, r *http.Request) {
	tenant := a.currentTenant(r)
	if tenant == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
		return
	}
	files, err := a.Outputs.List(tenant + "-")
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to list outputs")
		return
	}
	if len(files) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "no outputs yet")
		return
	}
	entries := make([]zip.Entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, zip.Entry{Name: f.Key, Path: f.Path, ModTime: f.ModTime})
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="portraits.zip"`)
	if err := zip.Write(w, entries); err != nil {
		a.Logger.Error().Err(err).Str("tenant", tenant).Msg("http: archive outputs failed")
	}
}
