package handlers

import (
	"errors"
	"io/fs"
	"net/http"
	"os"

	"portrait/internal/storage"
)

// ListTemplates lists the gallery images a request may pin as its
// composition. Choosing none lets the backend pick at random.
func (a *App) ListTemplates(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(a.Gallery)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		a.error(w, http.StatusInternalServerError, "internal", "failed to read gallery")
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !storage.IsImage(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	a.json(w, http.StatusOK, map[string]any{"items": names})
}
