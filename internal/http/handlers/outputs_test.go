package handlers_test

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portrait/internal/domain"
)

func writeOutput(t *testing.T, f *fixture, name string, age time.Duration) {
	t.Helper()
	path, err := f.outputs.Write(context.Background(), name, []byte("png:"+name))
	require.NoError(t, err)
	mod := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestListOutputsNewestFirst(t *testing.T) {
	f := newFixture(t)
	writeOutput(t, f, "t1-old.png", 2*time.Hour)
	writeOutput(t, f, "t1-new.png", time.Minute)
	writeOutput(t, f, "t2-other.png", time.Minute)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/outputs/", nil), "t1")
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode(t, rec)["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "t1-new.png", items[0].(map[string]any)["name"])
	assert.Equal(t, "t1-old.png", items[1].(map[string]any)["name"])
}

func TestDownloadOutputIsTenantScoped(t *testing.T) {
	f := newFixture(t)
	writeOutput(t, f, "t1-a.png", 0)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/outputs/t1-a.png", nil), "t1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "png:t1-a.png", rec.Body.String())

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/v1/outputs/t1-a.png", nil), "t2")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/v1/outputs/t1-missing.png", nil), "t1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBoardPrunesTenantOutputs(t *testing.T) {
	f := newFixture(t)
	writeOutput(t, f, "t1-1.png", 3*time.Hour)
	writeOutput(t, f, "t1-2.png", 2*time.Hour)
	writeOutput(t, f, "t1-3.png", time.Hour)
	writeOutput(t, f, "t2-1.png", 4*time.Hour)

	f.board.OnCompleted(domain.Run{ID: "r", TenantID: "t1"}, nil)

	_, err := os.Stat(filepath.Join(f.outputs.BasePath(), "t1-1.png"))
	assert.True(t, os.IsNotExist(err), "oldest output beyond the display cap is removed")
	files, err := f.outputs.List("t1-")
	require.NoError(t, err)
	assert.Len(t, files, 2)
	other, err := f.outputs.List("t2-")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestListTemplates(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"b.jpg", "a.png", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(f.gallery, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(f.gallery, "sub.png"), 0o755))

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/templates", nil), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"a.png", "b.jpg"}, decode(t, rec)["items"])
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil), "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "queued", body["mode"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestArchiveOutputs(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/outputs/archive.zip", nil), "t1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	writeOutput(t, f, "t1-a.png", time.Hour)
	writeOutput(t, f, "t1-b.png", time.Minute)
	writeOutput(t, f, "t2-c.png", time.Minute)

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/v1/outputs/archive.zip", nil), "t1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, file := range zr.File {
		names = append(names, file.Name)
	}
	assert.Equal(t, []string{"t1-a.png", "t1-b.png"}, names)
}

func TestPrefixRelatedTenantsStayIsolated(t *testing.T) {
	f := newFixture(t)
	writeOutput(t, f, "alice_bob-run9-1.png", 3*time.Hour)
	writeOutput(t, f, "alice-run0-1.png", 2*time.Hour)
	writeOutput(t, f, "alice-run1-1.png", time.Hour)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/v1/outputs/", nil), "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode(t, rec)["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "alice-run1-1.png", items[0].(map[string]any)["name"])
	assert.Equal(t, "alice-run0-1.png", items[1].(map[string]any)["name"])

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/v1/outputs/alice_bob-run9-1.png", nil), "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.board.OnCompleted(domain.Run{ID: "run1", TenantID: "alice"}, nil)
	_, err := os.Stat(filepath.Join(f.outputs.BasePath(), "alice_bob-run9-1.png"))
	assert.NoError(t, err, "another tenant's output survives the prune")

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/v1/outputs/", nil), "alice-bob")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
