// Package retriever saves the outputs of completed jobs to local storage.
package retriever

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"portrait/internal/domain"
	"portrait/internal/infra"
	"portrait/internal/storage"
)

// outputNamespace seeds the name-based suffixes of inline outputs.
var outputNamespace = uuid.MustParse("6f1c52a4-8d0e-4bb1-9a55-3c0d7e2f9b61")

// Options configures a Retriever.
type Options struct {
	Logger *infra.Logger
}

// Retriever downloads or decodes output references and writes them into a
// FileStore. Names are deterministic per run and index, so retrying a run
// overwrites rather than duplicates.
type Retriever struct {
	objects storage.ObjectGetter
	files   *storage.FileStore
	logger  *infra.Logger
}

// New constructs a Retriever. objects may be nil when only inline outputs
// are expected.
func New(objects storage.ObjectGetter, files *storage.FileStore, opts Options) *Retriever {
	logger := opts.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Retriever{objects: objects, files: files, logger: logger}
}

// Retrieve saves every ref in order. If any item fails, files written by
// this call are removed and a retrieval error naming the ref is returned.
func (r *Retriever) Retrieve(ctx context.Context, refs []domain.OutputRef, tenant, runID string) ([]domain.OutputArtifact, error) {
	artifacts := make([]domain.OutputArtifact, 0, len(refs))
	var written []string
	fail := func(ref domain.OutputRef, err error) ([]domain.OutputArtifact, error) {
		for _, key := range written {
			if rmErr := r.files.Remove(key); rmErr != nil {
				r.logger.Warn().Err(rmErr).Str("key", key).Msg("retriever: cleanup failed")
			}
		}
		return nil, domain.NewError(domain.KindRetrieval, "retrieve", ref.Describe(), err)
	}

	for i, ref := range refs {
		data, key, err := r.resolve(ctx, ref, tenant, runID, i)
		if err != nil {
			return fail(ref, err)
		}
		fullPath, err := r.files.Write(ctx, key, data)
		if err != nil {
			return fail(ref, err)
		}
		written = append(written, key)
		sum := sha256.Sum256(data)
		artifacts = append(artifacts, domain.OutputArtifact{
			Ref:       ref.Describe(),
			LocalPath: fullPath,
			Index:     i,
			Size:      int64(len(data)),
			Checksum:  hex.EncodeToString(sum[:]),
		})
	}
	r.logger.Debug().Str("tenant", tenant).Str("run_id", runID).Int("artifacts", len(artifacts)).Msg("retriever: outputs saved")
	return artifacts, nil
}

func (r *Retriever) resolve(ctx context.Context, ref domain.OutputRef, tenant, runID string, index int) ([]byte, string, error) {
	if ref.Data != nil {
		ext := extension(ref.Filename, ref.Data)
		suffix := uuid.NewSHA1(outputNamespace, []byte(fmt.Sprintf("%s/%d", runID, index)))
		return ref.Data, fmt.Sprintf("%s-%s%s", tenant, suffix, ext), nil
	}
	if ref.URL == "" {
		return nil, "", errors.New("output reference is empty")
	}
	if r.objects == nil {
		return nil, "", errors.New("no object store configured")
	}
	objectKey, err := r.objects.KeyFromURL(ref.URL)
	if err != nil {
		return nil, "", err
	}
	data, err := r.objects.Get(ctx, objectKey)
	if err != nil {
		return nil, "", err
	}
	ext := extension(objectKey, data)
	return data, fmt.Sprintf("%s-%s-%d%s", tenant, runID, index+1, ext), nil
}

// extension prefers the name's image extension and falls back to sniffing.
func extension(name string, data []byte) string {
	ext := strings.ToLower(path.Ext(name))
	if ext != "" && storage.IsImage(name) {
		return ext
	}
	return storage.ExtensionFor(http.DetectContentType(data))
}
