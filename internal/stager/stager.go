// Package stager uploads local input images and returns addressable
// references for them.
package stager

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"portrait/internal/domain"
	"portrait/internal/infra"
	"portrait/internal/storage"
)

const defaultParallelism = 4

// Upload is one file ready to be sent to remote storage.
type Upload struct {
	LocalPath   string
	Key         string
	Filename    string
	ContentType string
	Data        []byte
}

// Uploader sends a single file and returns its staged form.
type Uploader interface {
	Upload(ctx context.Context, in Upload) (domain.StagedAsset, error)
}

// Options configures a Stager.
type Options struct {
	// Parallelism caps concurrent uploads. Defaults to 4.
	Parallelism int
	Logger      *infra.Logger
	Now         func() time.Time
}

// Stager uploads batches of local files through an Uploader.
type Stager struct {
	uploader    Uploader
	parallelism int
	logger      *infra.Logger
	now         func() time.Time
}

// New constructs a Stager.
func New(uploader Uploader, opts Options) *Stager {
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	logger := opts.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Stager{uploader: uploader, parallelism: parallelism, logger: logger, now: now}
}

// Stage validates and uploads files concurrently. The result preserves the
// input order. Any single failure fails the whole call.
func (s *Stager) Stage(ctx context.Context, files []string, tenant, namespace string) ([]domain.StagedAsset, error) {
	if len(files) == 0 {
		return nil, nil
	}
	for _, path := range files {
		if err := checkAsset(path); err != nil {
			return nil, err
		}
	}

	results := make([]domain.StagedAsset, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(s.parallelism, len(files)))
	for i, path := range files {
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return domain.NewError(domain.KindInvalidAsset, "stage", path, err)
			}
			filename := filepath.Base(path)
			in := Upload{
				LocalPath:   path,
				Key:         s.objectKey(namespace, tenant, filename),
				Filename:    filename,
				ContentType: storage.ContentTypeFor(filename),
				Data:        data,
			}
			asset, err := s.uploader.Upload(gctx, in)
			if err != nil {
				return domain.NewError(domain.KindStorage, "stage", path, err)
			}
			asset.LocalPath = path
			if asset.ContentType == "" {
				asset.ContentType = in.ContentType
			}
			results[i] = asset
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn().Err(err).Str("tenant", tenant).Int("files", len(files)).Msg("stager: upload batch failed")
		return nil, err
	}
	s.logger.Debug().Str("tenant", tenant).Int("files", len(files)).Msg("stager: batch uploaded")
	return results, nil
}

// objectKey is unique per upload even for identical filenames.
func (s *Stager) objectKey(namespace, tenant, filename string) string {
	stamp := s.now().UTC().Format("20060102_150405")
	short := strings.SplitN(uuid.NewString(), "-", 2)[0]
	name := fmt.Sprintf("%s-%s-%s-%s", tenant, stamp, short, filename)
	namespace = strings.Trim(namespace, "/")
	if namespace == "" {
		return name
	}
	return namespace + "/" + name
}

func checkAsset(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return domain.NewError(domain.KindInvalidAsset, "stage", path, err)
	}
	if info.IsDir() {
		return domain.NewError(domain.KindInvalidAsset, "stage", path, fmt.Errorf("is a directory"))
	}
	if !storage.IsImage(path) {
		return domain.NewError(domain.KindInvalidAsset, "stage", path, fmt.Errorf("unsupported image type %q", filepath.Ext(path)))
	}
	return nil
}
