package stager

import (
	"context"
	"path"
	"time"

	"portrait/internal/domain"
	"portrait/internal/storage"
)

// DefaultExpiry is the lifetime of signed URLs when none is configured.
const DefaultExpiry = 24 * time.Hour

// ObjectUploaderOptions configures object-storage addressing.
type ObjectUploaderOptions struct {
	// Public uploads are addressed by a plain URL; others by a signed URL.
	Public bool
	Expiry time.Duration
	Now    func() time.Time
}

// ObjectUploader stages files into durable object storage.
type ObjectUploader struct {
	store  storage.ObjectStore
	public bool
	expiry time.Duration
	now    func() time.Time
}

// NewObjectUploader constructs an uploader over store.
func NewObjectUploader(store storage.ObjectStore, opts ObjectUploaderOptions) *ObjectUploader {
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ObjectUploader{store: store, public: opts.Public, expiry: expiry, now: now}
}

// Upload puts the object and resolves its URLs. Signed URLs keep their
// signature in AccessURL while Ref is stripped of it.
func (u *ObjectUploader) Upload(ctx context.Context, in Upload) (domain.StagedAsset, error) {
	if err := u.store.Put(ctx, storage.PutInput{
		Key:         in.Key,
		Body:        in.Data,
		ContentType: in.ContentType,
		Public:      u.public,
	}); err != nil {
		return domain.StagedAsset{}, err
	}
	asset := domain.StagedAsset{Key: in.Key, ContentType: in.ContentType}
	if u.public {
		asset.Ref = u.store.PublicURL(in.Key)
		asset.AccessURL = asset.Ref
		return asset, nil
	}
	signed, err := u.store.PresignGet(ctx, in.Key, u.expiry)
	if err != nil {
		return domain.StagedAsset{}, err
	}
	asset.Ref = storage.StripQuery(signed)
	asset.AccessURL = signed
	asset.ExpiresAt = u.now().Add(u.expiry)
	return asset, nil
}

// EngineClient is the slice of the execution engine client used for uploads.
type EngineClient interface {
	UploadImage(ctx context.Context, filename, contentType string, data []byte) (string, error)
}

// EngineUploader stages files into the execution engine's input folder. The
// engine assigns the final name, which becomes the reference.
type EngineUploader struct {
	client EngineClient
}

// NewEngineUploader constructs an uploader over the engine client.
func NewEngineUploader(client EngineClient) *EngineUploader {
	return &EngineUploader{client: client}
}

// Upload sends the file under its unique key's base name.
func (u *EngineUploader) Upload(ctx context.Context, in Upload) (domain.StagedAsset, error) {
	name, err := u.client.UploadImage(ctx, path.Base(in.Key), in.ContentType, in.Data)
	if err != nil {
		return domain.StagedAsset{}, err
	}
	return domain.StagedAsset{Key: in.Key, Ref: name, ContentType: in.ContentType}, nil
}
