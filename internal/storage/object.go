package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrObjectNotFound is returned when a key does not exist in the bucket.
	ErrObjectNotFound = errors.New("storage: object not found")
	// ErrAccessDenied is returned when a URL does not grant access to an object.
	ErrAccessDenied = errors.New("storage: access denied")
	// ErrURLExpired is returned when a signed URL is used after its expiry.
	ErrURLExpired = errors.New("storage: signed url expired")
)

// PutInput describes an object upload.
type PutInput struct {
	Key         string
	Body        []byte
	ContentType string
	Public      bool
}

// ObjectGetter reads objects back out of durable storage.
type ObjectGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
	KeyFromURL(rawURL string) (string, error)
}

// ObjectStore is the durable object storage used to stage inputs and fetch outputs.
type ObjectStore interface {
	ObjectGetter
	Put(ctx context.Context, in PutInput) error
	PublicURL(key string) string
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
}

// EscapeKey percent-encodes each path segment of key for use in a URL. The
// "/" separators are kept, so ObjectKeyFromURL recovers the original key.
func EscapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// StripQuery drops the query string and fragment from a URL, which removes
// any embedded signature parameters.
func StripQuery(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// ObjectKeyFromURL extracts the object key from a virtual-hosted or
// path-style bucket URL.
func ObjectKeyFromURL(rawURL, bucket string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("storage: parse url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("storage: url %q is not absolute", rawURL)
	}
	key := strings.TrimPrefix(parsed.Path, "/")
	if bucket != "" && !strings.HasPrefix(parsed.Host, bucket+".") {
		key = strings.TrimPrefix(key, bucket+"/")
	}
	if key == "" {
		return "", fmt.Errorf("storage: url %q has no object key", rawURL)
	}
	return key, nil
}
