package storage

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryObjectStore is an in-process ObjectStore for development and tests.
// Signed URLs carry an expiry and an HMAC signature that Open verifies
// against the store clock.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	bucket  string
	baseURL string
	secret  []byte
	now     func() time.Time
}

type memoryObject struct {
	data        []byte
	contentType string
	public      bool
}

// MemoryOption customises a MemoryObjectStore.
type MemoryOption func(*MemoryObjectStore)

// WithClock overrides the clock used to check signed URL expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryObjectStore) { s.now = now }
}

// WithBaseURL overrides the host part of generated URLs.
func WithBaseURL(base string) MemoryOption {
	return func(s *MemoryObjectStore) { s.baseURL = strings.TrimRight(base, "/") }
}

// NewMemoryObjectStore creates an empty store for bucket.
func NewMemoryObjectStore(bucket string, opts ...MemoryOption) *MemoryObjectStore {
	if bucket == "" {
		bucket = "local"
	}
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	s := &MemoryObjectStore{
		objects: make(map[string]memoryObject),
		bucket:  bucket,
		baseURL: "https://" + bucket + ".objects.local",
		secret:  secret,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryObjectStore) Put(ctx context.Context, in PutInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[in.Key] = memoryObject{
		data:        append([]byte(nil), in.Body...),
		contentType: in.ContentType,
		public:      in.Public,
	}
	return nil
}

func (s *MemoryObjectStore) PublicURL(key string) string {
	return s.baseURL + "/" + EscapeKey(key)
}

func (s *MemoryObjectStore) PresignGet(ctx context.Context, key string, expires time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	exp := s.now().Add(expires).Unix()
	q := url.Values{}
	q.Set("X-Expires", strconv.FormatInt(exp, 10))
	q.Set("X-Signature", s.sign(key, exp))
	return s.PublicURL(key) + "?" + q.Encode(), nil
}

func (s *MemoryObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return append([]byte(nil), obj.data...), nil
}

func (s *MemoryObjectStore) KeyFromURL(rawURL string) (string, error) {
	return ObjectKeyFromURL(rawURL, s.bucket)
}

// Open fetches an object the way an anonymous client holding rawURL would:
// public objects need no signature, private ones need a valid unexpired one.
func (s *MemoryObjectStore) Open(ctx context.Context, rawURL string) ([]byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse url: %w", err)
	}
	key, err := s.KeyFromURL(rawURL)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if !obj.public {
		q := parsed.Query()
		exp, err := strconv.ParseInt(q.Get("X-Expires"), 10, 64)
		if err != nil {
			return nil, ErrAccessDenied
		}
		if !hmac.Equal([]byte(q.Get("X-Signature")), []byte(s.sign(key, exp))) {
			return nil, ErrAccessDenied
		}
		if !s.now().Before(time.Unix(exp, 0)) {
			return nil, ErrURLExpired
		}
	}
	return s.Get(ctx, key)
}

// ContentType returns the stored content type for key.
func (s *MemoryObjectStore) ContentType(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj.contentType, ok
}

// Keys lists stored keys in no particular order.
func (s *MemoryObjectStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

func (s *MemoryObjectStore) sign(key string, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(key))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.FormatInt(exp, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

var _ ObjectStore = (*MemoryObjectStore)(nil)
