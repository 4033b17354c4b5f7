package domain

import "time"

// StagedAsset is a local input file after it has been uploaded.
//
// Ref is the bookkeeping reference handed back to callers: a public URL, a
// signed URL stripped of its query string, or an engine upload name.
// AccessURL is what the backend must use to fetch the object; for signed
// uploads it still carries the signature.
type StagedAsset struct {
	LocalPath   string
	Key         string
	Ref         string
	AccessURL   string
	ContentType string
	ExpiresAt   time.Time
}

// BackendRef returns the reference a backend payload should embed.
func (a StagedAsset) BackendRef() string {
	if a.AccessURL != "" {
		return a.AccessURL
	}
	return a.Ref
}

// OutputRef points at one backend-declared output: either a remote URL
// (queued mode) or inline image bytes (streamed mode).
type OutputRef struct {
	URL      string
	Data     []byte
	Filename string
}

// Describe returns a short human-readable label for logs and errors.
func (r OutputRef) Describe() string {
	switch {
	case r.URL != "":
		return r.URL
	case r.Filename != "":
		return r.Filename
	default:
		return "inline image"
	}
}

// OutputArtifact is a retrieved image saved to local storage.
type OutputArtifact struct {
	Ref       string
	LocalPath string
	Index     int
	Size      int64
	Checksum  string
}
