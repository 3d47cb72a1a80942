package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/auxqueue/server/pkg/models"
)

// ErrResolutionFailed means the resolver could not turn a source reference
// into a track descriptor.
var ErrResolutionFailed = errors.New("could not resolve track")

// Descriptor is a resolved track, ready to be registered in the catalog.
// CanonicalID is empty when the source has no stable identity, which disables
// dedup for that track.
type Descriptor struct {
	Title       string            `json:"title"`
	Duration    int               `json:"duration"`
	SourceKind  models.SourceKind `json:"source_kind"`
	SourceURL   string            `json:"source_url"`
	PlaybackURL string            `json:"playback_url"`
	CanonicalID string            `json:"canonical_id,omitempty"`
}

// Resolver turns a source reference (a URL, typically) into a Descriptor.
type Resolver interface {
	Resolve(ctx context.Context, sourceRef string) (*Descriptor, error)
}

// FileDescriptor builds a Descriptor for an already-uploaded file. The sha256
// content hash is its canonical id. Upload transport lives outside this
// service; callers hand in the stored path and metadata.
func FileDescriptor(title, path string, duration int, contentHash string) (*Descriptor, error) {
	if path == "" || contentHash == "" {
		return nil, fmt.Errorf("%w: file path and content hash are required", ErrResolutionFailed)
	}
	if title == "" {
		title = path
	}
	return &Descriptor{
		Title:       title,
		Duration:    duration,
		SourceKind:  models.SourceFile,
		SourceURL:   path,
		PlaybackURL: path,
		CanonicalID: contentHash,
	}, nil
}

// ContentHash computes the hex sha256 of a file's content, the canonical id
// for uploaded files.
func ContentHash(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
