package report

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSourceNotFound is returned by a SourceProvider when no source exists for a key.
var ErrSourceNotFound = errors.New("report source not found")

// SourceKey identifies a report source: a resolved path or stable content
// identifier plus an optional revision.
type SourceKey struct {
	Path     string `json:"path"`
	Revision string `json:"revision,omitempty"`
}

// String returns "path" or "path@revision".
func (k SourceKey) String() string {
	if k.Revision == "" {
		return k.Path
	}

	return fmt.Sprintf("%s@%s", k.Path, k.Revision)
}

// IsZero reports whether the key names nothing.
func (k SourceKey) IsZero() bool {
	return k.Path == ""
}

// Stamp captures the observable state of a source at a point in time. The
// compilation cache compares stamps to detect stale definitions.
type Stamp struct {
	ModTime time.Time `json:"mod_time"`
	Digest  [32]byte  `json:"digest"`
	Size    int64     `json:"size"`
}

// HasDigest reports whether the digest field was computed.
func (s Stamp) HasDigest() bool {
	return s.Digest != [32]byte{}
}

// Equal reports whether two stamps describe the same source content. When
// both stamps carry a digest only digests are compared, otherwise modification
// time and size decide.
func (s Stamp) Equal(other Stamp) bool {
	if s.HasDigest() && other.HasDigest() {
		return s.Digest == other.Digest
	}

	return s.ModTime.Equal(other.ModTime) && s.Size == other.Size
}

// Source is the text of a report definition together with its location and stamp.
type Source struct {
	Key    SourceKey
	Text   string
	Folder string
	Stamp  Stamp
}

// SourceProvider resolves report sources.
type SourceProvider interface {
	// GetSource reads the full source text for key.
	GetSource(ctx context.Context, key SourceKey) (Source, error)
	// Stamp returns the current stamp of key without necessarily reading it.
	Stamp(ctx context.Context, key SourceKey) (Stamp, error)
}
