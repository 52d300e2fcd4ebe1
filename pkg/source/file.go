// Package source provides report.SourceProvider implementations backed by
// a directory tree or by memory.
package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
)

// StalenessMode selects what FileProvider.Stamp inspects.
type StalenessMode string

// Staleness modes.
const (
	// StalenessModTime compares modification time and size only.
	StalenessModTime StalenessMode = "mtime"
	// StalenessDigest hashes the file content on every stamp.
	StalenessDigest StalenessMode = "digest"
)

// ErrPathEscapesRoot is returned for keys resolving outside the provider root.
var ErrPathEscapesRoot = errors.New("path escapes report root")

// ErrUnknownStalenessMode is returned by ParseStalenessMode.
var ErrUnknownStalenessMode = errors.New("unknown staleness mode")

// ParseStalenessMode parses "mtime" or "digest". Empty means mtime.
func ParseStalenessMode(name string) (StalenessMode, error) {
	switch StalenessMode(strings.ToLower(name)) {
	case "", StalenessModTime:
		return StalenessModTime, nil
	case StalenessDigest:
		return StalenessDigest, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStalenessMode, name)
	}
}

// Digest returns the BLAKE3 digest of data.
func Digest(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// FileProvider reads report sources from a directory.
type FileProvider struct {
	root string
	mode StalenessMode
}

// NewFileProvider creates a provider rooted at root.
func NewFileProvider(root string, mode StalenessMode) (*FileProvider, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve report root: %w", err)
	}

	if mode == "" {
		mode = StalenessModTime
	}

	return &FileProvider{root: abs, mode: mode}, nil
}

// Root returns the absolute root directory.
func (p *FileProvider) Root() string {
	return p.root
}

// Resolve maps a key to an absolute path inside the root.
func (p *FileProvider) Resolve(key report.SourceKey) (string, error) {
	rel := filepath.FromSlash(strings.TrimPrefix(key.Path, "/"))
	full := filepath.Join(p.root, rel)

	inside, err := filepath.Rel(p.root, full)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", key.Path, ErrPathEscapesRoot)
	}

	return full, nil
}

// GetSource implements report.SourceProvider.
func (p *FileProvider) GetSource(_ context.Context, key report.SourceKey) (report.Source, error) {
	path, err := p.Resolve(key)
	if err != nil {
		return report.Source{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return report.Source{}, notFound(key, err)
	}

	if info.IsDir() {
		return report.Source{}, fmt.Errorf("%s is a directory: %w", key.Path, report.ErrSourceNotFound)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return report.Source{}, notFound(key, err)
	}

	return report.Source{
		Key:    key,
		Text:   string(data),
		Folder: filepath.Dir(path),
		Stamp: report.Stamp{
			ModTime: info.ModTime(),
			Size:    info.Size(),
			Digest:  Digest(data),
		},
	}, nil
}

// Stamp implements report.SourceProvider. In mtime mode only file metadata
// is read.
func (p *FileProvider) Stamp(_ context.Context, key report.SourceKey) (report.Stamp, error) {
	path, err := p.Resolve(key)
	if err != nil {
		return report.Stamp{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return report.Stamp{}, notFound(key, err)
	}

	stamp := report.Stamp{ModTime: info.ModTime(), Size: info.Size()}

	if p.mode == StalenessDigest {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return report.Stamp{}, notFound(key, readErr)
		}

		stamp.Digest = Digest(data)
	}

	return stamp, nil
}

func notFound(key report.SourceKey, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", key.Path, report.ErrSourceNotFound)
	}

	return fmt.Errorf("read %s: %w", key.Path, err)
}
