package source

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
)

type memoryEntry struct {
	text     string
	revision int
	stamp    report.Stamp
}

// MemoryProvider serves sources held in memory. Every Set bumps the
// revision and the stamp so cached definitions of the old text go stale.
type MemoryProvider struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	folder  string
	now     func() time.Time
}

// NewMemoryProvider creates an empty provider. folder is reported as the
// location of every source, for relative data file lookups.
func NewMemoryProvider(folder string) *MemoryProvider {
	return &MemoryProvider{
		entries: make(map[string]memoryEntry),
		folder:  folder,
		now:     time.Now,
	}
}

// Set stores text under path and returns the new revision.
func (p *MemoryProvider) Set(path, text string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.entries[path]
	entry := memoryEntry{
		text:     text,
		revision: prev.revision + 1,
		stamp: report.Stamp{
			ModTime: p.now(),
			Size:    int64(len(text)),
			Digest:  Digest([]byte(text)),
		},
	}
	p.entries[path] = entry

	return entry.revision
}

// Delete removes path.
func (p *MemoryProvider) Delete(path string) {
	p.mu.Lock()
	delete(p.entries, path)
	p.mu.Unlock()
}

// Revision returns the current revision of path, or zero.
func (p *MemoryProvider) Revision(path string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.entries[path].revision
}

func (p *MemoryProvider) entry(key report.SourceKey) (memoryEntry, error) {
	p.mu.RLock()
	entry, ok := p.entries[key.Path]
	p.mu.RUnlock()

	if !ok {
		return memoryEntry{}, fmt.Errorf("%s: %w", key.Path, report.ErrSourceNotFound)
	}

	if key.Revision != "" && key.Revision != strconv.Itoa(entry.revision) {
		return memoryEntry{}, fmt.Errorf("%s revision %s: %w", key.Path, key.Revision, report.ErrSourceNotFound)
	}

	return entry, nil
}

// GetSource implements report.SourceProvider.
func (p *MemoryProvider) GetSource(_ context.Context, key report.SourceKey) (report.Source, error) {
	entry, err := p.entry(key)
	if err != nil {
		return report.Source{}, err
	}

	return report.Source{Key: key, Text: entry.text, Folder: p.folder, Stamp: entry.stamp}, nil
}

// Stamp implements report.SourceProvider.
func (p *MemoryProvider) Stamp(_ context.Context, key report.SourceKey) (report.Stamp, error) {
	entry, err := p.entry(key)
	if err != nil {
		return report.Stamp{}, err
	}

	return entry.stamp, nil
}
