package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
)

// Chain consults providers in order. A provider reporting
// report.ErrSourceNotFound passes the key on to the next one; any other
// error stops the search.
type Chain []report.SourceProvider

// GetSource implements report.SourceProvider.
func (c Chain) GetSource(ctx context.Context, key report.SourceKey) (report.Source, error) {
	for _, p := range c {
		src, err := p.GetSource(ctx, key)
		if errors.Is(err, report.ErrSourceNotFound) {
			continue
		}

		return src, err
	}

	return report.Source{}, fmt.Errorf("%s: %w", key.Path, report.ErrSourceNotFound)
}

// Stamp implements report.SourceProvider.
func (c Chain) Stamp(ctx context.Context, key report.SourceKey) (report.Stamp, error) {
	for _, p := range c {
		stamp, err := p.Stamp(ctx, key)
		if errors.Is(err, report.ErrSourceNotFound) {
			continue
		}

		return stamp, err
	}

	return report.Stamp{}, fmt.Errorf("%s: %w", key.Path, report.ErrSourceNotFound)
}
