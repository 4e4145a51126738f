package catalog

import (
	"context"

	"github.com/bookhound/bookhound/internal/telemetry"
)

// InstrumentedSearcher wraps a Searcher with telemetry.
type InstrumentedSearcher struct {
	next      Searcher
	telemetry *telemetry.Telemetry
}

// NewInstrumentedSearcher creates a new instrumented searcher.
func NewInstrumentedSearcher(next Searcher, tel *telemetry.Telemetry) *InstrumentedSearcher {
	return &InstrumentedSearcher{next: next, telemetry: tel}
}

// Search delegates to the wrapped searcher, recording one catalog search.
func (s *InstrumentedSearcher) Search(ctx context.Context, q Query) ([]Result, error) {
	var results []Result

	var err error

	instrumentedErr := s.telemetry.InstrumentSearch(ctx, func(ctx context.Context) error {
		results, err = s.next.Search(ctx, q)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return results, nil
}
