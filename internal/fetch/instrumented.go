package fetch

import (
	"context"

	"github.com/bookhound/bookhound/internal/telemetry"
)

// InstrumentedFetcher wraps a Fetcher with telemetry.
type InstrumentedFetcher struct {
	next      Fetcher
	telemetry *telemetry.Telemetry
}

// NewInstrumentedFetcher creates a new instrumented fetcher.
func NewInstrumentedFetcher(next Fetcher, tel *telemetry.Telemetry) *InstrumentedFetcher {
	return &InstrumentedFetcher{next: next, telemetry: tel}
}

// Fetch delegates to the wrapped fetcher, recording one attempt.
func (f *InstrumentedFetcher) Fetch(ctx context.Context, hash string, opts Options) (*Result, error) {
	var result *Result

	var err error

	instrumentedErr := f.telemetry.InstrumentFetch(ctx, func(ctx context.Context) error {
		result, err = f.next.Fetch(ctx, hash, opts)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
