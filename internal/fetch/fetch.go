// Package fetch defines the contract the queue uses to acquire one book
// artifact, along with the failure taxonomy the retry state machine
// branches on.
package fetch

import "context"

// Progress phases a fetcher may report while an attempt is running. They
// are relayed into display fields only and never change lifecycle status.
const (
	PhaseWaiting     = "waiting"
	PhaseDownloading = "downloading"
)

// Progress is a display-only snapshot of an in-flight attempt.
type Progress struct {
	Phase   string
	Percent float64
}

// Options carries per-attempt knobs the caller controls.
type Options struct {
	// PreferredFormat narrows the mirror resolution when set.
	PreferredFormat string
	// OnProgress, when non-nil, receives phase/percent updates.
	OnProgress func(Progress)
}

// Result is the outcome of a single acquisition attempt.
type Result struct {
	// FilePath is the local path of the fetched artifact on success.
	FilePath string
	// Size is the artifact size in bytes when the upstream reported one.
	Size int64
}

// Fetcher acquires the artifact identified by a content hash.
type Fetcher interface {
	Fetch(ctx context.Context, hash string, opts Options) (*Result, error)
}

// Validator checks a fetched artifact before it is accepted. expectedSize
// of zero means the upstream did not report a size.
type Validator interface {
	Validate(filePath string, expectedSize int64) bool
}
