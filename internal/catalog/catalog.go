// Package catalog defines the external book catalog the sweeper searches
// against.
package catalog

import "context"

// Query is one search against the catalog. Zero-valued filters are
// omitted from the upstream request.
type Query struct {
	Keywords string
	Title    string
	Author   string
	ISBN     string
	Year     int
	Format   string
	Language string
}

// Result is one candidate book returned by the catalog.
type Result struct {
	Hash     string
	Title    string
	Authors  []string
	Format   string
	Language string
	Size     int64
	Year     int
}

// Searcher runs catalog searches. Implementations must be safe for
// sequential reuse; the sweeper rate-limits calls itself.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, error)
}
