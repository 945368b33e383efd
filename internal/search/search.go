// Package search indexes edit requests and apply outcomes for lookup by
// reviewers, using Meilisearch when reachable and Postgres full-text search
// otherwise.
package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultRequest ResultType = "request"
	ResultOutcome ResultType = "outcome"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	DocumentID string     `json:"documentId"`
	State      string     `json:"state,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	DocumentID string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexRequests(items []RequestRecord) error
	IndexOutcomes(items []OutcomeRecord) error
}

// RequestRecord is the data we index for an edit request.
type RequestRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	QuotedText string `json:"quotedText"`
	Content    string `json:"content"`
	State      string `json:"state"`
	Resolved   bool   `json:"resolved"`
}

// OutcomeRecord is the data we index for an apply log entry.
type OutcomeRecord struct {
	ID         string `json:"id"`
	RequestID  string `json:"requestId"`
	DocumentID string `json:"documentId"`
	Outcome    string `json:"outcome"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}
