package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string   `json:"id"`
	SessionID   string   `json:"sessionId"`
	Snippet     string   `json:"snippet"`
	UserMessage string   `json:"userMessage"`
	Overall     *float64 `json:"overall"`
	CreatedAt   int64    `json:"createdAt"`
}

// Query describes a search request. Searches are always scoped to one user.
type Query struct {
	Text      string
	UserID    string
	SessionID string // empty = all sessions
	Limit     int
	Offset    int
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

// Indexer can push revisions into a search index.
type Indexer interface {
	IndexRevision(r RevisionRecord) error
	IndexRevisions(records []RevisionRecord) error
}

// RevisionRecord is the data we index for a revision.
type RevisionRecord struct {
	ID           string   `json:"id"`
	UserID       string   `json:"userId"`
	SessionID    string   `json:"sessionId"`
	FeatureAfter string   `json:"featureAfter"`
	UserMessage  string   `json:"userMessage"`
	Comment      string   `json:"comment"`
	Overall      *float64 `json:"overall"`
	CreatedAt    int64    `json:"createdAt"`
}
