package search

import "context"

// ResultType identifies the kind of hit in a search result.
type ResultType string

const (
	ResultEntry      ResultType = "entry"
	ResultAnnotation ResultType = "annotation"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	EntryID string     `json:"entryId"`
	Emotion string     `json:"emotion,omitempty"`
	State   string     `json:"state,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterType    ResultType // empty = all types
	FilterEmotion string
	FilterState   string
	Limit         int
	Offset        int
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

// EntryRecord is the data we index for an entry.
type EntryRecord struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// AnnotationRecord is the data we index for one tagged span.
type AnnotationRecord struct {
	ID      string `json:"id"`
	EntryID string `json:"entryId"`
	Excerpt string `json:"excerpt"`
	Emotion string `json:"emotion"`
	State   string `json:"state"`
	Action  string `json:"action"`
}
