package store

import "time"

type Entry struct {
	ID              string
	Title           string
	Preview         string
	// Body is the plain text, kept for full-text search.
	Body            string
	ContentHash     string
	AnnotationCount int
	NewCount        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IndexedAnnotation mirrors one annotation of an entry so the inbox can be
// projected across entries without decoding every repository.
type IndexedAnnotation struct {
	ID          string
	EntryID     string
	BlockID     string
	StartOffset int
	EndOffset   int
	Whole       bool
	Emotion     string
	Intent      string
	State       string
	Action      string
	Excerpt     string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

const lastReviewedKey = "last_reviewed_at"
