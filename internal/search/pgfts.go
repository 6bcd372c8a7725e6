package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the API is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over entries and the annotation index ranked by
// ts_rank, with ts_headline snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	annotationFilter := q.FilterEmotion != "" || q.FilterState != ""
	if (q.FilterType == "" || q.FilterType == ResultEntry) && !annotationFilter {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'entry'::text AS type, e.id, e.title,
				ts_headline('english', coalesce(e.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				e.id AS entry_id, ''::text AS emotion, ''::text AS state,
				ts_rank(e.fts, %s) AS rank
			FROM entries e
			WHERE e.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultAnnotation {
		where := "a.fts @@ " + tsQuery
		if q.FilterEmotion != "" {
			where += fmt.Sprintf(" AND a.emotion = $%d", argN)
			args = append(args, q.FilterEmotion)
			argN++
		}
		if q.FilterState != "" {
			where += fmt.Sprintf(" AND a.state = $%d", argN)
			args = append(args, q.FilterState)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'annotation'::text AS type, a.id, a.emotion AS title,
				ts_headline('english', coalesce(a.excerpt, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.entry_id, a.emotion, a.state,
				ts_rank(a.fts, %s) AS rank
			FROM annotation_index a
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, entry_id, emotion, state
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.EntryID, &r.Emotion, &r.State); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable record for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]EntryRecord, []AnnotationRecord, error) {
	entryRows, err := p.db.QueryContext(ctx, `SELECT id, title, body FROM entries`)
	if err != nil {
		return nil, nil, fmt.Errorf("load entries: %w", err)
	}
	defer entryRows.Close()

	entries := make([]EntryRecord, 0)
	for entryRows.Next() {
		var e EntryRecord
		if err := entryRows.Scan(&e.ID, &e.Title, &e.Body); err != nil {
			return nil, nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := entryRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate entries: %w", err)
	}

	annotationRows, err := p.db.QueryContext(ctx, `
		SELECT id, entry_id, excerpt, emotion, state, action
		FROM annotation_index
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load annotations: %w", err)
	}
	defer annotationRows.Close()

	annotations := make([]AnnotationRecord, 0)
	for annotationRows.Next() {
		var a AnnotationRecord
		if err := annotationRows.Scan(&a.ID, &a.EntryID, &a.Excerpt, &a.Emotion, &a.State, &a.Action); err != nil {
			return nil, nil, fmt.Errorf("scan annotation: %w", err)
		}
		annotations = append(annotations, a)
	}
	if err := annotationRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return entries, annotations, nil
}
