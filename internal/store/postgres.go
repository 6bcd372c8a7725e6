package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const entryColumns = `id, title, preview, body, content_hash, annotation_count, new_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var item Entry
	err := row.Scan(&item.ID, &item.Title, &item.Preview, &item.Body, &item.ContentHash,
		&item.AnnotationCount, &item.NewCount, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) ListEntries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM entries
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0)
	for rows.Next() {
		item, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return items, nil
}

// GetEntry returns sql.ErrNoRows unwrapped when the entry does not exist.
func (s *PostgresStore) GetEntry(ctx context.Context, entryID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id=$1`, entryID)
	item, err := scanEntry(row)
	if err != nil {
		return Entry{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertEntry(ctx context.Context, item Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (id, title, preview, body, content_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Title, item.Preview, item.Body, item.ContentHash)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateEntryContent(ctx context.Context, entryID, title, preview, body, contentHash string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE entries
		SET title=$2, preview=$3, body=$4, content_hash=$5, updated_at=NOW()
		WHERE id=$1
	`, entryID, title, preview, body, contentHash)
	if err != nil {
		return fmt.Errorf("update entry content: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteEntry removes the entry and, by cascade, its annotation index.
func (s *PostgresStore) DeleteEntry(ctx context.Context, entryID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id=$1`, entryID)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ReplaceAnnotationIndex swaps the indexed annotations of one entry for items
// and refreshes the entry's counters in the same transaction.
func (s *PostgresStore) ReplaceAnnotationIndex(ctx context.Context, entryID string, items []IndexedAnnotation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin annotation index tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM annotation_index WHERE entry_id=$1`, entryID); err != nil {
		return fmt.Errorf("clear annotation index: %w", err)
	}

	newCount := 0
	for _, item := range items {
		if item.State == "new" {
			newCount++
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO annotation_index (
				id, entry_id, block_id, start_offset, end_offset, whole,
				emotion, intent, state, action, excerpt, created_at, processed_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, item.ID, entryID, item.BlockID, item.StartOffset, item.EndOffset, item.Whole,
			item.Emotion, item.Intent, item.State, item.Action, item.Excerpt, item.CreatedAt, item.ProcessedAt)
		if err != nil {
			return fmt.Errorf("index annotation %s: %w", item.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE entries SET annotation_count=$2, new_count=$3 WHERE id=$1
	`, entryID, len(items), newCount); err != nil {
		return fmt.Errorf("update entry counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit annotation index: %w", err)
	}
	return nil
}

// ListIndexedAnnotations returns the indexed annotations of one entry, or of
// every entry when entryID is empty, oldest first.
func (s *PostgresStore) ListIndexedAnnotations(ctx context.Context, entryID string) ([]IndexedAnnotation, error) {
	query := `
		SELECT id, entry_id, block_id, start_offset, end_offset, whole,
			emotion, intent, state, action, excerpt, created_at, processed_at
		FROM annotation_index
	`
	args := []any{}
	if entryID != "" {
		query += ` WHERE entry_id=$1`
		args = append(args, entryID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list indexed annotations: %w", err)
	}
	defer rows.Close()

	items := make([]IndexedAnnotation, 0)
	for rows.Next() {
		var item IndexedAnnotation
		var processedAt sql.NullTime
		if err := rows.Scan(&item.ID, &item.EntryID, &item.BlockID, &item.StartOffset, &item.EndOffset, &item.Whole,
			&item.Emotion, &item.Intent, &item.State, &item.Action, &item.Excerpt, &item.CreatedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("scan indexed annotation: %w", err)
		}
		if processedAt.Valid {
			at := processedAt.Time
			item.ProcessedAt = &at
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate indexed annotations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AnyNewAnnotations(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM annotation_index WHERE state='new')`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check new annotations: %w", err)
	}
	return exists, nil
}

// LastReviewed returns the zero time when trash day has never been reviewed.
func (s *PostgresStore) LastReviewed(ctx context.Context) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `SELECT value_at FROM installation_state WHERE key=$1`, lastReviewedKey).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load last reviewed: %w", err)
	}
	return at.UTC(), nil
}

func (s *PostgresStore) SetLastReviewed(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO installation_state (key, value_at)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value_at=EXCLUDED.value_at, updated_at=NOW()
	`, lastReviewedKey, at.UTC())
	if err != nil {
		return fmt.Errorf("save last reviewed: %w", err)
	}
	return nil
}
