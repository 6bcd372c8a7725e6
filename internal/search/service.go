package search

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Index is a primary search backend that also accepts writes. *Meili is the
// production implementation.
type Index interface {
	Searcher
	IndexEntries(entries []EntryRecord) error
	DeleteEntry(id string) error
	IndexAnnotations(items []AnnotationRecord) error
	DeleteAnnotation(id string) error
}

// Fallback answers queries from the system of record and can enumerate it
// for a reindex. *PgFTS is the production implementation.
type Fallback interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]EntryRecord, []AnnotationRecord, error)
}

// Service is the facade that tries the index first and falls back to PG FTS.
// Writes to the index are fire-and-forget.
type Service struct {
	index    Index
	fallback Fallback
	log      zerolog.Logger
	pending  sync.WaitGroup
}

// NewService creates a search service. index may be nil when Meilisearch is
// not configured.
func NewService(index Index, fallback Fallback, logger zerolog.Logger) *Service {
	return &Service{index: index, fallback: fallback, log: logger.With().Str("component", "search").Logger()}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("index search failed, falling back to pgfts")
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) background(name, id string, fn func() error) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := fn(); err != nil {
			s.log.Warn().Err(err).Str("op", name).Str("id", id).Msg("search index write failed")
		}
	}()
}

// IndexEntry pushes an entry and its current annotations, and drops the
// annotations listed in removed.
func (s *Service) IndexEntry(entry EntryRecord, annotations []AnnotationRecord, removed []string) {
	s.background("index entry", entry.ID, func() error {
		if err := s.index.IndexEntries([]EntryRecord{entry}); err != nil {
			return err
		}
		for _, id := range removed {
			if err := s.index.DeleteAnnotation(id); err != nil {
				return err
			}
		}
		return s.index.IndexAnnotations(annotations)
	})
}

// DeleteEntry removes an entry and the given annotation ids from the index.
func (s *Service) DeleteEntry(id string, annotationIDs []string) {
	s.background("delete entry", id, func() error {
		for _, annotationID := range annotationIDs {
			if err := s.index.DeleteAnnotation(annotationID); err != nil {
				return err
			}
		}
		return s.index.DeleteEntry(id)
	})
}

// Wait blocks until every pending index write has finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

// Reindex reads every record from the fallback and pushes it to the index.
// It returns the number of entries and annotations pushed.
func (s *Service) Reindex(ctx context.Context) (int, int, error) {
	if s.index == nil || !s.index.Healthy() || s.fallback == nil {
		return 0, 0, nil
	}
	entries, annotations, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		return 0, 0, err
	}
	if err := s.index.IndexEntries(entries); err != nil {
		return 0, 0, err
	}
	if err := s.index.IndexAnnotations(annotations); err != nil {
		return len(entries), 0, err
	}
	return len(entries), len(annotations), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
