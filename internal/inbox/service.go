package inbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"catharsis/api/internal/annotation"
	"catharsis/api/internal/store"
)

// Source is the durable side: the annotation index and installation state.
type Source interface {
	ListIndexedAnnotations(ctx context.Context, entryID string) ([]store.IndexedAnnotation, error)
	AnyNewAnnotations(ctx context.Context) (bool, error)
	LastReviewed(ctx context.Context) (time.Time, error)
	SetLastReviewed(ctx context.Context, at time.Time) error
}

// Cache is the optional fast side. *RedisStore implements it.
type Cache interface {
	QueueGeneration(ctx context.Context) (int64, error)
	SaveQueue(ctx context.Context, queue []annotation.QueueEntry, generation int64, ttl time.Duration) (bool, error)
	LoadQueue(ctx context.Context) ([]annotation.QueueEntry, bool, error)
	InvalidateQueue(ctx context.Context) error
	LastReviewed(ctx context.Context) (time.Time, bool, error)
	SetLastReviewed(ctx context.Context, at time.Time) error
}

// TrashDay is the state of the weekly review gate.
type TrashDay struct {
	Due          bool       `json:"due"`
	AnyNew       bool       `json:"anyNew"`
	LastReviewed *time.Time `json:"lastReviewed"`
	Interval     string     `json:"interval"`
}

type Options struct {
	Interval time.Duration
	QueueTTL time.Duration
	Clock    annotation.Clock
	Logger   zerolog.Logger
}

type Service struct {
	source   Source
	cache    Cache
	interval time.Duration
	ttl      time.Duration
	clock    annotation.Clock
	log      zerolog.Logger
}

// NewService builds the inbox. cache may be nil; every read then goes to
// the source.
func NewService(source Source, cache Cache, opts Options) *Service {
	interval := opts.Interval
	if interval <= 0 {
		interval = annotation.TrashDayInterval
	}
	ttl := opts.QueueTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{
		source:   source,
		cache:    cache,
		interval: interval,
		ttl:      ttl,
		clock:    opts.Clock,
		log:      opts.Logger.With().Str("component", "inbox").Logger(),
	}
}

func (s *Service) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

// Queue returns the projection across every entry. Cache failures are logged
// and fall through to the source. A projection is cached only if no
// invalidation happened while it was being built.
func (s *Service) Queue(ctx context.Context) ([]annotation.QueueEntry, error) {
	cacheable := false
	var generation int64
	if s.cache != nil {
		queue, ok, err := s.cache.LoadQueue(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("queue cache read failed")
		} else if ok {
			return queue, nil
		}
		if generation, err = s.cache.QueueGeneration(ctx); err != nil {
			s.log.Warn().Err(err).Msg("queue generation read failed")
		} else {
			cacheable = true
		}
	}

	rows, err := s.source.ListIndexedAnnotations(ctx, "")
	if err != nil {
		return nil, err
	}
	queue := annotation.Project(ToAnnotations(rows))

	if cacheable {
		stored, err := s.cache.SaveQueue(ctx, queue, generation, s.ttl)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Msg("queue cache write failed")
		case !stored:
			s.log.Debug().Int64("generation", generation).Msg("queue invalidated while projecting, not cached")
		}
	}
	return queue, nil
}

// Invalidate drops the cached projection after an entry's annotations change.
func (s *Service) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateQueue(ctx); err != nil {
		s.log.Warn().Err(err).Msg("queue cache invalidate failed")
	}
}

func (s *Service) lastReviewed(ctx context.Context) (time.Time, error) {
	if s.cache != nil {
		at, ok, err := s.cache.LastReviewed(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("last reviewed cache read failed")
		} else if ok {
			return at, nil
		}
	}
	at, err := s.source.LastReviewed(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if s.cache != nil && !at.IsZero() {
		if err := s.cache.SetLastReviewed(ctx, at); err != nil {
			s.log.Warn().Err(err).Msg("last reviewed cache write failed")
		}
	}
	return at, nil
}

func (s *Service) TrashDay(ctx context.Context) (TrashDay, error) {
	anyNew, err := s.source.AnyNewAnnotations(ctx)
	if err != nil {
		return TrashDay{}, err
	}
	last, err := s.lastReviewed(ctx)
	if err != nil {
		return TrashDay{}, err
	}
	status := TrashDay{
		Due:      annotation.TrashDayDue(s.now(), last, s.interval, anyNew),
		AnyNew:   anyNew,
		Interval: s.interval.String(),
	}
	if !last.IsZero() {
		status.LastReviewed = &last
	}
	return status, nil
}

// MarkReviewed records that the user went through trash day now.
func (s *Service) MarkReviewed(ctx context.Context) (TrashDay, error) {
	at := annotation.Timestamp(s.now())
	if err := s.source.SetLastReviewed(ctx, at); err != nil {
		return TrashDay{}, err
	}
	if s.cache != nil {
		if err := s.cache.SetLastReviewed(ctx, at); err != nil {
			s.log.Warn().Err(err).Msg("last reviewed cache write failed")
		}
	}
	return s.TrashDay(ctx)
}

// ToAnnotations lifts index rows back into annotations for projection.
func ToAnnotations(rows []store.IndexedAnnotation) []annotation.Annotation {
	out := make([]annotation.Annotation, 0, len(rows))
	for _, row := range rows {
		anchor := annotation.RangeAnchor(row.BlockID, row.StartOffset, row.EndOffset)
		if row.Whole {
			anchor = annotation.BlockAnchor(row.BlockID)
		}
		out = append(out, annotation.Annotation{
			ID:          row.ID,
			EntryID:     row.EntryID,
			Anchor:      anchor,
			Emotion:     annotation.Emotion(row.Emotion),
			Intent:      annotation.Intent(row.Intent),
			State:       annotation.State(row.State),
			Action:      annotation.Action(row.Action),
			CreatedAt:   row.CreatedAt.UTC(),
			ProcessedAt: row.ProcessedAt,
		})
	}
	return out
}
