package annotation

import (
	"fmt"
	"strings"

	"catharsis/api/internal/textmodel"
	"catharsis/api/internal/util"
)

type ChangeKind string

const (
	ChangeCreated    ChangeKind = "created"
	ChangeRemoved    ChangeKind = "removed"
	ChangeIntent     ChangeKind = "intent"
	ChangeProcessed  ChangeKind = "processed"
	ChangeReverted   ChangeKind = "reverted"
	ChangeReanchored ChangeKind = "reanchored"
	ChangeDropped    ChangeKind = "dropped"
	ChangeRestored   ChangeKind = "restored"
)

// Change is delivered to store observers after every mutation.
type Change struct {
	Kind       ChangeKind `json:"kind"`
	Annotation Annotation `json:"annotation"`
}

// Dropped is an annotation the store refused to keep, with the reason.
type Dropped struct {
	Annotation Annotation
	Err        error
}

// Store is the authoritative set of annotations for one entry, in insertion
// order. It is not safe for concurrent use; the engine serializes access.
type Store struct {
	entryID   string
	clock     Clock
	items     []Annotation
	observers []func(Change)
}

func NewStore(entryID string, clock Clock) *Store {
	return &Store{entryID: entryID, clock: clock}
}

func (s *Store) EntryID() string {
	return s.entryID
}

// Subscribe registers fn for every subsequent change.
func (s *Store) Subscribe(fn func(Change)) {
	s.observers = append(s.observers, fn)
}

func (s *Store) notify(kind ChangeKind, item Annotation) {
	for _, fn := range s.observers {
		fn(Change{Kind: kind, Annotation: item})
	}
}

// Create validates the anchor against doc and stores a fresh annotation in the
// new state. Only Anchor, Emotion and Intent are taken from the input.
func (s *Store) Create(doc textmodel.Document, input Annotation) (string, error) {
	emotion := NormalizeEmotion(string(input.Emotion))
	if emotion == "" {
		return "", fmt.Errorf("%w: emotion is required", ErrUnknownEmotion)
	}
	if err := input.Anchor.ValidateNew(doc); err != nil {
		return "", err
	}
	if err := s.checkOverlap(input.Anchor, ""); err != nil {
		return "", err
	}
	if _, err := ParseIntent(string(input.Intent)); err != nil {
		return "", err
	}
	now := s.clock.now()
	item := Annotation{
		ID:        util.NewAnnotationID(now),
		EntryID:   s.entryID,
		Anchor:    input.Anchor,
		Emotion:   emotion,
		Intent:    input.Intent,
		State:     StateNew,
		Action:    ActionNone,
		CreatedAt: now,
	}
	if item.Anchor.Whole {
		item.Anchor.Start, item.Anchor.End = 0, 0
	}
	s.items = append(s.items, item)
	s.notify(ChangeCreated, item)
	return item.ID, nil
}

func (s *Store) checkOverlap(anchor Anchor, skipID string) error {
	for _, existing := range s.items {
		if existing.ID == skipID {
			continue
		}
		if anchor.Overlaps(existing.Anchor) {
			return fmt.Errorf("%w: %s covers %d..%d", ErrOverlappingAnnotation, existing.ID, existing.Anchor.Start, existing.Anchor.End)
		}
	}
	return nil
}

func (s *Store) indexOf(id string) int {
	for i, item := range s.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) Get(id string) (Annotation, bool) {
	i := s.indexOf(id)
	if i < 0 {
		return Annotation{}, false
	}
	return s.items[i], true
}

// Remove deletes the record outright. Clearing a tag is not processing.
func (s *Store) Remove(id string) error {
	i := s.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	item := s.items[i]
	s.items = append(s.items[:i], s.items[i+1:]...)
	s.notify(ChangeRemoved, item)
	return nil
}

// SetIntent records a forward-declared disposition without changing state.
func (s *Store) SetIntent(id string, intent Intent) error {
	parsed, err := ParseIntent(string(intent))
	if err != nil {
		return err
	}
	i := s.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.items[i].Intent = parsed
	s.notify(ChangeIntent, s.items[i])
	return nil
}

// ListByEntry returns the entry's annotations in insertion order.
func (s *Store) ListByEntry(entryID string) []Annotation {
	if entryID != s.entryID {
		return nil
	}
	return s.List()
}

func (s *Store) List() []Annotation {
	out := make([]Annotation, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Store) Len() int {
	return len(s.items)
}

func (s *Store) replace(item Annotation, kind ChangeKind) {
	i := s.indexOf(item.ID)
	if i < 0 {
		return
	}
	s.items[i] = item
	s.notify(kind, item)
}

// Restore loads previously persisted annotations, keeping their ids, state and
// timestamps. Records that dangle, break an anchor rule, or carry an
// inconsistent lifecycle are dropped and returned.
func (s *Store) Restore(doc textmodel.Document, items []Annotation) []Dropped {
	var dropped []Dropped
	for _, item := range items {
		item.EntryID = s.entryID
		if strings.TrimSpace(item.ID) == "" || s.indexOf(item.ID) >= 0 {
			dropped = append(dropped, Dropped{Annotation: item, Err: fmt.Errorf("%w: missing or duplicate id %q", ErrInvalidAnchor, item.ID)})
			continue
		}
		if strings.TrimSpace(string(item.Emotion)) == "" {
			dropped = append(dropped, Dropped{Annotation: item, Err: fmt.Errorf("%w: %s has no emotion", ErrUnknownEmotion, item.ID)})
			continue
		}
		if err := item.Anchor.Validate(doc); err != nil {
			dropped = append(dropped, Dropped{Annotation: item, Err: err})
			continue
		}
		if err := s.checkOverlap(item.Anchor, ""); err != nil {
			dropped = append(dropped, Dropped{Annotation: item, Err: err})
			continue
		}
		if !item.Consistent() {
			dropped = append(dropped, Dropped{Annotation: item, Err: fmt.Errorf("%w: state %q with action %q", ErrInvalidState, item.State, item.Action)})
			continue
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = s.clock.now()
		}
		s.items = append(s.items, item)
		s.notify(ChangeRestored, item)
	}
	return dropped
}

// Prune drops every annotation that no longer fits doc, such as tags on a
// paragraph the user deleted without clearing them.
func (s *Store) Prune(doc textmodel.Document) []Dropped {
	var dropped []Dropped
	kept := s.items[:0]
	for _, item := range s.items {
		if err := item.Anchor.Validate(doc); err != nil {
			dropped = append(dropped, Dropped{Annotation: item, Err: err})
			continue
		}
		kept = append(kept, item)
	}
	s.items = kept
	for _, d := range dropped {
		s.notify(ChangeDropped, d.Annotation)
	}
	return dropped
}

// ShiftForSplice moves range anchors on blockID after [start, end) was replaced
// by insertedLen code units. Anchors swallowed by the edit are dropped.
func (s *Store) ShiftForSplice(blockID string, start, end, insertedLen int) []Dropped {
	delta := insertedLen - (end - start)
	mapStart := func(p int) int {
		switch {
		case p < start:
			return p
		case p >= end:
			return p + delta
		default:
			return start + insertedLen
		}
	}
	mapEnd := func(p int) int {
		switch {
		case p <= start:
			return p
		case p >= end:
			return p + delta
		default:
			return start
		}
	}
	var dropped []Dropped
	var moved []Annotation
	kept := s.items[:0]
	for _, item := range s.items {
		if item.Anchor.BlockID != blockID || item.Anchor.Whole {
			kept = append(kept, item)
			continue
		}
		newStart, newEnd := mapStart(item.Anchor.Start), mapEnd(item.Anchor.End)
		if newStart >= newEnd {
			dropped = append(dropped, Dropped{Annotation: item, Err: fmt.Errorf("%w: tagged text was deleted", ErrInvalidAnchor)})
			continue
		}
		if newStart != item.Anchor.Start || newEnd != item.Anchor.End {
			item.Anchor.Start, item.Anchor.End = newStart, newEnd
			moved = append(moved, item)
		}
		kept = append(kept, item)
	}
	s.items = kept
	for _, item := range moved {
		s.notify(ChangeReanchored, item)
	}
	for _, d := range dropped {
		s.notify(ChangeDropped, d.Annotation)
	}
	return dropped
}
