package annotation

import (
	"fmt"
	"time"
)

// TrashDayInterval is how long new annotations may pile up before a review is due.
const TrashDayInterval = 7 * 24 * time.Hour

// UndoRecord is what processing changed, so it can be put back.
type UndoRecord struct {
	ID               string
	PriorState       State
	PriorAction      Action
	PriorProcessedAt *time.Time
}

// Lifecycle moves annotations between new and processed and keeps a LIFO undo
// log. A limit of zero keeps the log unbounded.
type Lifecycle struct {
	store *Store
	log   []UndoRecord
	limit int
}

func NewLifecycle(store *Store, limit int) *Lifecycle {
	return &Lifecycle{store: store, limit: limit}
}

// Process resolves a new annotation with action. An empty action falls back to
// the annotation's declared intent.
func (l *Lifecycle) Process(id string, action Action) (Annotation, error) {
	item, ok := l.store.Get(id)
	if !ok {
		return Annotation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if item.State != StateNew {
		return Annotation{}, fmt.Errorf("%w: %s is already %s", ErrInvalidState, id, item.State)
	}
	parsed, err := ParseAction(string(action))
	if err != nil {
		return Annotation{}, err
	}
	if parsed == ActionNone {
		parsed = Action(item.Intent)
	}
	if parsed == ActionNone {
		return Annotation{}, fmt.Errorf("%w: no action given and no intent declared for %s", ErrInvalidAction, id)
	}
	action = parsed

	l.push(UndoRecord{ID: id, PriorState: item.State, PriorAction: item.Action, PriorProcessedAt: item.ProcessedAt})
	now := l.store.clock.now()
	item.State = StateProcessed
	item.Action = action
	item.ProcessedAt = &now
	l.store.replace(item, ChangeProcessed)
	return item, nil
}

func (l *Lifecycle) push(record UndoRecord) {
	l.log = append(l.log, record)
	if l.limit > 0 && len(l.log) > l.limit {
		l.log = l.log[len(l.log)-l.limit:]
	}
}

// Undo pops the most recent log entry for id and restores the prior state. It
// is a silent no-op when there is nothing to undo for id. The returned
// annotation carries the action that was undone.
func (l *Lifecycle) Undo(id string) (Annotation, Action, bool) {
	at := -1
	for i := len(l.log) - 1; i >= 0; i-- {
		if l.log[i].ID == id {
			at = i
			break
		}
	}
	if at < 0 {
		return Annotation{}, ActionNone, false
	}
	record := l.log[at]
	l.log = append(l.log[:at], l.log[at+1:]...)

	item, ok := l.store.Get(id)
	if !ok || item.State != StateProcessed {
		return Annotation{}, ActionNone, false
	}
	undone := item.Action
	item.State = record.PriorState
	item.Action = record.PriorAction
	item.ProcessedAt = record.PriorProcessedAt
	l.store.replace(item, ChangeReverted)
	return item, undone, true
}

// Revert puts a processed annotation back to new without an undo log entry,
// for annotations processed in an earlier session.
func (l *Lifecycle) Revert(id string) (Annotation, Action, error) {
	if item, undone, ok := l.Undo(id); ok {
		return item, undone, nil
	}
	item, ok := l.store.Get(id)
	if !ok {
		return Annotation{}, ActionNone, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if item.State != StateProcessed {
		return Annotation{}, ActionNone, fmt.Errorf("%w: %s is not processed", ErrInvalidState, id)
	}
	undone := item.Action
	item.State = StateNew
	item.Action = ActionNone
	item.ProcessedAt = nil
	l.store.replace(item, ChangeReverted)
	return item, undone, nil
}

// UndoDepth is the number of reversible records held.
func (l *Lifecycle) UndoDepth() int {
	return len(l.log)
}

// BulkReview lists the entry's annotations still in the new state. It never
// mutates anything.
func (l *Lifecycle) BulkReview(entryID string) []Annotation {
	var out []Annotation
	for _, item := range l.store.ListByEntry(entryID) {
		if item.State == StateNew {
			out = append(out, item)
		}
	}
	return out
}

// AnyNew reports whether any annotation in the store is still new.
func (l *Lifecycle) AnyNew() bool {
	for _, item := range l.store.items {
		if item.State == StateNew {
			return true
		}
	}
	return false
}

// TrashDayDue reports whether the review prompt should be shown. A zero
// lastReviewed means the installation has never reviewed and is due as soon as
// anything is waiting.
func TrashDayDue(now, lastReviewed time.Time, interval time.Duration, anyNew bool) bool {
	if !anyNew {
		return false
	}
	if interval <= 0 {
		interval = TrashDayInterval
	}
	if lastReviewed.IsZero() {
		return true
	}
	return now.Sub(lastReviewed) >= interval
}
