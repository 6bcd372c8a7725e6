// Package annotation owns the emotional tags attached to journal text: the
// per-entry span store, the new/processed lifecycle with its undo log, and the
// inbox projection across entries.
package annotation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"catharsis/api/internal/textmodel"
)

type Emotion string

type Intent string

const (
	IntentNone  Intent = ""
	IntentTrash Intent = "trash"
	IntentShred Intent = "shred"
)

type State string

const (
	StateNew       State = "new"
	StateProcessed State = "processed"
)

type Action string

const (
	ActionNone  Action = ""
	ActionShred Action = "shred"
	ActionTrash Action = "trash"
	ActionStamp Action = "stamp"
)

// ParseAction accepts shred, trash and stamp. An empty value yields ActionNone.
func ParseAction(value string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(value))) {
	case ActionNone:
		return ActionNone, nil
	case ActionShred:
		return ActionShred, nil
	case ActionTrash:
		return ActionTrash, nil
	case ActionStamp:
		return ActionStamp, nil
	default:
		return ActionNone, fmt.Errorf("%w: %q", ErrInvalidAction, value)
	}
}

// ParseIntent accepts trash, shred or an empty value.
func ParseIntent(value string) (Intent, error) {
	switch Intent(strings.ToLower(strings.TrimSpace(value))) {
	case IntentNone:
		return IntentNone, nil
	case IntentTrash:
		return IntentTrash, nil
	case IntentShred:
		return IntentShred, nil
	default:
		return IntentNone, fmt.Errorf("%w: intent %q", ErrInvalidAction, value)
	}
}

// ParseState accepts new and processed. An empty value means new.
func ParseState(value string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(value))) {
	case StateNew, "":
		return StateNew, nil
	case StateProcessed:
		return StateProcessed, nil
	default:
		return StateNew, fmt.Errorf("%w: %q", ErrInvalidState, value)
	}
}

// Anchor is either a range inside one block or the whole block.
type Anchor struct {
	BlockID string `json:"blockId"`
	Start   int    `json:"startOffset"`
	End     int    `json:"endOffset"`
	Whole   bool   `json:"whole,omitempty"`
}

func RangeAnchor(blockID string, start, end int) Anchor {
	return Anchor{BlockID: blockID, Start: start, End: end}
}

func BlockAnchor(blockID string) Anchor {
	return Anchor{BlockID: blockID, Whole: true}
}

// Overlaps reports whether two range anchors share at least one code unit.
func (a Anchor) Overlaps(other Anchor) bool {
	if a.Whole || other.Whole || a.BlockID != other.BlockID {
		return false
	}
	return a.Start < other.End && other.Start < a.End
}

// Validate checks the anchor against the document's current blocks.
func (a Anchor) Validate(doc textmodel.Document) error {
	if strings.TrimSpace(a.BlockID) == "" {
		return fmt.Errorf("%w: missing block id", ErrInvalidAnchor)
	}
	text, ok := doc.TextOf(a.BlockID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDanglingBlockReference, a.BlockID)
	}
	if a.Whole {
		return nil
	}
	if a.Start < 0 || a.End <= a.Start {
		return fmt.Errorf("%w: offsets %d..%d", ErrInvalidAnchor, a.Start, a.End)
	}
	if !textmodel.ValidOffset16(text, a.Start) || !textmodel.ValidOffset16(text, a.End) {
		return fmt.Errorf("%w: offsets %d..%d outside block %s of length %d", ErrInvalidAnchor, a.Start, a.End, a.BlockID, textmodel.Len16(text))
	}
	return nil
}

// ValidateNew checks an anchor about to be created. A missing block is an
// invalid anchor here as well as a dangling reference; only loading treats it
// as dangling alone.
func (a Anchor) ValidateNew(doc textmodel.Document) error {
	err := a.Validate(doc)
	if errors.Is(err, ErrDanglingBlockReference) && !errors.Is(err, ErrInvalidAnchor) {
		return fmt.Errorf("%w: %w", ErrInvalidAnchor, err)
	}
	return err
}

// Annotation is one tag on an entry. State and Action move together: a
// processed annotation always has an action and a new one never does.
type Annotation struct {
	ID          string     `json:"id"`
	EntryID     string     `json:"entryId"`
	Anchor      Anchor     `json:"anchor"`
	Emotion     Emotion    `json:"emotion"`
	Intent      Intent     `json:"intent,omitempty"`
	State       State      `json:"state"`
	Action      Action     `json:"action,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// Consistent reports whether state, action and processedAt agree.
func (a Annotation) Consistent() bool {
	switch a.State {
	case StateNew:
		return a.Action == ActionNone && a.ProcessedAt == nil
	case StateProcessed:
		return a.Action != ActionNone
	default:
		return false
	}
}

// Clock supplies the current time; nil means time.Now.
type Clock func() time.Time

// Timestamp truncates t to milliseconds in UTC, the precision the markup
// format keeps.
func Timestamp(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

func (c Clock) now() time.Time {
	if c == nil {
		return Timestamp(time.Now())
	}
	return Timestamp(c())
}
