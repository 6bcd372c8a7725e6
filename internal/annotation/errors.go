package annotation

import "errors"

var (
	// ErrCrossBlockSelection rejects a selection whose ends lie in different blocks.
	ErrCrossBlockSelection = errors.New("selection crosses a block boundary")
	// ErrOverlappingAnnotation rejects a range that overlaps another range on the same block.
	ErrOverlappingAnnotation = errors.New("annotation overlaps an existing annotation")
	// ErrInvalidAnchor covers negative, reversed or out of bounds offsets.
	ErrInvalidAnchor = errors.New("invalid anchor")
	// ErrEmptySelection rejects zero-length selections.
	ErrEmptySelection = errors.New("empty selection")
	// ErrMalformedMarkup marks a decode-time parse failure that was recovered as literal text.
	ErrMalformedMarkup = errors.New("malformed markup")
	// ErrDanglingBlockReference marks an annotation whose block is gone.
	ErrDanglingBlockReference = errors.New("dangling block reference")
	ErrNotFound               = errors.New("annotation not found")
	ErrInvalidState           = errors.New("invalid annotation state")
	ErrInvalidAction          = errors.New("invalid processing action")
	ErrUnknownEmotion         = errors.New("unknown emotion")
)
