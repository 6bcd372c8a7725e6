// Package selection turns what the user selected on screen into an anchor the
// span store accepts.
package selection

import (
	"fmt"
	"strconv"
	"strings"

	"catharsis/api/internal/annotation"
	"catharsis/api/internal/textmodel"
)

// Point is one end of a selection in rendering space: a rendered node and an
// offset inside that node's text, in UTF-16 code units.
type Point struct {
	Node   string `json:"node"`
	Offset int    `json:"offset"`
}

// Node is where a rendered text node sits in the text model.
type Node struct {
	BlockID string
	Start   int
	Length  int
}

// Layout is the rendering surface's node table.
type Layout map[string]Node

// NodeID names the rendered node for the run at index within a block.
func NodeID(blockID string, run int) string {
	return blockID + "/" + strconv.Itoa(run)
}

// LayoutOf builds the node table the HTML renderer produces for doc: one node
// per run plus the block element itself, whose offsets span the whole block.
func LayoutOf(doc textmodel.Document) Layout {
	layout := Layout{}
	for _, block := range doc.Blocks {
		pos := 0
		for i, run := range block.Runs {
			length := textmodel.Len16(run.Text)
			layout[NodeID(block.ID, i)] = Node{BlockID: block.ID, Start: pos, Length: length}
			pos += length
		}
		layout[block.ID] = Node{BlockID: block.ID, Length: pos}
	}
	return layout
}

// Resolver maps selections against one document snapshot.
type Resolver struct {
	doc    textmodel.Document
	layout Layout
}

// New returns a resolver for doc using the default layout.
func New(doc textmodel.Document) *Resolver {
	return &Resolver{doc: doc, layout: LayoutOf(doc)}
}

// WithLayout returns a resolver for hosts that render nodes of their own.
func WithLayout(doc textmodel.Document, layout Layout) *Resolver {
	return &Resolver{doc: doc, layout: layout}
}

func (r *Resolver) locate(p Point) (string, int, error) {
	node, ok := r.layout[p.Node]
	if !ok {
		return "", 0, fmt.Errorf("%w: unknown node %q", annotation.ErrInvalidAnchor, p.Node)
	}
	if p.Offset < 0 || p.Offset > node.Length {
		return "", 0, fmt.Errorf("%w: offset %d outside node %q of length %d", annotation.ErrInvalidAnchor, p.Offset, p.Node, node.Length)
	}
	return node.BlockID, node.Start + p.Offset, nil
}

// Range resolves a two-point selection. Backward selections are accepted.
// Ends in different blocks are rejected outright, never truncated.
func (r *Resolver) Range(start, end Point) (annotation.Anchor, error) {
	startBlock, startOffset, err := r.locate(start)
	if err != nil {
		return annotation.Anchor{}, err
	}
	endBlock, endOffset, err := r.locate(end)
	if err != nil {
		return annotation.Anchor{}, err
	}
	if startBlock != endBlock {
		return annotation.Anchor{}, fmt.Errorf("%w: %s to %s", annotation.ErrCrossBlockSelection, startBlock, endBlock)
	}
	return r.anchor(startBlock, startOffset, endOffset)
}

func (r *Resolver) anchor(blockID string, start, end int) (annotation.Anchor, error) {
	if start > end {
		start, end = end, start
	}
	if start == end {
		return annotation.Anchor{}, annotation.ErrEmptySelection
	}
	anchor := annotation.RangeAnchor(blockID, start, end)
	if err := anchor.ValidateNew(r.doc); err != nil {
		return annotation.Anchor{}, err
	}
	return anchor, nil
}

// Carets resolves caret indices into the document's plain text, where blocks
// are joined by one newline. A caret sitting on a separator belongs to the
// block it ends.
func (r *Resolver) Carets(start, end int) (annotation.Anchor, error) {
	if start > end {
		start, end = end, start
	}
	startBlock, startOffset, err := r.caret(start)
	if err != nil {
		return annotation.Anchor{}, err
	}
	endBlock, endOffset, err := r.caret(end)
	if err != nil {
		return annotation.Anchor{}, err
	}
	if start == end {
		return annotation.Anchor{}, annotation.ErrEmptySelection
	}
	if startBlock != endBlock {
		return annotation.Anchor{}, fmt.Errorf("%w: %s to %s", annotation.ErrCrossBlockSelection, startBlock, endBlock)
	}
	return r.anchor(startBlock, startOffset, endOffset)
}

func (r *Resolver) caret(index int) (string, int, error) {
	if index < 0 {
		return "", 0, fmt.Errorf("%w: caret %d", annotation.ErrInvalidAnchor, index)
	}
	pos := 0
	for _, block := range r.doc.Blocks {
		length := block.Len16()
		if index <= pos+length {
			return block.ID, index - pos, nil
		}
		pos += length + 1
	}
	return "", 0, fmt.Errorf("%w: caret %d past end of document", annotation.ErrInvalidAnchor, index)
}

// Block answers the long-press and hover gestures: the whole block, no range.
func (r *Resolver) Block(blockID string) (annotation.Anchor, error) {
	anchor := annotation.BlockAnchor(strings.TrimSpace(blockID))
	if err := anchor.ValidateNew(r.doc); err != nil {
		return annotation.Anchor{}, err
	}
	return anchor, nil
}
