package textmodel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBlockNotFound    = errors.New("block not found")
	ErrDuplicateBlock   = errors.New("duplicate block id")
	ErrOffsetOutOfRange = errors.New("offset out of range")
)

// Document is the block sequence owned by one journal entry. Every method that
// changes content returns a new Document and leaves the receiver untouched.
type Document struct {
	EntryID string  `json:"entryId"`
	Blocks  []Block `json:"blocks"`
}

// New builds a normalized document from blocks.
func New(entryID string, blocks ...Block) Document {
	doc := Document{EntryID: entryID}
	for _, block := range blocks {
		doc.Blocks = append(doc.Blocks, block.Normalize())
	}
	return doc
}

// FromPlainText turns newline separated text into paragraphs, skipping blank
// lines.
func FromPlainText(entryID, text string) Document {
	doc := Document{EntryID: entryID}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		doc.Blocks = append(doc.Blocks, Paragraph(line))
	}
	return doc
}

// BlockIDs lists block ids in document order.
func (d Document) BlockIDs() []string {
	ids := make([]string, 0, len(d.Blocks))
	for _, block := range d.Blocks {
		ids = append(ids, block.ID)
	}
	return ids
}

// Index returns the ordinal of the block, or -1.
func (d Document) Index(blockID string) int {
	for i, block := range d.Blocks {
		if block.ID == blockID {
			return i
		}
	}
	return -1
}

func (d Document) Block(blockID string) (Block, bool) {
	i := d.Index(blockID)
	if i < 0 {
		return Block{}, false
	}
	return d.Blocks[i], true
}

// TextOf returns the plain text of a block: the offset coordinate space.
func (d Document) TextOf(blockID string) (string, bool) {
	block, ok := d.Block(blockID)
	if !ok {
		return "", false
	}
	return block.Text(), true
}

// PlainText joins all block texts with a single newline.
func (d Document) PlainText() string {
	parts := make([]string, 0, len(d.Blocks))
	for _, block := range d.Blocks {
		parts = append(parts, block.Text())
	}
	return strings.Join(parts, "\n")
}

// Validate checks block identity: every block needs a unique, non-empty id.
func (d Document) Validate() error {
	seen := make(map[string]struct{}, len(d.Blocks))
	for i, block := range d.Blocks {
		if strings.TrimSpace(block.ID) == "" {
			return fmt.Errorf("block %d: empty id", i)
		}
		if _, ok := seen[block.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateBlock, block.ID)
		}
		seen[block.ID] = struct{}{}
	}
	return nil
}

func (d Document) clone() Document {
	blocks := make([]Block, len(d.Blocks))
	for i, block := range d.Blocks {
		blocks[i] = block.clone()
	}
	d.Blocks = blocks
	return d
}

// WithMark sets or clears one mark over [start, end) of a block. Plain text is
// unchanged, so anchors on the block stay valid.
func (d Document) WithMark(blockID string, start, end int, mark Mark, on bool) (Document, error) {
	i := d.Index(blockID)
	if i < 0 {
		return d, fmt.Errorf("%w: %s", ErrBlockNotFound, blockID)
	}
	if start > end {
		start, end = end, start
	}
	runs, err := splitAt(d.Blocks[i].Runs, start)
	if err != nil {
		return d, err
	}
	if runs, err = splitAt(runs, end); err != nil {
		return d, err
	}
	pos := 0
	for j := range runs {
		length := Len16(runs[j].Text)
		if pos >= start && pos+length <= end {
			if on {
				runs[j].Marks |= mark
			} else {
				runs[j].Marks &^= mark
			}
		}
		pos += length
	}
	out := d.clone()
	out.Blocks[i].Runs = runs
	out.Blocks[i] = out.Blocks[i].Normalize()
	return out, nil
}

// SpliceText replaces [start, end) of a block with replacement. The inserted
// text takes the marks in effect just before start.
func (d Document) SpliceText(blockID string, start, end int, replacement string) (Document, error) {
	i := d.Index(blockID)
	if i < 0 {
		return d, fmt.Errorf("%w: %s", ErrBlockNotFound, blockID)
	}
	if start > end {
		return d, fmt.Errorf("%w: start %d after end %d", ErrOffsetOutOfRange, start, end)
	}
	block := d.Blocks[i]
	marks := block.MarksAt(start)
	if start > 0 {
		marks = block.MarksAt(start - 1)
	}
	runs, err := splitAt(block.Runs, start)
	if err != nil {
		return d, err
	}
	if runs, err = splitAt(runs, end); err != nil {
		return d, err
	}
	spliced := make([]Run, 0, len(runs)+1)
	pos := 0
	inserted := false
	for _, run := range runs {
		length := Len16(run.Text)
		if pos >= start && !inserted {
			spliced = append(spliced, Run{Text: replacement, Marks: marks})
			inserted = true
		}
		if pos < start || pos >= end {
			spliced = append(spliced, run)
		}
		pos += length
	}
	if !inserted {
		spliced = append(spliced, Run{Text: replacement, Marks: marks})
	}
	out := d.clone()
	out.Blocks[i].Runs = spliced
	out.Blocks[i] = out.Blocks[i].Normalize()
	return out, nil
}

// InsertBlock places block after the block with id afterID; an empty afterID
// inserts at the top.
func (d Document) InsertBlock(afterID string, block Block) (Document, error) {
	if block.ID == "" {
		block.ID = NewBlockID()
	}
	if d.Index(block.ID) >= 0 {
		return d, fmt.Errorf("%w: %s", ErrDuplicateBlock, block.ID)
	}
	at := 0
	if afterID != "" {
		i := d.Index(afterID)
		if i < 0 {
			return d, fmt.Errorf("%w: %s", ErrBlockNotFound, afterID)
		}
		at = i + 1
	}
	out := d.clone()
	out.Blocks = append(out.Blocks[:at], append([]Block{block.Normalize()}, out.Blocks[at:]...)...)
	return out, nil
}

// RemoveBlock deletes a block. Anchors pointing at it become dangling and are
// the caller's to prune.
func (d Document) RemoveBlock(blockID string) (Document, error) {
	i := d.Index(blockID)
	if i < 0 {
		return d, fmt.Errorf("%w: %s", ErrBlockNotFound, blockID)
	}
	out := d.clone()
	out.Blocks = append(out.Blocks[:i], out.Blocks[i+1:]...)
	return out, nil
}
