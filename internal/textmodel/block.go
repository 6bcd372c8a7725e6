// Package textmodel holds the addressable representation of a journal entry:
// an ordered list of blocks whose plain text is the coordinate space for
// annotation offsets. Inline formatting lives on runs and never contributes
// characters, so toggling bold or italic leaves every offset untouched.
package textmodel

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind is the block-level role of a paragraph.
type Kind string

const (
	KindParagraph Kind = "paragraph"
	KindHeading   Kind = "heading"
	KindBullet    Kind = "bullet"
	KindOrdered   Kind = "ordered"
)

// ParseKind normalizes a kind name, reporting false for unknown kinds.
func ParseKind(value string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindParagraph, "":
		return KindParagraph, true
	case KindHeading:
		return KindHeading, true
	case KindBullet:
		return KindBullet, true
	case KindOrdered:
		return KindOrdered, true
	default:
		return KindParagraph, false
	}
}

// Mark is a set of inline emphasis flags.
type Mark uint8

const (
	MarkBold Mark = 1 << iota
	MarkItalic
	MarkUnderline
)

// MarkOrder is the fixed precedence used whenever marks are written out.
var MarkOrder = []Mark{MarkBold, MarkItalic, MarkUnderline}

func (m Mark) Has(flag Mark) bool {
	return m&flag != 0
}

// Names lists the flags in m in precedence order.
func (m Mark) Names() []string {
	names := make([]string, 0, len(MarkOrder))
	for _, flag := range MarkOrder {
		if m.Has(flag) {
			names = append(names, flag.String())
		}
	}
	return names
}

func (m Mark) String() string {
	switch m {
	case MarkBold:
		return "bold"
	case MarkItalic:
		return "italic"
	case MarkUnderline:
		return "underline"
	case 0:
		return ""
	default:
		return strings.Join(m.Names(), "+")
	}
}

// ParseMark resolves a single mark name. ProseMirror's "strong" and "em" are
// accepted as aliases.
func ParseMark(name string) (Mark, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bold", "strong":
		return MarkBold, true
	case "italic", "em":
		return MarkItalic, true
	case "underline":
		return MarkUnderline, true
	default:
		return 0, false
	}
}

// Run is a stretch of text sharing one set of marks.
type Run struct {
	Text  string `json:"text"`
	Marks Mark   `json:"-"`
}

// Block is a paragraph-level unit with a stable identity.
type Block struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	Level int    `json:"level,omitempty"`
	Runs  []Run  `json:"-"`
}

// NewBlockID returns a fresh block identifier. Identifiers are never reused.
func NewBlockID() string {
	return "blk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Paragraph builds a plain paragraph with a fresh id.
func Paragraph(text string) Block {
	return Block{ID: NewBlockID(), Kind: KindParagraph, Runs: runsOf(text, 0)}
}

// Heading builds a heading block with a fresh id. Levels are clamped to 1..6.
func Heading(level int, text string) Block {
	return Block{ID: NewBlockID(), Kind: KindHeading, Level: clampLevel(level), Runs: runsOf(text, 0)}
}

// Text is the block's plain text: every run concatenated, formatting stripped.
func (b Block) Text() string {
	if len(b.Runs) == 1 {
		return b.Runs[0].Text
	}
	var builder strings.Builder
	for _, run := range b.Runs {
		builder.WriteString(run.Text)
	}
	return builder.String()
}

// Len16 is the length of the block's plain text in UTF-16 code units.
func (b Block) Len16() int {
	n := 0
	for _, run := range b.Runs {
		n += Len16(run.Text)
	}
	return n
}

// MarksAt returns the marks covering the code unit at offset, or the marks of
// the final run when offset is the end of the block.
func (b Block) MarksAt(offset int) Mark {
	pos := 0
	for _, run := range b.Runs {
		next := pos + Len16(run.Text)
		if offset >= pos && offset < next {
			return run.Marks
		}
		pos = next
	}
	if len(b.Runs) > 0 && offset == pos {
		return b.Runs[len(b.Runs)-1].Marks
	}
	return 0
}

// Normalize merges neighbouring runs with equal marks and drops empty runs, so
// the same logical content always has exactly one representation.
func (b Block) Normalize() Block {
	if b.Kind == "" {
		b.Kind = KindParagraph
	}
	if b.Kind == KindHeading {
		b.Level = clampLevel(b.Level)
	} else {
		b.Level = 0
	}
	var runs []Run
	for _, run := range b.Runs {
		if run.Text == "" {
			continue
		}
		if n := len(runs); n > 0 && runs[n-1].Marks == run.Marks {
			runs[n-1].Text += run.Text
			continue
		}
		runs = append(runs, run)
	}
	b.Runs = runs
	return b
}

func (b Block) clone() Block {
	if b.Runs != nil {
		runs := make([]Run, len(b.Runs))
		copy(runs, b.Runs)
		b.Runs = runs
	}
	return b
}

// splitAt returns the runs with a run boundary guaranteed at offset.
func splitAt(runs []Run, offset int) ([]Run, error) {
	out := make([]Run, 0, len(runs)+1)
	pos := 0
	for _, run := range runs {
		length := Len16(run.Text)
		if offset > pos && offset < pos+length {
			cut, ok := ByteOffset16(run.Text, offset-pos)
			if !ok {
				return nil, fmt.Errorf("%w: offset %d splits a surrogate pair", ErrOffsetOutOfRange, offset)
			}
			out = append(out, Run{Text: run.Text[:cut], Marks: run.Marks}, Run{Text: run.Text[cut:], Marks: run.Marks})
		} else {
			out = append(out, run)
		}
		pos += length
	}
	if offset < 0 || offset > pos {
		return nil, fmt.Errorf("%w: offset %d outside 0..%d", ErrOffsetOutOfRange, offset, pos)
	}
	return out, nil
}

func runsOf(text string, marks Mark) []Run {
	if text == "" {
		return nil
	}
	return []Run{{Text: text, Marks: marks}}
}

func clampLevel(level int) int {
	if level < 1 {
		return 1
	}
	if level > 6 {
		return 6
	}
	return level
}
