package markup

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"catharsis/api/internal/annotation"
	"catharsis/api/internal/textmodel"
	"catharsis/api/internal/util"
)

// Decode parses persisted content. It never fails: anything it cannot read is
// kept as literal text or dropped, and reported in Result.Issues. Content with
// no header is treated as a legacy plain-text entry, one paragraph per line.
// An empty entryID takes the id recorded in the header.
func Decode(entryID, content string) Result {
	d := &decoder{
		entryID:  entryID,
		blockIDs: map[string]struct{}{},
		annIDs:   map[string]struct{}{},
	}
	d.run(content)

	sort.SliceStable(d.annotations, func(i, j int) bool {
		return d.annotations[i].CreatedAt.Before(d.annotations[j].CreatedAt)
	})
	return Result{
		Document:    textmodel.New(d.entryID, d.blocks...),
		Annotations: d.annotations,
		Issues:      d.issues,
	}
}

type decoder struct {
	entryID     string
	blocks      []textmodel.Block
	annotations []annotation.Annotation
	issues      []Issue
	blockIDs    map[string]struct{}
	annIDs      map[string]struct{}
	line        int
}

func (d *decoder) issue(err error, format string, args ...any) {
	d.issues = append(d.issues, Issue{Line: d.line, Err: err, Detail: fmt.Sprintf(format, args...)})
}

func (d *decoder) run(content string) {
	lines := strings.Split(content, "\n")
	headerAt := -1
	for i, line := range lines {
		if strings.HasPrefix(line, headerPrefix) {
			headerAt = i
			break
		}
	}
	for i, line := range lines {
		d.line = i + 1
		line = strings.TrimSuffix(line, "\r")
		switch {
		case headerAt < 0 || i < headerAt:
			if strings.TrimSpace(line) != "" {
				d.addBlock(textmodel.Block{ID: d.freshBlockID(), Kind: textmodel.KindParagraph, Runs: []textmodel.Run{{Text: line}}})
			}
		case i == headerAt:
			d.header(line)
		case line == "":
		case strings.HasPrefix(line, blockPrefix):
			d.blockLine(line)
		default:
			d.issue(annotation.ErrMalformedMarkup, "line has no block delimiter")
			d.inline(textmodel.Block{ID: d.freshBlockID(), Kind: textmodel.KindParagraph}, line)
		}
	}
}

func (d *decoder) header(line string) {
	end := strings.IndexByte(line, ']')
	if end < 0 {
		d.issue(annotation.ErrMalformedMarkup, "unterminated header")
		return
	}
	attrs, err := parseAttrs(line[len(headerPrefix):end])
	if err != nil {
		d.issue(annotation.ErrMalformedMarkup, "header: %v", err)
	}
	if v := first(attrs, "v"); v != strconv.Itoa(Version) {
		d.issue(annotation.ErrMalformedMarkup, "unsupported version %q", v)
	}
	if d.entryID == "" {
		d.entryID = first(attrs, "entry")
	}
	if rest := line[end+1:]; strings.TrimSpace(rest) != "" {
		d.issue(annotation.ErrMalformedMarkup, "text after header")
	}
}

func (d *decoder) blockLine(line string) {
	end := strings.IndexByte(line, ']')
	if end < 0 {
		d.issue(annotation.ErrMalformedMarkup, "unterminated block delimiter")
		d.addBlock(textmodel.Block{ID: d.freshBlockID(), Kind: textmodel.KindParagraph, Runs: []textmodel.Run{{Text: line}}})
		return
	}
	attrs, err := parseAttrs(line[len(blockPrefix):end])
	if err != nil {
		d.issue(annotation.ErrMalformedMarkup, "block delimiter: %v", err)
	}

	block := textmodel.Block{ID: first(attrs, "id")}
	if _, dup := d.blockIDs[block.ID]; dup || strings.TrimSpace(block.ID) == "" {
		d.issue(textmodel.ErrDuplicateBlock, "block id %q replaced", block.ID)
		block.ID = d.freshBlockID()
	}
	kind, ok := textmodel.ParseKind(first(attrs, "kind"))
	if !ok {
		d.issue(annotation.ErrMalformedMarkup, "unknown block kind %q", first(attrs, "kind"))
	}
	block.Kind = kind
	if level := first(attrs, "level"); level != "" {
		n, err := strconv.Atoi(level)
		if err != nil {
			d.issue(annotation.ErrMalformedMarkup, "heading level %q", level)
		}
		block.Level = n
	}

	for _, raw := range attrs["tag"] {
		if err := tagAttrsUsable(raw); err != nil {
			d.issue(annotation.ErrMalformedMarkup, "block tag %q dropped: %v", raw, err)
			continue
		}
		tagAttrs, _ := parseAttrs(raw)
		d.addAnnotation(tagAttrs, annotation.BlockAnchor(block.ID))
	}
	d.inline(block, line[end+1:])
}

func (d *decoder) freshBlockID() string {
	id := textmodel.NewBlockID()
	d.blockIDs[id] = struct{}{}
	return id
}

func (d *decoder) addBlock(block textmodel.Block) {
	d.blockIDs[block.ID] = struct{}{}
	d.blocks = append(d.blocks, block)
}

func (d *decoder) addAnnotation(attrs map[string][]string, anchor annotation.Anchor) {
	item, problems := annotationFromAttrs(attrs)
	for _, problem := range problems {
		d.issue(annotation.ErrInvalidState, "annotation %s: %s", item.ID, problem)
	}
	if _, dup := d.annIDs[item.ID]; dup || item.ID == "" {
		minted := item.CreatedAt
		if minted.IsZero() {
			minted = time.Now()
		}
		fresh := util.NewAnnotationID(minted)
		d.issue(annotation.ErrInvalidAnchor, "annotation id %q replaced by %s", item.ID, fresh)
		item.ID = fresh
	}
	d.annIDs[item.ID] = struct{}{}
	item.EntryID = d.entryID
	item.Anchor = anchor
	d.annotations = append(d.annotations, item)
}

type tokenKind int

const (
	tokText tokenKind = iota
	tokOpen
	tokClose
	tokToggle
)

type token struct {
	kind tokenKind
	text string
	raw  string
	mark textmodel.Mark
}

// inline reads the content after a block delimiter into runs and range
// annotations.
func (d *decoder) inline(block textmodel.Block, s string) {
	tokens := d.pair(d.tokenize(s))

	var (
		marks   textmodel.Mark
		offset  int
		pending *token
		start   int
	)
	for i := range tokens {
		tok := &tokens[i]
		switch tok.kind {
		case tokText:
			block.Runs = append(block.Runs, textmodel.Run{Text: tok.text, Marks: marks})
			offset += textmodel.Len16(tok.text)
		case tokToggle:
			marks ^= tok.mark
		case tokOpen:
			pending, start = tok, offset
		case tokClose:
			attrs, _ := parseAttrs(pending.text)
			if offset == start {
				d.issue(annotation.ErrInvalidAnchor, "empty tag %q dropped", first(attrs, "id"))
				pending = nil
				continue
			}
			d.addAnnotation(attrs, annotation.RangeAnchor(block.ID, start, offset))
			pending = nil
		}
	}
	d.addBlock(block)
}

func (d *decoder) tokenize(s string) []token {
	var tokens []token
	literal := func(raw string) {
		tokens = append(tokens, token{kind: tokText, text: raw, raw: raw})
	}
	for i := 0; i < len(s); {
		rest := s[i:]
		switch {
		case strings.HasPrefix(rest, tagClose):
			tokens = append(tokens, token{kind: tokClose, raw: tagClose})
			i += len(tagClose)
		case strings.HasPrefix(rest, tagPrefix):
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				d.issue(annotation.ErrMalformedMarkup, "unterminated tag marker")
				literal(rest)
				i = len(s)
				continue
			}
			tokens = append(tokens, token{kind: tokOpen, text: rest[len(tagPrefix):end], raw: rest[:end+1]})
			i += end + 1
		case rest[0] == '[':
			d.issue(annotation.ErrMalformedMarkup, "stray '[' at byte %d", i)
			literal("[")
			i++
		case rest[0] == '*':
			n := len(rest) - len(strings.TrimLeft(rest, "*"))
			for k := 0; k < n/2; k++ {
				tokens = append(tokens, token{kind: tokToggle, mark: textmodel.MarkBold, raw: boldMarker})
			}
			if n%2 == 1 {
				tokens = append(tokens, token{kind: tokToggle, mark: textmodel.MarkItalic, raw: italicMarker})
			}
			i += n
		case rest[0] == '_':
			n := len(rest) - len(strings.TrimLeft(rest, "_"))
			for k := 0; k < n/2; k++ {
				tokens = append(tokens, token{kind: tokToggle, mark: textmodel.MarkUnderline, raw: underMarker})
			}
			if n%2 == 1 {
				d.issue(annotation.ErrMalformedMarkup, "lone '_' at byte %d", i+n-1)
				literal("_")
			}
			i += n
		default:
			n := strings.IndexAny(rest, "[*_")
			if n < 0 {
				n = len(rest)
			}
			text := unescapeText(rest[:n])
			tokens = append(tokens, token{kind: tokText, text: text, raw: rest[:n]})
			i += n
		}
	}
	return tokens
}

// pair matches tag markers. Tags cannot nest, so an open inside an open, a
// close with nothing open and an open never closed all fall back to literal
// text.
func (d *decoder) pair(tokens []token) []token {
	open := -1
	for i, tok := range tokens {
		switch tok.kind {
		case tokOpen:
			if open >= 0 {
				d.issue(annotation.ErrMalformedMarkup, "nested tag marker kept as text")
				tokens[i] = token{kind: tokText, text: tok.raw, raw: tok.raw}
				continue
			}
			open = i
		case tokClose:
			if open < 0 {
				d.issue(annotation.ErrMalformedMarkup, "closing marker without a tag kept as text")
				tokens[i] = token{kind: tokText, text: tok.raw, raw: tok.raw}
				continue
			}
			if err := tagAttrsUsable(tokens[open].text); err != nil {
				d.issue(annotation.ErrMalformedMarkup, "tag %q kept as text: %v", tokens[open].raw, err)
				tokens[open] = token{kind: tokText, text: tokens[open].raw, raw: tokens[open].raw}
				tokens[i] = token{kind: tokText, text: tok.raw, raw: tok.raw}
			}
			open = -1
		}
	}
	if open >= 0 {
		d.issue(annotation.ErrMalformedMarkup, "unterminated tag kept as text")
		tokens[open] = token{kind: tokText, text: tokens[open].raw, raw: tokens[open].raw}
	}
	return tokens
}

// tagAttrsUsable reports why a tag's attributes cannot become an annotation.
// A tag needs well-formed attributes and an emotion.
func tagAttrsUsable(raw string) error {
	attrs, err := parseAttrs(raw)
	if err != nil {
		return err
	}
	if strings.TrimSpace(first(attrs, "emotion")) == "" {
		return errors.New("no emotion")
	}
	return nil
}
