package markup

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"catharsis/api/internal/annotation"
	"catharsis/api/internal/textmodel"
)

// Encode writes doc and its annotations in the persisted form. It is strict:
// annotations that break an anchor rule are an error, never silently dropped.
func Encode(doc textmodel.Document, items []annotation.Annotation) (string, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}
	wholes := map[string][]annotation.Annotation{}
	ranges := map[string][]annotation.Annotation{}
	seen := map[string]struct{}{}
	for _, item := range items {
		if strings.TrimSpace(item.ID) == "" {
			return "", fmt.Errorf("%w: annotation without id", annotation.ErrInvalidAnchor)
		}
		if _, dup := seen[item.ID]; dup {
			return "", fmt.Errorf("%w: duplicate annotation id %s", annotation.ErrInvalidAnchor, item.ID)
		}
		seen[item.ID] = struct{}{}
		if strings.TrimSpace(string(item.Emotion)) == "" {
			return "", fmt.Errorf("annotation %s: %w: emotion is empty", item.ID, annotation.ErrUnknownEmotion)
		}
		if err := item.Anchor.Validate(doc); err != nil {
			return "", fmt.Errorf("annotation %s: %w", item.ID, err)
		}
		if !item.Consistent() {
			return "", fmt.Errorf("annotation %s: %w: state %q with action %q", item.ID, annotation.ErrInvalidState, item.State, item.Action)
		}
		if item.Anchor.Whole {
			wholes[item.Anchor.BlockID] = append(wholes[item.Anchor.BlockID], item)
			continue
		}
		ranges[item.Anchor.BlockID] = append(ranges[item.Anchor.BlockID], item)
	}

	var out strings.Builder
	out.WriteString(headerPrefix)
	out.WriteString(formatAttrs([]attr{{key: "v", value: strconv.Itoa(Version)}, {key: "entry", value: doc.EntryID}}))
	out.WriteString("]")
	for _, block := range doc.Blocks {
		out.WriteString("\n")
		writeDelimiter(&out, block, wholes[block.ID])
		spans := ranges[block.ID]
		sort.SliceStable(spans, func(i, j int) bool { return spans[i].Anchor.Start < spans[j].Anchor.Start })
		for i := 1; i < len(spans); i++ {
			if spans[i].Anchor.Overlaps(spans[i-1].Anchor) {
				return "", fmt.Errorf("%w: %s and %s on block %s", annotation.ErrOverlappingAnnotation, spans[i-1].ID, spans[i].ID, block.ID)
			}
		}
		writeInline(&out, block, spans)
	}
	return out.String(), nil
}

func writeDelimiter(out *strings.Builder, block textmodel.Block, wholes []annotation.Annotation) {
	kind := block.Kind
	if kind == "" {
		kind = textmodel.KindParagraph
	}
	attrs := []attr{{key: "id", value: block.ID}, {key: "kind", value: string(kind)}}
	if kind == textmodel.KindHeading {
		level := block.Level
		if level < 1 {
			level = 1
		}
		attrs = append(attrs, attr{key: "level", value: strconv.Itoa(level)})
	}
	for _, item := range wholes {
		attrs = append(attrs, attr{key: "tag", value: formatAttrs(annotationAttrs(item))})
	}
	out.WriteString(blockPrefix)
	out.WriteString(formatAttrs(attrs))
	out.WriteString("]")
}

// writeInline emits the block's text between boundaries. At each boundary the
// order is: tag close, tag open, then bold, italic and underline toggles.
func writeInline(out *strings.Builder, block textmodel.Block, spans []annotation.Annotation) {
	text := block.Text()
	length := textmodel.Len16(text)

	cuts := map[int]struct{}{0: {}, length: {}}
	pos := 0
	for _, run := range block.Runs {
		pos += textmodel.Len16(run.Text)
		cuts[pos] = struct{}{}
	}
	for _, span := range spans {
		cuts[span.Anchor.Start] = struct{}{}
		cuts[span.Anchor.End] = struct{}{}
	}
	points := make([]int, 0, len(cuts))
	for p := range cuts {
		points = append(points, p)
	}
	sort.Ints(points)

	var active textmodel.Mark
	next := 0
	open := false
	for i, p := range points {
		if open && spans[next-1].Anchor.End == p {
			out.WriteString(tagClose)
			open = false
		}
		if next < len(spans) && spans[next].Anchor.Start == p {
			out.WriteString(tagPrefix)
			out.WriteString(formatAttrs(annotationAttrs(spans[next])))
			out.WriteString("]")
			next++
			open = true
		}
		var want textmodel.Mark
		if i+1 < len(points) {
			want = block.MarksAt(p)
		}
		writeToggles(out, active, want)
		active = want
		if i+1 < len(points) {
			segment, _ := textmodel.Slice16(text, p, points[i+1])
			out.WriteString(escapeText(segment))
		}
	}
}

func writeToggles(out *strings.Builder, from, to textmodel.Mark) {
	changed := from ^ to
	if changed.Has(textmodel.MarkBold) {
		out.WriteString(boldMarker)
	}
	if changed.Has(textmodel.MarkItalic) {
		out.WriteString(italicMarker)
	}
	if changed.Has(textmodel.MarkUnderline) {
		out.WriteString(underMarker)
	}
}
