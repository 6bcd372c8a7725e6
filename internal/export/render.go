package export

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"catharsis/api/internal/annotation"
	"catharsis/api/internal/engine"
	"catharsis/api/internal/selection"
	"catharsis/api/internal/textmodel"
)

// segment is a stretch of block text with one set of marks and at most one
// annotation, never crossing a run boundary.
type segment struct {
	text      string
	marks     textmodel.Mark
	run       int
	runOffset int
	item      *annotation.Annotation
}

func segments(block textmodel.Block, items []annotation.Annotation) []segment {
	spans := make([]annotation.Annotation, len(items))
	copy(spans, items)
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].Anchor.Start < spans[j].Anchor.Start })

	var out []segment
	pos := 0
	for runIdx, run := range block.Runs {
		length := textmodel.Len16(run.Text)
		end := pos + length
		cuts := []int{pos, end}
		for _, item := range spans {
			for _, at := range []int{item.Anchor.Start, item.Anchor.End} {
				if at > pos && at < end {
					cuts = append(cuts, at)
				}
			}
		}
		sort.Ints(cuts)
		for i := 0; i+1 < len(cuts); i++ {
			from, to := cuts[i], cuts[i+1]
			if from == to {
				continue
			}
			text, ok := textmodel.Slice16(run.Text, from-pos, to-pos)
			if !ok {
				continue
			}
			seg := segment{text: text, marks: run.Marks, run: runIdx, runOffset: from - pos}
			for k := range spans {
				if spans[k].Anchor.Start <= from && from < spans[k].Anchor.End {
					seg.item = &spans[k]
					break
				}
			}
			out = append(out, seg)
		}
		pos = end
	}
	return out
}

// effectClass is the class the printed page uses for an annotation's current
// look, named after the surface effect that produces it live.
func effectClass(item annotation.Annotation) engine.EffectKind {
	if item.State != annotation.StateProcessed {
		return engine.EffectHighlight
	}
	switch item.Action {
	case annotation.ActionShred:
		return engine.EffectShred
	case annotation.ActionTrash:
		return engine.EffectCollapse
	case annotation.ActionStamp:
		return engine.EffectStamp
	default:
		return engine.EffectHighlight
	}
}

func annotationAttrs(item annotation.Annotation, labels annotation.LabelSet, base string) string {
	var b strings.Builder
	fmt.Fprintf(&b, ` class="%s cm-%s" data-annotation="%s" data-emotion="%s" data-state="%s"`,
		base, effectClass(item), html.EscapeString(item.ID), html.EscapeString(string(item.Emotion)), item.State)
	if item.Action == annotation.ActionStamp {
		b.WriteString(` data-stamp="VOID"`)
	}
	if color := labels.Color(item.Emotion); color != "" {
		fmt.Fprintf(&b, ` style="--emotion-color: %s"`, html.EscapeString(color))
	}
	return b.String()
}

// RenderHTML renders an entry body. Every text span carries the selection
// node id and offset a browser client needs to report a selection back, and
// annotations are drawn in their current state.
func RenderHTML(doc textmodel.Document, items []annotation.Annotation, labels annotation.LabelSet) string {
	byBlock := map[string][]annotation.Annotation{}
	wholes := map[string][]annotation.Annotation{}
	for _, item := range items {
		if item.Anchor.Whole {
			wholes[item.Anchor.BlockID] = append(wholes[item.Anchor.BlockID], item)
			continue
		}
		byBlock[item.Anchor.BlockID] = append(byBlock[item.Anchor.BlockID], item)
	}

	var out strings.Builder
	openList := ""
	closeList := func() {
		if openList != "" {
			fmt.Fprintf(&out, "</%s>\n", openList)
			openList = ""
		}
	}

	for _, block := range doc.Blocks {
		tag := "p"
		switch block.Kind {
		case textmodel.KindHeading:
			tag = fmt.Sprintf("h%d", block.Level)
		case textmodel.KindBullet, textmodel.KindOrdered:
			tag = "li"
		}
		list := ""
		if block.Kind == textmodel.KindBullet {
			list = "ul"
		} else if block.Kind == textmodel.KindOrdered {
			list = "ol"
		}
		if list != openList {
			closeList()
			if list != "" {
				fmt.Fprintf(&out, "<%s>\n", list)
				openList = list
			}
		}

		// The first block tag styles the element itself; further ones wrap
		// its content.
		attrs := fmt.Sprintf(` data-block="%s"`, html.EscapeString(block.ID))
		blockTags := wholes[block.ID]
		if len(blockTags) > 0 {
			attrs += annotationAttrs(blockTags[0], labels, "cm-block")
		}
		fmt.Fprintf(&out, "<%s%s>", tag, attrs)
		for _, item := range blockTags[min(1, len(blockTags)):] {
			fmt.Fprintf(&out, "<span%s>", annotationAttrs(item, labels, "cm-block"))
		}

		var current *annotation.Annotation
		for _, seg := range segments(block, byBlock[block.ID]) {
			if seg.item != current {
				if current != nil {
					out.WriteString("</mark>")
				}
				if seg.item != nil {
					fmt.Fprintf(&out, "<mark%s>", annotationAttrs(*seg.item, labels, "cm-ann"))
				}
				current = seg.item
			}
			fmt.Fprintf(&out, `<span data-node="%s" data-offset="%d">%s</span>`,
				html.EscapeString(selection.NodeID(block.ID, seg.run)), seg.runOffset, inlineHTML(seg.text, seg.marks))
		}
		if current != nil {
			out.WriteString("</mark>")
		}
		for range blockTags[min(1, len(blockTags)):] {
			out.WriteString("</span>")
		}
		fmt.Fprintf(&out, "</%s>\n", tag)
	}
	closeList()
	return out.String()
}

func inlineHTML(text string, marks textmodel.Mark) string {
	out := strings.ReplaceAll(html.EscapeString(text), "\n", "<br>")
	if marks.Has(textmodel.MarkUnderline) {
		out = "<u>" + out + "</u>"
	}
	if marks.Has(textmodel.MarkItalic) {
		out = "<em>" + out + "</em>"
	}
	if marks.Has(textmodel.MarkBold) {
		out = "<strong>" + out + "</strong>"
	}
	return out
}
