package export

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"catharsis/api/internal/annotation"
	"catharsis/api/internal/textmodel"
	"catharsis/api/internal/util"
)

// AnnotationMark is the ProseMirror mark type the editor uses for tags.
const AnnotationMark = "catharsis"

// ProseMirrorNode represents a node in the ProseMirror document tree
type ProseMirrorNode struct {
	Type    string            `json:"type"`
	Attrs   map[string]any    `json:"attrs,omitempty"`
	Content []ProseMirrorNode `json:"content,omitempty"`
	Text    string            `json:"text,omitempty"`
	Marks   []ProseMirrorMark `json:"marks,omitempty"`
}

// ProseMirrorMark represents a text mark (formatting or tag)
type ProseMirrorMark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// ProseMirrorToDocument imports editor JSON. Lists flatten into bullet or
// ordered blocks, bold/italic/underline become run marks, and catharsis marks
// become range annotations; a catharsis attr on a block (one object or a
// list) tags the whole block.
// Annotations are returned unvalidated; the caller restores them into a store.
func ProseMirrorToDocument(entryID string, raw []byte) (textmodel.Document, []annotation.Annotation, error) {
	var root ProseMirrorNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return textmodel.Document{}, nil, fmt.Errorf("%w: %v", ErrUnsupportedContent, err)
	}
	if root.Type != "doc" {
		return textmodel.Document{}, nil, fmt.Errorf("%w: root node %q", ErrUnsupportedContent, root.Type)
	}
	im := &importer{entryID: entryID, seen: map[string]bool{}, tagged: map[string]int{}}
	for _, node := range root.Content {
		im.node(node, "")
	}
	return textmodel.New(entryID, im.blocks...), im.items, nil
}

type importer struct {
	entryID string
	blocks  []textmodel.Block
	items   []annotation.Annotation
	seen    map[string]bool
	// tagged maps an annotation id to its index in items.
	tagged map[string]int
}

func (im *importer) node(node ProseMirrorNode, list textmodel.Kind) {
	switch node.Type {
	case "paragraph", "codeBlock":
		kind := textmodel.KindParagraph
		if list != "" {
			kind = list
		}
		im.block(node, kind, 0)
	case "heading":
		level := 1
		if lvl, ok := node.Attrs["level"].(float64); ok {
			level = int(lvl)
		}
		im.block(node, textmodel.KindHeading, level)
	case "bulletList":
		for _, child := range node.Content {
			im.node(child, textmodel.KindBullet)
		}
	case "orderedList":
		for _, child := range node.Content {
			im.node(child, textmodel.KindOrdered)
		}
	case "listItem":
		if list == "" {
			list = textmodel.KindBullet
		}
		for _, child := range node.Content {
			im.node(child, list)
		}
	case "horizontalRule":
	default:
		for _, child := range node.Content {
			im.node(child, list)
		}
	}
}

func (im *importer) block(node ProseMirrorNode, kind textmodel.Kind, level int) {
	id := firstString(node.Attrs, "id", "nodeId")
	if id == "" || im.seen[id] || strings.ContainsAny(id, ";]=") {
		id = textmodel.NewBlockID()
	}
	im.seen[id] = true
	block := textmodel.Block{ID: id, Kind: kind, Level: level}

	offset := 0
	for _, child := range node.Content {
		text := child.Text
		if child.Type == "hardBreak" {
			text = "\n"
		}
		if text == "" {
			continue
		}
		var marks textmodel.Mark
		length := textmodel.Len16(text)
		for _, mark := range child.Marks {
			if flag, ok := textmodel.ParseMark(mark.Type); ok {
				marks |= flag
				continue
			}
			if mark.Type == AnnotationMark {
				im.tag(mark.Attrs, annotation.RangeAnchor(id, offset, offset+length))
			}
		}
		block.Runs = append(block.Runs, textmodel.Run{Text: text, Marks: marks})
		offset += length
	}
	switch attrs := node.Attrs[AnnotationMark].(type) {
	case map[string]any:
		im.tag(attrs, annotation.BlockAnchor(id))
	case []any:
		for _, each := range attrs {
			if m, ok := each.(map[string]any); ok {
				im.tag(m, annotation.BlockAnchor(id))
			}
		}
	}
	im.blocks = append(im.blocks, block)
}

// tag records an annotation, extending an earlier range with the same id when
// the editor split one tag across several text nodes.
func (im *importer) tag(attrs map[string]any, anchor annotation.Anchor) {
	id := firstString(attrs, "id")
	if idx, ok := im.tagged[id]; ok {
		prev := &im.items[idx].Anchor
		if !anchor.Whole && !prev.Whole && prev.BlockID == anchor.BlockID && prev.End == anchor.Start {
			prev.End = anchor.End
		}
		return
	}
	if id == "" {
		id = util.NewAnnotationID(time.Now())
	}
	item := annotation.Annotation{
		ID:      id,
		EntryID: im.entryID,
		Anchor:  anchor,
		Emotion: annotation.NormalizeEmotion(firstString(attrs, "emotion")),
		State:   annotation.StateNew,
	}
	item.Intent, _ = annotation.ParseIntent(firstString(attrs, "intent"))
	item.CreatedAt = annotation.Timestamp(time.Now())
	if created, ok := millis(attrs["createdAt"]); ok {
		item.CreatedAt = created
	}
	state, _ := annotation.ParseState(firstString(attrs, "state"))
	action, _ := annotation.ParseAction(firstString(attrs, "action"))
	if state == annotation.StateProcessed && action != annotation.ActionNone {
		item.State, item.Action = state, action
		if processed, ok := millis(attrs["processedAt"]); ok {
			item.ProcessedAt = &processed
		}
	}
	im.tagged[id] = len(im.items)
	im.items = append(im.items, item)
}

// DocumentToProseMirror is the inverse of ProseMirrorToDocument, used to hand
// an entry to the editor.
func DocumentToProseMirror(doc textmodel.Document, items []annotation.Annotation) ProseMirrorNode {
	byBlock := map[string][]annotation.Annotation{}
	wholes := map[string][]any{}
	for _, item := range items {
		if item.Anchor.Whole {
			wholes[item.Anchor.BlockID] = append(wholes[item.Anchor.BlockID], markAttrs(item))
			continue
		}
		byBlock[item.Anchor.BlockID] = append(byBlock[item.Anchor.BlockID], item)
	}

	root := ProseMirrorNode{Type: "doc"}
	var list *ProseMirrorNode
	for _, block := range doc.Blocks {
		node := ProseMirrorNode{Type: "paragraph", Attrs: map[string]any{"id": block.ID}}
		if block.Kind == textmodel.KindHeading {
			node.Type = "heading"
			node.Attrs["level"] = block.Level
		}
		switch tags := wholes[block.ID]; len(tags) {
		case 0:
		case 1:
			node.Attrs[AnnotationMark] = tags[0]
		default:
			node.Attrs[AnnotationMark] = tags
		}
		for _, seg := range segments(block, byBlock[block.ID]) {
			text := ProseMirrorNode{Type: "text", Text: seg.text}
			for _, name := range seg.marks.Names() {
				text.Marks = append(text.Marks, ProseMirrorMark{Type: name})
			}
			if seg.item != nil {
				text.Marks = append(text.Marks, ProseMirrorMark{Type: AnnotationMark, Attrs: markAttrs(*seg.item)})
			}
			node.Content = append(node.Content, text)
		}

		listType := ""
		switch block.Kind {
		case textmodel.KindBullet:
			listType = "bulletList"
		case textmodel.KindOrdered:
			listType = "orderedList"
		}
		if listType == "" {
			if list != nil {
				root.Content = append(root.Content, *list)
				list = nil
			}
			root.Content = append(root.Content, node)
			continue
		}
		if list != nil && list.Type != listType {
			root.Content = append(root.Content, *list)
			list = nil
		}
		if list == nil {
			list = &ProseMirrorNode{Type: listType}
		}
		list.Content = append(list.Content, ProseMirrorNode{Type: "listItem", Content: []ProseMirrorNode{node}})
	}
	if list != nil {
		root.Content = append(root.Content, *list)
	}
	return root
}

func markAttrs(item annotation.Annotation) map[string]any {
	attrs := map[string]any{
		"id":        item.ID,
		"emotion":   string(item.Emotion),
		"state":     string(item.State),
		"createdAt": item.CreatedAt.UnixMilli(),
	}
	if item.Intent != annotation.IntentNone {
		attrs["intent"] = string(item.Intent)
	}
	if item.Action != annotation.ActionNone {
		attrs["action"] = string(item.Action)
	}
	if item.ProcessedAt != nil {
		attrs["processedAt"] = item.ProcessedAt.UnixMilli()
	}
	return attrs
}

func firstString(attrs map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := attrs[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// millis accepts epoch milliseconds as a JSON number or numeric string.
func millis(value any) (time.Time, bool) {
	switch v := value.(type) {
	case float64:
		return time.UnixMilli(int64(v)).UTC(), true
	case int64:
		return time.UnixMilli(v).UTC(), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(n).UTC(), true
	default:
		return time.Time{}, false
	}
}
