package engine

import (
	"context"
	"fmt"

	"catharsis/api/internal/annotation"
	"catharsis/api/internal/markup"
	"catharsis/api/internal/textmodel"
)

// ReplaceDocument swaps in a whole new document, as when the editor saves its
// full content. Annotations whose block disappeared or whose range no longer
// fits are dropped and returned.
func (e *Engine) ReplaceDocument(doc textmodel.Document) ([]annotation.Dropped, []Effect, error) {
	if err := doc.Validate(); err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	doc.EntryID = e.entryID
	e.doc = doc
	e.version++
	dropped := e.store.Prune(doc)
	e.logDropped(dropped)
	return dropped, e.flush(), nil
}

// Reload swaps in a document together with its full set of annotations, as
// when the editor sends content whose tags moved along with the text. Every
// current tag is cleared first; incoming tags that do not fit are dropped.
func (e *Engine) Reload(doc textmodel.Document, items []annotation.Annotation) ([]annotation.Dropped, []Effect, error) {
	if err := doc.Validate(); err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, item := range e.store.List() {
		_ = e.store.Remove(item.ID)
	}
	doc.EntryID = e.entryID
	e.doc = doc
	e.version++
	dropped := e.store.Restore(doc, items)
	e.logDropped(dropped)
	return dropped, e.flush(), nil
}

// EditText replaces [start, end) of a block with text and moves the anchors
// that follow the edit.
func (e *Engine) EditText(blockID string, start, end int, text string) ([]annotation.Dropped, []Effect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, err := e.doc.SpliceText(blockID, start, end, text)
	if err != nil {
		return nil, nil, err
	}
	e.doc = doc
	e.version++
	dropped := e.store.ShiftForSplice(blockID, start, end, textmodel.Len16(text))
	e.logDropped(dropped)
	return dropped, e.flush(), nil
}

// ToggleMark changes formatting only. Plain text, and so every anchor, is left
// exactly as it was.
func (e *Engine) ToggleMark(blockID string, start, end int, mark textmodel.Mark, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, err := e.doc.WithMark(blockID, start, end, mark, on)
	if err != nil {
		return err
	}
	e.doc = doc
	e.version++
	return nil
}

// InsertBlock adds a block after afterID, or first when afterID is empty.
func (e *Engine) InsertBlock(afterID string, block textmodel.Block) (textmodel.Block, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if block.ID == "" {
		block.ID = textmodel.NewBlockID()
	}
	doc, err := e.doc.InsertBlock(afterID, block)
	if err != nil {
		return textmodel.Block{}, err
	}
	e.doc = doc
	e.version++
	inserted, _ := doc.Block(block.ID)
	return inserted, nil
}

// RemoveBlock deletes a paragraph along with every tag anchored in it.
func (e *Engine) RemoveBlock(blockID string) ([]annotation.Dropped, []Effect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, err := e.doc.RemoveBlock(blockID)
	if err != nil {
		return nil, nil, err
	}
	e.doc = doc
	e.version++
	dropped := e.store.Prune(doc)
	return dropped, e.flush(), nil
}

// Saved describes what one Save handed to the persistence collaborator.
// Written is false when there was nothing unwritten.
type Saved struct {
	Written     bool
	Version     uint64
	Content     string
	Document    textmodel.Document
	Annotations []annotation.Annotation
}

// Save writes the current state through the persistence collaborator. Saves
// for the entry run one at a time and each encodes only once it holds the
// write slot, so an older snapshot can never overwrite a newer one. The
// returned Saved carries exactly the content and state that were written.
// On failure the in-memory state is kept as is and stays dirty.
func (e *Engine) Save(ctx context.Context) (Saved, error) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	out := Saved{Version: e.version}
	if out.Version == e.saved {
		e.mu.Unlock()
		return out, nil
	}
	out.Document = e.doc
	out.Annotations = e.store.List()
	content, err := markup.Encode(out.Document, out.Annotations)
	e.mu.Unlock()
	if err != nil {
		return Saved{}, fmt.Errorf("encode entry %s: %w", e.entryID, err)
	}

	if err := e.persist.Save(ctx, e.entryID, content); err != nil {
		e.log.Error().Err(err).Uint64("version", out.Version).Msg("save failed")
		return Saved{}, err
	}

	e.mu.Lock()
	if out.Version > e.saved {
		e.saved = out.Version
	}
	e.mu.Unlock()
	e.log.Debug().Uint64("version", out.Version).Int("bytes", len(content)).Msg("entry saved")
	out.Written = true
	out.Content = content
	return out, nil
}
