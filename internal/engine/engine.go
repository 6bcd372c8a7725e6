// Package engine is the per-entry annotation engine a host embeds: it owns the
// entry's document and span store, turns gestures into annotations, tells the
// rendering surface what to paint, and serializes saves.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"catharsis/api/internal/annotation"
	"catharsis/api/internal/markup"
	"catharsis/api/internal/selection"
	"catharsis/api/internal/textmodel"
)

// Persistence stores the encoded entry as an opaque string.
type Persistence interface {
	Load(ctx context.Context, entryID string) (string, error)
	Save(ctx context.Context, entryID, content string) error
}

type Options struct {
	// Labels is the emotion vocabulary new tags must use. Empty accepts any.
	Labels annotation.LabelSet
	// UndoLimit caps the undo log; zero keeps it unbounded.
	UndoLimit int
	Logger    zerolog.Logger
	Clock     annotation.Clock
	Surface   Surface
	// Observer sees every span store change, for caches built on top.
	Observer func(annotation.Change)
}

type Engine struct {
	mu        sync.Mutex
	entryID   string
	doc       textmodel.Document
	store     *annotation.Store
	lifecycle *annotation.Lifecycle
	labels    annotation.LabelSet
	surface   Surface
	persist   Persistence
	log       zerolog.Logger
	observers []func(annotation.Change)

	// shown is the processing effect currently painted per annotation.
	shown map[string]annotation.Action
	batch []Effect

	saveMu  sync.Mutex
	version uint64
	saved   uint64
}

func newEngine(entryID string, doc textmodel.Document, p Persistence, opts Options) *Engine {
	doc.EntryID = entryID
	e := &Engine{
		entryID: entryID,
		doc:     doc,
		store:   annotation.NewStore(entryID, opts.Clock),
		labels:  opts.Labels,
		surface: opts.Surface,
		persist: p,
		log:     opts.Logger.With().Str("entry_id", entryID).Logger(),
		shown:   map[string]annotation.Action{},
	}
	e.lifecycle = annotation.NewLifecycle(e.store, opts.UndoLimit)
	if opts.Observer != nil {
		e.observers = append(e.observers, opts.Observer)
	}
	e.store.Subscribe(e.onChange)
	return e
}

// New starts an engine for an entry that has never been saved.
func New(entryID string, doc textmodel.Document, p Persistence, opts Options) (*Engine, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	e := newEngine(entryID, doc, p, opts)
	e.version = 1
	return e, nil
}

// Open loads and decodes an entry. Markup problems and annotations that no
// longer fit the document are logged and dropped; the entry still opens, and
// is marked dirty so the next save writes the repaired form.
func Open(ctx context.Context, p Persistence, entryID string, opts Options) (*Engine, error) {
	content, err := p.Load(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("load entry %s: %w", entryID, err)
	}
	result := markup.Decode(entryID, content)
	e := newEngine(entryID, result.Document, p, opts)
	for _, issue := range result.Issues {
		e.log.Warn().Err(issue.Err).Int("line", issue.Line).Str("detail", issue.Detail).Msg("markup issue")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := e.store.Restore(e.doc, result.Annotations)
	e.logDropped(dropped)
	e.flush()
	if len(result.Issues) > 0 || len(dropped) > 0 {
		e.version = 1
	} else {
		e.version, e.saved = 0, 0
	}
	return e, nil
}

func (e *Engine) EntryID() string {
	return e.entryID
}

// Subscribe registers fn for span store changes. It runs with the engine
// locked and must not call back into the engine.
func (e *Engine) Subscribe(fn func(annotation.Change)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *Engine) onChange(change annotation.Change) {
	e.version++
	item := change.Annotation
	color := e.labels.Color(item.Emotion)
	switch change.Kind {
	case annotation.ChangeCreated, annotation.ChangeReanchored:
		e.batch = append(e.batch, effectFor(EffectHighlight, item, color))
	case annotation.ChangeRestored:
		e.batch = append(e.batch, effectFor(EffectHighlight, item, color))
		e.showProcessing(item)
	case annotation.ChangeProcessed:
		e.showProcessing(item)
	case annotation.ChangeReverted:
		e.hideProcessing(item)
	case annotation.ChangeRemoved, annotation.ChangeDropped:
		e.hideProcessing(item)
		e.batch = append(e.batch, effectFor(EffectUnhighlight, item, color))
	}
	for _, fn := range e.observers {
		fn(change)
	}
}

func (e *Engine) showProcessing(item annotation.Annotation) {
	apply, _, ok := processEffect(item.Action)
	if item.State != annotation.StateProcessed || !ok {
		return
	}
	e.shown[item.ID] = item.Action
	e.batch = append(e.batch, effectFor(apply, item, ""))
}

func (e *Engine) hideProcessing(item annotation.Annotation) {
	action, ok := e.shown[item.ID]
	if !ok {
		return
	}
	delete(e.shown, item.ID)
	if _, revert, ok := processEffect(action); ok {
		e.batch = append(e.batch, effectFor(revert, item, ""))
	}
}

// flush hands the effects of the current operation to the surface and
// returns them.
func (e *Engine) flush() []Effect {
	out := e.batch
	e.batch = nil
	if e.surface != nil {
		for _, effect := range out {
			e.surface.Apply(effect)
		}
	}
	return out
}

func (e *Engine) logDropped(dropped []annotation.Dropped) {
	for _, d := range dropped {
		e.log.Warn().Err(d.Err).Str("annotation_id", d.Annotation.ID).Str("block_id", d.Annotation.Anchor.BlockID).Msg("annotation dropped")
	}
}

// Repaint emits the effects needed to draw every annotation from scratch.
func (e *Engine) Repaint() []Effect {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, item := range e.store.List() {
		e.batch = append(e.batch, effectFor(EffectHighlight, item, e.labels.Color(item.Emotion)))
		if apply, _, ok := processEffect(item.Action); ok && item.State == annotation.StateProcessed {
			e.batch = append(e.batch, effectFor(apply, item, ""))
		}
	}
	return e.flush()
}

func (e *Engine) tag(anchor annotation.Anchor, emotion annotation.Emotion, intent annotation.Intent) (annotation.Annotation, []Effect, error) {
	emotion = annotation.NormalizeEmotion(string(emotion))
	if len(e.labels) > 0 && !e.labels.Has(emotion) {
		return annotation.Annotation{}, nil, fmt.Errorf("%w: %q", annotation.ErrUnknownEmotion, emotion)
	}
	id, err := e.store.Create(e.doc, annotation.Annotation{Anchor: anchor, Emotion: emotion, Intent: intent})
	if err != nil {
		return annotation.Annotation{}, nil, err
	}
	item, _ := e.store.Get(id)
	return item, e.flush(), nil
}

// TagSelection tags a selection made on the rendered entry.
func (e *Engine) TagSelection(start, end selection.Point, emotion annotation.Emotion, intent annotation.Intent) (annotation.Annotation, []Effect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	anchor, err := selection.New(e.doc).Range(start, end)
	if err != nil {
		return annotation.Annotation{}, nil, err
	}
	return e.tag(anchor, emotion, intent)
}

// TagCarets tags a selection given as caret indices into the plain text view.
func (e *Engine) TagCarets(start, end int, emotion annotation.Emotion, intent annotation.Intent) (annotation.Annotation, []Effect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	anchor, err := selection.New(e.doc).Carets(start, end)
	if err != nil {
		return annotation.Annotation{}, nil, err
	}
	return e.tag(anchor, emotion, intent)
}

// TagBlock tags a whole paragraph, the long-press gesture.
func (e *Engine) TagBlock(blockID string, emotion annotation.Emotion, intent annotation.Intent) (annotation.Annotation, []Effect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	anchor, err := selection.New(e.doc).Block(blockID)
	if err != nil {
		return annotation.Annotation{}, nil, err
	}
	return e.tag(anchor, emotion, intent)
}

// Clear removes a tag outright.
func (e *Engine) Clear(id string) ([]Effect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Remove(id); err != nil {
		return nil, err
	}
	return e.flush(), nil
}

func (e *Engine) SetIntent(id string, intent annotation.Intent) (annotation.Annotation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.SetIntent(id, intent); err != nil {
		return annotation.Annotation{}, err
	}
	e.flush()
	item, _ := e.store.Get(id)
	return item, nil
}

// Process resolves a new annotation. An empty action uses the declared intent.
func (e *Engine) Process(id string, action annotation.Action) (annotation.Annotation, []Effect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	item, err := e.lifecycle.Process(id, action)
	if err != nil {
		return annotation.Annotation{}, nil, err
	}
	return item, e.flush(), nil
}

// Undo reverts the latest processing of id. Nothing to undo is not an error:
// ok is false and no effects are emitted.
func (e *Engine) Undo(id string) (annotation.Annotation, []Effect, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	item, _, ok := e.lifecycle.Undo(id)
	if !ok {
		return annotation.Annotation{}, nil, false
	}
	return item, e.flush(), true
}

// Revert puts a processed annotation back to new even when its undo record is
// gone, such as after a reload.
func (e *Engine) Revert(id string) (annotation.Annotation, []Effect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	item, _, err := e.lifecycle.Revert(id)
	if err != nil {
		return annotation.Annotation{}, nil, err
	}
	return item, e.flush(), nil
}

// BulkReview lists the entry's annotations still waiting to be processed.
func (e *Engine) BulkReview() []annotation.Annotation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lifecycle.BulkReview(e.entryID)
}

func (e *Engine) HasNew() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lifecycle.AnyNew()
}

func (e *Engine) Annotations() []annotation.Annotation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.List()
}

func (e *Engine) Get(id string) (annotation.Annotation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Get(id)
}

func (e *Engine) Document() textmodel.Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc
}

// Snapshot returns the document and its annotations as of one instant.
func (e *Engine) Snapshot() (textmodel.Document, []annotation.Annotation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc, e.store.List()
}

// Encode returns the persisted form of the current state.
func (e *Engine) Encode() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return markup.Encode(e.doc, e.store.List())
}

// Dirty reports whether there are changes no save has written yet.
func (e *Engine) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version != e.saved
}
