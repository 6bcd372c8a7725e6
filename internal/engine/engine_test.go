package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catharsis/api/internal/annotation"
	"catharsis/api/internal/markup"
	"catharsis/api/internal/selection"
	"catharsis/api/internal/textmodel"
)

type memoryPersistence struct {
	mu       sync.Mutex
	content  map[string]string
	saves    int
	saveHook func(content string) error
	loadHook func(entryID string)
}

func newMemory() *memoryPersistence {
	return &memoryPersistence{content: map[string]string{}}
}

func (m *memoryPersistence) Load(_ context.Context, entryID string) (string, error) {
	if m.loadHook != nil {
		m.loadHook(entryID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.content[entryID]
	if !ok {
		return "", errors.New("not found")
	}
	return content, nil
}

func (m *memoryPersistence) Save(_ context.Context, entryID, content string) error {
	if m.saveHook != nil {
		if err := m.saveHook(content); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[entryID] = content
	m.saves++
	return nil
}

func (m *memoryPersistence) stored(entryID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content[entryID]
}

func entryDoc() textmodel.Document {
	return textmodel.New("entry-1",
		textmodel.Block{ID: "p1", Runs: []textmodel.Run{{Text: "Hello world today"}}},
		textmodel.Block{ID: "p2", Runs: []textmodel.Run{{Text: "I could not sleep at all."}}},
	)
}

func newTestEngine(t *testing.T, p Persistence, surface Surface) *Engine {
	t.Helper()
	e, err := New("entry-1", entryDoc(), p, Options{Labels: annotation.DefaultLabels(), Surface: surface, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return e
}

func kinds(effects []Effect) []EffectKind {
	out := make([]EffectKind, 0, len(effects))
	for _, effect := range effects {
		out = append(out, effect.Kind)
	}
	return out
}

func TestTrashOnLongPressCollapsesAndUndoExpands(t *testing.T) {
	surface := &Recorder{}
	e := newTestEngine(t, newMemory(), surface)

	item, effects, err := e.TagBlock("p2", "stress", annotation.IntentNone)
	require.NoError(t, err)
	assert.True(t, item.Anchor.Whole)
	require.Equal(t, []EffectKind{EffectHighlight}, kinds(effects))
	assert.Equal(t, "#e8a33d", effects[0].Color)

	processed, effects, err := e.Process(item.ID, annotation.ActionTrash)
	require.NoError(t, err)
	assert.Equal(t, annotation.StateProcessed, processed.State)
	require.Len(t, effects, 1)
	assert.Equal(t, Effect{Kind: EffectCollapse, AnnotationID: item.ID, BlockID: "p2", Whole: true, Emotion: "stress"}, effects[0])

	reverted, effects, ok := e.Undo(item.ID)
	require.True(t, ok)
	assert.Equal(t, annotation.StateNew, reverted.State)
	assert.Equal(t, annotation.ActionNone, reverted.Action)
	assert.Nil(t, reverted.ProcessedAt)
	require.Len(t, effects, 1)
	assert.Equal(t, EffectExpand, effects[0].Kind)
	assert.Equal(t, "p2", effects[0].BlockID)

	assert.Equal(t, []EffectKind{EffectHighlight, EffectCollapse, EffectExpand}, kinds(surface.Drain()))

	_, effects, ok = e.Undo(item.ID)
	assert.False(t, ok)
	assert.Empty(t, effects)
}

func TestProcessingEffectsPerAction(t *testing.T) {
	cases := []struct {
		action  annotation.Action
		apply   EffectKind
		cleared []EffectKind
	}{
		{action: annotation.ActionShred, apply: EffectShred, cleared: []EffectKind{EffectUnshred, EffectUnhighlight}},
		{action: annotation.ActionTrash, apply: EffectCollapse, cleared: []EffectKind{EffectExpand, EffectUnhighlight}},
		{action: annotation.ActionStamp, apply: EffectStamp, cleared: []EffectKind{EffectUnstamp, EffectUnhighlight}},
	}
	for _, tc := range cases {
		t.Run(string(tc.action), func(t *testing.T) {
			e := newTestEngine(t, newMemory(), nil)
			item, _, err := e.TagCarets(6, 11, "anger", annotation.IntentNone)
			require.NoError(t, err)

			_, effects, err := e.Process(item.ID, tc.action)
			require.NoError(t, err)
			require.Len(t, effects, 1)
			assert.Equal(t, tc.apply, effects[0].Kind)
			assert.Equal(t, 6, effects[0].Start)
			assert.Equal(t, 11, effects[0].End)

			effects, err = e.Clear(item.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.cleared, kinds(effects))
			assert.Empty(t, e.Annotations())
		})
	}
}

func TestTagRejections(t *testing.T) {
	e := newTestEngine(t, newMemory(), nil)

	_, _, err := e.TagBlock("p1", "joy", annotation.IntentNone)
	assert.True(t, errors.Is(err, annotation.ErrUnknownEmotion))

	_, _, err = e.TagSelection(selection.Point{Node: "p1/0", Offset: 3}, selection.Point{Node: "p2/0", Offset: 4}, "sad", annotation.IntentNone)
	assert.True(t, errors.Is(err, annotation.ErrCrossBlockSelection))

	_, _, err = e.TagCarets(2, 8, "sad", annotation.IntentNone)
	require.NoError(t, err)
	_, _, err = e.TagCarets(7, 12, "sad", annotation.IntentNone)
	assert.True(t, errors.Is(err, annotation.ErrOverlappingAnnotation))

	assert.Len(t, e.Annotations(), 1)
}

func TestIntentDrivesProcessing(t *testing.T) {
	e := newTestEngine(t, newMemory(), nil)
	item, _, err := e.TagSelection(selection.Point{Node: "p1/0", Offset: 0}, selection.Point{Node: "p1/0", Offset: 5}, "sad", annotation.IntentNone)
	require.NoError(t, err)

	_, err = e.SetIntent(item.ID, annotation.IntentShred)
	require.NoError(t, err)
	assert.Len(t, e.BulkReview(), 1)
	assert.True(t, e.HasNew())

	processed, effects, err := e.Process(item.ID, annotation.ActionNone)
	require.NoError(t, err)
	assert.Equal(t, annotation.ActionShred, processed.Action)
	assert.Equal(t, []EffectKind{EffectShred}, kinds(effects))
	assert.Empty(t, e.BulkReview())
	assert.False(t, e.HasNew())
}

func TestEditsKeepAnchorsInStep(t *testing.T) {
	e := newTestEngine(t, newMemory(), nil)
	item, _, err := e.TagCarets(6, 11, "sad", annotation.IntentNone)
	require.NoError(t, err)

	require.NoError(t, e.ToggleMark("p1", 0, 17, textmodel.MarkBold, true))
	got, _ := e.Get(item.ID)
	assert.Equal(t, annotation.RangeAnchor("p1", 6, 11), got.Anchor)

	dropped, effects, err := e.EditText("p1", 0, 5, "Goodbye")
	require.NoError(t, err)
	assert.Empty(t, dropped)
	assert.Equal(t, []EffectKind{EffectHighlight}, kinds(effects))
	got, _ = e.Get(item.ID)
	assert.Equal(t, annotation.RangeAnchor("p1", 8, 13), got.Anchor)
	text, _ := e.Document().TextOf("p1")
	assert.Equal(t, "Goodbye world today", text)

	dropped, effects, err = e.EditText("p1", 7, 14, "")
	require.NoError(t, err)
	require.Len(t, dropped, 1)
	assert.Equal(t, []EffectKind{EffectUnhighlight}, kinds(effects))
	assert.Empty(t, e.Annotations())
}

func TestRemoveBlockDropsItsTags(t *testing.T) {
	e := newTestEngine(t, newMemory(), nil)
	_, _, err := e.TagBlock("p2", "anxious", annotation.IntentNone)
	require.NoError(t, err)
	keep, _, err := e.TagCarets(0, 5, "sad", annotation.IntentNone)
	require.NoError(t, err)

	dropped, effects, err := e.RemoveBlock("p2")
	require.NoError(t, err)
	require.Len(t, dropped, 1)
	assert.True(t, errors.Is(dropped[0].Err, annotation.ErrDanglingBlockReference))
	assert.Equal(t, []EffectKind{EffectUnhighlight}, kinds(effects))
	require.Len(t, e.Annotations(), 1)
	assert.Equal(t, keep.ID, e.Annotations()[0].ID)

	block, err := e.InsertBlock("p1", textmodel.Paragraph("fresh start"))
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", block.ID}, e.Document().BlockIDs())
}

func TestReplaceDocumentPrunesDanglingTags(t *testing.T) {
	e := newTestEngine(t, newMemory(), nil)
	_, _, err := e.TagCarets(0, 5, "sad", annotation.IntentNone)
	require.NoError(t, err)
	_, _, err = e.TagBlock("p2", "anger", annotation.IntentNone)
	require.NoError(t, err)

	next := textmodel.New("ignored", textmodel.Block{ID: "p1", Runs: []textmodel.Run{{Text: "Hi"}}})
	dropped, _, err := e.ReplaceDocument(next)
	require.NoError(t, err)
	assert.Len(t, dropped, 2, "range past the new end and the removed block both go")
	assert.Equal(t, "entry-1", e.Document().EntryID)
}

func TestReloadReplacesTagsWithIncomingSet(t *testing.T) {
	e := newTestEngine(t, newMemory(), nil)
	old, _, err := e.TagCarets(0, 5, "sad", annotation.IntentNone)
	require.NoError(t, err)

	next := textmodel.New("ignored", textmodel.Block{ID: "p1", Runs: []textmodel.Run{{Text: "Oh, hello world today"}}})
	moved := old
	moved.Anchor = annotation.RangeAnchor("p1", 4, 9)
	stray := annotation.Annotation{ID: "ann_stray", Anchor: annotation.BlockAnchor("p9"), Emotion: "anger", State: annotation.StateNew}

	dropped, effects, err := e.Reload(next, []annotation.Annotation{moved, stray})
	require.NoError(t, err)
	require.Len(t, dropped, 1)
	assert.Equal(t, "ann_stray", dropped[0].Annotation.ID)
	assert.Equal(t, []EffectKind{EffectUnhighlight, EffectHighlight}, kinds(effects))

	got, ok := e.Get(old.ID)
	require.True(t, ok)
	assert.Equal(t, 4, got.Anchor.Start)
	assert.Equal(t, "entry-1", got.EntryID)
	assert.True(t, e.Dirty())
}

func TestSaveWritesOnlyWhenDirty(t *testing.T) {
	mem := newMemory()
	e := newTestEngine(t, mem, nil)
	ctx := context.Background()

	written, err := e.Save(ctx)
	require.NoError(t, err)
	assert.True(t, written.Written)
	assert.False(t, e.Dirty())

	written, err = e.Save(ctx)
	require.NoError(t, err)
	assert.False(t, written.Written)
	assert.Equal(t, 1, mem.saves)

	_, _, err = e.TagCarets(0, 5, "sad", annotation.IntentNone)
	require.NoError(t, err)
	assert.True(t, e.Dirty())

	mem.saveHook = func(string) error { return errors.New("disk full") }
	_, err = e.Save(ctx)
	assert.Error(t, err)
	assert.True(t, e.Dirty(), "failed save keeps the change unsaved")
	assert.Len(t, e.Annotations(), 1, "in-memory state is not rolled back")

	mem.saveHook = nil
	written, err = e.Save(ctx)
	require.NoError(t, err)
	assert.True(t, written.Written)
	assert.Equal(t, mem.stored("entry-1"), written.Content, "the returned content is what persistence received")
	require.Len(t, written.Annotations, 1)
	assert.Equal(t, annotation.Emotion("sad"), written.Annotations[0].Emotion)
	assert.Contains(t, mem.stored("entry-1"), "emotion=sad")
}

func TestSaveNeverLosesATagCreatedDuringASave(t *testing.T) {
	mem := newMemory()
	e := newTestEngine(t, mem, nil)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	mem.saveHook = func(string) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	}

	first := make(chan error, 1)
	go func() {
		_, err := e.Save(ctx)
		first <- err
	}()
	<-entered

	item, _, err := e.TagBlock("p1", "stress", annotation.IntentNone)
	require.NoError(t, err)

	second := make(chan bool, 1)
	go func() {
		written, err := e.Save(ctx)
		assert.NoError(t, err)
		second <- written.Written
	}()

	close(release)
	require.NoError(t, <-first)
	select {
	case written := <-second:
		assert.True(t, written)
	case <-time.After(5 * time.Second):
		t.Fatal("second save never finished")
	}

	assert.Contains(t, mem.stored("entry-1"), item.ID)
	assert.False(t, e.Dirty())
}

func TestOpenRestoresAndRepairs(t *testing.T) {
	mem := newMemory()
	created := time.UnixMilli(1767225600000).UTC()
	doc := entryDoc()
	content, err := markup.Encode(doc, []annotation.Annotation{
		{ID: "a1", EntryID: "entry-1", Anchor: annotation.RangeAnchor("p1", 0, 5), Emotion: "sad", State: annotation.StateProcessed, Action: annotation.ActionStamp, CreatedAt: created, ProcessedAt: &created},
	})
	require.NoError(t, err)
	mem.content["entry-1"] = content

	surface := &Recorder{}
	e, err := Open(context.Background(), mem, "entry-1", Options{Surface: surface, Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.False(t, e.Dirty())
	assert.Equal(t, []EffectKind{EffectHighlight, EffectStamp}, kinds(surface.Drain()))
	assert.Equal(t, []EffectKind{EffectHighlight, EffectStamp}, kinds(e.Repaint()))

	_, _, ok := e.Undo("a1")
	assert.False(t, ok, "undo log does not survive a reload")
	item, effects, err := e.Revert("a1")
	require.NoError(t, err)
	assert.Equal(t, annotation.StateNew, item.State)
	assert.Equal(t, []EffectKind{EffectUnstamp}, kinds(effects))

	var logs bytes.Buffer
	mem.content["entry-2"] = "[doc:v=1;entry=entry-2]\n[block:id=p1;kind=paragraph]x[tag:id=a2;emotion=sad]y"
	broken, err := Open(context.Background(), mem, "entry-2", Options{Logger: zerolog.New(&logs)})
	require.NoError(t, err)
	assert.True(t, broken.Dirty())
	assert.Contains(t, logs.String(), "markup issue")
	assert.True(t, strings.Contains(logs.String(), `"level":"warn"`))

	_, err = Open(context.Background(), mem, "missing", Options{})
	assert.Error(t, err)
}

func TestRegistryReusesEngines(t *testing.T) {
	mem := newMemory()
	mem.content["entry-1"] = "plain text entry"
	var seen []annotation.ChangeKind
	registry := NewRegistry(mem, Options{Logger: zerolog.Nop(), Observer: func(c annotation.Change) { seen = append(seen, c.Kind) }})

	first, err := registry.Open(context.Background(), "entry-1")
	require.NoError(t, err)
	second, err := registry.Open(context.Background(), "entry-1")
	require.NoError(t, err)
	assert.Same(t, first, second)

	blockID := first.Document().BlockIDs()[0]
	_, _, err = first.TagBlock(blockID, "sad", annotation.IntentNone)
	require.NoError(t, err)
	assert.Equal(t, []annotation.ChangeKind{annotation.ChangeCreated}, seen)

	created, err := registry.Create("entry-2", textmodel.FromPlainText("entry-2", "new"))
	require.NoError(t, err)
	assert.True(t, created.Dirty())
	assert.ElementsMatch(t, []string{"entry-1", "entry-2"}, registry.Loaded())

	registry.Forget("entry-1")
	assert.Equal(t, []string{"entry-2"}, registry.Loaded())
}

func TestSurfaceFuncReceivesReturnedEffects(t *testing.T) {
	var painted []Effect
	e := newTestEngine(t, newMemory(), SurfaceFunc(func(effect Effect) {
		painted = append(painted, effect)
	}))

	item, effects, err := e.TagBlock("p1", "sad", annotation.IntentNone)
	require.NoError(t, err)
	_, processed, err := e.Process(item.ID, annotation.ActionStamp)
	require.NoError(t, err)

	assert.Equal(t, append(effects, processed...), painted)
	assert.Equal(t, []EffectKind{EffectHighlight, EffectStamp}, kinds(painted))
}

func TestProcessCanonicalizesActionForSurface(t *testing.T) {
	surface := &Recorder{}
	e := newTestEngine(t, newMemory(), surface)
	item, _, err := e.TagBlock("p2", "sad", annotation.IntentNone)
	require.NoError(t, err)
	surface.Drain()

	processed, effects, err := e.Process(item.ID, "TRASH")
	require.NoError(t, err)
	assert.Equal(t, annotation.ActionTrash, processed.Action)
	assert.Equal(t, []EffectKind{EffectCollapse}, kinds(effects))
	assert.Equal(t, []EffectKind{EffectCollapse}, kinds(surface.Drain()))
}

func TestRegistrySlowLoadDoesNotBlockOtherEntries(t *testing.T) {
	mem := newMemory()
	for _, id := range []string{"slow", "fast"} {
		content, err := markup.Encode(textmodel.New(id, textmodel.Paragraph("x")), nil)
		require.NoError(t, err)
		mem.content[id] = content
	}
	entered := make(chan struct{})
	release := make(chan struct{})
	mem.loadHook = func(entryID string) {
		if entryID == "slow" {
			close(entered)
			<-release
		}
	}
	registry := NewRegistry(mem, Options{Logger: zerolog.Nop()})
	ctx := context.Background()

	slow := make(chan *Engine, 1)
	go func() {
		e, err := registry.Open(ctx, "slow")
		assert.NoError(t, err)
		slow <- e
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := registry.Open(ctx, "fast")
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loading one entry blocked another")
	}

	close(release)
	first := <-slow
	again, err := registry.Open(ctx, "slow")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.ElementsMatch(t, []string{"slow", "fast"}, registry.Loaded())
}
