package annotation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catharsis/api/internal/textmodel"
)

func fixedClock(start time.Time) (Clock, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func sampleDoc() textmodel.Document {
	return textmodel.New("entry-1",
		textmodel.Block{ID: "p1", Runs: []textmodel.Run{{Text: "Hello world today"}}},
		textmodel.Block{ID: "p2", Runs: []textmodel.Run{{Text: "Second paragraph"}}},
	)
}

func TestCreateAssignsLifecycleFields(t *testing.T) {
	clock, _ := fixedClock(time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC))
	store := NewStore("entry-1", clock)

	id, err := store.Create(sampleDoc(), Annotation{Anchor: RangeAnchor("p1", 5, 12), Emotion: "Stress"})
	require.NoError(t, err)

	got, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, "entry-1", got.EntryID)
	assert.Equal(t, Emotion("stress"), got.Emotion)
	assert.Equal(t, StateNew, got.State)
	assert.Equal(t, ActionNone, got.Action)
	assert.Nil(t, got.ProcessedAt)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 123000000, time.UTC), got.CreatedAt)
	assert.True(t, got.Consistent())
}

func TestCreateRejectsBadAnchors(t *testing.T) {
	store := NewStore("entry-1", nil)
	doc := sampleDoc()
	_, err := store.Create(doc, Annotation{Anchor: RangeAnchor("p1", 0, 5), Emotion: "anger"})
	require.NoError(t, err)

	cases := []struct {
		name   string
		anchor Anchor
		want   error
	}{
		{name: "reversed", anchor: RangeAnchor("p1", 8, 6), want: ErrInvalidAnchor},
		{name: "zero length", anchor: RangeAnchor("p1", 6, 6), want: ErrInvalidAnchor},
		{name: "negative", anchor: RangeAnchor("p1", -1, 3), want: ErrInvalidAnchor},
		{name: "past end", anchor: RangeAnchor("p1", 10, 40), want: ErrInvalidAnchor},
		{name: "no block id", anchor: RangeAnchor("", 0, 1), want: ErrInvalidAnchor},
		{name: "missing block", anchor: RangeAnchor("p9", 0, 1), want: ErrInvalidAnchor},
		{name: "missing block is also dangling", anchor: BlockAnchor("p9"), want: ErrDanglingBlockReference},
		{name: "overlap", anchor: RangeAnchor("p1", 4, 8), want: ErrOverlappingAnnotation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.Create(doc, Annotation{Anchor: tc.anchor, Emotion: "sad"})
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Equal(t, 1, store.Len())
		})
	}
}

func TestAdjacentRangesAndBlockAnchorsCoexist(t *testing.T) {
	store := NewStore("entry-1", nil)
	doc := sampleDoc()
	_, err := store.Create(doc, Annotation{Anchor: RangeAnchor("p1", 0, 5), Emotion: "anger"})
	require.NoError(t, err)
	_, err = store.Create(doc, Annotation{Anchor: RangeAnchor("p1", 5, 11), Emotion: "sad"})
	require.NoError(t, err)
	_, err = store.Create(doc, Annotation{Anchor: BlockAnchor("p1"), Emotion: "stress"})
	require.NoError(t, err)

	list := store.ListByEntry("entry-1")
	require.Len(t, list, 3)
	assert.Equal(t, []Emotion{"anger", "sad", "stress"}, []Emotion{list[0].Emotion, list[1].Emotion, list[2].Emotion})
	assert.Empty(t, store.ListByEntry("other"))
}

func TestRemoveAndSetIntent(t *testing.T) {
	store := NewStore("entry-1", nil)
	var changes []ChangeKind
	store.Subscribe(func(c Change) { changes = append(changes, c.Kind) })

	id, err := store.Create(sampleDoc(), Annotation{Anchor: BlockAnchor("p2"), Emotion: "anxious"})
	require.NoError(t, err)

	require.NoError(t, store.SetIntent(id, IntentShred))
	got, _ := store.Get(id)
	assert.Equal(t, IntentShred, got.Intent)
	assert.Equal(t, StateNew, got.State)

	assert.True(t, errors.Is(store.SetIntent(id, "burn"), ErrInvalidAction))
	require.NoError(t, store.Remove(id))
	assert.True(t, errors.Is(store.Remove(id), ErrNotFound))
	assert.Equal(t, []ChangeKind{ChangeCreated, ChangeIntent, ChangeRemoved}, changes)
}

func TestRestoreDropsDanglingAndInconsistent(t *testing.T) {
	store := NewStore("entry-1", nil)
	processedAt := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	dropped := store.Restore(sampleDoc(), []Annotation{
		{ID: "a1", Anchor: RangeAnchor("p1", 0, 5), Emotion: "stress", State: StateNew},
		{ID: "a2", Anchor: BlockAnchor("gone"), Emotion: "anger", State: StateNew},
		{ID: "a3", Anchor: RangeAnchor("p1", 2, 4), Emotion: "sad", State: StateNew},
		{ID: "a4", Anchor: RangeAnchor("p2", 0, 6), Emotion: "sad", State: StateProcessed},
		{ID: "a5", Anchor: RangeAnchor("p2", 0, 6), Emotion: "sad", State: StateProcessed, Action: ActionStamp, ProcessedAt: &processedAt},
		{ID: "a1", Anchor: BlockAnchor("p2"), Emotion: "sad", State: StateNew},
	})

	require.Len(t, dropped, 4)
	assert.True(t, errors.Is(dropped[0].Err, ErrDanglingBlockReference))
	assert.True(t, errors.Is(dropped[1].Err, ErrOverlappingAnnotation))
	assert.True(t, errors.Is(dropped[2].Err, ErrInvalidState))
	assert.True(t, errors.Is(dropped[3].Err, ErrInvalidAnchor))

	ids := []string{}
	for _, item := range store.List() {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"a1", "a5"}, ids)
}

func TestPruneAfterBlockRemoval(t *testing.T) {
	store := NewStore("entry-1", nil)
	doc := sampleDoc()
	_, err := store.Create(doc, Annotation{Anchor: BlockAnchor("p2"), Emotion: "sad"})
	require.NoError(t, err)
	keep, err := store.Create(doc, Annotation{Anchor: RangeAnchor("p1", 0, 5), Emotion: "sad"})
	require.NoError(t, err)

	doc, err = doc.RemoveBlock("p2")
	require.NoError(t, err)
	dropped := store.Prune(doc)
	require.Len(t, dropped, 1)
	assert.True(t, errors.Is(dropped[0].Err, ErrDanglingBlockReference))
	require.Equal(t, 1, store.Len())
	assert.Equal(t, keep, store.List()[0].ID)
}

func TestShiftForSplice(t *testing.T) {
	cases := []struct {
		name        string
		start, end  int
		inserted    int
		wantStart   int
		wantEnd     int
		wantDropped bool
	}{
		{name: "edit after span", start: 15, end: 15, inserted: 3, wantStart: 6, wantEnd: 11},
		{name: "insert before span", start: 0, end: 0, inserted: 4, wantStart: 10, wantEnd: 15},
		{name: "insert inside span grows it", start: 8, end: 8, inserted: 2, wantStart: 6, wantEnd: 13},
		{name: "insert at span end stays outside", start: 11, end: 11, inserted: 2, wantStart: 6, wantEnd: 11},
		{name: "delete overlapping the head", start: 4, end: 8, inserted: 0, wantStart: 4, wantEnd: 7},
		{name: "delete the whole span", start: 5, end: 12, inserted: 0, wantDropped: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewStore("entry-1", nil)
			id, err := store.Create(sampleDoc(), Annotation{Anchor: RangeAnchor("p1", 6, 11), Emotion: "stress"})
			require.NoError(t, err)

			dropped := store.ShiftForSplice("p1", tc.start, tc.end, tc.inserted)
			if tc.wantDropped {
				require.Len(t, dropped, 1)
				assert.Equal(t, 0, store.Len())
				return
			}
			assert.Empty(t, dropped)
			got, _ := store.Get(id)
			assert.Equal(t, tc.wantStart, got.Anchor.Start)
			assert.Equal(t, tc.wantEnd, got.Anchor.End)
		})
	}
}

func TestRestoreDropsTagsWithoutEmotion(t *testing.T) {
	store := NewStore("entry-1", nil)
	dropped := store.Restore(sampleDoc(), []Annotation{
		{ID: "t1", Anchor: RangeAnchor("p1", 0, 5), State: StateNew},
		{ID: "t2", Anchor: RangeAnchor("p1", 6, 11), Emotion: "Grief Wave", State: StateNew},
	})
	require.Len(t, dropped, 1)
	assert.Equal(t, "t1", dropped[0].Annotation.ID)
	assert.True(t, errors.Is(dropped[0].Err, ErrUnknownEmotion))

	kept, ok := store.Get("t2")
	require.True(t, ok)
	assert.Equal(t, Emotion("Grief Wave"), kept.Emotion, "restored emotions are kept verbatim")
}
