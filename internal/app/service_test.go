package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"catharsis/api/internal/annotation"
	"catharsis/api/internal/config"
	"catharsis/api/internal/engine"
	"catharsis/api/internal/gitrepo"
	"catharsis/api/internal/search"
	"catharsis/api/internal/selection"
	"catharsis/api/internal/store"
)

type fakeStore struct {
	mu           sync.Mutex
	entries      map[string]store.Entry
	index        map[string][]store.IndexedAnnotation
	lastReviewed time.Time
	pingFn       func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[string]store.Entry{}, index: map[string][]store.IndexedAnnotation{}}
}

func (f *fakeStore) ListEntries(context.Context) ([]store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Entry, 0, len(f.entries))
	for _, item := range f.entries {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (f *fakeStore) GetEntry(_ context.Context, entryID string) (store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.entries[entryID]
	if !ok {
		return store.Entry{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) InsertEntry(_ context.Context, item store.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now
	f.entries[item.ID] = item
	return nil
}

func (f *fakeStore) UpdateEntryContent(_ context.Context, entryID, title, preview, body, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.entries[entryID]
	if !ok {
		return sql.ErrNoRows
	}
	item.Title, item.Preview, item.Body, item.ContentHash = title, preview, body, hash
	item.UpdatedAt = time.Now().UTC()
	f.entries[entryID] = item
	return nil
}

func (f *fakeStore) DeleteEntry(_ context.Context, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[entryID]; !ok {
		return sql.ErrNoRows
	}
	delete(f.entries, entryID)
	delete(f.index, entryID)
	return nil
}

func (f *fakeStore) ReplaceAnnotationIndex(_ context.Context, entryID string, items []store.IndexedAnnotation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index[entryID] = append([]store.IndexedAnnotation(nil), items...)
	entry := f.entries[entryID]
	entry.AnnotationCount, entry.NewCount = len(items), 0
	for _, item := range items {
		if item.State == string(annotation.StateNew) {
			entry.NewCount++
		}
	}
	f.entries[entryID] = entry
	return nil
}

func (f *fakeStore) ListIndexedAnnotations(_ context.Context, entryID string) ([]store.IndexedAnnotation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.IndexedAnnotation
	for id, rows := range f.index {
		if entryID == "" || id == entryID {
			out = append(out, rows...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) AnyNewAnnotations(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rows := range f.index {
		for _, row := range rows {
			if row.State == string(annotation.StateNew) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *fakeStore) LastReviewed(context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReviewed, nil
}

func (f *fakeStore) SetLastReviewed(_ context.Context, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReviewed = at
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeGit struct {
	mu        sync.Mutex
	content   map[string][]string
	historyFn func(entryID string, limit int) ([]gitrepo.Commit, error)
	afterSave func(entryID string)
}

func newFakeGit() *fakeGit {
	return &fakeGit{content: map[string][]string{}}
}

func (f *fakeGit) Load(_ context.Context, entryID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	versions := f.content[entryID]
	if len(versions) == 0 {
		return "", fmt.Errorf("%w: %s", gitrepo.ErrEntryNotFound, entryID)
	}
	return versions[len(versions)-1], nil
}

func (f *fakeGit) Save(_ context.Context, entryID, content string) error {
	f.mu.Lock()
	f.content[entryID] = append(f.content[entryID], content)
	hook := f.afterSave
	f.mu.Unlock()
	if hook != nil {
		hook(entryID)
	}
	return nil
}

func (f *fakeGit) History(entryID string, limit int) ([]gitrepo.Commit, error) {
	if f.historyFn != nil {
		return f.historyFn(entryID, limit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	commits := make([]gitrepo.Commit, 0, len(f.content[entryID]))
	for i := len(f.content[entryID]) - 1; i >= 0; i-- {
		commits = append(commits, gitrepo.Commit{Hash: fmt.Sprintf("c%06d", i), Message: "Save entry"})
	}
	return commits, nil
}

func (f *fakeGit) ContentAt(entryID, hash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var index int
	if _, err := fmt.Sscanf(hash, "c%06d", &index); err != nil || index >= len(f.content[entryID]) {
		return "", fmt.Errorf("unknown commit %s", hash)
	}
	return f.content[entryID][index], nil
}

func (f *fakeGit) Delete(entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.content, entryID)
	return nil
}

func (f *fakeGit) saves(entryID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.content[entryID])
}

type fakeIndex struct {
	mu          sync.Mutex
	entries     map[string]search.EntryRecord
	annotations map[string]search.AnnotationRecord
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{entries: map[string]search.EntryRecord{}, annotations: map[string]search.AnnotationRecord{}}
}

func (f *fakeIndex) Search(context.Context, search.Query) ([]search.Result, int, error) {
	return nil, 0, nil
}

func (f *fakeIndex) Healthy() bool { return true }

func (f *fakeIndex) IndexEntries(entries []search.EntryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range entries {
		f.entries[entry.ID] = entry
	}
	return nil
}

func (f *fakeIndex) DeleteEntry(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
	return nil
}

func (f *fakeIndex) IndexAnnotations(items []search.AnnotationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range items {
		f.annotations[item.ID] = item
	}
	return nil
}

func (f *fakeIndex) DeleteAnnotation(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.annotations, id)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		CORSOrigin:       "*",
		Emotions:         annotation.DefaultLabels(),
		TrashDayInterval: annotation.TrashDayInterval,
	}
}

func newTestService(fs *fakeStore, fg *fakeGit) *Service {
	return newService(testConfig(), fs, fg, search.NewService(nil, nil, zerolog.Nop()), nil, nil, zerolog.Nop())
}

func createTextEntry(t *testing.T, svc *Service, text string) EntryView {
	t.Helper()
	view, err := svc.CreateEntry(context.Background(), EntryInput{Text: text})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	return view
}

func TestCreateEntryFromTextStoresEverything(t *testing.T) {
	fs, fg := newFakeStore(), newFakeGit()
	svc := newTestService(fs, fg)

	view := createTextEntry(t, svc, "I could not sleep.\n\nWork was loud today.")
	if !strings.HasPrefix(view.ID, "ent_") {
		t.Fatalf("expected ent_ id, got %q", view.ID)
	}
	if len(view.Blocks) != 2 || view.Blocks[1].Text != "Work was loud today." {
		t.Fatalf("unexpected blocks %+v", view.Blocks)
	}
	if view.Title != "I could not sleep." {
		t.Fatalf("expected derived title, got %q", view.Title)
	}
	if fg.saves(view.ID) != 1 {
		t.Fatalf("expected one save, got %d", fg.saves(view.ID))
	}
	content, _ := fg.Load(context.Background(), view.ID)
	if !strings.HasPrefix(content, "[doc:v=1;entry="+view.ID+"]") {
		t.Fatalf("expected markup header, got %q", content)
	}
	meta, _ := fs.GetEntry(context.Background(), view.ID)
	if meta.ContentHash != store.ContentHash(content) || meta.Body != "I could not sleep.\nWork was loud today." {
		t.Fatalf("metadata out of step: %+v", meta)
	}
}

func TestCreateEntryFromMarkupKeepsTags(t *testing.T) {
	svc := newTestService(newFakeStore(), newFakeGit())
	content := "[doc:v=1;entry=old]\n[block:id=p1;kind=paragraph]I [tag:id=ann_1;emotion=sad;state=new;created=1700000000000]miss[/tag] her."

	view, err := svc.CreateEntry(context.Background(), EntryInput{Title: "Missing", Content: content})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if len(view.Annotations) != 1 {
		t.Fatalf("expected imported tag, got %+v", view.Annotations)
	}
	got := view.Annotations[0]
	if got.ID != "ann_1" || got.EntryID != view.ID || got.Anchor.Start != 2 || got.Anchor.End != 6 {
		t.Fatalf("unexpected annotation %+v", got)
	}
	if !strings.Contains(view.HTML, `data-annotation="ann_1"`) {
		t.Fatalf("expected annotation in html, got %s", view.HTML)
	}
}

func TestTagIndexesAndFeedsQueue(t *testing.T) {
	fs, fg := newFakeStore(), newFakeGit()
	index := newFakeIndex()
	svc := newService(testConfig(), fs, fg, search.NewService(index, nil, zerolog.Nop()), nil, nil, zerolog.Nop())
	ctx := context.Background()
	view := createTextEntry(t, svc, "I could not sleep.")

	carets := [2]int{2, 7}
	result, err := svc.Tag(ctx, view.ID, TagInput{Carets: &carets, Emotion: "Stress"})
	if err != nil {
		t.Fatalf("tag: %v", err)
	}
	if result.Annotation == nil || result.Annotation.Emotion != "stress" {
		t.Fatalf("expected normalized emotion, got %+v", result.Annotation)
	}
	if len(result.Effects) != 1 || result.Effects[0].Kind != engine.EffectHighlight || result.Effects[0].Color != "#e8a33d" {
		t.Fatalf("unexpected effects %+v", result.Effects)
	}
	if !result.Saved {
		t.Fatalf("expected tag to be saved")
	}

	rows, _ := fs.ListIndexedAnnotations(ctx, view.ID)
	if len(rows) != 1 || rows[0].Excerpt != "could" || rows[0].State != "new" {
		t.Fatalf("unexpected index rows %+v", rows)
	}
	queue, err := svc.Queue(ctx)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queue) != 1 || queue[0].AnnotationID != result.Annotation.ID {
		t.Fatalf("unexpected queue %+v", queue)
	}

	svc.search.Wait()
	index.mu.Lock()
	indexed, ok := index.annotations[result.Annotation.ID]
	index.mu.Unlock()
	if !ok || indexed.Excerpt != "could" {
		t.Fatalf("expected annotation pushed to search index, got %+v", indexed)
	}

	if _, err := svc.Clear(ctx, view.ID, result.Annotation.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	svc.search.Wait()
	index.mu.Lock()
	_, still := index.annotations[result.Annotation.ID]
	index.mu.Unlock()
	if still {
		t.Fatalf("expected cleared annotation removed from search index")
	}
}

func TestCommitRecordsWhatWasWritten(t *testing.T) {
	fs, fg := newFakeStore(), newFakeGit()
	svc := newTestService(fs, fg)
	ctx := context.Background()
	view := createTextEntry(t, svc, "Too much noise.")

	var once sync.Once
	fg.mu.Lock()
	fg.afterSave = func(entryID string) {
		once.Do(func() {
			e, err := svc.engines.Open(ctx, entryID)
			if err != nil {
				t.Errorf("open engine: %v", err)
				return
			}
			if _, _, err := e.TagCarets(9, 14, "anger", annotation.IntentNone); err != nil {
				t.Errorf("tag during save: %v", err)
			}
		})
	}
	fg.mu.Unlock()

	carets := [2]int{0, 3}
	if _, err := svc.Tag(ctx, view.ID, TagInput{Carets: &carets, Emotion: "stress"}); err != nil {
		t.Fatalf("tag: %v", err)
	}

	written, _ := fg.Load(ctx, view.ID)
	meta, _ := fs.GetEntry(ctx, view.ID)
	if meta.ContentHash != store.ContentHash(written) {
		t.Fatalf("stored hash does not match the content in git")
	}
	rows, _ := fs.ListIndexedAnnotations(ctx, view.ID)
	if len(rows) != 1 || rows[0].Emotion != "stress" {
		t.Fatalf("index should mirror the written content, got %+v", rows)
	}
	if strings.Contains(written, "emotion=anger") {
		t.Fatalf("tag made during the save must wait for the next one")
	}
}

func TestTagRejectsBadSelections(t *testing.T) {
	svc := newTestService(newFakeStore(), newFakeGit())
	ctx := context.Background()
	view := createTextEntry(t, svc, "Hello world\nSecond line")
	first, second := view.Blocks[0].ID, view.Blocks[1].ID

	carets := [2]int{0, 5}
	if _, err := svc.Tag(ctx, view.ID, TagInput{Carets: &carets, Emotion: "sad"}); err != nil {
		t.Fatalf("tag: %v", err)
	}

	cases := []struct {
		name  string
		input TagInput
		code  string
	}{
		{
			name:  "overlap",
			input: TagInput{Carets: &[2]int{3, 8}, Emotion: "anger"},
			code:  "OVERLAPPING_ANNOTATION",
		},
		{
			name: "cross block",
			input: TagInput{
				Start:   &selection.Point{Node: first + "/0", Offset: 6},
				End:     &selection.Point{Node: second + "/0", Offset: 3},
				Emotion: "sad",
			},
			code: "CROSS_BLOCK_SELECTION",
		},
		{
			name:  "empty",
			input: TagInput{Carets: &[2]int{8, 8}, Emotion: "sad"},
			code:  "EMPTY_SELECTION",
		},
		{
			name:  "unknown emotion",
			input: TagInput{BlockID: second, Emotion: "joy"},
			code:  "UNKNOWN_EMOTION",
		},
		{
			name:  "missing block",
			input: TagInput{BlockID: "nope", Emotion: "sad"},
			code:  "DANGLING_BLOCK",
		},
		{
			name:  "no gesture",
			input: TagInput{Emotion: "sad"},
			code:  "VALIDATION_ERROR",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Tag(ctx, view.ID, tc.input)
			if err == nil {
				t.Fatalf("expected error")
			}
			if _, code, _, _ := mapError(err); code != tc.code {
				t.Fatalf("expected %s, got %s (%v)", tc.code, code, err)
			}
		})
	}
}

func TestProcessUndoAndRevert(t *testing.T) {
	svc := newTestService(newFakeStore(), newFakeGit())
	ctx := context.Background()
	view := createTextEntry(t, svc, "Everything went wrong.")
	tagged, err := svc.Tag(ctx, view.ID, TagInput{BlockID: view.Blocks[0].ID, Emotion: "anger", Intent: "trash"})
	if err != nil {
		t.Fatalf("tag: %v", err)
	}
	id := tagged.Annotation.ID

	processed, err := svc.Process(ctx, view.ID, id, "")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed.Annotation.Action != annotation.ActionTrash || len(processed.Effects) != 1 || processed.Effects[0].Kind != engine.EffectCollapse {
		t.Fatalf("expected trash via intent, got %+v", processed)
	}
	if _, err := svc.Process(ctx, view.ID, id, "shred"); err == nil {
		t.Fatalf("expected processing twice to fail")
	}

	undone, err := svc.Undo(ctx, view.ID, id)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if undone.Annotation.State != annotation.StateNew || len(undone.Effects) != 1 || undone.Effects[0].Kind != engine.EffectExpand {
		t.Fatalf("unexpected undo %+v", undone)
	}

	again, err := svc.Undo(ctx, view.ID, id)
	if err != nil {
		t.Fatalf("second undo: %v", err)
	}
	if len(again.Effects) != 0 || again.Saved {
		t.Fatalf("expected quiet no-op, got %+v", again)
	}

	if _, err := svc.Process(ctx, view.ID, id, "stamp"); err != nil {
		t.Fatalf("stamp: %v", err)
	}
	// A fresh service has no undo log; revert still works.
	fresh := newTestService(svc.store.(*fakeStore), svc.git.(*fakeGit))
	reverted, err := fresh.Revert(ctx, view.ID, id)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if reverted.Annotation.State != annotation.StateNew || reverted.Effects[0].Kind != engine.EffectUnstamp {
		t.Fatalf("unexpected revert %+v", reverted)
	}
}

func TestToggleMarkKeepsOffsets(t *testing.T) {
	svc := newTestService(newFakeStore(), newFakeGit())
	ctx := context.Background()
	view := createTextEntry(t, svc, "Hello world today")
	blockID := view.Blocks[0].ID
	tagged, err := svc.Tag(ctx, view.ID, TagInput{Carets: &[2]int{6, 11}, Emotion: "sad"})
	if err != nil {
		t.Fatalf("tag: %v", err)
	}

	if _, err := svc.ToggleMark(ctx, view.ID, blockID, MarkInput{Start: 0, End: 5, Mark: "bold", On: true}); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if _, err := svc.ToggleMark(ctx, view.ID, blockID, MarkInput{Start: 0, End: 5, Mark: "blink", On: true}); err == nil {
		t.Fatalf("expected unknown mark to fail")
	}

	got, err := svc.GetEntry(ctx, view.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Annotations[0].Anchor != tagged.Annotation.Anchor {
		t.Fatalf("anchor moved: %+v vs %+v", got.Annotations[0].Anchor, tagged.Annotation.Anchor)
	}
	if len(got.Blocks[0].Runs) != 2 || got.Blocks[0].Runs[0].Marks[0] != "bold" {
		t.Fatalf("expected bold run, got %+v", got.Blocks[0].Runs)
	}
}

func TestReplaceEntryWithTextDropsDanglingTags(t *testing.T) {
	fs, fg := newFakeStore(), newFakeGit()
	svc := newTestService(fs, fg)
	ctx := context.Background()
	view := createTextEntry(t, svc, "Keep me\nDrop me")
	tagged, err := svc.Tag(ctx, view.ID, TagInput{BlockID: view.Blocks[1].ID, Emotion: "sad"})
	if err != nil {
		t.Fatalf("tag: %v", err)
	}

	result, err := svc.ReplaceEntry(ctx, view.ID, EntryInput{Text: "Something new"})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(result.Dropped) != 1 || result.Dropped[0] != tagged.Annotation.ID {
		t.Fatalf("expected dropped tag, got %+v", result)
	}
	rows, _ := fs.ListIndexedAnnotations(ctx, view.ID)
	if len(rows) != 0 {
		t.Fatalf("expected empty index, got %+v", rows)
	}
	meta, _ := fs.GetEntry(ctx, view.ID)
	if meta.Title != view.Title || meta.Body != "Something new" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
}

func TestTrashDayGate(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, newFakeGit())
	ctx := context.Background()

	status, err := svc.TrashDay(ctx)
	if err != nil {
		t.Fatalf("trash day: %v", err)
	}
	if status.Due {
		t.Fatalf("nothing waiting should not be due")
	}

	view := createTextEntry(t, svc, "Bad day")
	if _, err := svc.Tag(ctx, view.ID, TagInput{BlockID: view.Blocks[0].ID, Emotion: "sad"}); err != nil {
		t.Fatalf("tag: %v", err)
	}
	status, _ = svc.TrashDay(ctx)
	if !status.Due || !status.AnyNew || status.LastReviewed != nil {
		t.Fatalf("never reviewed with new tags should be due, got %+v", status)
	}

	status, err = svc.MarkReviewed(ctx)
	if err != nil {
		t.Fatalf("mark reviewed: %v", err)
	}
	if status.Due || status.LastReviewed == nil {
		t.Fatalf("expected gate closed after review, got %+v", status)
	}
}

func TestDeleteEntryForgetsEverything(t *testing.T) {
	fs, fg := newFakeStore(), newFakeGit()
	svc := newTestService(fs, fg)
	ctx := context.Background()
	view := createTextEntry(t, svc, "Temporary")

	if err := svc.DeleteEntry(ctx, view.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if fg.saves(view.ID) != 0 {
		t.Fatalf("expected repository removed")
	}
	if _, err := svc.GetEntry(ctx, view.ID); err == nil {
		t.Fatalf("expected deleted entry to be gone")
	}
	if err := svc.DeleteEntry(ctx, view.ID); err == nil {
		t.Fatalf("expected second delete to fail")
	}
}

func TestExportOldVersionShowsTagsAsTheyWere(t *testing.T) {
	fg := newFakeGit()
	svc := newTestService(newFakeStore(), fg)
	ctx := context.Background()
	view := createTextEntry(t, svc, "Quiet morning")
	if _, err := svc.Tag(ctx, view.ID, TagInput{Carets: &[2]int{0, 5}, Emotion: "sad"}); err != nil {
		t.Fatalf("tag: %v", err)
	}

	current, err := svc.EntryContent(ctx, view.ID, "")
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if !strings.Contains(current, "[tag:") {
		t.Fatalf("expected tag in head content, got %q", current)
	}
	first, err := svc.EntryContent(ctx, view.ID, "c000000")
	if err != nil {
		t.Fatalf("content at: %v", err)
	}
	if strings.Contains(first, "[tag:") {
		t.Fatalf("expected first version without tags, got %q", first)
	}
}
