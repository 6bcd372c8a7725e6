package search

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	mu          sync.Mutex
	healthy     bool
	searchErr   error
	results     []Result
	entries     []EntryRecord
	annotations []AnnotationRecord
	deleted     []string
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(context.Context, Query) ([]Result, int, error) {
	if f.searchErr != nil {
		return nil, 0, f.searchErr
	}
	return f.results, len(f.results), nil
}

func (f *fakeIndex) IndexEntries(entries []EntryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeIndex) DeleteEntry(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndex) IndexAnnotations(items []AnnotationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.annotations = append(f.annotations, items...)
	return nil
}

func (f *fakeIndex) DeleteAnnotation(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeFallback struct {
	results     []Result
	err         error
	entries     []EntryRecord
	annotations []AnnotationRecord
}

func (f *fakeFallback) Healthy() bool { return true }

func (f *fakeFallback) Search(context.Context, Query) ([]Result, int, error) {
	return f.results, len(f.results), f.err
}

func (f *fakeFallback) LoadAllRecords(context.Context) ([]EntryRecord, []AnnotationRecord, error) {
	return f.entries, f.annotations, nil
}

func TestSearchPrefersHealthyIndex(t *testing.T) {
	index := &fakeIndex{healthy: true, results: []Result{{Type: ResultEntry, ID: "ent_1"}}}
	fallback := &fakeFallback{results: []Result{{Type: ResultEntry, ID: "ent_2"}}}
	svc := NewService(index, fallback, zerolog.Nop())

	resp := svc.Search(context.Background(), Query{Text: "rain"})
	require.Len(t, resp.Results, 1)
	require.Equal(t, "ent_1", resp.Results[0].ID)
	require.Equal(t, "rain", resp.Query)
}

func TestSearchFallsBack(t *testing.T) {
	cases := []struct {
		name  string
		index Index
	}{
		{name: "no index", index: nil},
		{name: "unhealthy", index: &fakeIndex{healthy: false}},
		{name: "index error", index: &fakeIndex{healthy: true, searchErr: errors.New("boom")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fallback := &fakeFallback{results: []Result{{Type: ResultAnnotation, ID: "ann_1"}}}
			resp := NewService(tc.index, fallback, zerolog.Nop()).Search(context.Background(), Query{Text: "rain"})
			require.Len(t, resp.Results, 1)
			require.Equal(t, "ann_1", resp.Results[0].ID)
		})
	}
}

func TestSearchFallbackErrorIsEmpty(t *testing.T) {
	svc := NewService(nil, &fakeFallback{err: errors.New("db down")}, zerolog.Nop())
	resp := svc.Search(context.Background(), Query{Text: "rain"})
	require.NotNil(t, resp.Results)
	require.Empty(t, resp.Results)
}

func TestIndexEntryWritesInBackground(t *testing.T) {
	index := &fakeIndex{healthy: true}
	svc := NewService(index, &fakeFallback{}, zerolog.Nop())

	svc.IndexEntry(EntryRecord{ID: "ent_1", Title: "Monday"}, []AnnotationRecord{{ID: "ann_2", EntryID: "ent_1"}}, []string{"ann_1"})
	svc.Wait()

	require.Equal(t, []EntryRecord{{ID: "ent_1", Title: "Monday"}}, index.entries)
	require.Equal(t, []string{"ann_1"}, index.deleted)
	require.Len(t, index.annotations, 1)

	svc.DeleteEntry("ent_1", []string{"ann_2"})
	svc.Wait()
	require.Equal(t, []string{"ann_1", "ann_2", "ent_1"}, index.deleted)
}

func TestIndexWritesSkippedWhenUnhealthy(t *testing.T) {
	index := &fakeIndex{healthy: false}
	svc := NewService(index, &fakeFallback{}, zerolog.Nop())
	svc.IndexEntry(EntryRecord{ID: "ent_1"}, nil, nil)
	svc.Wait()
	require.Empty(t, index.entries)
}

func TestReindex(t *testing.T) {
	index := &fakeIndex{healthy: true}
	fallback := &fakeFallback{
		entries:     []EntryRecord{{ID: "ent_1"}, {ID: "ent_2"}},
		annotations: []AnnotationRecord{{ID: "ann_1"}},
	}
	entries, annotations, err := NewService(index, fallback, zerolog.Nop()).Reindex(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, entries)
	require.Equal(t, 1, annotations)
	require.Len(t, index.entries, 2)
}
