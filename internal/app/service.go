package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"catharsis/api/internal/annotation"
	"catharsis/api/internal/config"
	"catharsis/api/internal/engine"
	"catharsis/api/internal/export"
	"catharsis/api/internal/gitrepo"
	"catharsis/api/internal/inbox"
	"catharsis/api/internal/markup"
	"catharsis/api/internal/search"
	"catharsis/api/internal/selection"
	"catharsis/api/internal/store"
	"catharsis/api/internal/textmodel"
	"catharsis/api/internal/util"
)

const (
	previewLength = 160
	excerptLength = 200
	historyLimit  = 50
)

type dataStore interface {
	ListEntries(context.Context) ([]store.Entry, error)
	GetEntry(context.Context, string) (store.Entry, error)
	InsertEntry(context.Context, store.Entry) error
	UpdateEntryContent(context.Context, string, string, string, string, string) error
	DeleteEntry(context.Context, string) error
	ReplaceAnnotationIndex(context.Context, string, []store.IndexedAnnotation) error
	ListIndexedAnnotations(context.Context, string) ([]store.IndexedAnnotation, error)
	AnyNewAnnotations(context.Context) (bool, error)
	LastReviewed(context.Context) (time.Time, error)
	SetLastReviewed(context.Context, time.Time) error
	Ping(ctx context.Context) error
}

type gitService interface {
	Load(context.Context, string) (string, error)
	Save(context.Context, string, string) error
	History(string, int) ([]gitrepo.Commit, error)
	ContentAt(string, string) (string, error)
	Delete(string) error
}

// EntryInput carries new entry content in exactly one of three shapes:
// encoded markup, plain text, or a ProseMirror document from the editor.
type EntryInput struct {
	Title   string          `json:"title"`
	Content string          `json:"content"`
	Text    string          `json:"text"`
	Doc     json.RawMessage `json:"doc,omitempty"`
}

// TagInput describes a tagging gesture. Start and End select by rendered
// node; Carets selects by plain text indices; BlockID alone tags the block.
type TagInput struct {
	Start   *selection.Point `json:"start,omitempty"`
	End     *selection.Point `json:"end,omitempty"`
	Carets  *[2]int          `json:"carets,omitempty"`
	BlockID string           `json:"blockId"`
	Emotion string           `json:"emotion"`
	Intent  string           `json:"intent"`
}

type MarkInput struct {
	Start int    `json:"startOffset"`
	End   int    `json:"endOffset"`
	Mark  string `json:"mark"`
	On    bool   `json:"on"`
}

type RunView struct {
	Text  string   `json:"text"`
	Marks []string `json:"marks,omitempty"`
}

type BlockView struct {
	ID    string         `json:"id"`
	Kind  textmodel.Kind `json:"kind"`
	Level int            `json:"level,omitempty"`
	Text  string         `json:"text"`
	Runs  []RunView      `json:"runs"`
}

type EntryView struct {
	ID          string                  `json:"id"`
	Title       string                  `json:"title"`
	CreatedAt   time.Time               `json:"createdAt"`
	UpdatedAt   time.Time               `json:"updatedAt"`
	Blocks      []BlockView             `json:"blocks"`
	Annotations []annotation.Annotation `json:"annotations"`
	HTML        string                  `json:"html"`
	Doc         export.ProseMirrorNode  `json:"doc"`
	Dirty       bool                    `json:"dirty"`
}

// Mutation is what every editing call returns: the touched annotation, the
// effects for the rendering surface and whether the entry was written.
type Mutation struct {
	Annotation *annotation.Annotation `json:"annotation,omitempty"`
	Effects    []engine.Effect        `json:"effects"`
	Dropped    []string               `json:"dropped,omitempty"`
	Saved      bool                   `json:"saved"`
}

type Service struct {
	cfg     config.Config
	store   dataStore
	git     gitService
	engines *engine.Registry
	search  *search.Service
	inbox   *inbox.Service
	export  *export.Service
	log     zerolog.Logger
}

// New wires the service. searchSvc is required; cache and archive may be nil.
func New(cfg config.Config, dataStore *store.PostgresStore, gitService *gitrepo.Service, searchSvc *search.Service, cache inbox.Cache, archive export.Archive, logger zerolog.Logger) *Service {
	return newService(cfg, dataStore, gitService, searchSvc, cache, archive, logger)
}

func newService(cfg config.Config, ds dataStore, git gitService, searchSvc *search.Service, cache inbox.Cache, archive export.Archive, logger zerolog.Logger) *Service {
	s := &Service{
		cfg:    cfg,
		store:  ds,
		git:    git,
		search: searchSvc,
		log:    logger,
	}
	s.engines = engine.NewRegistry(git, engine.Options{
		Labels:    cfg.Emotions,
		UndoLimit: cfg.UndoLimit,
		Logger:    logger.With().Str("component", "engine").Logger(),
	})
	s.inbox = inbox.NewService(ds, cache, inbox.Options{
		Interval: cfg.TrashDayInterval,
		Logger:   logger,
	})
	s.export = export.NewService(s, cfg.Emotions, archive, logger)
	return s
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Labels() annotation.LabelSet {
	return s.cfg.Emotions
}

// importInput turns whichever content shape was sent into a document and the
// annotations it carries.
func (s *Service) importInput(entryID string, input EntryInput) (textmodel.Document, []annotation.Annotation, bool, error) {
	switch {
	case len(input.Doc) > 0 && string(input.Doc) != "null":
		doc, items, err := export.ProseMirrorToDocument(entryID, input.Doc)
		return doc, items, true, err
	case strings.TrimSpace(input.Content) != "":
		result := markup.Decode(entryID, input.Content)
		for _, issue := range result.Issues {
			s.log.Warn().Err(issue.Err).Str("entry_id", entryID).Int("line", issue.Line).Msg("imported markup issue")
		}
		return result.Document, result.Annotations, true, nil
	default:
		return textmodel.FromPlainText(entryID, input.Text), nil, false, nil
	}
}

func (s *Service) CreateEntry(ctx context.Context, input EntryInput) (EntryView, error) {
	entryID := util.NewID("ent")
	doc, items, _, err := s.importInput(entryID, input)
	if err != nil {
		return EntryView{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = deriveTitle(doc)
	}
	if err := s.store.InsertEntry(ctx, store.Entry{ID: entryID, Title: title}); err != nil {
		return EntryView{}, err
	}

	e, err := s.engines.Create(entryID, textmodel.New(entryID))
	if err != nil {
		return EntryView{}, err
	}
	dropped, _, err := e.Reload(doc, items)
	if err != nil {
		s.engines.Forget(entryID)
		return EntryView{}, err
	}
	if len(dropped) > 0 {
		s.log.Warn().Str("entry_id", entryID).Int("dropped", len(dropped)).Msg("imported annotations dropped")
	}
	if _, err := s.commit(ctx, e, title, nil); err != nil {
		return EntryView{}, err
	}
	return s.GetEntry(ctx, entryID)
}

func (s *Service) ListEntries(ctx context.Context) ([]store.Entry, error) {
	return s.store.ListEntries(ctx)
}

func (s *Service) GetEntry(ctx context.Context, entryID string) (EntryView, error) {
	meta, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return EntryView{}, err
	}
	e, err := s.engines.Open(ctx, entryID)
	if err != nil {
		return EntryView{}, err
	}
	doc, items := e.Snapshot()
	return EntryView{
		ID:          meta.ID,
		Title:       meta.Title,
		CreatedAt:   meta.CreatedAt,
		UpdatedAt:   meta.UpdatedAt,
		Blocks:      blockViews(doc),
		Annotations: nonNilAnnotations(items),
		HTML:        export.RenderHTML(doc, items, s.cfg.Emotions),
		Doc:         export.DocumentToProseMirror(doc, items),
		Dirty:       e.Dirty(),
	}, nil
}

// ReplaceEntry swaps the entry's content. Markup and editor documents carry
// their own tags and replace the annotation set; plain text keeps the current
// tags and drops the ones that no longer fit.
func (s *Service) ReplaceEntry(ctx context.Context, entryID string, input EntryInput) (Mutation, error) {
	meta, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return Mutation{}, err
	}
	e, err := s.engines.Open(ctx, entryID)
	if err != nil {
		return Mutation{}, err
	}
	before := annotationIDs(e.Annotations())

	doc, items, carriesTags, err := s.importInput(entryID, input)
	if err != nil {
		return Mutation{}, err
	}
	var dropped []annotation.Dropped
	var effects []engine.Effect
	if carriesTags {
		dropped, effects, err = e.Reload(doc, items)
	} else {
		dropped, effects, err = e.ReplaceDocument(doc)
	}
	if err != nil {
		return Mutation{}, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = meta.Title
	}
	saved, err := s.commit(ctx, e, title, before)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Effects: nonNilEffects(effects), Dropped: droppedIDs(dropped), Saved: saved}, nil
}

func (s *Service) DeleteEntry(ctx context.Context, entryID string) error {
	rows, err := s.store.ListIndexedAnnotations(ctx, entryID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteEntry(ctx, entryID); err != nil {
		return err
	}
	s.engines.Forget(entryID)
	if err := s.git.Delete(entryID); err != nil {
		s.log.Warn().Err(err).Str("entry_id", entryID).Msg("entry repository delete failed")
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	s.search.DeleteEntry(entryID, ids)
	s.inbox.Invalidate(ctx)
	return nil
}

func (s *Service) History(ctx context.Context, entryID string, limit int) ([]gitrepo.Commit, error) {
	if _, err := s.store.GetEntry(ctx, entryID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	return s.git.History(entryID, limit)
}

func (s *Service) open(ctx context.Context, entryID string) (*engine.Engine, string, error) {
	meta, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, "", err
	}
	e, err := s.engines.Open(ctx, entryID)
	if err != nil {
		return nil, "", err
	}
	return e, meta.Title, nil
}

// Tag runs one of the three tagging gestures, picked by which fields are set.
func (s *Service) Tag(ctx context.Context, entryID string, input TagInput) (Mutation, error) {
	intent, err := annotation.ParseIntent(input.Intent)
	if err != nil {
		return Mutation{}, err
	}
	if strings.TrimSpace(input.Emotion) == "" {
		return Mutation{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "emotion is required", nil)
	}
	emotion := annotation.NormalizeEmotion(input.Emotion)

	e, title, err := s.open(ctx, entryID)
	if err != nil {
		return Mutation{}, err
	}
	var item annotation.Annotation
	var effects []engine.Effect
	switch {
	case input.Start != nil && input.End != nil:
		item, effects, err = e.TagSelection(*input.Start, *input.End, emotion, intent)
	case input.Carets != nil:
		item, effects, err = e.TagCarets(input.Carets[0], input.Carets[1], emotion, intent)
	case strings.TrimSpace(input.BlockID) != "":
		item, effects, err = e.TagBlock(input.BlockID, emotion, intent)
	default:
		return Mutation{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "start and end, carets or blockId is required", nil)
	}
	if err != nil {
		return Mutation{}, err
	}
	saved, err := s.commit(ctx, e, title, nil)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Annotation: &item, Effects: nonNilEffects(effects), Saved: saved}, nil
}

func (s *Service) Clear(ctx context.Context, entryID, annotationID string) (Mutation, error) {
	e, title, err := s.open(ctx, entryID)
	if err != nil {
		return Mutation{}, err
	}
	effects, err := e.Clear(annotationID)
	if err != nil {
		return Mutation{}, err
	}
	saved, err := s.commit(ctx, e, title, []string{annotationID})
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Effects: nonNilEffects(effects), Saved: saved}, nil
}

func (s *Service) SetIntent(ctx context.Context, entryID, annotationID, value string) (Mutation, error) {
	intent, err := annotation.ParseIntent(value)
	if err != nil {
		return Mutation{}, err
	}
	e, title, err := s.open(ctx, entryID)
	if err != nil {
		return Mutation{}, err
	}
	item, err := e.SetIntent(annotationID, intent)
	if err != nil {
		return Mutation{}, err
	}
	saved, err := s.commit(ctx, e, title, nil)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Annotation: &item, Effects: []engine.Effect{}, Saved: saved}, nil
}

// Process resolves an annotation. An empty action falls back to its intent.
func (s *Service) Process(ctx context.Context, entryID, annotationID, value string) (Mutation, error) {
	action, err := annotation.ParseAction(value)
	if err != nil {
		return Mutation{}, err
	}
	e, title, err := s.open(ctx, entryID)
	if err != nil {
		return Mutation{}, err
	}
	item, effects, err := e.Process(annotationID, action)
	if err != nil {
		return Mutation{}, err
	}
	saved, err := s.commit(ctx, e, title, nil)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Annotation: &item, Effects: nonNilEffects(effects), Saved: saved}, nil
}

// Undo reverses the latest processing of an annotation in this session.
// Nothing to undo is answered with the annotation unchanged.
func (s *Service) Undo(ctx context.Context, entryID, annotationID string) (Mutation, error) {
	e, title, err := s.open(ctx, entryID)
	if err != nil {
		return Mutation{}, err
	}
	item, effects, ok := e.Undo(annotationID)
	if !ok {
		current, found := e.Get(annotationID)
		if !found {
			return Mutation{}, annotation.ErrNotFound
		}
		return Mutation{Annotation: &current, Effects: []engine.Effect{}}, nil
	}
	saved, err := s.commit(ctx, e, title, nil)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Annotation: &item, Effects: nonNilEffects(effects), Saved: saved}, nil
}

// Revert puts a processed annotation back to new, also across reloads.
func (s *Service) Revert(ctx context.Context, entryID, annotationID string) (Mutation, error) {
	e, title, err := s.open(ctx, entryID)
	if err != nil {
		return Mutation{}, err
	}
	item, effects, err := e.Revert(annotationID)
	if err != nil {
		return Mutation{}, err
	}
	saved, err := s.commit(ctx, e, title, nil)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Annotation: &item, Effects: nonNilEffects(effects), Saved: saved}, nil
}

func (s *Service) ToggleMark(ctx context.Context, entryID, blockID string, input MarkInput) (Mutation, error) {
	mark, ok := textmodel.ParseMark(input.Mark)
	if !ok {
		return Mutation{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "mark must be bold, italic or underline", nil)
	}
	e, title, err := s.open(ctx, entryID)
	if err != nil {
		return Mutation{}, err
	}
	if err := e.ToggleMark(blockID, input.Start, input.End, mark, input.On); err != nil {
		return Mutation{}, err
	}
	saved, err := s.commit(ctx, e, title, nil)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{Effects: []engine.Effect{}, Saved: saved}, nil
}

// Review lists the entry's annotations still waiting to be processed.
func (s *Service) Review(ctx context.Context, entryID string) ([]annotation.Annotation, error) {
	e, _, err := s.open(ctx, entryID)
	if err != nil {
		return nil, err
	}
	return nonNilAnnotations(e.BulkReview()), nil
}

// Repaint returns the effects that draw every annotation from scratch.
func (s *Service) Repaint(ctx context.Context, entryID string) ([]engine.Effect, error) {
	e, _, err := s.open(ctx, entryID)
	if err != nil {
		return nil, err
	}
	return nonNilEffects(e.Repaint()), nil
}

func (s *Service) Queue(ctx context.Context) ([]annotation.QueueEntry, error) {
	queue, err := s.inbox.Queue(ctx)
	if err != nil {
		return nil, err
	}
	if queue == nil {
		queue = []annotation.QueueEntry{}
	}
	return queue, nil
}

func (s *Service) TrashDay(ctx context.Context) (inbox.TrashDay, error) {
	return s.inbox.TrashDay(ctx)
}

func (s *Service) MarkReviewed(ctx context.Context) (inbox.TrashDay, error) {
	return s.inbox.MarkReviewed(ctx)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

func (s *Service) Export(ctx context.Context, req export.Request) (*export.Result, error) {
	if _, err := s.store.GetEntry(ctx, req.EntryID); err != nil {
		return nil, err
	}
	return s.export.Export(ctx, req)
}

// EntryMeta and EntryContent let the export service read entries.
func (s *Service) EntryMeta(ctx context.Context, entryID string) (string, time.Time, error) {
	meta, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return "", time.Time{}, err
	}
	return meta.Title, meta.UpdatedAt, nil
}

func (s *Service) EntryContent(ctx context.Context, entryID, version string) (string, error) {
	if strings.TrimSpace(version) != "" {
		return s.git.ContentAt(entryID, version)
	}
	e, err := s.engines.Open(ctx, entryID)
	if err != nil {
		return "", err
	}
	return e.Encode()
}

// commit saves the entry and brings every derived copy in line with it: the
// metadata row, the annotation index, the search index and the inbox cache.
// before lists annotation ids that may have gone away with this change.
func (s *Service) commit(ctx context.Context, e *engine.Engine, title string, before []string) (bool, error) {
	saved, err := e.Save(ctx)
	if err != nil {
		return false, err
	}
	if !saved.Written {
		return false, nil
	}
	entryID := e.EntryID()
	doc, items := saved.Document, saved.Annotations
	body := doc.PlainText()
	if err := s.store.UpdateEntryContent(ctx, entryID, title, preview(body), body, store.ContentHash(saved.Content)); err != nil {
		return true, err
	}
	if err := s.store.ReplaceAnnotationIndex(ctx, entryID, indexRows(doc, items)); err != nil {
		return true, err
	}

	current := map[string]struct{}{}
	records := make([]search.AnnotationRecord, 0, len(items))
	for _, item := range items {
		current[item.ID] = struct{}{}
		records = append(records, search.AnnotationRecord{
			ID:      item.ID,
			EntryID: entryID,
			Excerpt: excerpt(doc, item.Anchor),
			Emotion: string(item.Emotion),
			State:   string(item.State),
			Action:  string(item.Action),
		})
	}
	var removed []string
	for _, id := range before {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	s.search.IndexEntry(search.EntryRecord{ID: entryID, Title: title, Body: body}, records, removed)
	s.inbox.Invalidate(ctx)
	return true, nil
}

func indexRows(doc textmodel.Document, items []annotation.Annotation) []store.IndexedAnnotation {
	rows := make([]store.IndexedAnnotation, 0, len(items))
	for _, item := range items {
		rows = append(rows, store.IndexedAnnotation{
			ID:          item.ID,
			EntryID:     item.EntryID,
			BlockID:     item.Anchor.BlockID,
			StartOffset: item.Anchor.Start,
			EndOffset:   item.Anchor.End,
			Whole:       item.Anchor.Whole,
			Emotion:     string(item.Emotion),
			Intent:      string(item.Intent),
			State:       string(item.State),
			Action:      string(item.Action),
			Excerpt:     excerpt(doc, item.Anchor),
			CreatedAt:   item.CreatedAt,
			ProcessedAt: item.ProcessedAt,
		})
	}
	return rows
}

func excerpt(doc textmodel.Document, anchor annotation.Anchor) string {
	text, ok := doc.TextOf(anchor.BlockID)
	if !ok {
		return ""
	}
	if !anchor.Whole {
		if sliced, ok := textmodel.Slice16(text, anchor.Start, anchor.End); ok {
			text = sliced
		}
	}
	return truncate(text, excerptLength)
}

func preview(body string) string {
	return truncate(strings.Join(strings.Fields(body), " "), previewLength)
}

func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return strings.TrimSpace(string(runes[:limit])) + "…"
}

func deriveTitle(doc textmodel.Document) string {
	for _, block := range doc.Blocks {
		if text := strings.TrimSpace(block.Text()); text != "" {
			return truncate(text, 80)
		}
	}
	return "Untitled entry"
}

func blockViews(doc textmodel.Document) []BlockView {
	views := make([]BlockView, 0, len(doc.Blocks))
	for _, block := range doc.Blocks {
		runs := make([]RunView, 0, len(block.Runs))
		for _, run := range block.Runs {
			runs = append(runs, RunView{Text: run.Text, Marks: run.Marks.Names()})
		}
		views = append(views, BlockView{
			ID:    block.ID,
			Kind:  block.Kind,
			Level: block.Level,
			Text:  block.Text(),
			Runs:  runs,
		})
	}
	return views
}

func annotationIDs(items []annotation.Annotation) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}

func droppedIDs(dropped []annotation.Dropped) []string {
	if len(dropped) == 0 {
		return nil
	}
	ids := make([]string, 0, len(dropped))
	for _, d := range dropped {
		ids = append(ids, d.Annotation.ID)
	}
	return ids
}

func nonNilEffects(effects []engine.Effect) []engine.Effect {
	if effects == nil {
		return []engine.Effect{}
	}
	return effects
}

func nonNilAnnotations(items []annotation.Annotation) []annotation.Annotation {
	if items == nil {
		return []annotation.Annotation{}
	}
	return items
}
