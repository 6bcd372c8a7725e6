package export

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/rs/zerolog"

	"catharsis/api/internal/annotation"
	"catharsis/api/internal/markup"
)

// Source supplies an entry's title, timestamps and encoded content.
type Source interface {
	EntryMeta(ctx context.Context, entryID string) (title string, updatedAt time.Time, err error)
	EntryContent(ctx context.Context, entryID, version string) (string, error)
}

type renderer func(ctx context.Context, page string) ([]byte, error)

// Service provides entry export functionality
type Service struct {
	source  Source
	labels  annotation.LabelSet
	archive Archive
	log     zerolog.Logger
	clock   func() time.Time
	pdf     renderer
	docx    renderer
}

// NewService creates an export service. archive may be nil.
func NewService(source Source, labels annotation.LabelSet, archive Archive, logger zerolog.Logger) *Service {
	return &Service{
		source:  source,
		labels:  labels,
		archive: archive,
		log:     logger.With().Str("component", "export").Logger(),
		clock:   time.Now,
		pdf:     renderPDF,
		docx:    renderDOCX,
	}
}

// Export renders the entry at the requested version. The encoded content is
// decoded fresh, so exports of old versions show their annotations as they
// were then.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	title, updatedAt, err := s.source.EntryMeta(ctx, req.EntryID)
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	content, err := s.source.EntryContent(ctx, req.EntryID, req.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	decoded := markup.Decode(req.EntryID, content)
	for _, issue := range decoded.Issues {
		s.log.Warn().Err(issue.Err).Str("entry_id", req.EntryID).Int("line", issue.Line).Msg("export markup issue")
	}

	data := TemplateData{
		Title:       title,
		ContentHTML: template.HTML(RenderHTML(decoded.Document, decoded.Annotations, s.labels)),
		UpdatedAt:   updatedAt,
		Legend:      legendFor(decoded.Annotations, s.labels),
	}
	for _, item := range decoded.Annotations {
		if item.State == annotation.StateNew {
			data.NewCount++
		} else {
			data.ProcessedCount++
		}
	}
	page, err := RenderEntryHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	result := &Result{Filename: sanitizeFilename(title), CreatedAt: s.clock().UTC()}
	switch req.Format {
	case FormatHTML, "":
		result.Data = []byte(page)
		result.Filename += ".html"
		result.MimeType = "text/html; charset=utf-8"
	case FormatPDF:
		if result.Data, err = s.pdf(ctx, page); err != nil {
			return nil, err
		}
		result.Filename += ".pdf"
		result.MimeType = "application/pdf"
	case FormatDOCX:
		if result.Data, err = s.docx(ctx, page); err != nil {
			return nil, err
		}
		result.Filename += ".docx"
		result.MimeType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	if s.archive != nil {
		key := fmt.Sprintf("%s/%d-%s", req.EntryID, result.CreatedAt.UnixMilli(), result.Filename)
		if err := s.archive.Put(ctx, key, result.Data, result.MimeType); err != nil {
			s.log.Warn().Err(err).Str("entry_id", req.EntryID).Msg("export archive failed")
		} else {
			result.ArchiveKey = key
		}
	}
	return result, nil
}
