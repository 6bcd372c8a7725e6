// Package export renders entries for the editor and for download: HTML with
// every annotation drawn in its current state, PDF through headless Chrome and
// DOCX through pandoc, optionally archived to S3-compatible storage.
package export

import (
	"errors"
	"strings"
	"time"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat defaults to HTML.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case FormatHTML, "":
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	case FormatDOCX:
		return FormatDOCX, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

type Request struct {
	EntryID string
	Format  Format
	// Version is a commit hash from the entry's history; empty means head.
	Version string
}

type Result struct {
	Data     []byte `json:"-"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	// ArchiveKey is set when the export was also stored in the archive.
	ArchiveKey string    `json:"archiveKey,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

var (
	// ErrContentUnavailable indicates entry content could not be loaded for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
	ErrUnsupportedFormat     = errors.New("unsupported export format")
	// ErrUnsupportedContent rejects editor JSON that is not a ProseMirror doc.
	ErrUnsupportedContent = errors.New("unsupported editor content")
)
