package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"catharsis/api/internal/annotation"
	"catharsis/api/internal/export"
	"catharsis/api/internal/gitrepo"
	"catharsis/api/internal/textmodel"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

type errorRule struct {
	target error
	status int
	code   string
}

// Order matters where one sentinel wraps another.
var errorRules = []errorRule{
	{annotation.ErrCrossBlockSelection, http.StatusUnprocessableEntity, "CROSS_BLOCK_SELECTION"},
	{annotation.ErrOverlappingAnnotation, http.StatusConflict, "OVERLAPPING_ANNOTATION"},
	{annotation.ErrEmptySelection, http.StatusUnprocessableEntity, "EMPTY_SELECTION"},
	{annotation.ErrDanglingBlockReference, http.StatusUnprocessableEntity, "DANGLING_BLOCK"},
	{annotation.ErrInvalidAnchor, http.StatusUnprocessableEntity, "INVALID_ANCHOR"},
	{annotation.ErrUnknownEmotion, http.StatusUnprocessableEntity, "UNKNOWN_EMOTION"},
	{annotation.ErrInvalidAction, http.StatusUnprocessableEntity, "INVALID_ACTION"},
	{annotation.ErrInvalidState, http.StatusConflict, "INVALID_STATE"},
	{annotation.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{textmodel.ErrBlockNotFound, http.StatusNotFound, "BLOCK_NOT_FOUND"},
	{textmodel.ErrDuplicateBlock, http.StatusUnprocessableEntity, "DUPLICATE_BLOCK"},
	{textmodel.ErrOffsetOutOfRange, http.StatusUnprocessableEntity, "OFFSET_OUT_OF_RANGE"},
	{gitrepo.ErrEntryNotFound, http.StatusNotFound, "NOT_FOUND"},
	{sql.ErrNoRows, http.StatusNotFound, "NOT_FOUND"},
	{export.ErrUnsupportedFormat, http.StatusUnprocessableEntity, "UNSUPPORTED_FORMAT"},
	{export.ErrUnsupportedContent, http.StatusUnprocessableEntity, "UNSUPPORTED_CONTENT"},
	{export.ErrContentUnavailable, http.StatusNotFound, "CONTENT_UNAVAILABLE"},
	{export.ErrPDFDependencyMissing, http.StatusServiceUnavailable, "PDF_UNAVAILABLE"},
	{export.ErrDOCXDependencyMissing, http.StatusServiceUnavailable, "DOCX_UNAVAILABLE"},
}

// classify turns engine and storage errors into the response the API sends.
// Unknown errors come back nil.
func classify(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	for _, rule := range errorRules {
		if errors.Is(err, rule.target) {
			message := err.Error()
			if rule.target == sql.ErrNoRows || rule.target == gitrepo.ErrEntryNotFound {
				message = "Not found"
			}
			return domainError(rule.status, rule.code, message, nil)
		}
	}
	return nil
}
