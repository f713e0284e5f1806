package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"estimator/api/internal/attachments"
	"estimator/api/internal/export"
	"estimator/api/internal/jobdoc"
	"estimator/api/internal/links"
	"estimator/api/internal/merge"
	"estimator/api/internal/store"
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

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict, "VERSION_CONFLICT", "Job was changed by someone else", map[string]any{
			"currentVersion":  conflict.Current,
			"expectedVersion": conflict.Expected,
		}
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge), errors.Is(err, attachments.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Payload too large", nil
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, links.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT", "Job was changed by someone else", nil
	case errors.Is(err, jobdoc.ErrCorruptPayload):
		return http.StatusBadRequest, "INVALID_PAYLOAD", "Share payload is corrupt", nil
	case errors.Is(err, merge.ErrCategoryNotFound):
		return http.StatusNotFound, "CATEGORY_NOT_FOUND", "Category not found", nil
	case errors.Is(err, merge.ErrCategoryExists):
		return http.StatusConflict, "CATEGORY_EXISTS", "Category already exists", nil
	case errors.Is(err, merge.ErrCategoryInvalid),
		errors.Is(err, links.ErrInvalidContractor),
		errors.Is(err, links.ErrJobRequired),
		errors.Is(err, export.ErrUnsupportedFormat),
		errors.Is(err, attachments.ErrEmptyFile):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export renderer is not installed", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
