package store

import (
	"errors"
	"fmt"
	"time"

	"estimator/api/internal/jobdoc"
)

var (
	// ErrVersionConflict is returned when an update carries a stale version.
	ErrVersionConflict = errors.New("job version conflict")
	// ErrCodeTaken is returned when a contractor short code already exists.
	ErrCodeTaken = errors.New("short code already taken")
)

// ConflictError reports the version the caller should reload.
type ConflictError struct {
	JobID    int64
	Expected int64
	Current  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %d is at version %d, expected %d", e.JobID, e.Current, e.Expected)
}

func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}

// JobSummary is one row of the recency list.
type JobSummary struct {
	ID          int64     `json:"id"`
	ClientName  string    `json:"clientName"`
	SiteAddress string    `json:"siteAddress"`
	QuoteNumber string    `json:"quoteNumber"`
	QuoteDate   string    `json:"quoteDate"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SaveResult is what a write hands back to the caller: the id it landed on
// and the server-side merged collections.
type SaveResult struct {
	ID        int64             `json:"id"`
	Version   int64             `json:"version"`
	Files     []jobdoc.FileLink `json:"files"`
	Items     []jobdoc.LineItem `json:"items"`
	UpdatedAt time.Time         `json:"updatedAt"`
	// Dropped lists stored files the write removed through tombstones.
	Dropped []jobdoc.FileLink `json:"-"`
}

type UpdateJobInput struct {
	Document        jobdoc.Document
	DeletedFileKeys []string
	// ExpectedVersion enables the optimistic check when set.
	ExpectedVersion *int64
}

type ItemPatch struct {
	Upserts         []jobdoc.LineItem
	DeletedUIDs     []string
	ExpectedVersion *int64
}

type ContractorLink struct {
	ShortCode      string    `json:"shortCode"`
	JobID          int64     `json:"jobId"`
	ContractorName string    `json:"contractorName"`
	CreatedAt      time.Time `json:"createdAt"`
}

type PackageTemplate struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Category    string            `json:"category"`
	Description string            `json:"description"`
	Items       []jobdoc.LineItem `json:"items"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}
