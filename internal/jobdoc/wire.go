package jobdoc

import "time"

// SaveRequest is the body of a job update: the full document plus the file
// tombstones of this save and an optional version precondition.
type SaveRequest struct {
	Document
	DeletedFileIDs  []string `json:"deletedFileIds,omitempty"`
	ExpectedVersion *int64   `json:"expectedVersion,omitempty"`
}

// SaveResponse acknowledges a create or update. Files is the server-side
// merged list the caller must adopt.
type SaveResponse struct {
	Success   bool       `json:"success"`
	ID        int64      `json:"id"`
	Version   int64      `json:"version"`
	Files     []FileLink `json:"files"`
	Items     []LineItem `json:"items,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// ContractorLink is the resolved form of a short code.
type ContractorLink struct {
	ShortCode      string `json:"shortCode"`
	JobID          int64  `json:"jobId"`
	ContractorName string `json:"contractorName"`
	URL            string `json:"url,omitempty"`
}
