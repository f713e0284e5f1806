// Package search finds jobs by client, site, quote number and scope text.
// Meilisearch serves queries while it is healthy; Postgres full-text search
// (or an in-process index when running without a database) is the fallback.
package search

import (
	"context"
	"strings"
	"time"

	"estimator/api/internal/jobdoc"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID          int64  `json:"id"`
	ClientName  string `json:"clientName"`
	SiteAddress string `json:"siteAddress"`
	QuoteNumber string `json:"quoteNumber"`
	QuoteDate   string `json:"quoteDate"`
	Snippet     string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// JobRecord is the data we index for a job.
type JobRecord struct {
	ID          int64    `json:"id"`
	ClientName  string   `json:"clientName"`
	SiteAddress string   `json:"siteAddress"`
	QuoteNumber string   `json:"quoteNumber"`
	QuoteDate   string   `json:"quoteDate"`
	CompanyName string   `json:"companyName"`
	ScopeOfWork string   `json:"scopeOfWork"`
	Categories  []string `json:"categories"`
	UpdatedAt   int64    `json:"updatedAt"`
}

// RecordFor builds the index record of a saved job.
func RecordFor(doc jobdoc.Document) JobRecord {
	rec := JobRecord{
		ID:          doc.JobID(),
		ClientName:  doc.ClientName,
		SiteAddress: doc.SiteAddress,
		QuoteNumber: doc.QuoteNumber,
		QuoteDate:   doc.QuoteDate,
		CompanyName: doc.CompanyName,
		ScopeOfWork: doc.ScopeOfWork,
		Categories:  doc.Categories(),
	}
	if doc.UpdatedAt != nil {
		rec.UpdatedAt = doc.UpdatedAt.Unix()
	} else {
		rec.UpdatedAt = time.Now().Unix()
	}
	return rec
}

func snippetOf(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:maxWords], " ") + "…"
}
