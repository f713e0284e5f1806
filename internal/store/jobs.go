package store

import (
	"strings"

	"estimator/api/internal/jobdoc"
	"estimator/api/internal/merge"
)

// prepareForWrite returns the document as it will be persisted: files merged
// against base with tombstones applied, items carrying stable uids.
func prepareForWrite(doc jobdoc.Document, base, incoming []jobdoc.FileLink, deleted []string) jobdoc.Document {
	next := doc.Clone()
	next.Files = merge.Files(base, incoming, deleted)
	next.Items = merge.EnsureItemUIDs(next.Items)
	next.QuoteDate = strings.TrimSpace(next.QuoteDate)
	next.Mode = ""
	next.Contractor = ""
	return next
}

func resultOf(doc jobdoc.Document) SaveResult {
	result := SaveResult{
		ID:      doc.JobID(),
		Version: doc.Version,
		Files:   doc.Files,
		Items:   doc.Items,
	}
	if doc.UpdatedAt != nil {
		result.UpdatedAt = *doc.UpdatedAt
	}
	return result
}

func templateItems(item PackageTemplate) []jobdoc.LineItem {
	out := make([]jobdoc.LineItem, 0, len(item.Items))
	for _, line := range item.Items {
		if strings.TrimSpace(line.Category) == "" {
			line.Category = item.Category
		}
		line.UID = ""
		out = append(out, line)
	}
	return out
}
