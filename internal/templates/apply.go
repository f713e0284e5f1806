package templates

import (
	"strings"

	"estimator/api/internal/jobdoc"
	"estimator/api/internal/merge"
	"estimator/api/internal/store"
)

// Apply appends the template's items to doc. Items without a category take
// the template's, and every appended item gets a fresh uid. It returns the
// appended items.
func Apply(doc *jobdoc.Document, tpl store.PackageTemplate) []jobdoc.LineItem {
	added := make([]jobdoc.LineItem, 0, len(tpl.Items))
	for _, item := range tpl.Items {
		if strings.TrimSpace(item.Category) == "" {
			item.Category = tpl.Category
		}
		item.UID = ""
		added = append(added, item)
	}
	added = merge.EnsureItemUIDs(added)
	doc.Items = append(doc.Items, added...)
	return added
}
