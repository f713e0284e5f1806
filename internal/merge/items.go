package merge

import (
	"github.com/google/uuid"

	"estimator/api/internal/jobdoc"
)

// Items is the broadcast merge for line items: the incoming list replaces
// the current one wholesale. A nil incoming list keeps current.
func Items(current, incoming []jobdoc.LineItem) []jobdoc.LineItem {
	if incoming == nil {
		return cloneItems(current)
	}
	return cloneItems(incoming)
}

// EnsureItemUIDs assigns a fresh uid to every item that lacks one.
func EnsureItemUIDs(items []jobdoc.LineItem) []jobdoc.LineItem {
	out := cloneItems(items)
	for i := range out {
		if out[i].UID == "" {
			out[i].UID = uuid.NewString()
		}
	}
	return out
}

// KeyedItems applies upserts and deletions keyed by uid. Existing items keep
// their position when updated; new items are appended in upsert order.
// Deletions take precedence over upserts with the same uid.
func KeyedItems(base, upserts []jobdoc.LineItem, deletedUIDs []string) []jobdoc.LineItem {
	deleted := make(map[string]struct{}, len(deletedUIDs))
	for _, uid := range deletedUIDs {
		deleted[uid] = struct{}{}
	}

	updates := make(map[string]jobdoc.LineItem, len(upserts))
	order := make([]string, 0, len(upserts))
	for _, item := range EnsureItemUIDs(upserts) {
		if _, ok := updates[item.UID]; !ok {
			order = append(order, item.UID)
		}
		updates[item.UID] = item
	}

	out := make([]jobdoc.LineItem, 0, len(base)+len(upserts))
	applied := make(map[string]struct{}, len(updates))
	for _, item := range base {
		if _, gone := deleted[item.UID]; gone && item.UID != "" {
			continue
		}
		if next, ok := updates[item.UID]; ok && item.UID != "" {
			out = append(out, next)
			applied[item.UID] = struct{}{}
			continue
		}
		out = append(out, item)
	}
	for _, uid := range order {
		if _, done := applied[uid]; done {
			continue
		}
		if _, gone := deleted[uid]; gone {
			continue
		}
		out = append(out, updates[uid])
	}
	return out
}

func cloneItems(items []jobdoc.LineItem) []jobdoc.LineItem {
	if items == nil {
		return []jobdoc.LineItem{}
	}
	out := make([]jobdoc.LineItem, len(items))
	copy(out, items)
	return out
}
