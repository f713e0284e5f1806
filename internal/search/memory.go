package search

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process index used when the API runs without Postgres.
type Memory struct {
	mu      sync.RWMutex
	records map[int64]JobRecord
}

func NewMemory() *Memory {
	return &Memory{records: make(map[int64]JobRecord)}
}

func (m *Memory) Healthy() bool { return true }

func (m *Memory) Index(rec JobRecord) {
	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()
}

func (m *Memory) Delete(id int64) {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
}

// Search matches every whitespace-separated term, case-insensitively, against
// the indexed text fields. Newer jobs rank first.
func (m *Memory) Search(_ context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}

	m.mu.RLock()
	matched := make([]JobRecord, 0)
	for _, rec := range m.records {
		haystack := strings.ToLower(strings.Join([]string{
			rec.ClientName, rec.SiteAddress, rec.QuoteNumber, rec.CompanyName,
			rec.ScopeOfWork, strings.Join(rec.Categories, " "),
		}, " "))
		all := true
		for _, term := range terms {
			if !strings.Contains(haystack, term) {
				all = false
				break
			}
		}
		if all {
			matched = append(matched, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt == matched[j].UpdatedAt {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].UpdatedAt > matched[j].UpdatedAt
	})
	total := len(matched)
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}

	results := make([]Result, 0, len(matched))
	for _, rec := range matched {
		results = append(results, Result{
			ID:          rec.ID,
			ClientName:  rec.ClientName,
			SiteAddress: rec.SiteAddress,
			QuoteNumber: rec.QuoteNumber,
			QuoteDate:   rec.QuoteDate,
			Snippet:     snippetOf(rec.ScopeOfWork, 30),
		})
	}
	return results, total, nil
}
