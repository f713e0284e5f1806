package search

import (
	"context"
	"log"
)

// indexer is implemented by fallbacks that keep their own index.
type indexer interface {
	Index(rec JobRecord)
	Delete(id int64)
}

// Service is the facade that tries Meilisearch first and falls back to the
// secondary searcher.
type Service struct {
	meili    *Meili
	fallback Searcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		log.Printf("search: meilisearch error, falling back: %v", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Engine: "none"}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Engine: "none"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "fallback"}
}

// IndexJob indexes a saved job. Meilisearch indexing is fire-and-forget.
func (s *Service) IndexJob(rec JobRecord) {
	if idx, ok := s.fallback.(indexer); ok {
		idx.Index(rec)
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexJob(rec); err != nil {
			log.Printf("search: index job %d: %v", rec.ID, err)
		}
	}()
}

// DeleteJob removes a job from the index (fire-and-forget).
func (s *Service) DeleteJob(id int64) {
	if idx, ok := s.fallback.(indexer); ok {
		idx.Delete(id)
	}
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteJob(id); err != nil {
			log.Printf("search: delete job %d: %v", id, err)
		}
	}()
}

// ReindexAll pushes every job to Meilisearch. Called at startup.
func (s *Service) ReindexAll(records []JobRecord) {
	if idx, ok := s.fallback.(indexer); ok {
		for _, rec := range records {
			idx.Index(rec)
		}
	}
	if s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	if err := s.meili.IndexJobs(records); err != nil {
		log.Printf("search: reindex jobs: %v", err)
	}
}

// ReindexFromPG reloads every job from Postgres into Meilisearch.
func (s *Service) ReindexFromPG(ctx context.Context) {
	pg, ok := s.fallback.(*PgFTS)
	if !ok || s.meili == nil || !s.meili.Healthy() {
		return
	}
	records, err := pg.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	s.ReindexAll(records)
}

// Close stops background work.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
