package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"estimator/api/internal/jobdoc"
	"estimator/api/internal/merge"
)

// MemoryStore keeps jobs in process. It backs local development without a
// database and the service tests. Writes are serialized by one mutex, so a
// MutateJob is atomic in the same way the Postgres row lock makes it.
type MemoryStore struct {
	mu        sync.RWMutex
	nextJobID int64
	nextTplID int64
	jobs      map[int64]jobdoc.Document
	links     map[string]ContractorLink
	templates map[int64]PackageTemplate
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[int64]jobdoc.Document),
		links:     make(map[string]ContractorLink),
		templates: make(map[int64]PackageTemplate),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// tick returns a timestamp strictly after every timestamp handed out so far,
// keeping the recency order stable for writes within one clock tick.
func (s *MemoryStore) tick() time.Time {
	now := s.now()
	for _, doc := range s.jobs {
		if doc.UpdatedAt != nil && !now.After(*doc.UpdatedAt) {
			now = doc.UpdatedAt.Add(time.Microsecond)
		}
	}
	return now
}

func (s *MemoryStore) ListJobs(_ context.Context, limit int) ([]JobSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobSummary, 0, len(s.jobs))
	for id, doc := range s.jobs {
		out = append(out, JobSummary{
			ID:          id,
			ClientName:  doc.ClientName,
			SiteAddress: doc.SiteAddress,
			QuoteNumber: doc.QuoteNumber,
			QuoteDate:   doc.QuoteDate,
			Version:     doc.Version,
			CreatedAt:   *doc.CreatedAt,
			UpdatedAt:   *doc.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LatestJob(ctx context.Context) (jobdoc.Document, error) {
	summaries, err := s.ListJobs(ctx, 1)
	if err != nil {
		return jobdoc.Document{}, err
	}
	if len(summaries) == 0 {
		return jobdoc.Document{}, fmt.Errorf("latest job: %w", sql.ErrNoRows)
	}
	return s.GetJob(ctx, summaries[0].ID)
}

func (s *MemoryStore) GetJob(_ context.Context, id int64) (jobdoc.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.jobs[id]
	if !ok {
		return jobdoc.Document{}, fmt.Errorf("get job %d: %w", id, sql.ErrNoRows)
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) CreateJob(_ context.Context, doc jobdoc.Document) (SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := prepareForWrite(doc, nil, doc.Files, nil)
	s.nextJobID++
	now := s.tick()
	next.ID = jobdoc.IntID(s.nextJobID)
	next.Version = 1
	next.CreatedAt = &now
	next.UpdatedAt = &now
	s.jobs[s.nextJobID] = next.Clone()
	return resultOf(next), nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, id int64, in UpdateJobInput) (SaveResult, error) {
	var dropped []jobdoc.FileLink
	doc, err := s.MutateJob(ctx, id, in.ExpectedVersion, func(current *jobdoc.Document) error {
		next := prepareForWrite(in.Document, current.Files, in.Document.Files, in.DeletedFileKeys)
		dropped = merge.MissingFiles(current.Files, next.Files)
		*current = next
		return nil
	})
	if err != nil {
		return SaveResult{}, err
	}
	result := resultOf(doc)
	result.Dropped = dropped
	return result, nil
}

func (s *MemoryStore) MutateJob(_ context.Context, id int64, expected *int64, fn func(*jobdoc.Document) error) (jobdoc.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return jobdoc.Document{}, fmt.Errorf("get job %d: %w", id, sql.ErrNoRows)
	}
	if expected != nil && *expected != current.Version {
		return jobdoc.Document{}, &ConflictError{JobID: id, Expected: *expected, Current: current.Version}
	}

	next := current.Clone()
	if err := fn(&next); err != nil {
		return jobdoc.Document{}, err
	}
	next.Items = merge.EnsureItemUIDs(next.Items)
	now := s.tick()
	next.ID = jobdoc.IntID(id)
	next.Version = current.Version + 1
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = &now
	next.Normalize()
	s.jobs[id] = next.Clone()
	return next, nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("delete job %d: %w", id, sql.ErrNoRows)
	}
	delete(s.jobs, id)
	for code, link := range s.links {
		if link.JobID == id {
			delete(s.links, code)
		}
	}
	return nil
}

func (s *MemoryStore) CreateContractorLink(_ context.Context, link ContractorLink) (ContractorLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[link.JobID]; !ok {
		return ContractorLink{}, fmt.Errorf("job %d: %w", link.JobID, sql.ErrNoRows)
	}
	if _, taken := s.links[link.ShortCode]; taken {
		return ContractorLink{}, ErrCodeTaken
	}
	link.CreatedAt = s.now()
	s.links[link.ShortCode] = link
	return link, nil
}

func (s *MemoryStore) GetContractorLink(_ context.Context, code string) (ContractorLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.links[code]
	if !ok {
		return ContractorLink{}, fmt.Errorf("get contractor link: %w", sql.ErrNoRows)
	}
	return link, nil
}

func (s *MemoryStore) ListContractorLinks(_ context.Context, jobID int64) ([]ContractorLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ContractorLink, 0)
	for _, link := range s.links {
		if link.JobID == jobID {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShortCode < out[j].ShortCode })
	return out, nil
}

func (s *MemoryStore) ListPackageTemplates(_ context.Context) ([]PackageTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PackageTemplate, 0, len(s.templates))
	for _, item := range s.templates {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemoryStore) GetPackageTemplate(_ context.Context, id int64) (PackageTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.templates[id]
	if !ok {
		return PackageTemplate{}, fmt.Errorf("get package template: %w", sql.ErrNoRows)
	}
	return item, nil
}

func (s *MemoryStore) UpsertPackageTemplate(_ context.Context, item PackageTemplate) (PackageTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	item.Items = templateItems(item)
	for id, existing := range s.templates {
		if existing.Name == item.Name {
			item.ID = id
			item.CreatedAt = existing.CreatedAt
			item.UpdatedAt = now
			s.templates[id] = item
			return item, nil
		}
	}
	s.nextTplID++
	item.ID = s.nextTplID
	item.CreatedAt = now
	item.UpdatedAt = now
	s.templates[item.ID] = item
	return item, nil
}

func (s *MemoryStore) CountPackageTemplates(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.templates), nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
