// Package history keeps a git revision log per job. Every saved version of a
// job is committed as job.json so earlier quotes can be listed and compared.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"estimator/api/internal/jobdoc"
)

const (
	contentFile    = "job.json"
	versionTrailer = "Version: "
)

type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Version   int64     `json:"version,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// FieldChange is one difference between two revisions.
type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[int64]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[int64]*sync.Mutex),
	}
}

// Record commits doc as the newest revision of its job. Saving an unchanged
// document returns the current head without a new commit.
func (s *Service) Record(doc jobdoc.Document, author string) (Revision, error) {
	if !doc.HasID() {
		return Revision{}, fmt.Errorf("record revision: job has no id")
	}
	jobID := doc.JobID()
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(jobID)
	if err != nil {
		return Revision{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}

	snapshot := doc.WithoutBinary()
	snapshot.Mode = ""
	snapshot.Contractor = ""
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return Revision{}, fmt.Errorf("marshal job: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), contentFile), append(payload, '\n'), 0o644); err != nil {
		return Revision{}, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return Revision{}, fmt.Errorf("git add job: %w", err)
	}

	message := fmt.Sprintf("Save %s\n\n%s%d", doc.Label(), versionTrailer, doc.Version)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@estimator.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		head, err := repo.Head()
		if err != nil {
			return Revision{}, fmt.Errorf("resolve head: %w", err)
		}
		hash = head.Hash()
	} else if err != nil {
		return Revision{}, fmt.Errorf("commit job: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// List returns up to limit revisions, newest first. A job that was never
// recorded has an empty history.
func (s *Service) List(jobID int64, limit int) ([]Revision, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(jobID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Snapshot returns the job as it was at hash. Abbreviated hashes work.
func (s *Service) Snapshot(jobID int64, hash string) (jobdoc.Document, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(jobID))
	if err != nil {
		return jobdoc.Document{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return jobdoc.Document{}, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return jobdoc.Document{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readJob(commitObj)
}

// Compare lists the differences between two revisions.
func (s *Service) Compare(jobID int64, fromHash, toHash string) ([]FieldChange, error) {
	from, err := s.Snapshot(jobID, fromHash)
	if err != nil {
		return nil, err
	}
	to, err := s.Snapshot(jobID, toHash)
	if err != nil {
		return nil, err
	}
	return Diff(from, to), nil
}

// Remove deletes the history of a job.
func (s *Service) Remove(jobID int64) error {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(jobID)); err != nil {
		return fmt.Errorf("remove history: %w", err)
	}
	return nil
}

// Diff compares the scalar fields, totals and collection sizes of two jobs.
func Diff(from, to jobdoc.Document) []FieldChange {
	type pair struct {
		field  string
		before string
		after  string
	}
	money := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	pairs := []pair{
		{"clientName", from.ClientName, to.ClientName},
		{"siteAddress", from.SiteAddress, to.SiteAddress},
		{"quoteNumber", from.QuoteNumber, to.QuoteNumber},
		{"quoteDate", from.QuoteDate, to.QuoteDate},
		{"paymentTerms", from.PaymentTerms, to.PaymentTerms},
		{"scopeOfWork", from.ScopeOfWork, to.ScopeOfWork},
		{"taxRate", money(float64(from.TaxRate)), money(float64(to.TaxRate))},
		{"discount", money(float64(from.Discount)), money(float64(to.Discount))},
		{"total", money(from.Totals().Total), money(to.Totals().Total)},
		{"items", strconv.Itoa(len(from.Items)), strconv.Itoa(len(to.Items))},
		{"files", strconv.Itoa(len(from.Files)), strconv.Itoa(len(to.Files))},
		{"categories", strings.Join(from.Categories(), ", "), strings.Join(to.Categories(), ", ")},
	}
	out := make([]FieldChange, 0)
	for _, p := range pairs {
		if p.before == p.after {
			continue
		}
		out = append(out, FieldChange{Field: p.field, Before: p.before, After: p.after})
	}
	return out
}

func (s *Service) openOrInit(jobID int64) (*git.Repository, error) {
	path := s.repoPath(jobID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(jobID int64) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("job-%d", jobID))
}

func (s *Service) jobLock(jobID int64) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[jobID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[jobID] = lock
	return lock
}

func readJob(commitObj *object.Commit) (jobdoc.Document, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return jobdoc.Document{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return jobdoc.Document{}, fmt.Errorf("read %s: %w", contentFile, err)
	}
	var doc jobdoc.Document
	if err := json.Unmarshal([]byte(contents), &doc); err != nil {
		return jobdoc.Document{}, fmt.Errorf("decode commit content: %w", err)
	}
	doc.Normalize()
	return doc, nil
}

func toRevision(commitObj *object.Commit) Revision {
	rev := Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(strings.SplitN(commitObj.Message, "\n", 2)[0]),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	for _, line := range strings.Split(commitObj.Message, "\n") {
		if v, ok := strings.CutPrefix(line, versionTrailer); ok {
			rev.Version, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		}
	}
	return rev
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "estimator"
	}
	return string(out)
}
