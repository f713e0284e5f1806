package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"estimator/api/internal/jobdoc"
)

type jobStore interface {
	ListJobs(ctx context.Context, limit int) ([]JobSummary, error)
	LatestJob(ctx context.Context) (jobdoc.Document, error)
	GetJob(ctx context.Context, id int64) (jobdoc.Document, error)
	CreateJob(ctx context.Context, doc jobdoc.Document) (SaveResult, error)
	UpdateJob(ctx context.Context, id int64, in UpdateJobInput) (SaveResult, error)
	MutateJob(ctx context.Context, id int64, expected *int64, fn func(*jobdoc.Document) error) (jobdoc.Document, error)
	DeleteJob(ctx context.Context, id int64) error
	CreateContractorLink(ctx context.Context, link ContractorLink) (ContractorLink, error)
	GetContractorLink(ctx context.Context, code string) (ContractorLink, error)
	ListContractorLinks(ctx context.Context, jobID int64) ([]ContractorLink, error)
	UpsertPackageTemplate(ctx context.Context, item PackageTemplate) (PackageTemplate, error)
	GetPackageTemplate(ctx context.Context, id int64) (PackageTemplate, error)
	CountPackageTemplates(ctx context.Context) (int, error)
}

var (
	_ jobStore = (*MemoryStore)(nil)
	_ jobStore = (*PostgresStore)(nil)
)

func fileLink(name string) jobdoc.FileLink {
	return jobdoc.FileLink{Name: name, URL: "https://files.example/" + name}
}

func fileNames(files []jobdoc.FileLink) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Name)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameItems(a, b []jobdoc.LineItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Category != y.Category || x.Description != y.Description || x.Qty != y.Qty || x.Cost != y.Cost || x.Price != y.Price {
			return false
		}
	}
	return true
}

func runStoreContract(t *testing.T, s jobStore) {
	ctx := context.Background()

	t.Run("create assigns id and update keeps it", func(t *testing.T) {
		doc := jobdoc.Document{ClientName: "Lone Star Fuel", QuoteDate: "2024-05-01"}
		created, err := s.CreateJob(ctx, doc)
		if err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
		if created.ID <= 0 || created.Version != 1 {
			t.Fatalf("unexpected create result: %+v", created)
		}

		doc.ID = jobdoc.IntID(created.ID)
		doc.ClientName = "Lone Star Fuel #2"
		updated, err := s.UpdateJob(ctx, created.ID, UpdateJobInput{Document: doc})
		if err != nil {
			t.Fatalf("UpdateJob() error = %v", err)
		}
		if updated.ID != created.ID || updated.Version != 2 {
			t.Fatalf("unexpected update result: %+v", updated)
		}

		loaded, err := s.GetJob(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetJob() error = %v", err)
		}
		if loaded.ClientName != "Lone Star Fuel #2" || loaded.QuoteDate != "2024-05-01" {
			t.Fatalf("unexpected loaded job: %+v", loaded)
		}
	})

	t.Run("update reports only stored files it dropped", func(t *testing.T) {
		a, b := fileLink("a.pdf"), fileLink("b.pdf")
		created, err := s.CreateJob(ctx, jobdoc.Document{Files: []jobdoc.FileLink{a, b}})
		if err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
		foreign := fileLink("foreign.pdf")
		updated, err := s.UpdateJob(ctx, created.ID, UpdateJobInput{
			DeletedFileKeys: []string{a.Key(), foreign.Key()},
		})
		if err != nil {
			t.Fatalf("UpdateJob() error = %v", err)
		}
		if got := fileNames(updated.Dropped); !equalStrings(got, []string{"a.pdf"}) {
			t.Fatalf("expected dropped [a.pdf], got %v", got)
		}
		if got := fileNames(updated.Files); !equalStrings(got, []string{"b.pdf"}) {
			t.Fatalf("expected files [b.pdf], got %v", got)
		}
	})

	t.Run("line items are fully replaced in order", func(t *testing.T) {
		created, err := s.CreateJob(ctx, jobdoc.Document{Items: []jobdoc.LineItem{
			{Category: "Old", Description: "gone", Qty: 1, Price: 1},
		}})
		if err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
		next := []jobdoc.LineItem{
			{Category: "Tanks", Description: "sump", Qty: 2, Cost: 50, Price: 75.5},
			{Category: "Canopy", Description: "lights", Qty: 8, Cost: 10, Price: 19.99},
			{Category: "Tanks", Description: "riser", Qty: 1, Cost: 5, Price: 9},
		}
		if _, err := s.UpdateJob(ctx, created.ID, UpdateJobInput{Document: jobdoc.Document{Items: next}}); err != nil {
			t.Fatalf("UpdateJob() error = %v", err)
		}
		loaded, err := s.GetJob(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetJob() error = %v", err)
		}
		if !sameItems(loaded.Items, next) {
			t.Fatalf("expected items %+v, got %+v", next, loaded.Items)
		}
		for _, item := range loaded.Items {
			if item.UID == "" {
				t.Fatal("expected stored items to carry a uid")
			}
		}
	})

	t.Run("tax rate and discount round trip", func(t *testing.T) {
		created, err := s.CreateJob(ctx, jobdoc.Document{TaxRate: 8.25, Discount: 1234.56})
		if err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
		loaded, err := s.GetJob(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetJob() error = %v", err)
		}
		if loaded.TaxRate != 8.25 || loaded.Discount != 1234.56 {
			t.Fatalf("expected 8.25/1234.56, got %v/%v", loaded.TaxRate, loaded.Discount)
		}
	})

	t.Run("concurrent file add and delete settle in arrival order", func(t *testing.T) {
		a, b, c := fileLink("A"), fileLink("B"), fileLink("C")
		created, err := s.CreateJob(ctx, jobdoc.Document{Files: []jobdoc.FileLink{a, b}})
		if err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}

		first, err := s.UpdateJob(ctx, created.ID, UpdateJobInput{
			Document:        jobdoc.Document{Files: []jobdoc.FileLink{b}},
			DeletedFileKeys: []string{a.Key()},
		})
		if err != nil {
			t.Fatalf("first UpdateJob() error = %v", err)
		}
		if got := fileNames(first.Files); !equalStrings(got, []string{"B"}) {
			t.Fatalf("expected [B] after first save, got %v", got)
		}

		second, err := s.UpdateJob(ctx, created.ID, UpdateJobInput{
			Document: jobdoc.Document{Files: []jobdoc.FileLink{a, b, c}},
		})
		if err != nil {
			t.Fatalf("second UpdateJob() error = %v", err)
		}
		if got := fileNames(second.Files); !equalStrings(got, []string{"B", "A", "C"}) {
			t.Fatalf("expected [B A C] after second save, got %v", got)
		}
	})

	t.Run("stale expected version is rejected", func(t *testing.T) {
		created, err := s.CreateJob(ctx, jobdoc.Document{ClientName: "v1"})
		if err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
		stale := created.Version
		if _, err := s.UpdateJob(ctx, created.ID, UpdateJobInput{Document: jobdoc.Document{ClientName: "v2"}, ExpectedVersion: &stale}); err != nil {
			t.Fatalf("UpdateJob() error = %v", err)
		}
		_, err = s.UpdateJob(ctx, created.ID, UpdateJobInput{Document: jobdoc.Document{ClientName: "v3"}, ExpectedVersion: &stale})
		if !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict, got %v", err)
		}
		var conflict *ConflictError
		if !errors.As(err, &conflict) || conflict.Current != 2 {
			t.Fatalf("expected conflict at version 2, got %v", err)
		}
	})

	t.Run("contractor link round trip and cascade", func(t *testing.T) {
		created, err := s.CreateJob(ctx, jobdoc.Document{ClientName: "Acme job"})
		if err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
		link, err := s.CreateContractorLink(ctx, ContractorLink{ShortCode: "abc12345", JobID: created.ID, ContractorName: "Acme"})
		if err != nil {
			t.Fatalf("CreateContractorLink() error = %v", err)
		}
		if _, err := s.CreateContractorLink(ctx, ContractorLink{ShortCode: "abc12345", JobID: created.ID, ContractorName: "Other"}); !errors.Is(err, ErrCodeTaken) {
			t.Fatalf("expected ErrCodeTaken, got %v", err)
		}

		resolved, err := s.GetContractorLink(ctx, link.ShortCode)
		if err != nil {
			t.Fatalf("GetContractorLink() error = %v", err)
		}
		if resolved.JobID != created.ID || resolved.ContractorName != "Acme" {
			t.Fatalf("unexpected link: %+v", resolved)
		}

		if err := s.DeleteJob(ctx, created.ID); err != nil {
			t.Fatalf("DeleteJob() error = %v", err)
		}
		if _, err := s.GetContractorLink(ctx, link.ShortCode); !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("expected link to cascade, got %v", err)
		}
		if _, err := s.GetJob(ctx, created.ID); !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("expected job to be gone, got %v", err)
		}
	})

	t.Run("latest job follows updates", func(t *testing.T) {
		older, err := s.CreateJob(ctx, jobdoc.Document{ClientName: "older"})
		if err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
		if _, err := s.CreateJob(ctx, jobdoc.Document{ClientName: "newer"}); err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
		if _, err := s.UpdateJob(ctx, older.ID, UpdateJobInput{Document: jobdoc.Document{ClientName: "older touched"}}); err != nil {
			t.Fatalf("UpdateJob() error = %v", err)
		}
		latest, err := s.LatestJob(ctx)
		if err != nil {
			t.Fatalf("LatestJob() error = %v", err)
		}
		if latest.JobID() != older.ID {
			t.Fatalf("expected latest job %d, got %d", older.ID, latest.JobID())
		}
		list, err := s.ListJobs(ctx, 1)
		if err != nil {
			t.Fatalf("ListJobs() error = %v", err)
		}
		if len(list) != 1 || list[0].ID != older.ID {
			t.Fatalf("unexpected list: %+v", list)
		}
	})

	t.Run("package templates upsert by name", func(t *testing.T) {
		first, err := s.UpsertPackageTemplate(ctx, PackageTemplate{
			Name:     "TLS-450 monitor",
			Category: "Tank Monitor",
			Items:    []jobdoc.LineItem{{Description: "console", Qty: 1, Price: 9000}},
		})
		if err != nil {
			t.Fatalf("UpsertPackageTemplate() error = %v", err)
		}
		second, err := s.UpsertPackageTemplate(ctx, PackageTemplate{Name: "TLS-450 monitor", Category: "Tank Monitor"})
		if err != nil {
			t.Fatalf("UpsertPackageTemplate() error = %v", err)
		}
		if first.ID != second.ID {
			t.Fatalf("expected same template id, got %d and %d", first.ID, second.ID)
		}
		if first.Items[0].Category != "Tank Monitor" {
			t.Fatalf("expected items to inherit template category, got %+v", first.Items)
		}
		got, err := s.GetPackageTemplate(ctx, first.ID)
		if err != nil {
			t.Fatalf("GetPackageTemplate() error = %v", err)
		}
		if got.Name != "TLS-450 monitor" {
			t.Fatalf("unexpected template: %+v", got)
		}
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreMutateJobAbortsOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	created, err := s.CreateJob(ctx, jobdoc.Document{ClientName: "before"})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	boom := errors.New("boom")
	_, err = s.MutateJob(ctx, created.ID, nil, func(doc *jobdoc.Document) error {
		doc.ClientName = "after"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	loaded, err := s.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if loaded.ClientName != "before" || loaded.Version != 1 {
		t.Fatalf("expected untouched job, got %+v", loaded)
	}
}
