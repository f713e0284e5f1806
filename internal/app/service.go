package app

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"estimator/api/internal/broadcast"
	"estimator/api/internal/config"
	"estimator/api/internal/export"
	"estimator/api/internal/history"
	"estimator/api/internal/jobdoc"
	"estimator/api/internal/links"
	"estimator/api/internal/merge"
	"estimator/api/internal/notify"
	"estimator/api/internal/search"
	"estimator/api/internal/store"
	"estimator/api/internal/templates"
)

type dataStore interface {
	ListJobs(ctx context.Context, limit int) ([]store.JobSummary, error)
	LatestJob(ctx context.Context) (jobdoc.Document, error)
	GetJob(ctx context.Context, id int64) (jobdoc.Document, error)
	CreateJob(ctx context.Context, doc jobdoc.Document) (store.SaveResult, error)
	UpdateJob(ctx context.Context, id int64, in store.UpdateJobInput) (store.SaveResult, error)
	MutateJob(ctx context.Context, id int64, expected *int64, fn func(*jobdoc.Document) error) (jobdoc.Document, error)
	DeleteJob(ctx context.Context, id int64) error
	CreateContractorLink(ctx context.Context, link store.ContractorLink) (store.ContractorLink, error)
	GetContractorLink(ctx context.Context, code string) (store.ContractorLink, error)
	ListContractorLinks(ctx context.Context, jobID int64) ([]store.ContractorLink, error)
	ListPackageTemplates(ctx context.Context) ([]store.PackageTemplate, error)
	GetPackageTemplate(ctx context.Context, id int64) (store.PackageTemplate, error)
	Ping(ctx context.Context) error
}

type historyService interface {
	Record(doc jobdoc.Document, author string) (history.Revision, error)
	List(jobID int64, limit int) ([]history.Revision, error)
	Snapshot(jobID int64, hash string) (jobdoc.Document, error)
	Compare(jobID int64, fromHash, toHash string) ([]history.FieldChange, error)
	Remove(jobID int64) error
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexJob(rec search.JobRecord)
	DeleteJob(id int64)
}

type syncHub interface {
	Publish(ctx context.Context, jobID int64, msg broadcast.Message) error
	ServeJob(w http.ResponseWriter, r *http.Request, jobID int64)
}

type mailer interface {
	IsConfigured() bool
	SendContractorLink(to string, data notify.ContractorLinkData) error
}

type fileService interface {
	Upload(ctx context.Context, jobID int64, name, contentType string, r io.Reader) (jobdoc.FileLink, error)
	Remove(ctx context.Context, jobID int64, link jobdoc.FileLink) error
	MaxBytes() int64
}

type exporter interface {
	Render(ctx context.Context, doc jobdoc.Document, req export.Request) (*export.Result, error)
}

// Pinger is a backend reported by /api/ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the service. Everything but Store is
// optional; a nil collaborator disables its feature.
type Deps struct {
	Store       dataStore
	Links       *links.Registry
	History     historyService
	Search      searchService
	Hub         syncHub
	Mailer      mailer
	Attachments fileService
	Exporter    exporter
	// Checks are reported by /api/ready next to the database.
	Checks map[string]Pinger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	links    *links.Registry
	history  historyService
	search   searchService
	hub      syncHub
	mailer   mailer
	files    fileService
	exporter exporter
	checks   map[string]Pinger
}

func New(cfg config.Config, deps Deps) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    deps.Store,
		links:    deps.Links,
		history:  deps.History,
		search:   deps.Search,
		hub:      deps.Hub,
		mailer:   deps.Mailer,
		files:    deps.Attachments,
		exporter: deps.Exporter,
		checks:   deps.Checks,
	}
	if svc.links == nil {
		svc.links = links.NewRegistry(deps.Store)
	}
	if svc.exporter == nil {
		svc.exporter = export.NewService(deps.Store)
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ListJobs returns the recency list, or search hits when query is set.
func (s *Service) ListJobs(ctx context.Context, query string, limit, offset int) (map[string]any, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query = strings.TrimSpace(query)
	if query != "" && s.search != nil {
		resp := s.search.Search(ctx, search.Query{Text: query, Limit: limit, Offset: offset})
		return map[string]any{
			"jobs":   resp.Results,
			"total":  resp.Total,
			"query":  resp.Query,
			"engine": resp.Engine,
		}, nil
	}

	jobs, err := s.store.ListJobs(ctx, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"jobs": jobs, "total": len(jobs)}, nil
}

func (s *Service) LatestJob(ctx context.Context) (jobdoc.Document, error) {
	return s.store.LatestJob(ctx)
}

func (s *Service) GetJob(ctx context.Context, id int64) (jobdoc.Document, error) {
	return s.store.GetJob(ctx, id)
}

// CreateJob inserts doc as a new job. Any id in the body is ignored.
func (s *Service) CreateJob(ctx context.Context, doc jobdoc.Document, tabID string) (jobdoc.SaveResponse, error) {
	doc.ID = nil
	result, err := s.store.CreateJob(ctx, doc)
	if err != nil {
		return jobdoc.SaveResponse{}, err
	}
	log.Printf("Job %d created", result.ID)
	s.afterSave(ctx, savedDocument(doc, result), tabID, "")
	return saveResponse(result), nil
}

// UpdateJob replaces the job with req. The version precondition comes from
// the body, falling back to ifMatch; without either the last writer wins.
func (s *Service) UpdateJob(ctx context.Context, id int64, req jobdoc.SaveRequest, ifMatch *int64, tabID string) (jobdoc.SaveResponse, error) {
	expected := req.ExpectedVersion
	if expected == nil {
		expected = ifMatch
	}
	result, err := s.store.UpdateJob(ctx, id, store.UpdateJobInput{
		Document:        req.Document,
		DeletedFileKeys: req.DeletedFileIDs,
		ExpectedVersion: expected,
	})
	if err != nil {
		return jobdoc.SaveResponse{}, err
	}
	s.afterSave(ctx, savedDocument(req.Document, result), tabID, req.Contractor)
	s.removeStoredFiles(ctx, id, result.Dropped)
	return saveResponse(result), nil
}

// PatchItems upserts and deletes line items by uid in one transaction.
func (s *Service) PatchItems(ctx context.Context, id int64, patch store.ItemPatch, tabID string) (jobdoc.SaveResponse, error) {
	doc, err := s.store.MutateJob(ctx, id, patch.ExpectedVersion, func(doc *jobdoc.Document) error {
		doc.Items = merge.KeyedItems(doc.Items, patch.Upserts, patch.DeletedUIDs)
		return nil
	})
	if err != nil {
		return jobdoc.SaveResponse{}, err
	}
	s.publish(ctx, id, broadcast.ItemsUpdated, tabID, broadcast.ItemsPayload{Items: doc.Items})
	s.afterSave(ctx, doc, tabID, "")
	return documentResponse(doc), nil
}

// RenameCategory renames a category everywhere it is referenced.
func (s *Service) RenameCategory(ctx context.Context, id int64, from, to string, expected *int64, tabID string) (jobdoc.SaveResponse, error) {
	doc, err := s.store.MutateJob(ctx, id, expected, func(doc *jobdoc.Document) error {
		return merge.RenameCategory(doc, from, to)
	})
	if err != nil {
		return jobdoc.SaveResponse{}, err
	}
	log.Printf("Job %d category %q renamed to %q", id, from, to)
	s.publish(ctx, id, broadcast.ItemsUpdated, tabID, broadcast.ItemsPayload{Items: doc.Items})
	s.publish(ctx, id, broadcast.PackagesUpdated, tabID, broadcast.PackagesPayload{Sections: doc.Sections})
	s.afterSave(ctx, doc, tabID, "")
	return documentResponse(doc), nil
}

// ApplyTemplate appends a package template's items to the job.
func (s *Service) ApplyTemplate(ctx context.Context, id, templateID int64, expected *int64, tabID string) (map[string]any, error) {
	tpl, err := s.store.GetPackageTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	var added []jobdoc.LineItem
	doc, err := s.store.MutateJob(ctx, id, expected, func(doc *jobdoc.Document) error {
		added = templates.Apply(doc, tpl)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, id, broadcast.ItemsUpdated, tabID, broadcast.ItemsPayload{Items: doc.Items})
	s.afterSave(ctx, doc, tabID, "")
	return map[string]any{
		"success": true,
		"id":      id,
		"version": doc.Version,
		"added":   added,
		"items":   doc.Items,
	}, nil
}

func (s *Service) DeleteJob(ctx context.Context, id int64) error {
	doc, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.removeStoredFiles(ctx, id, doc.Files)
	s.links.ForgetJob(ctx, id)
	if s.search != nil {
		s.search.DeleteJob(id)
	}
	if s.history != nil {
		if err := s.history.Remove(id); err != nil {
			log.Printf("Warning: remove history for job %d: %v", id, err)
		}
	}
	log.Printf("Job %d deleted", id)
	return nil
}

// UploadFile stores one attachment and merges it into the job's files.
func (s *Service) UploadFile(ctx context.Context, id int64, name, contentType string, r io.Reader, tabID string) (map[string]any, error) {
	if s.files == nil {
		return nil, domainError(http.StatusServiceUnavailable, "UPLOADS_UNAVAILABLE", "File storage is not configured", nil)
	}
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	link, err := s.files.Upload(ctx, id, name, contentType, r)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.MutateJob(ctx, id, nil, func(doc *jobdoc.Document) error {
		doc.Files = merge.Files(doc.Files, []jobdoc.FileLink{link}, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, id, broadcast.FilesUpdated, tabID, broadcast.FilesPayload{Files: doc.Files})
	s.afterSave(ctx, doc, tabID, "")
	return map[string]any{"file": link, "files": doc.Files, "version": doc.Version}, nil
}

// removeStoredFiles deletes the objects behind files that left a job.
// Failures only leave an orphaned object behind.
func (s *Service) removeStoredFiles(ctx context.Context, jobID int64, files []jobdoc.FileLink) {
	if s.files == nil {
		return
	}
	for _, file := range files {
		if err := s.files.Remove(ctx, jobID, file); err != nil {
			log.Printf("Warning: remove attachment %s of job %d: %v", file.Name, jobID, err)
		}
	}
}

func (s *Service) maxBodyBytes() int64 {
	if s.cfg.MaxBodyBytes <= 0 {
		return 50 << 20
	}
	return s.cfg.MaxBodyBytes
}

func (s *Service) MaxUploadBytes() int64 {
	if s.files == nil {
		return s.cfg.MaxUploadBytes
	}
	return s.files.MaxBytes()
}

// Settings are the values tabs need before their first save.
func (s *Service) Settings() map[string]any {
	debounce := s.cfg.SaveDebounce
	if debounce <= 0 {
		debounce = time.Second
	}
	return map[string]any{
		"saveDebounceMs": debounce.Milliseconds(),
		"maxBodyBytes":   s.maxBodyBytes(),
		"maxUploadBytes": s.MaxUploadBytes(),
		"publicUrl":      s.cfg.PublicURL,
		"uploads":        s.files != nil,
		"sync":           s.hub != nil,
		"email":          s.mailer != nil && s.mailer.IsConfigured(),
	}
}

func (s *Service) ExportJob(ctx context.Context, id int64, format export.Format, contractor string) (*export.Result, error) {
	doc, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.exporter.Render(ctx, doc, export.Request{JobID: id, Format: format, Contractor: contractor})
}

func (s *Service) History(ctx context.Context, id int64, limit int) (map[string]any, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	revisions := []history.Revision{}
	if s.history != nil {
		list, err := s.history.List(id, limit)
		if err != nil {
			return nil, err
		}
		revisions = list
	}
	return map[string]any{"jobId": id, "revisions": revisions}, nil
}

func (s *Service) Revision(_ context.Context, id int64, hash string) (jobdoc.Document, error) {
	if s.history == nil {
		return jobdoc.Document{}, domainError(http.StatusNotFound, "NOT_FOUND", "History is not enabled", nil)
	}
	doc, err := s.history.Snapshot(id, hash)
	if err != nil {
		return jobdoc.Document{}, domainError(http.StatusNotFound, "REVISION_NOT_FOUND", "Revision not found", nil)
	}
	return doc, nil
}

func (s *Service) Compare(_ context.Context, id int64, fromHash, toHash string) (map[string]any, error) {
	if fromHash == "" || toHash == "" {
		return nil, validationError("from and to are required")
	}
	if s.history == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "History is not enabled", nil)
	}
	changes, err := s.history.Compare(id, fromHash, toHash)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "REVISION_NOT_FOUND", "Revision not found", nil)
	}
	return map[string]any{"from": fromHash, "to": toHash, "changes": changes}, nil
}

func (s *Service) ListTemplates(ctx context.Context) ([]store.PackageTemplate, error) {
	return s.store.ListPackageTemplates(ctx)
}

func (s *Service) GetTemplate(ctx context.Context, id int64) (store.PackageTemplate, error) {
	return s.store.GetPackageTemplate(ctx, id)
}

// CreateContractorLink allocates a short code and, when email is given and
// SMTP is configured, mails the link to the contractor.
func (s *Service) CreateContractorLink(ctx context.Context, jobID int64, contractor, email string) (map[string]any, error) {
	doc, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	link, err := s.links.Create(ctx, jobID, contractor)
	if err != nil {
		return nil, err
	}
	resolved := s.linkView(link)

	emailed := false
	email = strings.TrimSpace(email)
	if email != "" && s.mailer != nil && s.mailer.IsConfigured() {
		err := s.mailer.SendContractorLink(email, notify.ContractorLinkData{
			CompanyName:    doc.CompanyName,
			ContractorName: link.ContractorName,
			ClientName:     doc.ClientName,
			SiteAddress:    doc.SiteAddress,
			Categories:     doc.AssignedCategories(link.ContractorName),
			URL:            resolved.URL,
		})
		if err != nil {
			log.Printf("Warning: email contractor link %s: %v", link.ShortCode, err)
		} else {
			emailed = true
		}
	}

	return map[string]any{
		"shortCode":      resolved.ShortCode,
		"jobId":          resolved.JobID,
		"contractorName": resolved.ContractorName,
		"url":            resolved.URL,
		"emailed":        emailed,
	}, nil
}

func (s *Service) ResolveContractorLink(ctx context.Context, code string) (jobdoc.ContractorLink, error) {
	link, err := s.links.Resolve(ctx, code)
	if err != nil {
		return jobdoc.ContractorLink{}, err
	}
	return s.linkView(link), nil
}

func (s *Service) ListContractorLinks(ctx context.Context, jobID int64) ([]jobdoc.ContractorLink, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListContractorLinks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]jobdoc.ContractorLink, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.linkView(row))
	}
	return out, nil
}

func (s *Service) linkView(link store.ContractorLink) jobdoc.ContractorLink {
	return jobdoc.ContractorLink{
		ShortCode:      link.ShortCode,
		JobID:          link.JobID,
		ContractorName: link.ContractorName,
		URL:            s.cfg.PublicURL + "/c/" + link.ShortCode,
	}
}

func (s *Service) EncodeShare(doc jobdoc.Document) (map[string]any, error) {
	payload, err := jobdoc.Encode(doc)
	if err != nil {
		return nil, err
	}
	return map[string]any{"data": payload, "url": s.cfg.PublicURL + "/?data=" + payload}, nil
}

func (s *Service) DecodeShare(payload string) (jobdoc.Document, error) {
	if strings.TrimSpace(payload) == "" {
		return jobdoc.Document{}, validationError("data is required")
	}
	return jobdoc.Decode(payload)
}

// ServeSync attaches a websocket client to the job channel.
func (s *Service) ServeSync(w http.ResponseWriter, r *http.Request, jobID int64) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "SYNC_UNAVAILABLE", "Sync is not enabled", nil)
		return
	}
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	s.hub.ServeJob(w, r, jobID)
}

// afterSave tells the other tabs about the save and feeds history and search.
// None of these failures fail the write.
func (s *Service) afterSave(ctx context.Context, doc jobdoc.Document, tabID, author string) {
	id := doc.JobID()
	s.publish(ctx, id, broadcast.JobSaved, tabID, broadcast.SavedPayload{ID: id, Version: doc.Version, Files: doc.Files})

	if s.search != nil {
		s.search.IndexJob(search.RecordFor(doc))
	}
	if s.history != nil {
		if author == "" {
			author = "owner"
		}
		if _, err := s.history.Record(doc, author); err != nil {
			log.Printf("Warning: record history for job %d: %v", id, err)
		}
	}
}

func (s *Service) publish(ctx context.Context, jobID int64, kind broadcast.MessageType, tabID string, payload any) {
	if s.hub == nil || jobID == 0 {
		return
	}
	if tabID == "" {
		tabID = broadcast.ServerTabID
	}
	msg, err := broadcast.NewMessage(kind, tabID, payload)
	if err != nil {
		log.Printf("Warning: build %s message: %v", kind, err)
		return
	}
	if err := s.hub.Publish(ctx, jobID, msg); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Warning: publish %s for job %d: %v", kind, jobID, err)
	}
}

func savedDocument(doc jobdoc.Document, result store.SaveResult) jobdoc.Document {
	doc.ID = jobdoc.IntID(result.ID)
	doc.Version = result.Version
	doc.Files = result.Files
	doc.Items = result.Items
	updated := result.UpdatedAt
	doc.UpdatedAt = &updated
	return doc
}

func saveResponse(result store.SaveResult) jobdoc.SaveResponse {
	updated := result.UpdatedAt
	return jobdoc.SaveResponse{
		Success:   true,
		ID:        result.ID,
		Version:   result.Version,
		Files:     nonNilFiles(result.Files),
		Items:     result.Items,
		UpdatedAt: &updated,
	}
}

func documentResponse(doc jobdoc.Document) jobdoc.SaveResponse {
	return jobdoc.SaveResponse{
		Success:   true,
		ID:        doc.JobID(),
		Version:   doc.Version,
		Files:     nonNilFiles(doc.Files),
		Items:     doc.Items,
		UpdatedAt: doc.UpdatedAt,
	}
}

func nonNilFiles(files []jobdoc.FileLink) []jobdoc.FileLink {
	if files == nil {
		return []jobdoc.FileLink{}
	}
	return files
}

func parseID(value string) (int64, error) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, domainError(http.StatusBadRequest, "INVALID_ID", "Invalid id", nil)
	}
	return id, nil
}
