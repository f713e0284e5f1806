package app

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"estimator/api/internal/attachments"
	"estimator/api/internal/config"
	"estimator/api/internal/jobdoc"
	"estimator/api/internal/notify"
	"estimator/api/internal/store"
)

func TestCreateThenUpdateAdoptsID(t *testing.T) {
	env := newTestEnv(t)

	created := env.createJob(t, jobdoc.Document{ClientName: "Northside Fuel"})
	if !created.Success || created.ID <= 0 || created.Version != 1 {
		t.Fatalf("unexpected create response: %+v", created)
	}

	// An id in the create body is ignored.
	again := env.createJob(t, jobdoc.Document{ID: jobdoc.IntID(created.ID), ClientName: "Other"})
	if again.ID == created.ID {
		t.Fatalf("create reused id %d", created.ID)
	}

	rr := env.do(t, http.MethodPut, jobPath(created.ID, ""), jobdoc.SaveRequest{
		Document: jobdoc.Document{ClientName: "Northside Fuel Pty"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var updated jobdoc.SaveResponse
	decodeResponse(t, rr, &updated)
	if updated.ID != created.ID || updated.Version != 2 {
		t.Fatalf("unexpected update response: %+v", updated)
	}

	rr = env.do(t, http.MethodGet, jobPath(created.ID, ""), nil)
	var doc jobdoc.Document
	decodeResponse(t, rr, &doc)
	if doc.ClientName != "Northside Fuel Pty" {
		t.Fatalf("expected updated client name, got %q", doc.ClientName)
	}
}

func TestUpdateMergesFilesWithTombstones(t *testing.T) {
	env := newTestEnv(t)
	created := env.createJob(t, jobdoc.Document{Files: []jobdoc.FileLink{fileLink("a.pdf"), fileLink("b.pdf")}})

	// Save 1 deletes a while sending only b.
	rr := env.do(t, http.MethodPut, jobPath(created.ID, ""), jobdoc.SaveRequest{
		Document:       jobdoc.Document{Files: []jobdoc.FileLink{fileLink("b.pdf")}},
		DeletedFileIDs: []string{fileLink("a.pdf").Key()},
	})
	var first jobdoc.SaveResponse
	decodeResponse(t, rr, &first)
	if got := strings.Join(fileNames(first.Files), ","); got != "b.pdf" {
		t.Fatalf("after save 1 expected [b.pdf], got %s", got)
	}

	// Save 2 comes from a tab that still holds a.
	rr = env.do(t, http.MethodPut, jobPath(created.ID, ""), jobdoc.SaveRequest{
		Document: jobdoc.Document{Files: []jobdoc.FileLink{fileLink("a.pdf"), fileLink("b.pdf"), fileLink("c.pdf")}},
	})
	var second jobdoc.SaveResponse
	decodeResponse(t, rr, &second)
	if got := strings.Join(fileNames(second.Files), ","); got != "b.pdf,a.pdf,c.pdf" {
		t.Fatalf("after save 2 expected [b.pdf a.pdf c.pdf], got %s", got)
	}
}

func TestUpdateVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	created := env.createJob(t, jobdoc.Document{ClientName: "Acme"})

	rr := env.do(t, http.MethodPut, jobPath(created.ID, ""), jobdoc.SaveRequest{Document: jobdoc.Document{ClientName: "One"}}, "If-Match", `"1"`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPut, jobPath(created.ID, ""), jobdoc.SaveRequest{Document: jobdoc.Document{ClientName: "Two"}}, "If-Match", "1")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	decodeResponse(t, rr, &body)
	if body.Code != "VERSION_CONFLICT" || body.Details["currentVersion"] != float64(2) {
		t.Fatalf("unexpected conflict body: %+v", body)
	}

	stale := int64(1)
	rr = env.do(t, http.MethodPut, jobPath(created.ID, ""), jobdoc.SaveRequest{Document: jobdoc.Document{ClientName: "Three"}, ExpectedVersion: &stale})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for body version, got %d", rr.Code)
	}

	// Without a precondition the last writer wins.
	rr = env.do(t, http.MethodPut, jobPath(created.ID, ""), jobdoc.SaveRequest{Document: jobdoc.Document{ClientName: "Four"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 without precondition, got %d", rr.Code)
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.MaxBodyBytes = 256 })

	rr := env.do(t, http.MethodPost, "/api/jobs", jobdoc.Document{ProjectNotes: strings.Repeat("x", 1024)})
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rr.Code, rr.Body.String())
	}
	if code := errorCode(t, rr); code != "PAYLOAD_TOO_LARGE" {
		t.Fatalf("expected PAYLOAD_TOO_LARGE, got %s", code)
	}
}

func TestMultipartHeaderDoesNotLiftJSONLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.MaxBodyBytes = 4096 })
	created := env.createJob(t, jobdoc.Document{})

	rr := env.do(t, http.MethodPut, jobPath(created.ID, ""),
		jobdoc.SaveRequest{Document: jobdoc.Document{ProjectNotes: strings.Repeat("x", 16384)}},
		"Content-Type", "multipart/form-data; boundary=x")
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestInvalidJSONBody(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodPost, "/api/jobs", "{not json")
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "INVALID_BODY" {
		t.Fatalf("expected 400 INVALID_BODY, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestGetUnknownJob(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/jobs/999", nil)
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/api/jobs/latest", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for latest on empty store, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/api/jobs/abc", nil)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "INVALID_ID" {
		t.Fatalf("expected 400 INVALID_ID, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestListAndSearchJobs(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, jobdoc.Document{ClientName: "Northside Fuel", SiteAddress: "12 Depot Rd"})
	env.createJob(t, jobdoc.Document{ClientName: "Harbour Petroleum"})

	rr := env.do(t, http.MethodGet, "/api/jobs", nil)
	var list struct {
		Jobs  []store.JobSummary `json:"jobs"`
		Total int                `json:"total"`
	}
	decodeResponse(t, rr, &list)
	if list.Total != 2 || list.Jobs[0].ClientName != "Harbour Petroleum" {
		t.Fatalf("expected most recent first, got %+v", list)
	}

	rr = env.do(t, http.MethodGet, "/api/jobs?q=depot", nil)
	var found struct {
		Jobs []struct {
			ID         int64  `json:"id"`
			ClientName string `json:"clientName"`
		} `json:"jobs"`
		Engine string `json:"engine"`
	}
	decodeResponse(t, rr, &found)
	if len(found.Jobs) != 1 || found.Jobs[0].ClientName != "Northside Fuel" || found.Engine != "fallback" {
		t.Fatalf("unexpected search response: %+v", found)
	}
}

func TestPatchItemsByUID(t *testing.T) {
	env := newTestEnv(t)
	created := env.createJob(t, jobdoc.Document{Items: []jobdoc.LineItem{
		{Category: "Tanks", Description: "Gauge", Qty: 1, Price: 100},
		{Category: "Tanks", Description: "Probe", Qty: 2, Price: 50},
	}})
	if len(created.Items) != 2 || created.Items[0].UID == "" {
		t.Fatalf("expected uids assigned on create, got %+v", created.Items)
	}
	gauge, probe := created.Items[0], created.Items[1]
	gauge.Price = 120

	rr := env.do(t, http.MethodPatch, jobPath(created.ID, "/items"), map[string]any{
		"upserts":     []jobdoc.LineItem{gauge, {Category: "Canopy", Description: "LED", Qty: 4, Price: 300}},
		"deletedUids": []string{probe.UID},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp jobdoc.SaveResponse
	decodeResponse(t, rr, &resp)
	if len(resp.Items) != 2 {
		t.Fatalf("expected 2 items, got %+v", resp.Items)
	}
	if resp.Items[0].UID != gauge.UID || resp.Items[0].Price != 120 {
		t.Fatalf("expected gauge updated in place, got %+v", resp.Items[0])
	}
	if resp.Items[1].Description != "LED" || resp.Items[1].UID == "" {
		t.Fatalf("expected LED appended with uid, got %+v", resp.Items[1])
	}
}

func TestRenameCategoryEverywhere(t *testing.T) {
	env := newTestEnv(t)
	doc := jobdoc.Document{Items: []jobdoc.LineItem{{Category: "Tanks", Description: "Gauge"}, {Category: "Canopy", Description: "LED"}}}
	doc.Normalize()
	doc.SectionScopes["Tanks"] = "Replace gauges"
	doc.ContractorAssignments["Acme"] = []string{"Tanks"}
	created := env.createJob(t, doc)

	rr := env.do(t, http.MethodPost, jobPath(created.ID, "/categories/rename"), map[string]string{"from": "Tanks", "to": "Tank Monitoring"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	stored, err := env.store.GetJob(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if stored.Items[0].Category != "Tank Monitoring" {
		t.Fatalf("item category not renamed: %+v", stored.Items[0])
	}
	if _, ok := stored.SectionScopes["Tanks"]; ok || stored.SectionScopes["Tank Monitoring"] != "Replace gauges" {
		t.Fatalf("section scope not moved: %+v", stored.SectionScopes)
	}
	if got := stored.ContractorAssignments["Acme"]; len(got) != 1 || got[0] != "Tank Monitoring" {
		t.Fatalf("assignment not renamed: %+v", got)
	}

	rr = env.do(t, http.MethodPost, jobPath(created.ID, "/categories/rename"), map[string]string{"from": "Tank Monitoring", "to": "Canopy"})
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "CATEGORY_EXISTS" {
		t.Fatalf("expected 409 CATEGORY_EXISTS, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, jobPath(created.ID, "/categories/rename"), map[string]string{"from": "Nope", "to": "Other"})
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "CATEGORY_NOT_FOUND" {
		t.Fatalf("expected 404 CATEGORY_NOT_FOUND, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestApplyPackageTemplate(t *testing.T) {
	env := newTestEnv(t)
	tpl, err := env.store.UpsertPackageTemplate(context.Background(), store.PackageTemplate{
		Name:     "Canopy LED retrofit",
		Category: "Canopy",
		Items:    []jobdoc.LineItem{{Description: "LED fixture", Qty: 12, Price: 310}},
	})
	if err != nil {
		t.Fatalf("UpsertPackageTemplate() error = %v", err)
	}
	created := env.createJob(t, jobdoc.Document{ClientName: "Acme"})

	rr := env.do(t, http.MethodGet, "/api/templates", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Canopy LED retrofit") {
		t.Fatalf("unexpected templates response %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, jobPath(created.ID, "/packages"), map[string]any{"templateId": tpl.ID})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Added []jobdoc.LineItem `json:"added"`
		Items []jobdoc.LineItem `json:"items"`
	}
	decodeResponse(t, rr, &body)
	if len(body.Added) != 1 || body.Items[0].Category != "Canopy" {
		t.Fatalf("unexpected apply response: %+v", body)
	}

	rr = env.do(t, http.MethodPost, jobPath(created.ID, "/packages"), map[string]any{"templateId": 999})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown template, got %d", rr.Code)
	}
}

func multipartBody(t *testing.T, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func TestUploadFile(t *testing.T) {
	env := newTestEnv(t)
	created := env.createJob(t, jobdoc.Document{Files: []jobdoc.FileLink{fileLink("a.pdf")}})

	body, contentType := multipartBody(t, "plan.pdf", []byte("%PDF-1.7 plan"))
	req := httptest.NewRequest(http.MethodPost, jobPath(created.ID, "/files"), body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		File  jobdoc.FileLink   `json:"file"`
		Files []jobdoc.FileLink `json:"files"`
	}
	decodeResponse(t, rr, &resp)
	if resp.File.Name != "plan.pdf" || resp.File.Size != 13 {
		t.Fatalf("unexpected file: %+v", resp.File)
	}
	if got := strings.Join(fileNames(resp.Files), ","); got != "a.pdf,plan.pdf" {
		t.Fatalf("expected upload merged after existing files, got %s", got)
	}
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t)
	created := env.createJob(t, jobdoc.Document{})

	body, contentType := multipartBody(t, "big.bin", bytes.Repeat([]byte("x"), 2048))
	req := httptest.NewRequest(http.MethodPost, jobPath(created.ID, "/files"), body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestExportHTML(t *testing.T) {
	env := newTestEnv(t)
	created := env.createJob(t, jobdoc.Document{
		ClientName:  "Northside Fuel",
		QuoteNumber: "Q-7",
		Items:       []jobdoc.LineItem{{Category: "Tanks", Description: "Gauge", Qty: 2, Price: 50}},
	})

	rr := env.do(t, http.MethodGet, jobPath(created.ID, "/export?format=html"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "Northside Fuel") || !strings.Contains(rr.Body.String(), "$100.00") {
		t.Fatalf("quote HTML missing content: %s", rr.Body.String())
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "quote-Q-7-Northside-Fuel.html") {
		t.Fatalf("unexpected disposition %q", cd)
	}

	rr = env.do(t, http.MethodGet, jobPath(created.ID, "/export?format=xlsx"), nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown format, got %d", rr.Code)
	}
}

func TestHistoryRecordsSaves(t *testing.T) {
	env := newTestEnv(t)
	created := env.createJob(t, jobdoc.Document{ClientName: "Before"})
	env.do(t, http.MethodPut, jobPath(created.ID, ""), jobdoc.SaveRequest{Document: jobdoc.Document{ClientName: "After"}})

	rr := env.do(t, http.MethodGet, jobPath(created.ID, "/history"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Revisions []struct {
			Hash    string `json:"hash"`
			Version int64  `json:"version"`
		} `json:"revisions"`
	}
	decodeResponse(t, rr, &body)
	if len(body.Revisions) != 2 || body.Revisions[0].Version != 2 {
		t.Fatalf("expected two revisions newest first, got %+v", body.Revisions)
	}

	rr = env.do(t, http.MethodGet, jobPath(created.ID, "/compare?from="+body.Revisions[1].Hash+"&to="+body.Revisions[0].Hash), nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"field":"clientName"`) {
		t.Fatalf("unexpected compare response %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, jobPath(created.ID, "/history/"+body.Revisions[1].Hash), nil)
	var snapshot jobdoc.Document
	decodeResponse(t, rr, &snapshot)
	if snapshot.ClientName != "Before" {
		t.Fatalf("expected first revision snapshot, got %q", snapshot.ClientName)
	}
}

func TestContractorLinkRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	doc := jobdoc.Document{ClientName: "Northside Fuel"}
	doc.Normalize()
	doc.ContractorAssignments["Acme"] = []string{"Tanks"}
	created := env.createJob(t, doc)

	rr := env.do(t, http.MethodPost, "/api/contractor-links", map[string]any{
		"jobId":          created.ID,
		"contractorName": "Acme",
		"email":          "acme@example.com",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var link struct {
		ShortCode string `json:"shortCode"`
		URL       string `json:"url"`
		Emailed   bool   `json:"emailed"`
	}
	decodeResponse(t, rr, &link)
	if link.URL != "https://quotes.example.com/c/"+link.ShortCode || !link.Emailed {
		t.Fatalf("unexpected link response: %+v", link)
	}
	if len(env.mailer.sent) != 1 || env.mailer.sent[0].URL != link.URL || env.mailer.sent[0].Categories[0] != "Tanks" {
		t.Fatalf("unexpected email: %+v", env.mailer.sent)
	}

	rr = env.do(t, http.MethodGet, "/api/contractor-links/"+link.ShortCode, nil)
	var resolved jobdoc.ContractorLink
	decodeResponse(t, rr, &resolved)
	if resolved.JobID != created.ID || resolved.ContractorName != "Acme" {
		t.Fatalf("expected {%d Acme}, got %+v", created.ID, resolved)
	}

	rr = env.do(t, http.MethodGet, "/api/contractor-links/missing1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown code, got %d", rr.Code)
	}
}

func TestContractorLinkEmailFailureStillCreates(t *testing.T) {
	env := newTestEnv(t)
	env.mailer.sendFn = func(string, notify.ContractorLinkData) error { return errors.New("smtp down") }
	created := env.createJob(t, jobdoc.Document{})

	rr := env.do(t, http.MethodPost, "/api/contractor-links", map[string]any{
		"jobId": created.ID, "contractorName": "Acme", "email": "acme@example.com",
	})
	if rr.Code != http.StatusCreated || !strings.Contains(rr.Body.String(), `"emailed":false`) {
		t.Fatalf("expected link without email, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/api/contractor-links", map[string]any{"jobId": created.ID, "contractorName": " "})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for blank contractor, got %d", rr.Code)
	}
}

func TestShareEncodeDecode(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/share/encode", jobdoc.Document{ClientName: "Acme", Mode: jobdoc.ModeContractor, Contractor: "Bolt"})
	var encoded struct {
		Data string `json:"data"`
		URL  string `json:"url"`
	}
	decodeResponse(t, rr, &encoded)
	if encoded.Data == "" || !strings.HasPrefix(encoded.URL, "https://quotes.example.com/?data=") {
		t.Fatalf("unexpected encode response: %+v", encoded)
	}

	rr = env.do(t, http.MethodPost, "/api/share/decode", map[string]string{"data": encoded.Data})
	var doc jobdoc.Document
	decodeResponse(t, rr, &doc)
	if doc.ClientName != "Acme" || doc.Contractor != "Bolt" {
		t.Fatalf("unexpected decoded document: %+v", doc)
	}

	rr = env.do(t, http.MethodPost, "/api/share/decode", map[string]string{"data": "%%%not-base64"})
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "INVALID_PAYLOAD" {
		t.Fatalf("expected 400 INVALID_PAYLOAD, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestDeleteJobCascades(t *testing.T) {
	env := newTestEnv(t)
	created := env.createJob(t, jobdoc.Document{ClientName: "Gone Soon"})
	rr := env.do(t, http.MethodPost, "/api/contractor-links", map[string]any{"jobId": created.ID, "contractorName": "Acme"})
	var link jobdoc.ContractorLink
	decodeResponse(t, rr, &link)

	rr = env.do(t, http.MethodDelete, jobPath(created.ID, ""), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := env.do(t, http.MethodGet, jobPath(created.ID, ""), nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/api/contractor-links/"+link.ShortCode, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected link gone with the job, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/api/jobs?q=gone", nil); strings.Contains(rr.Body.String(), "Gone Soon") {
		t.Fatalf("expected job removed from search: %s", rr.Body.String())
	}
	if rr := env.do(t, http.MethodDelete, jobPath(created.ID, ""), nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting twice, got %d", rr.Code)
	}
}

func TestCORSAndRequestID(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodOptions, "/api/jobs", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Access-Control-Allow-Headers"), "X-Tab-ID") {
		t.Fatalf("expected X-Tab-ID allowed, got %q", rr.Header().Get("Access-Control-Allow-Headers"))
	}

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected configured origin, got %q", got)
	}

	rr = env.do(t, http.MethodGet, "/api/health", nil, "X-Request-ID", "req-123")
	if rr.Header().Get("X-Request-ID") != "req-123" {
		t.Fatalf("expected request id echoed, got %q", rr.Header().Get("X-Request-ID"))
	}
}

func TestNoCORSOriginMeansSameOrigin(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHTTPServer(env.service, "").Handler()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/api/jobs", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rr.Code)
	}
	if got, ok := rr.Header()["Access-Control-Allow-Origin"]; ok {
		t.Fatalf("expected no Access-Control-Allow-Origin, got %q", got)
	}
}

func TestDeletedUploadRemovesStoredObject(t *testing.T) {
	env := newTestEnv(t)
	created := env.createJob(t, jobdoc.Document{})

	body, contentType := multipartBody(t, "photo.jpg", []byte("not really a jpeg"))
	req := httptest.NewRequest(http.MethodPost, jobPath(created.ID, "/files"), body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	var uploaded struct {
		File jobdoc.FileLink `json:"file"`
	}
	decodeResponse(t, rr, &uploaded)

	key, ok := attachments.KeyFromURL(uploaded.File.URL)
	if !ok || !env.files.Has(key) {
		t.Fatalf("expected stored object for %q", uploaded.File.URL)
	}

	rr = env.do(t, http.MethodPut, jobPath(created.ID, ""), jobdoc.SaveRequest{
		DeletedFileIDs: []string{uploaded.File.Key()},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if env.files.Has(key) {
		t.Fatalf("expected object %s removed with its tombstone", key)
	}
}

func TestTombstoneOnAnotherJobKeepsStoredObject(t *testing.T) {
	env := newTestEnv(t)
	owner := env.createJob(t, jobdoc.Document{})

	body, contentType := multipartBody(t, "plan.pdf", []byte("%PDF-1.7 plan"))
	req := httptest.NewRequest(http.MethodPost, jobPath(owner.ID, "/files"), body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	var uploaded struct {
		File jobdoc.FileLink `json:"file"`
	}
	decodeResponse(t, rr, &uploaded)
	key, ok := attachments.KeyFromURL(uploaded.File.URL)
	if !ok || !env.files.Has(key) {
		t.Fatalf("expected stored object for %q", uploaded.File.URL)
	}

	// A copy opened from a share link carries the owner's file link.
	copied := env.createJob(t, jobdoc.Document{Files: []jobdoc.FileLink{uploaded.File}})
	rr = env.do(t, http.MethodPut, jobPath(copied.ID, ""), jobdoc.SaveRequest{
		DeletedFileIDs: []string{uploaded.File.Key()},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodPut, jobPath(env.createJob(t, jobdoc.Document{}).ID, ""), jobdoc.SaveRequest{
		DeletedFileIDs: []string{uploaded.File.Key()},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !env.files.Has(key) {
		t.Fatalf("expected object %s kept for job %d", key, owner.ID)
	}

	rr = env.do(t, http.MethodDelete, jobPath(copied.ID, ""), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !env.files.Has(key) {
		t.Fatalf("expected object %s kept after deleting the copy", key)
	}

	rr = env.do(t, http.MethodGet, jobPath(owner.ID, ""), nil)
	var stored jobdoc.Document
	decodeResponse(t, rr, &stored)
	if len(stored.Files) != 1 || stored.Files[0].Name != "plan.pdf" {
		t.Fatalf("expected owner to keep plan.pdf, got %+v", stored.Files)
	}
}
