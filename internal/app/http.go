package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"estimator/api/internal/export"
	"estimator/api/internal/jobdoc"
	"estimator/api/internal/store"
	"estimator/api/internal/util"
)

const multipartOverhead = 1 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/settings" {
		writeJSON(w, http.StatusOK, s.service.Settings())
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// Uploads carry their own limit in handleUpload.
	if r.Body != nil && r.Method != http.MethodGet && !isUploadRoute(r.Method, parts) {
		r.Body = http.MaxBytesReader(w, r.Body, s.service.maxBodyBytes())
	}

	switch parts[1] {
	case "jobs":
		s.handleJobs(w, r, parts)
		return
	case "contractor-links":
		s.handleContractorLinks(w, r, parts)
		return
	case "templates":
		s.handleTemplates(w, r, parts)
		return
	case "share":
		s.handleShare(w, r, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	// Optional backends degrade features but never fail readiness.
	for name, check := range s.service.checks {
		if err := check.Ping(ctx); err != nil {
			checks[name] = map[string]any{"status": "degraded", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleJobs(w http.ResponseWriter, r *http.Request, parts []string) {
	tabID := strings.TrimSpace(r.Header.Get("X-Tab-ID"))

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			query := r.URL.Query()
			limit, _ := strconv.Atoi(query.Get("limit"))
			offset, _ := strconv.Atoi(query.Get("offset"))
			payload, err := s.service.ListJobs(r.Context(), query.Get("q"), limit, offset)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPost:
			var doc jobdoc.Document
			if err := decodeBody(r, &doc); err != nil {
				writeBodyError(w, err)
				return
			}
			resp, err := s.service.CreateJob(r.Context(), doc, tabID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, resp)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 3 && parts[2] == "latest" && r.Method == http.MethodGet {
		doc, err := s.service.LatestJob(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
		return
	}

	jobID, err := parseID(parts[2])
	if err != nil {
		writeMappedError(w, err)
		return
	}

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			doc, err := s.service.GetJob(r.Context(), jobID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, doc)
		case http.MethodPut:
			var body jobdoc.SaveRequest
			if err := decodeBody(r, &body); err != nil {
				writeBodyError(w, err)
				return
			}
			ifMatch, err := ifMatchVersion(r)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			resp, err := s.service.UpdateJob(r.Context(), jobID, body, ifMatch, tabID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		case http.MethodDelete:
			if err := s.service.DeleteJob(r.Context(), jobID); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	action := parts[3]

	if action == "items" && len(parts) == 4 && r.Method == http.MethodPatch {
		var body struct {
			Upserts         []jobdoc.LineItem `json:"upserts"`
			DeletedUIDs     []string          `json:"deletedUids"`
			ExpectedVersion *int64            `json:"expectedVersion"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		expected, err := expectedVersion(r, body.ExpectedVersion)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		resp, err := s.service.PatchItems(r.Context(), jobID, store.ItemPatch{
			Upserts:         body.Upserts,
			DeletedUIDs:     body.DeletedUIDs,
			ExpectedVersion: expected,
		}, tabID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if action == "categories" && len(parts) == 5 && parts[4] == "rename" && r.Method == http.MethodPost {
		var body struct {
			From            string `json:"from"`
			To              string `json:"to"`
			ExpectedVersion *int64 `json:"expectedVersion"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		expected, err := expectedVersion(r, body.ExpectedVersion)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		resp, err := s.service.RenameCategory(r.Context(), jobID, body.From, body.To, expected, tabID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if action == "packages" && len(parts) == 4 && r.Method == http.MethodPost {
		var body struct {
			TemplateID      int64  `json:"templateId"`
			ExpectedVersion *int64 `json:"expectedVersion"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		if body.TemplateID <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "templateId is required", nil)
			return
		}
		payload, err := s.service.ApplyTemplate(r.Context(), jobID, body.TemplateID, body.ExpectedVersion, tabID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if action == "files" && len(parts) == 4 && r.Method == http.MethodPost {
		s.handleUpload(w, r, jobID, tabID)
		return
	}

	if action == "export" && len(parts) == 4 && r.Method == http.MethodGet {
		format, err := export.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be 'pdf', 'docx' or 'html'", nil)
			return
		}
		result, err := s.service.ExportJob(r.Context(), jobID, format, strings.TrimSpace(r.URL.Query().Get("contractor")))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=\""+result.Filename+"\"")
		w.Header().Set("Content-Type", result.MimeType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	if action == "history" && r.Method == http.MethodGet {
		if len(parts) == 4 {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			payload, err := s.service.History(r.Context(), jobID, limit)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		if len(parts) == 5 {
			doc, err := s.service.Revision(r.Context(), jobID, parts[4])
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, doc)
			return
		}
	}

	if action == "compare" && len(parts) == 4 && r.Method == http.MethodGet {
		query := r.URL.Query()
		payload, err := s.service.Compare(r.Context(), jobID, strings.TrimSpace(query.Get("from")), strings.TrimSpace(query.Get("to")))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if action == "contractor-links" && len(parts) == 4 && r.Method == http.MethodGet {
		items, err := s.service.ListContractorLinks(r.Context(), jobID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"links": items})
		return
	}

	if action == "sync" && len(parts) == 4 && r.Method == http.MethodGet {
		s.service.ServeSync(w, r, jobID)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, jobID int64, tabID string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.service.MaxUploadBytes()+multipartOverhead)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart/form-data body required", nil)
		return
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file field is required", nil)
			return
		}
		if err != nil {
			writeBodyError(w, err)
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			_ = part.Close()
			continue
		}
		payload, err := s.service.UploadFile(r.Context(), jobID, part.FileName(), part.Header.Get("Content-Type"), part, tabID)
		_ = part.Close()
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}
}

func (s *HTTPServer) handleContractorLinks(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) == 2 && r.Method == http.MethodPost {
		var body struct {
			JobID          int64  `json:"jobId"`
			ContractorName string `json:"contractorName"`
			Email          string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		if body.JobID <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "jobId is required", nil)
			return
		}
		payload, err := s.service.CreateContractorLink(r.Context(), body.JobID, body.ContractorName, body.Email)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	if len(parts) == 3 && r.Method == http.MethodGet {
		link, err := s.service.ResolveContractorLink(r.Context(), parts[2])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, link)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleTemplates(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	if len(parts) == 2 {
		items, err := s.service.ListTemplates(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"templates": items})
		return
	}
	if len(parts) == 3 {
		id, err := parseID(parts[2])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		item, err := s.service.GetTemplate(r.Context(), id)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleShare(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 3 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch parts[2] {
	case "encode":
		var doc jobdoc.Document
		if err := decodeBody(r, &doc); err != nil {
			writeBodyError(w, err)
			return
		}
		payload, err := s.service.EncodeShare(doc)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case "decode":
		var body struct {
			Data string `json:"data"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeBodyError(w, err)
			return
		}
		doc, err := s.service.DecodeShare(body.Data)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the sync route upgrade to a websocket through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// setCORSHeaders leaves Access-Control-Allow-Origin unset when no origin is
// configured, so browsers only allow same-origin callers.
func setCORSHeaders(header http.Header, corsOrigin string) {
	if corsOrigin != "" {
		header.Set("Access-Control-Allow-Origin", corsOrigin)
	}
	header.Set("Access-Control-Allow-Headers", "Content-Type, If-Match, X-Request-ID, X-Tab-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("Error: %v", err)
	}
	writeError(w, status, code, message, details)
}

// writeBodyError answers a body that could not be read: 413 when it hit
// the size cap, 400 otherwise.
func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Payload too large", map[string]any{"limit": tooLarge.Limit})
		return
	}
	writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func isUploadRoute(method string, parts []string) bool {
	return method == http.MethodPost && len(parts) == 4 && parts[1] == "jobs" && parts[3] == "files"
}

// ifMatchVersion reads an optional If-Match version, quoted or bare.
func ifMatchVersion(r *http.Request) (*int64, error) {
	raw := strings.Trim(strings.TrimPrefix(strings.TrimSpace(r.Header.Get("If-Match")), "W/"), `"`)
	if raw == "" || raw == "*" {
		return nil, nil
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_IF_MATCH", "If-Match must be a job version", nil)
	}
	return &version, nil
}

func expectedVersion(r *http.Request, fromBody *int64) (*int64, error) {
	if fromBody != nil {
		return fromBody, nil
	}
	return ifMatchVersion(r)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
