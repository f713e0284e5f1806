package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"estimator/api/internal/jobdoc"
)

var (
	ErrNetwork         = errors.New("network error")
	ErrNotFound        = errors.New("not found")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrConflict        = errors.New("version conflict")
)

// RequestError is a non-2xx answer from the API.
type RequestError struct {
	Status  int
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status))
}

func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrPayloadTooLarge:
		return e.Status == http.StatusRequestEntityTooLarge
	case ErrConflict:
		return e.Status == http.StatusConflict
	}
	return false
}

// API is the part of the HTTP surface a tab depends on.
type API interface {
	GetJob(ctx context.Context, id int64) (jobdoc.Document, error)
	LatestJob(ctx context.Context) (jobdoc.Document, error)
	CreateJob(ctx context.Context, doc jobdoc.Document) (jobdoc.SaveResponse, error)
	UpdateJob(ctx context.Context, id int64, req jobdoc.SaveRequest) (jobdoc.SaveResponse, error)
	CreateLink(ctx context.Context, jobID int64, contractor string) (jobdoc.ContractorLink, error)
	ResolveLink(ctx context.Context, code string) (jobdoc.ContractorLink, error)
}

// HTTPClient talks to the estimator API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	// TabID is sent as X-Tab-ID so the server can tag its save echo.
	TabID string
}

func NewHTTPClient(baseURL string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *HTTPClient) GetJob(ctx context.Context, id int64) (jobdoc.Document, error) {
	var doc jobdoc.Document
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+strconv.FormatInt(id, 10), nil, &doc)
	doc.Normalize()
	return doc, err
}

func (c *HTTPClient) LatestJob(ctx context.Context) (jobdoc.Document, error) {
	var doc jobdoc.Document
	err := c.do(ctx, http.MethodGet, "/api/jobs/latest", nil, &doc)
	doc.Normalize()
	return doc, err
}

func (c *HTTPClient) CreateJob(ctx context.Context, doc jobdoc.Document) (jobdoc.SaveResponse, error) {
	var out jobdoc.SaveResponse
	err := c.do(ctx, http.MethodPost, "/api/jobs", doc, &out)
	return out, err
}

func (c *HTTPClient) UpdateJob(ctx context.Context, id int64, req jobdoc.SaveRequest) (jobdoc.SaveResponse, error) {
	var out jobdoc.SaveResponse
	err := c.do(ctx, http.MethodPut, "/api/jobs/"+strconv.FormatInt(id, 10), req, &out)
	return out, err
}

func (c *HTTPClient) CreateLink(ctx context.Context, jobID int64, contractor string) (jobdoc.ContractorLink, error) {
	var out jobdoc.ContractorLink
	body := map[string]any{"jobId": jobID, "contractorName": contractor}
	err := c.do(ctx, http.MethodPost, "/api/contractor-links", body, &out)
	return out, err
}

func (c *HTTPClient) ResolveLink(ctx context.Context, code string) (jobdoc.ContractorLink, error) {
	var out jobdoc.ContractorLink
	err := c.do(ctx, http.MethodGet, "/api/contractor-links/"+url.PathEscape(code), nil, &out)
	return out, err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.TabID != "" {
		req.Header.Set("X-Tab-ID", c.TabID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)
		return &RequestError{Status: resp.StatusCode, Code: payload.Code, Message: payload.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
