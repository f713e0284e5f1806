package export

import (
	"context"
	"fmt"
	"strings"

	"estimator/api/internal/jobdoc"
)

// JobSource loads the job being exported.
type JobSource interface {
	GetJob(ctx context.Context, id int64) (jobdoc.Document, error)
}

type renderFunc func(ctx context.Context, html string) ([]byte, error)

// Service provides quote export functionality
type Service struct {
	jobs JobSource
	pdf  renderFunc
	docx renderFunc
}

// NewService creates a new export service
func NewService(jobs JobSource) *Service {
	return &Service{jobs: jobs, pdf: renderPDF, docx: renderDOCX}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	doc, err := s.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return s.Render(ctx, doc, req)
}

// Render exports a document that is already in hand.
func (s *Service) Render(ctx context.Context, doc jobdoc.Document, req Request) (*Result, error) {
	html, err := RenderQuoteHTML(BuildQuote(doc, req.Contractor))
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	base := quoteFilename(doc, req.Contractor)
	switch req.Format {
	case FormatHTML:
		return &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF, "":
		data, err := s.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
	case FormatDOCX:
		data, err := s.docx(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{
			Data:     data,
			Filename: base + ".docx",
			MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

func quoteFilename(doc jobdoc.Document, contractor string) string {
	parts := []string{"quote"}
	if doc.QuoteNumber != "" {
		parts = append(parts, doc.QuoteNumber)
	}
	if doc.ClientName != "" {
		parts = append(parts, doc.ClientName)
	}
	if contractor != "" {
		parts = append(parts, contractor)
	}
	return sanitizeFilename(strings.Join(parts, " "))
}

// sanitizeFilename creates a safe filename from a title
func sanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	result := b.String()
	if len(result) > 60 {
		result = result[:60]
	}
	if result == "" {
		result = "quote"
	}
	return result
}
