// Package attachments stores files uploaded against a job and turns them
// into FileLinks.
package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"estimator/api/internal/jobdoc"
)

const DefaultMaxBytes = 5 << 20

var (
	ErrTooLarge  = errors.New("attachment exceeds size limit")
	ErrEmptyFile = errors.New("attachment is empty")
)

// Object is where a stored file can be fetched from. Data is set only by
// stores that keep the bytes inline.
type Object struct {
	URL  string
	Data string
}

type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (Object, error)
	Delete(ctx context.Context, key string) error
}

type Service struct {
	store    Store
	maxBytes int64
	now      func() time.Time
}

func NewService(store Store, maxBytes int64) *Service {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Service{store: store, maxBytes: maxBytes, now: time.Now}
}

// MaxBytes is the per-file limit.
func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// Upload reads at most the size limit from r and stores it under the job.
func (s *Service) Upload(ctx context.Context, jobID int64, name, contentType string, r io.Reader) (jobdoc.FileLink, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return jobdoc.FileLink{}, fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return jobdoc.FileLink{}, fmt.Errorf("%s: %w (%d bytes)", name, ErrTooLarge, s.maxBytes)
	}
	if len(data) == 0 {
		return jobdoc.FileLink{}, ErrEmptyFile
	}

	name = cleanName(name)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	key := ObjectKey(jobID, name)

	obj, err := s.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
	if err != nil {
		return jobdoc.FileLink{}, fmt.Errorf("store attachment: %w", err)
	}
	added := s.now().UTC()
	return jobdoc.FileLink{
		Name:    name,
		URL:     obj.URL,
		Data:    obj.Data,
		Type:    contentType,
		Size:    int64(len(data)),
		AddedAt: &added,
	}, nil
}

// Remove deletes the stored object behind a link this service produced for
// jobID. Links it does not recognise, or objects stored under another job,
// are ignored.
func (s *Service) Remove(ctx context.Context, jobID int64, link jobdoc.FileLink) error {
	key, ok := KeyFromURL(link.URL)
	if !ok || !OwnedBy(jobID, key) {
		return nil
	}
	return s.store.Delete(ctx, key)
}

// OwnedBy reports whether key sits under the object prefix of jobID.
func OwnedBy(jobID int64, key string) bool {
	return strings.HasPrefix(key, fmt.Sprintf("jobs/%d/", jobID))
}

// ObjectKey places every upload under jobs/<id>/ with a unique prefix so
// two uploads of the same name stay distinct files.
func ObjectKey(jobID int64, name string) string {
	return fmt.Sprintf("jobs/%d/%s-%s", jobID, uuid.NewString()[:8], cleanName(name))
}

// KeyFromURL recovers the object key from a stored URL.
func KeyFromURL(raw string) (string, bool) {
	raw = strings.TrimPrefix(raw, "inline:")
	idx := strings.Index(raw, "/jobs/")
	if idx < 0 {
		if strings.HasPrefix(raw, "jobs/") {
			return raw, true
		}
		return "", false
	}
	return raw[idx+1:], true
}

func cleanName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}
