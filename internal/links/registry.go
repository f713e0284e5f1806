// Package links maps short opaque codes to a job and a contractor so shared
// contractor URLs stay short.
package links

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"estimator/api/internal/store"
	"estimator/api/internal/util"
)

var (
	ErrNotFound          = errors.New("contractor link not found")
	ErrInvalidContractor = errors.New("contractor name is required")
	ErrJobRequired       = errors.New("job id is required")
	// ErrCodesExhausted means every generated code collided.
	ErrCodesExhausted = errors.New("could not allocate a unique short code")
)

const (
	defaultCodeLength = 8
	defaultAttempts   = 5
)

type linkStore interface {
	CreateContractorLink(ctx context.Context, link store.ContractorLink) (store.ContractorLink, error)
	GetContractorLink(ctx context.Context, code string) (store.ContractorLink, error)
}

type Registry struct {
	store    linkStore
	cache    Cache
	newCode  func() string
	attempts int
}

type Option func(*Registry)

func WithCache(cache Cache) Option {
	return func(r *Registry) {
		if cache != nil {
			r.cache = cache
		}
	}
}

// WithCodeGenerator replaces the random code source.
func WithCodeGenerator(fn func() string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newCode = fn
		}
	}
}

func NewRegistry(s linkStore, opts ...Option) *Registry {
	r := &Registry{
		store:    s,
		cache:    noopCache{},
		newCode:  func() string { return util.NewCode(defaultCodeLength) },
		attempts: defaultAttempts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a new short code for the job and contractor. A code that
// collides with an existing one is regenerated a bounded number of times.
func (r *Registry) Create(ctx context.Context, jobID int64, contractor string) (store.ContractorLink, error) {
	contractor = strings.TrimSpace(contractor)
	if contractor == "" {
		return store.ContractorLink{}, ErrInvalidContractor
	}
	if jobID <= 0 {
		return store.ContractorLink{}, ErrJobRequired
	}

	for attempt := 0; attempt < r.attempts; attempt++ {
		link, err := r.store.CreateContractorLink(ctx, store.ContractorLink{
			ShortCode:      r.newCode(),
			JobID:          jobID,
			ContractorName: contractor,
		})
		if errors.Is(err, store.ErrCodeTaken) {
			log.Printf("short code collision for job %d (attempt %d)", jobID, attempt+1)
			continue
		}
		if err != nil {
			return store.ContractorLink{}, err
		}
		if err := r.cache.Put(ctx, link); err != nil {
			log.Printf("cache contractor link %s: %v", link.ShortCode, err)
		}
		return link, nil
	}
	return store.ContractorLink{}, ErrCodesExhausted
}

// Resolve returns the link for code, or ErrNotFound.
func (r *Registry) Resolve(ctx context.Context, code string) (store.ContractorLink, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return store.ContractorLink{}, ErrNotFound
	}

	if link, ok, err := r.cache.Get(ctx, code); err != nil {
		log.Printf("read cached contractor link %s: %v", code, err)
	} else if ok {
		return link, nil
	}

	link, err := r.store.GetContractorLink(ctx, code)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ContractorLink{}, fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	if err != nil {
		return store.ContractorLink{}, err
	}
	if err := r.cache.Put(ctx, link); err != nil {
		log.Printf("cache contractor link %s: %v", code, err)
	}
	return link, nil
}

// ForgetJob drops cached links of a deleted job. The rows themselves go with
// the job through the foreign key cascade.
func (r *Registry) ForgetJob(ctx context.Context, jobID int64) {
	if err := r.cache.InvalidateJob(ctx, jobID); err != nil {
		log.Printf("invalidate contractor links for job %d: %v", jobID, err)
	}
}
