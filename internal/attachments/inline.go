package attachments

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
)

// InlineStore keeps bytes in the link itself as a data URL. It is used when
// no bucket is configured and by tests; Delete only forgets the key.
type InlineStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewInlineStore() *InlineStore {
	return &InlineStore{objects: make(map[string][]byte)}
}

func (s *InlineStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) (Object, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return Object{
		URL:  "inline:" + key,
		Data: fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data)),
	}, nil
}

func (s *InlineStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// Has reports whether key is stored.
func (s *InlineStore) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}
