package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileBus exchanges messages through a shared directory. Each publish
// atomically replaces estimator-sync-<channel>.json; subscribers watch the
// directory and deliver the file content when it changes. It serves
// processes that share a disk but no Redis.
type FileBus struct {
	dir    string
	logger *log.Logger
	mu     sync.Mutex
}

func NewFileBus(dir string, logger *log.Logger) (*FileBus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sync dir: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[broadcast] ", log.LstdFlags)
	}
	return &FileBus{dir: dir, logger: logger}, nil
}

func (b *FileBus) fileName(channel string) string {
	channel = strings.TrimPrefix(channel, "estimator-job-")
	return "estimator-sync-" + channel + ".json"
}

func (b *FileBus) Publish(_ context.Context, channel string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tmp, err := os.CreateTemp(b.dir, ".sync-*")
	if err != nil {
		return fmt.Errorf("create sync temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close sync file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(b.dir, b.fileName(channel))); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("publish sync file: %w", err)
	}
	return nil
}

func (b *FileBus) Subscribe(_ context.Context, channel string) (Subscription, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(b.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch sync directory %s: %w", b.dir, err)
	}

	sub := &fileSub{
		watcher: watcher,
		path:    filepath.Join(b.dir, b.fileName(channel)),
		ch:      make(chan Message, subscriptionBuffer),
		done:    make(chan struct{}),
		logger:  b.logger,
	}
	// Content already on disk predates the subscription.
	if existing, err := os.ReadFile(sub.path); err == nil {
		sub.last = existing
	}
	sub.wg.Add(1)
	go sub.processEvents()
	return sub, nil
}

type fileSub struct {
	watcher *fsnotify.Watcher
	path    string
	ch      chan Message
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	logger  *log.Logger
	last    []byte
}

func (s *fileSub) processEvents() {
	defer s.wg.Done()
	defer close(s.ch)

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			s.deliver()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("sync watcher error: %v", err)
		}
	}
}

func (s *fileSub) deliver() {
	data, err := os.ReadFile(s.path)
	if err != nil || len(data) == 0 {
		return
	}
	// A rename can surface as more than one event.
	if bytes.Equal(data, s.last) {
		return
	}
	s.last = data

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Printf("Error parsing sync file %s: %v", s.path, err)
		return
	}
	select {
	case s.ch <- msg:
	case <-s.done:
	default:
		s.logger.Printf("Warning: subscriber buffer full on %s, dropping %s", s.path, msg.Type)
	}
}

func (s *fileSub) C() <-chan Message { return s.ch }

func (s *fileSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}
