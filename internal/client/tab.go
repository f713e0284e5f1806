// Package client holds one tab's view of a job document. Every local edit
// goes through Tab.Apply, which updates the document, caches it, schedules a
// debounced save and tells sibling tabs what changed.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"estimator/api/internal/access"
	"estimator/api/internal/broadcast"
	"estimator/api/internal/jobdoc"
	"estimator/api/internal/merge"
)

const DefaultDebounce = time.Second

// Source tells where the loaded document came from.
type Source string

const (
	SourceNone     Source = ""
	SourceDatabase Source = "database"
	SourcePayload  Source = "payload"
	SourceLatest   Source = "latest"
	SourceCache    Source = "cache"
	SourceEmpty    Source = "empty"
)

// JoinFunc attaches a tab to the broadcast channel of a job.
type JoinFunc func(ctx context.Context, jobID int64, tabID string) (broadcast.Endpoint, error)

// BusJoiner joins channels of an in-process or Redis bus.
func BusJoiner(bus broadcast.Bus) JoinFunc {
	return func(ctx context.Context, jobID int64, tabID string) (broadcast.Endpoint, error) {
		ep, err := broadcast.Join(ctx, bus, jobID, tabID)
		if err != nil {
			return nil, err
		}
		return ep, nil
	}
}

// WebsocketJoiner joins channels through the API's sync route.
func WebsocketJoiner(baseURL string, hc *http.Client) JoinFunc {
	return func(ctx context.Context, jobID int64, tabID string) (broadcast.Endpoint, error) {
		ep, err := broadcast.DialEndpoint(ctx, baseURL, jobID, tabID, hc)
		if err != nil {
			return nil, err
		}
		return ep, nil
	}
}

type Config struct {
	API      API
	Cache    Cache
	Notifier Notifier
	Join     JoinFunc
	Debounce time.Duration
	TabID    string
	Logger   *log.Logger
	// OptimisticLocking sends the known version with every update so a
	// concurrent write is reported instead of overwritten.
	OptimisticLocking bool
	// OnChange runs after every local or remote change, outside the lock.
	// It must not call Load or Flush.
	OnChange func(doc jobdoc.Document)
}

type LoadOptions struct {
	JobID      int64
	Payload    string
	ShortCode  string
	Mode       string
	Contractor string
}

// Tab is the single owner of one tab's document state.
type Tab struct {
	cfg    Config
	logger *log.Logger

	mu         sync.Mutex
	doc        jobdoc.Document
	source     Source
	payloadID  int64
	detached   bool
	tombstones []string
	added      []jobdoc.FileLink
	dirty      bool
	timer      *time.Timer
	endpoint   broadcast.Endpoint
	listening  sync.WaitGroup
	closed     bool
	// generation counts loads; a save answer only lands on the load it
	// was made from.
	generation uint64

	// saveMu serializes saves and loads.
	saveMu sync.Mutex
}

func NewTab(cfg Config) *Tab {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.TabID == "" {
		cfg.TabID = uuid.NewString()
	}
	if cfg.Cache == nil {
		cfg.Cache = &MemoryCache{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = LogNotifier{Logger: cfg.Logger}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[client] ", log.LstdFlags)
	}
	doc := jobdoc.Document{}
	doc.Normalize()
	return &Tab{cfg: cfg, logger: logger, doc: doc}
}

func (t *Tab) TabID() string { return t.cfg.TabID }

// Document returns a copy of the current document.
func (t *Tab) Document() jobdoc.Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.Clone()
}

func (t *Tab) Source() Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.source
}

// Dirty reports whether local edits are waiting to be saved.
func (t *Tab) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

// PendingDeletes returns the file tombstones not yet acknowledged.
func (t *Tab) PendingDeletes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.tombstones...)
}

func (t *Tab) Grant() access.Grant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return access.GrantFor(t.doc)
}

// Load picks the document from the first available source: a job id (or a
// short code resolving to one), a share payload, the most recent job, the
// local cache, and finally an empty document. Pending edits of the current
// document are saved first; if that save fails the load is abandoned. A
// corrupt payload, or a job id that can be neither fetched nor found in the
// cache, is reported and leaves the current state untouched.
func (t *Tab) Load(ctx context.Context, opts LoadOptions) (Source, error) {
	if opts.ShortCode != "" {
		link, err := t.cfg.API.ResolveLink(ctx, opts.ShortCode)
		if err != nil {
			t.notify(LevelError, "This contractor link is not valid.")
			return SourceNone, fmt.Errorf("resolve link: %w", err)
		}
		opts.JobID = link.JobID
		opts.Mode = jobdoc.ModeContractor
		opts.Contractor = link.ContractorName
	}

	t.saveMu.Lock()
	defer t.saveMu.Unlock()
	if err := t.flushLocked(ctx); err != nil {
		return SourceNone, fmt.Errorf("save pending edits: %w", err)
	}

	var (
		doc      jobdoc.Document
		source   Source
		detached bool
		carried  int64
	)
	switch {
	case opts.JobID > 0:
		fetched, err := t.cfg.API.GetJob(ctx, opts.JobID)
		if err == nil {
			doc, source = fetched, SourceDatabase
			break
		}
		t.notify(LevelError, fmt.Sprintf("Could not load job %d: %v", opts.JobID, err))
		cached, ok := t.cachedJob(ctx, opts.JobID)
		if !ok {
			return SourceNone, fmt.Errorf("load job %d: %w", opts.JobID, err)
		}
		doc, source = cached, SourceCache
	case opts.Payload != "":
		decoded, err := jobdoc.Decode(opts.Payload)
		if err != nil {
			t.notify(LevelError, "The shared link is damaged and could not be opened.")
			return SourceNone, err
		}
		carried = decoded.JobID()
		decoded.ID = nil
		decoded.Version = 0
		doc, source, detached = decoded, SourcePayload, true
	default:
		latest, err := t.cfg.API.LatestJob(ctx)
		if err == nil {
			doc, source = latest, SourceLatest
			break
		}
		if !errors.Is(err, ErrNotFound) {
			t.notify(LevelError, fmt.Sprintf("Could not load the latest job: %v", err))
		}
		doc, source = t.fromCache(ctx)
	}

	if opts.Mode != "" {
		doc.Mode = opts.Mode
	}
	if opts.Contractor != "" {
		doc.Contractor = opts.Contractor
	}
	doc.Normalize()

	// Edits made while the source was being fetched belong to the old
	// document.
	for {
		if err := t.flushLocked(ctx); err != nil {
			return SourceNone, fmt.Errorf("save pending edits: %w", err)
		}
		t.mu.Lock()
		if !t.dirty {
			break
		}
		t.mu.Unlock()
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation++
	previous := t.endpoint
	t.endpoint = nil
	t.doc = doc
	t.source = source
	t.detached = detached
	t.payloadID = carried
	t.tombstones = nil
	t.added = nil
	t.dirty = false
	snapshot := t.doc.Clone()
	t.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	if doc.HasID() {
		t.join(ctx, doc.JobID())
	}
	if source != SourceEmpty {
		t.storeCache(ctx, snapshot)
	}
	t.changed(snapshot)
	return source, nil
}

func (t *Tab) fromCache(ctx context.Context) (jobdoc.Document, Source) {
	cached, ok, err := t.cfg.Cache.Load(ctx)
	if err != nil {
		t.logger.Printf("Warning: failed to read local cache: %v", err)
	}
	if ok {
		return cached, SourceCache
	}
	doc := jobdoc.Document{}
	doc.Normalize()
	return doc, SourceEmpty
}

// cachedJob returns the cached document only when it is the job asked for.
func (t *Tab) cachedJob(ctx context.Context, jobID int64) (jobdoc.Document, bool) {
	cached, ok, err := t.cfg.Cache.Load(ctx)
	if err != nil {
		t.logger.Printf("Warning: failed to read local cache: %v", err)
		return jobdoc.Document{}, false
	}
	if !ok || cached.JobID() != jobID {
		return jobdoc.Document{}, false
	}
	return cached, true
}

// Apply runs one mutation through the pipeline.
func (t *Tab) Apply(ctx context.Context, m Mutation) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%s: tab is closed", m.Name())
	}
	if err := m.Check(access.GrantFor(t.doc), t.doc); err != nil {
		t.mu.Unlock()
		if errors.Is(err, access.ErrForbidden) || errors.Is(err, access.ErrCategoryNotAssigned) {
			t.notify(LevelError, "You can only edit the sections assigned to you.")
		}
		return err
	}
	next := t.doc.Clone()
	effect, err := m.Apply(&next)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("%s: %w", m.Name(), err)
	}
	t.doc = next

	for _, f := range effect.AddedFiles {
		t.tombstones = removeKey(t.tombstones, f.Key())
	}
	t.added = merge.Files(t.added, effect.AddedFiles, effect.DeletedFiles)
	for _, key := range effect.DeletedFiles {
		t.tombstones = appendKey(t.tombstones, key)
	}
	t.dirty = true
	t.scheduleLocked()

	msgs := t.messagesLocked(effect)
	endpoint := t.endpoint
	snapshot := t.doc.Clone()
	t.mu.Unlock()

	t.storeCache(ctx, snapshot)
	t.publish(ctx, endpoint, msgs)
	t.changed(snapshot)
	return nil
}

func (t *Tab) scheduleLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.cfg.Debounce, func() {
		// Failures are reported through the notifier.
		_ = t.Flush(context.Background())
	})
}

func (t *Tab) messagesLocked(effect Effect) []broadcast.Message {
	var out []broadcast.Message
	add := func(kind broadcast.MessageType, payload any) {
		msg, err := broadcast.NewMessage(kind, t.cfg.TabID, payload)
		if err != nil {
			t.logger.Printf("Failed to build %s message: %v", kind, err)
			return
		}
		out = append(out, msg)
	}
	if effect.Items {
		add(broadcast.ItemsUpdated, broadcast.ItemsPayload{Items: t.doc.Items})
	}
	if effect.Files {
		add(broadcast.FilesUpdated, broadcast.FilesPayload{Files: t.doc.Files, DeletedFileIDs: effect.DeletedFiles})
	}
	if effect.Packages {
		add(broadcast.PackagesUpdated, broadcast.PackagesPayload{Sections: t.doc.Sections})
	}
	return out
}

// Flush saves pending edits now. Saves never overlap; a failed save is
// reported, the edits stay pending and nothing is retried until the next
// edit or Flush.
func (t *Tab) Flush(ctx context.Context) error {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()
	return t.flushLocked(ctx)
}

// flushLocked saves pending edits. The caller holds saveMu.
func (t *Tab) flushLocked(ctx context.Context) error {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if !t.dirty {
		t.mu.Unlock()
		return nil
	}
	snapshot := t.doc.Clone()
	sentTombstones := append([]string(nil), t.tombstones...)
	sentAdds := append([]jobdoc.FileLink(nil), t.added...)
	detached, carried := t.detached, t.payloadID
	generation := t.generation
	t.dirty = false
	t.mu.Unlock()

	resp, err := t.save(ctx, snapshot, sentTombstones, detached, carried)
	if err != nil {
		t.mu.Lock()
		if t.generation == generation {
			t.dirty = true
		}
		t.mu.Unlock()
		t.notifySaveError(err)
		return err
	}

	t.mu.Lock()
	if t.generation != generation || (snapshot.HasID() && t.doc.JobID() != snapshot.JobID()) {
		t.mu.Unlock()
		t.logger.Printf("Job %d saved after the tab moved on, response dropped", resp.ID)
		return nil
	}
	created := !t.doc.HasID()
	if created {
		t.doc.ID = jobdoc.IntID(resp.ID)
		t.detached = false
		t.payloadID = 0
	}
	t.doc.Version = resp.Version
	for _, key := range sentTombstones {
		t.tombstones = removeKey(t.tombstones, key)
	}
	t.added = merge.MissingFiles(t.added, sentAdds)
	t.doc.Files = merge.Files(resp.Files, t.added, t.tombstones)
	if resp.Items != nil && sameItems(snapshot.Items, t.doc.Items) {
		t.doc.Items = append([]jobdoc.LineItem(nil), resp.Items...)
	}
	needJoin := t.endpoint == nil && !t.closed
	doc := t.doc.Clone()
	t.mu.Unlock()

	if created && carried == 0 {
		t.logger.Printf("Job %d created", resp.ID)
	}
	t.storeCache(ctx, doc)
	if needJoin {
		t.join(ctx, resp.ID)
	}
	t.mu.Lock()
	endpoint := t.endpoint
	t.mu.Unlock()
	saved, err := broadcast.NewMessage(broadcast.JobSaved, t.cfg.TabID, broadcast.SavedPayload{
		ID: resp.ID, Version: resp.Version, Files: resp.Files,
	})
	if err == nil {
		t.publish(ctx, endpoint, []broadcast.Message{saved})
	}
	t.changed(doc)
	return nil
}

func (t *Tab) save(ctx context.Context, doc jobdoc.Document, tombstones []string, detached bool, carried int64) (jobdoc.SaveResponse, error) {
	switch {
	case doc.HasID():
		req := jobdoc.SaveRequest{Document: doc, DeletedFileIDs: tombstones}
		if t.cfg.OptimisticLocking && doc.Version > 0 {
			v := doc.Version
			req.ExpectedVersion = &v
		}
		return t.cfg.API.UpdateJob(ctx, doc.JobID(), req)
	case detached && carried > 0:
		doc.ID = jobdoc.IntID(carried)
		resp, err := t.cfg.API.UpdateJob(ctx, carried, jobdoc.SaveRequest{Document: doc, DeletedFileIDs: tombstones})
		if errors.Is(err, ErrNotFound) {
			t.logger.Printf("Job %d from shared link no longer exists, saving as a new job", carried)
			doc.ID = nil
			return t.cfg.API.CreateJob(ctx, doc)
		}
		if err == nil {
			t.logger.Printf("Shared copy re-attached to job %d", carried)
		}
		return resp, err
	default:
		return t.cfg.API.CreateJob(ctx, doc)
	}
}

func (t *Tab) notifySaveError(err error) {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		t.notify(LevelError, "The job is too large to save. Remove large attachments and try again.")
	case errors.Is(err, ErrConflict):
		t.notify(LevelError, "This job was changed elsewhere. Reload it before saving again.")
	default:
		t.notify(LevelError, fmt.Sprintf("Failed to save job: %v", err))
	}
}

func (t *Tab) join(ctx context.Context, jobID int64) {
	if t.cfg.Join == nil {
		return
	}
	ep, err := t.cfg.Join(ctx, jobID, t.cfg.TabID)
	if err != nil {
		t.logger.Printf("Warning: failed to join sync channel for job %d: %v", jobID, err)
		return
	}
	t.mu.Lock()
	if t.endpoint != nil || t.closed {
		t.mu.Unlock()
		_ = ep.Close()
		return
	}
	t.endpoint = ep
	t.listening.Add(1)
	t.mu.Unlock()
	go t.listen(ep)
}

func (t *Tab) listen(ep broadcast.Endpoint) {
	defer t.listening.Done()
	for msg := range ep.Messages() {
		t.handleRemote(ep, msg)
	}
}

// handleRemote folds a sibling's change into the local view. Remote changes
// are not saved from here: the tab that made them saves them. Messages from
// a channel the tab has left are dropped.
func (t *Tab) handleRemote(ep broadcast.Endpoint, msg broadcast.Message) {
	t.mu.Lock()
	if t.endpoint != ep {
		t.mu.Unlock()
		return
	}
	switch msg.Type {
	case broadcast.FilesUpdated:
		var p broadcast.FilesPayload
		if err := msg.Decode(&p); err != nil {
			t.mu.Unlock()
			t.logger.Printf("Ignoring message: %v", err)
			return
		}
		deleted := append(append([]string(nil), p.DeletedFileIDs...), t.tombstones...)
		t.doc.Files = merge.Files(t.doc.Files, p.Files, deleted)
		t.added = merge.Files(t.added, nil, p.DeletedFileIDs)
	case broadcast.ItemsUpdated:
		var p broadcast.ItemsPayload
		if err := msg.Decode(&p); err != nil {
			t.mu.Unlock()
			t.logger.Printf("Ignoring message: %v", err)
			return
		}
		t.doc.Items = merge.Items(t.doc.Items, p.Items)
	case broadcast.PackagesUpdated:
		var p broadcast.PackagesPayload
		if err := msg.Decode(&p); err != nil {
			t.mu.Unlock()
			t.logger.Printf("Ignoring message: %v", err)
			return
		}
		t.doc.Sections = p.Sections
		t.doc.Normalize()
	case broadcast.JobSaved:
		var p broadcast.SavedPayload
		if err := msg.Decode(&p); err != nil {
			t.mu.Unlock()
			t.logger.Printf("Ignoring message: %v", err)
			return
		}
		if p.ID != t.doc.JobID() {
			t.mu.Unlock()
			return
		}
		t.doc.Files = merge.Files(p.Files, t.added, t.tombstones)
	default:
		t.mu.Unlock()
		return
	}
	doc := t.doc.Clone()
	t.mu.Unlock()

	t.storeCache(context.Background(), doc)
	t.changed(doc)
}

// Close saves pending edits and leaves the channel.
func (t *Tab) Close(ctx context.Context) error {
	err := t.Flush(ctx)

	t.mu.Lock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	ep := t.endpoint
	t.endpoint = nil
	t.mu.Unlock()

	if ep != nil {
		if cerr := ep.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	t.listening.Wait()
	return err
}

func (t *Tab) publish(ctx context.Context, ep broadcast.Endpoint, msgs []broadcast.Message) {
	if ep == nil {
		return
	}
	for _, msg := range msgs {
		if err := ep.Publish(ctx, msg); err != nil {
			t.logger.Printf("Warning: failed to broadcast %s: %v", msg.Type, err)
		}
	}
}

func (t *Tab) storeCache(ctx context.Context, doc jobdoc.Document) {
	if err := t.cfg.Cache.Store(ctx, doc); err != nil {
		t.logger.Printf("Warning: failed to write local cache: %v", err)
	}
}

func (t *Tab) notify(level Level, message string) {
	t.cfg.Notifier.Notify(Notification{Level: level, Message: message})
}

func (t *Tab) changed(doc jobdoc.Document) {
	if t.cfg.OnChange != nil {
		t.cfg.OnChange(doc)
	}
}

func appendKey(keys []string, key string) []string {
	for _, k := range keys {
		if k == key {
			return keys
		}
	}
	return append(keys, key)
}

func removeKey(keys []string, key string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}
