package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"estimator/api/internal/attachments"
	"estimator/api/internal/broadcast"
	"estimator/api/internal/config"
	"estimator/api/internal/history"
	"estimator/api/internal/jobdoc"
	"estimator/api/internal/notify"
	"estimator/api/internal/search"
	"estimator/api/internal/store"
)

type fakeMailer struct {
	mu         sync.Mutex
	configured bool
	sent       []notify.ContractorLinkData
	to         []string
	sendFn     func(to string, data notify.ContractorLinkData) error
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendContractorLink(to string, data notify.ContractorLinkData) error {
	if f.sendFn != nil {
		if err := f.sendFn(to, data); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = append(f.to, to)
	f.sent = append(f.sent, data)
	return nil
}

type testEnv struct {
	store   *store.MemoryStore
	bus     *broadcast.LocalBus
	hub     *broadcast.Hub
	files   *attachments.InlineStore
	mailer  *fakeMailer
	service *Service
	handler http.Handler
}

func testConfig() config.Config {
	return config.Config{
		PublicURL:      "https://quotes.example.com",
		MaxBodyBytes:   1 << 20,
		MaxUploadBytes: 1024,
	}
}

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, fn := range tweak {
		fn(&cfg)
	}

	quiet := log.New(io.Discard, "", 0)
	env := &testEnv{
		store:  store.NewMemoryStore(),
		bus:    broadcast.NewLocalBus(quiet),
		files:  attachments.NewInlineStore(),
		mailer: &fakeMailer{configured: true},
	}
	env.hub = broadcast.NewHub(env.bus, broadcast.HubConfig{OriginPatterns: []string{"*"}, Logger: quiet})
	t.Cleanup(env.hub.Close)

	env.service = New(cfg, Deps{
		Store:       env.store,
		History:     history.New(t.TempDir()),
		Search:      search.NewService(nil, search.NewMemory()),
		Hub:         env.hub,
		Mailer:      env.mailer,
		Attachments: attachments.NewService(env.files, cfg.MaxUploadBytes),
	})
	env.handler = NewHTTPServer(env.service, "*").Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch v := body.(type) {
		case []byte:
			reader = bytes.NewReader(v)
		case string:
			reader = bytes.NewBufferString(v)
		default:
			raw, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("marshal body: %v", err)
			}
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) createJob(t *testing.T, doc jobdoc.Document) jobdoc.SaveResponse {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/jobs", doc)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create job: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp jobdoc.SaveResponse
	decodeResponse(t, rr, &resp)
	return resp
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	decodeResponse(t, rr, &body)
	return body.Code
}

func jobPath(id int64, suffix string) string {
	return "/api/jobs/" + strconv.FormatInt(id, 10) + suffix
}

func fileLink(name string) jobdoc.FileLink {
	return jobdoc.FileLink{Name: name, URL: "https://files.example.com/" + name}
}

func fileNames(files []jobdoc.FileLink) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Name)
	}
	return out
}

