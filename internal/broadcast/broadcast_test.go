package broadcast

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"estimator/api/internal/jobdoc"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before a message arrived")
		}
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func expectNothing(t *testing.T, ch <-chan Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func filesMessage(t *testing.T, names ...string) Message {
	t.Helper()
	files := make([]jobdoc.FileLink, 0, len(names))
	for _, name := range names {
		files = append(files, jobdoc.FileLink{Name: name, URL: "https://files.example/" + name})
	}
	msg, err := NewMessage(FilesUpdated, "", FilesPayload{Files: files})
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	return msg
}

func TestChannelName(t *testing.T) {
	if got := ChannelName(42); got != "estimator-job-42" {
		t.Fatalf("unexpected channel name %q", got)
	}
}

func TestMessageDecode(t *testing.T) {
	msg := filesMessage(t, "a.pdf")
	var payload FilesPayload
	if err := msg.Decode(&payload); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(payload.Files) != 1 || payload.Files[0].Name != "a.pdf" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if err := (Message{Type: JobSaved}).Decode(&payload); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestBusEndpointSkipsOwnMessages(t *testing.T) {
	bus := NewLocalBus(quietLogger())
	ctx := context.Background()

	tabA, err := Join(ctx, bus, 1, "tab-a")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	defer tabA.Close()
	tabB, err := Join(ctx, bus, 1, "tab-b")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	defer tabB.Close()
	other, err := Join(ctx, bus, 2, "tab-c")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	defer other.Close()

	if err := tabA.Publish(ctx, filesMessage(t, "a.pdf")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := receive(t, tabB.Messages())
	if got.Type != FilesUpdated || got.TabID != "tab-a" {
		t.Fatalf("unexpected message %+v", got)
	}
	expectNothing(t, tabA.Messages())
	expectNothing(t, other.Messages())
}

func TestLocalBusCloseUnsubscribes(t *testing.T) {
	bus := NewLocalBus(quietLogger())
	sub, err := bus.Subscribe(context.Background(), "estimator-job-9")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if bus.Subscribers("estimator-job-9") != 1 {
		t.Fatal("expected one subscriber")
	}
	_ = sub.Close()
	_ = sub.Close()
	if bus.Subscribers("estimator-job-9") != 0 {
		t.Fatal("expected subscriber to be removed")
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestRedisBusFansOut(t *testing.T) {
	mr := miniredis.RunT(t)
	bus, err := NewRedisBus("redis://"+mr.Addr(), quietLogger())
	if err != nil {
		t.Fatalf("NewRedisBus() error = %v", err)
	}
	defer bus.Close()
	ctx := context.Background()

	tabA, err := Join(ctx, bus, 5, "tab-a")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	defer tabA.Close()
	tabB, err := Join(ctx, bus, 5, "tab-b")
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	defer tabB.Close()

	msg, err := NewMessage(ItemsUpdated, "", ItemsPayload{Items: []jobdoc.LineItem{{Category: "Tanks", Qty: 2}}})
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	if err := tabA.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := receive(t, tabB.Messages())
	var payload ItemsPayload
	if err := got.Decode(&payload); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].Qty != 2 {
		t.Fatalf("unexpected items %+v", payload.Items)
	}
	expectNothing(t, tabA.Messages())
}

func TestFileBusDeliversAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewFileBus(dir, quietLogger())
	if err != nil {
		t.Fatalf("NewFileBus() error = %v", err)
	}
	reader, err := NewFileBus(dir, quietLogger())
	if err != nil {
		t.Fatalf("NewFileBus() error = %v", err)
	}
	ctx := context.Background()

	sub, err := reader.Subscribe(ctx, ChannelName(3))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	msg := filesMessage(t, "plan.pdf")
	msg.TabID = "tab-a"
	if err := writer.Publish(ctx, ChannelName(3), msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := receive(t, sub.C())
	if got.TabID != "tab-a" || got.Type != FilesUpdated {
		t.Fatalf("unexpected message %+v", got)
	}
}

func TestHubRelaysBetweenWebsocketClients(t *testing.T) {
	hub := NewHub(NewLocalBus(quietLogger()), HubConfig{Logger: quietLogger()})
	defer hub.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeJob(w, r, 7)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tabA, err := DialEndpoint(ctx, server.URL, 7, "tab-a", nil)
	if err != nil {
		t.Fatalf("DialEndpoint() error = %v", err)
	}
	defer tabA.Close()
	tabB, err := DialEndpoint(ctx, server.URL, 7, "tab-b", nil)
	if err != nil {
		t.Fatalf("DialEndpoint() error = %v", err)
	}
	defer tabB.Close()

	deadline := time.Now().Add(3 * time.Second)
	for hub.ClientCount(7) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 clients, got %d", hub.ClientCount(7))
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := tabA.Publish(ctx, filesMessage(t, "a.pdf")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	got := receive(t, tabB.Messages())
	if got.Type != FilesUpdated || got.TabID != "tab-a" {
		t.Fatalf("unexpected relayed message %+v", got)
	}

	saved, err := NewMessage(JobSaved, "", SavedPayload{ID: 7, Version: 3})
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	if err := hub.Publish(ctx, 7, saved); err != nil {
		t.Fatalf("hub.Publish() error = %v", err)
	}

	// tab-a never sees its own FILES_UPDATED, so the save echo comes first.
	first := receive(t, tabA.Messages())
	if first.Type != JobSaved || first.TabID != ServerTabID {
		t.Fatalf("expected JOB_SAVED from server, got %+v", first)
	}
	if echo := receive(t, tabB.Messages()); echo.Type != JobSaved {
		t.Fatalf("expected JOB_SAVED on tab-b, got %+v", echo)
	}
}
