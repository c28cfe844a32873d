package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func drain(ch chan []byte) []string {
	var out []string
	for {
		select {
		case msg := <-ch:
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe("u1")
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishDelivery(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe("u1")
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: "document.created", OwnerID: "u1", Data: map[string]string{"id": "d1"}})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: document.created") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"id":"d1"`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestEventsStayWithTheirOwner(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	mine := b.Subscribe("u1")
	theirs := b.Subscribe("u2")
	defer b.Unsubscribe(mine)
	defer b.Unsubscribe(theirs)

	b.PublishDocumentEvent("created", "u1", "d1")
	time.Sleep(50 * time.Millisecond)

	if got := drain(mine); len(got) != 2 {
		t.Errorf("owner received %d events, want 2: %q", len(got), got)
	}
	if got := drain(theirs); len(got) != 0 {
		t.Errorf("other owner received %q", got)
	}
}

func TestPublishDocumentEventGraphThrottle(t *testing.T) {
	b := NewBroker(500 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe("u1")
	defer b.Unsubscribe(ch)

	b.PublishDocumentEvent("created", "u1", "a")
	b.PublishDocumentEvent("deleted", "u1", "b")

	time.Sleep(50 * time.Millisecond)
	graphCount, docCount := 0, 0
	for _, s := range drain(ch) {
		if strings.Contains(s, "graph.updated") {
			graphCount++
		} else {
			docCount++
		}
	}

	if docCount != 2 {
		t.Errorf("document events = %d, want 2", docCount)
	}
	if graphCount != 1 {
		t.Errorf("graph events = %d, want 1 (throttled)", graphCount)
	}
}

func TestGraphThrottleIsPerOwner(t *testing.T) {
	b := NewBroker(time.Minute)
	defer b.Close()
	other := b.Subscribe("u2")
	defer b.Unsubscribe(other)

	b.PublishDocumentEvent("created", "u1", "a")
	b.PublishDocumentEvent("created", "u2", "b")
	time.Sleep(50 * time.Millisecond)

	var graph int
	for _, s := range drain(other) {
		if strings.Contains(s, "graph.updated") {
			graph++
		}
	}
	if graph != 1 {
		t.Errorf("u2 graph events = %d, want 1", graph)
	}
}

func TestServe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.Serve(w, req, "u1")
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.PublishDocumentEvent("deleted", "u1", "d9")
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: document.deleted") {
		t.Errorf("handler output missing event: %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe("u1")
	defer b.Unsubscribe(ch)

	for i := 0; i < 70; i++ {
		b.Publish(Event{Type: "test", OwnerID: "u1", Data: map[string]string{"i": "x"}})
	}
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe("u1")
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	b.Publish(Event{Type: "document.created", OwnerID: "u1"})
	b.PublishDocumentEvent("deleted", "u1", "x")
}
