package stream

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStats(t *testing.T) {
	h := NewHub()
	defer h.Close()

	stats := h.Stats()
	for _, key := range []string{
		"active_connections", "total_messages", "max_connections",
		"dropped_broadcasts", "dropped_client_msgs", "rejected_connections",
	} {
		if _, ok := stats[key]; !ok {
			t.Errorf("Expected key %q not found in stats", key)
		}
	}
	if stats["max_connections"] != MaxConcurrentConnections {
		t.Errorf("max_connections = %v; want %d", stats["max_connections"], MaxConcurrentConnections)
	}
}

func TestAddRemoveClient(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch := make(chan Message, ClientChannelBuffer)
	if !h.addClient(ch, "127.0.0.1:12345") {
		t.Fatal("addClient should succeed")
	}
	if got := h.active.Load(); got != 1 {
		t.Errorf("active = %d; want 1", got)
	}
	h.removeClient(ch)
	h.removeClient(ch) // second remove is a no-op
	if got := h.active.Load(); got != 0 {
		t.Errorf("active after remove = %d; want 0", got)
	}
}

func TestPublishReachesEveryClient(t *testing.T) {
	h := NewHub()
	defer h.Close()

	clients := make([]chan Message, 3)
	for i := range clients {
		clients[i] = make(chan Message, ClientChannelBuffer)
		h.addClient(clients[i], "127.0.0.1:1")
	}

	h.Publish(EventAtlasProgress, map[string]int{"completed": 3, "total": 121})

	for i, ch := range clients {
		select {
		case msg := <-ch:
			if msg.Type != EventAtlasProgress || msg.Data != `{"completed":3,"total":121}` {
				t.Errorf("client %d got %+v", i, msg)
			}
		case <-time.After(time.Second):
			t.Errorf("client %d did not receive message", i)
		}
	}
}

func TestBroadcastNilHub(t *testing.T) {
	var h *Hub
	h.Broadcast(Message{Type: "x"})
	h.Publish("x", 1)
}

func TestBroadcastDropsWhenQueueFull(t *testing.T) {
	h := &Hub{broadcast: make(chan Message, 1), shutdown: make(chan struct{})}
	h.Broadcast(Message{Type: "a"})
	h.Broadcast(Message{Type: "b"})
	if h.dropped.Load() != 1 {
		t.Errorf("dropped = %d; want 1", h.dropped.Load())
	}
}

func TestCleanupStale(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch := make(chan Message, 1)
	h.addClient(ch, "127.0.0.1:1")
	h.cleanupStale(time.Now().Add(3 * CleanupInterval))
	if h.active.Load() != 0 {
		t.Error("stale client not removed")
	}
	if _, open := <-ch; open {
		t.Error("stale client channel not closed")
	}
}

func TestFormatSSE(t *testing.T) {
	tests := []struct {
		msg      Message
		expected string
	}{
		{Message{Type: "job-update", Data: `{"id":"123"}`}, "event: job-update\ndata: {\"id\":\"123\"}\n\n"},
		{Message{Type: "", Data: "x"}, "event: \ndata: x\n\n"},
	}
	for _, tt := range tests {
		if got := formatSSE(tt.msg); got != tt.expected {
			t.Errorf("formatSSE(%+v) = %q; want %q", tt.msg, got, tt.expected)
		}
	}
}

func TestServeHTTPStreamsEvents(t *testing.T) {
	h := NewHub()
	defer h.Close()
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	rd := bufio.NewReader(resp.Body)
	readEvent := func() string {
		var lines []string
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if line == "\n" {
				return strings.Join(lines, "")
			}
			lines = append(lines, line)
		}
	}
	if first := readEvent(); !strings.HasPrefix(first, "event: connected") {
		t.Fatalf("first event = %q", first)
	}

	// The client is registered before the greeting is written.
	h.Publish(EventJobUpdate, map[string]string{"id": "j1"})
	if got := readEvent(); got != "event: job-update\ndata: {\"id\":\"j1\"}\n" {
		t.Errorf("event = %q", got)
	}
}
