package stream

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// TestStats verifies the reported counters
func TestStats(t *testing.T) {
	h := NewHub()
	defer h.Shutdown()

	stats := h.Stats()
	for _, key := range []string{
		"active_connections",
		"total_messages",
		"max_connections",
		"dropped_broadcasts",
		"dropped_client_msgs",
		"rejected_connections",
	} {
		if _, ok := stats[key]; !ok {
			t.Errorf("Expected key %q not found in stats", key)
		}
	}
	if stats["max_connections"] != MaxConcurrentConnections {
		t.Errorf("max_connections = %d; want %d", stats["max_connections"], MaxConcurrentConnections)
	}
}

func TestAddRemoveClient(t *testing.T) {
	h := NewHub()
	defer h.Shutdown()

	c := make(clientChan, ClientChannelBuffer)
	if !h.addClient(c, "127.0.0.1:12345") {
		t.Fatal("addClient() should succeed")
	}
	if got := atomic.LoadInt64(&h.activeCount); got != 1 {
		t.Errorf("activeCount = %d; want 1", got)
	}
	h.removeClient(c)
	if got := atomic.LoadInt64(&h.activeCount); got != 0 {
		t.Errorf("activeCount after remove = %d; want 0", got)
	}
	// second remove is a no-op
	h.removeClient(c)
}

func TestConnectionLimit(t *testing.T) {
	h := NewHub()
	defer h.Shutdown()
	h.maxConns = 1

	first := make(clientChan, 1)
	if !h.addClient(first, "a") {
		t.Fatal("first client rejected")
	}
	if h.addClient(make(clientChan, 1), "b") {
		t.Error("second client should be rejected")
	}
	if got := h.Stats()["rejected_connections"]; got != 1 {
		t.Errorf("rejected_connections = %d; want 1", got)
	}
}

func TestBroadcastMultipleClients(t *testing.T) {
	h := NewHub()
	defer h.Shutdown()

	clients := make([]clientChan, 3)
	for i := range clients {
		clients[i] = make(clientChan, ClientChannelBuffer)
		h.addClient(clients[i], "127.0.0.1")
	}

	h.BroadcastJSON(EventPrediction, map[string]int{"width": 640})

	for i, c := range clients {
		select {
		case msg := <-c:
			if msg.Type != EventPrediction {
				t.Errorf("client %d got type %q", i, msg.Type)
			}
			if msg.Msg != `{"width":640}` {
				t.Errorf("client %d got body %q", i, msg.Msg)
			}
		case <-time.After(time.Second):
			t.Errorf("client %d did not receive message", i)
		}
	}
}

func TestBroadcastNilAndAfterShutdown(t *testing.T) {
	var nilHub *Hub
	nilHub.Broadcast(Message{Type: "x"})
	nilHub.BroadcastJSON("x", 1)

	h := NewHub()
	h.Shutdown()
	h.Shutdown()
	h.Broadcast(Message{Type: "late"})
}

func TestCleanupStale(t *testing.T) {
	h := NewHub()
	defer h.Shutdown()

	c := make(clientChan, 1)
	h.addClient(c, "old")
	if n := h.cleanupStale(time.Now().Unix() + 10); n != 1 {
		t.Errorf("cleanupStale removed %d; want 1", n)
	}
	if got := atomic.LoadInt64(&h.activeCount); got != 0 {
		t.Errorf("activeCount = %d; want 0", got)
	}
}

func TestFormatSSE(t *testing.T) {
	tests := []struct {
		msg      Message
		expected string
	}{
		{Message{Type: "update", Msg: "test"}, "event: update\ndata: test\n\n"},
		{Message{Type: "job", Msg: `{"id":"123"}`}, "event: job\ndata: {\"id\":\"123\"}\n\n"},
		{Message{Type: "", Msg: "empty type"}, "event: \ndata: empty type\n\n"},
	}
	for _, tt := range tests {
		if got := formatSSE(tt.msg); got != tt.expected {
			t.Errorf("formatSSE(%+v) = %q; want %q", tt.msg, got, tt.expected)
		}
	}
}

func TestHandlerStreamsEvents(t *testing.T) {
	h := NewHub()
	defer h.Shutdown()

	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	if err != nil || !strings.Contains(line, "connected") {
		t.Fatalf("first line = %q, err = %v", line, err)
	}
	rd.ReadString('\n')

	h.Broadcast(Message{Type: EventJob, Msg: "done"})
	line, err = rd.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "event: job\n" {
		t.Errorf("event line = %q", line)
	}
}
