// Package stream fans server events (predictions, job and evaluation
// progress) out to Server-Sent Events subscribers.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// Maximum number of concurrent SSE connections allowed
	MaxConcurrentConnections = 256
	// Buffer size for each client's message channel
	ClientChannelBuffer = 64
	// How often to send keep-alive messages
	KeepAliveInterval = 30 * time.Second
	// How often to cleanup dead connections
	CleanupInterval = 60 * time.Second
	// Buffer size for hub broadcast queue
	HubBroadcastBuffer = 512
)

// Event types published by the service.
const (
	EventPrediction   = "prediction"
	EventJob          = "job"
	EventEvalProgress = "eval-progress"
	EventDownload     = "download-progress"
)

type clientChan chan Message

// Message is one SSE event.
type Message struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

type client struct {
	id           string
	remoteAddr   string
	lastSeen     int64
	messagesSent int64
}

// Hub owns the subscriber set. The zero value is not usable; call NewHub.
type Hub struct {
	clients           sync.Map // map[clientChan]*client
	activeCount       int64
	totalMessages     int64
	droppedBroadcasts int64
	droppedClientMsgs int64
	rejectedConns     int64
	maxConns          int64

	broadcast    chan Message
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewHub starts a hub and its background loops.
func NewHub() *Hub {
	h := &Hub{
		maxConns:  MaxConcurrentConnections,
		broadcast: make(chan Message, HubBroadcastBuffer),
		shutdown:  make(chan struct{}),
	}
	go h.runBroadcastLoop()
	go h.cleanupRoutine()
	return h
}

// Stats returns current connection statistics
func (h *Hub) Stats() map[string]int64 {
	return map[string]int64{
		"active_connections":   atomic.LoadInt64(&h.activeCount),
		"total_messages":       atomic.LoadInt64(&h.totalMessages),
		"max_connections":      h.maxConns,
		"dropped_broadcasts":   atomic.LoadInt64(&h.droppedBroadcasts),
		"dropped_client_msgs":  atomic.LoadInt64(&h.droppedClientMsgs),
		"rejected_connections": atomic.LoadInt64(&h.rejectedConns),
	}
}

func (h *Hub) addClient(c clientChan, remoteAddr string) bool {
	if atomic.LoadInt64(&h.activeCount) >= h.maxConns {
		atomic.AddInt64(&h.rejectedConns, 1)
		log.Printf("Connection limit reached (%d), rejecting client from %s", h.maxConns, remoteAddr)
		return false
	}
	cl := &client{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		lastSeen:   time.Now().Unix(),
	}
	h.clients.Store(c, cl)
	n := atomic.AddInt64(&h.activeCount, 1)
	log.Printf("Event client connected: %s from %s (total: %d)", cl.id, remoteAddr, n)
	return true
}

func (h *Hub) removeClient(c clientChan) {
	v, ok := h.clients.LoadAndDelete(c)
	if !ok {
		return
	}
	n := atomic.AddInt64(&h.activeCount, -1)
	close(c)
	log.Printf("Event client disconnected: %s (total: %d)", v.(*client).id, n)
}

// Broadcast enqueues a message without blocking the caller. Messages are
// dropped when the hub is saturated or shut down.
func (h *Hub) Broadcast(msg Message) {
	if h == nil {
		return
	}
	select {
	case <-h.shutdown:
		return
	default:
	}
	select {
	case h.broadcast <- msg:
	default:
		atomic.AddInt64(&h.droppedBroadcasts, 1)
	}
}

// BroadcastJSON marshals v as the message body.
func (h *Hub) BroadcastJSON(eventType string, v any) {
	if h == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("stream: failed to marshal %s event: %v", eventType, err)
		return
	}
	h.Broadcast(Message{Type: eventType, Msg: string(b)})
}

func (h *Hub) runBroadcastLoop() {
	for {
		select {
		case msg := <-h.broadcast:
			h.clients.Range(func(key, value any) bool {
				c := key.(clientChan)
				cl := value.(*client)
				select {
				case c <- msg:
					atomic.StoreInt64(&cl.lastSeen, time.Now().Unix())
					atomic.AddInt64(&cl.messagesSent, 1)
					atomic.AddInt64(&h.totalMessages, 1)
				default:
					atomic.AddInt64(&h.droppedClientMsgs, 1)
				}
				return true
			})
		case <-h.shutdown:
			return
		}
	}
}

func (h *Hub) cleanupRoutine() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.cleanupStale(time.Now().Unix() - int64(2*CleanupInterval/time.Second))
		case <-h.shutdown:
			return
		}
	}
}

// cleanupStale drops clients whose last delivery predates threshold.
func (h *Hub) cleanupStale(threshold int64) int {
	var stale []clientChan
	h.clients.Range(func(key, value any) bool {
		if atomic.LoadInt64(&value.(*client).lastSeen) < threshold {
			stale = append(stale, key.(clientChan))
		}
		return true
	})
	if len(stale) > 0 {
		log.Printf("Cleaning up %d stale event clients", len(stale))
		for _, c := range stale {
			h.removeClient(c)
		}
	}
	return len(stale)
}

// Shutdown stops the loops and disconnects every client.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		close(h.shutdown)
		h.clients.Range(func(key, _ any) bool {
			h.removeClient(key.(clientChan))
			return true
		})
		log.Println("Event hub shutdown complete")
	})
}

// Handler serves the SSE endpoint.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		messageChan := make(clientChan, ClientChannelBuffer)
		if !h.addClient(messageChan, r.RemoteAddr) {
			http.Error(w, "Server at capacity, please try again later", http.StatusServiceUnavailable)
			return
		}
		defer h.removeClient(messageChan)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Del("Content-Encoding")

		keepAlive := time.NewTicker(KeepAliveInterval)
		defer keepAlive.Stop()

		if _, err := io.WriteString(w, "data: {\"type\":\"connected\",\"msg\":\"SSE connection established\"}\n\n"); err != nil {
			return
		}
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messageChan:
				if !ok {
					return
				}
				if _, err := io.WriteString(w, formatSSE(msg)); err != nil {
					return
				}
				flusher.Flush()
			case <-keepAlive.C:
				if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func formatSSE(msg Message) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", msg.Type, msg.Msg)
}
