// Package stream fans server events out to Server-Sent Events clients.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	MaxConcurrentConnections = 1000
	ClientChannelBuffer      = 256
	KeepAliveInterval        = 30 * time.Second
	CleanupInterval          = 60 * time.Second
	HubBroadcastBuffer       = 2048
)

// Event types published by the server.
const (
	EventJobCreate     = "job-create"
	EventJobUpdate     = "job-update"
	EventJobDelete     = "job-delete"
	EventJobOutput     = "job-output"
	EventAtlasProgress = "atlas-progress"
	EventSessionError  = "session-error"
)

// Message is one SSE frame. Data is already-encoded JSON.
type Message struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type client struct {
	id         string
	ch         chan Message
	lastSeen   atomic.Int64
	remoteAddr string
	connected  time.Time
	sent       atomic.Int64
}

// Hub keeps the connected clients and a non-blocking broadcast queue.
type Hub struct {
	clients   sync.Map // chan Message -> *client
	active    atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64 // broadcasts rejected because the queue was full
	slow      atomic.Int64 // per-client drops
	rejected  atomic.Int64

	broadcast    chan Message
	shutdown     chan struct{}
	shutdownOnce sync.Once
	log          *slog.Logger
}

// NewHub starts the fan-out and cleanup loops. Call Close to stop them.
func NewHub() *Hub {
	h := &Hub{
		broadcast: make(chan Message, HubBroadcastBuffer),
		shutdown:  make(chan struct{}),
		log:       slog.Default().With("component", "stream"),
	}
	go h.runBroadcastLoop()
	go h.cleanupRoutine()
	return h
}

// Stats reports connection and delivery counters.
func (h *Hub) Stats() map[string]int64 {
	return map[string]int64{
		"active_connections":   h.active.Load(),
		"total_messages":       h.delivered.Load(),
		"max_connections":      MaxConcurrentConnections,
		"dropped_broadcasts":   h.dropped.Load(),
		"dropped_client_msgs":  h.slow.Load(),
		"rejected_connections": h.rejected.Load(),
	}
}

func (h *Hub) addClient(ch chan Message, remoteAddr string) bool {
	if h.active.Load() >= MaxConcurrentConnections {
		h.rejected.Add(1)
		h.log.Warn("connection limit reached", "limit", MaxConcurrentConnections, "remote", remoteAddr)
		return false
	}
	now := time.Now()
	c := &client{
		id:         fmt.Sprintf("%d-%s", now.UnixNano(), remoteAddr),
		ch:         ch,
		remoteAddr: remoteAddr,
		connected:  now,
	}
	c.lastSeen.Store(now.Unix())
	h.clients.Store(ch, c)
	h.active.Add(1)
	h.log.Debug("client connected", "client", c.id, "active", h.active.Load())
	return true
}

func (h *Hub) removeClient(ch chan Message) {
	v, ok := h.clients.LoadAndDelete(ch)
	if !ok {
		return
	}
	h.active.Add(-1)
	close(ch)
	h.log.Debug("client disconnected", "client", v.(*client).id, "active", h.active.Load())
}

// Broadcast enqueues msg without blocking; a full queue drops it.
func (h *Hub) Broadcast(msg Message) {
	if h == nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
	}
}

// Publish JSON-encodes v and broadcasts it as eventType.
func (h *Hub) Publish(eventType string, v any) {
	if h == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encode event", "type", eventType, "error", err)
		return
	}
	h.Broadcast(Message{Type: eventType, Data: string(data)})
}

func (h *Hub) runBroadcastLoop() {
	for {
		select {
		case msg := <-h.broadcast:
			h.clients.Range(func(key, value any) bool {
				ch := key.(chan Message)
				c := value.(*client)
				select {
				case ch <- msg:
					c.lastSeen.Store(time.Now().Unix())
					c.sent.Add(1)
					h.delivered.Add(1)
				default:
					h.slow.Add(1)
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
			h.cleanupStale(time.Now())
		case <-h.shutdown:
			return
		}
	}
}

// cleanupStale drops clients idle for two cleanup intervals.
func (h *Hub) cleanupStale(now time.Time) {
	threshold := now.Add(-2 * CleanupInterval).Unix()
	var stale []chan Message
	h.clients.Range(func(key, value any) bool {
		if value.(*client).lastSeen.Load() < threshold {
			stale = append(stale, key.(chan Message))
		}
		return true
	})
	if len(stale) > 0 {
		h.log.Info("cleaning up stale connections", "count", len(stale))
		for _, ch := range stale {
			h.removeClient(ch)
		}
	}
}

// Close stops the hub and disconnects every client.
func (h *Hub) Close() {
	h.shutdownOnce.Do(func() {
		close(h.shutdown)
		h.clients.Range(func(key, _ any) bool {
			h.removeClient(key.(chan Message))
			return true
		})
	})
}

// ServeHTTP streams events to one client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.active.Load() >= MaxConcurrentConnections {
		http.Error(w, "Server at capacity, please try again later", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan Message, ClientChannelBuffer)
	if !h.addClient(ch, r.RemoteAddr) {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}
	defer h.removeClient(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Del("Content-Encoding")

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	if _, err := io.WriteString(w, formatSSE(Message{Type: "connected", Data: `{"msg":"SSE connection established"}`})); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
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

func formatSSE(msg Message) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", msg.Type, msg.Data)
}
