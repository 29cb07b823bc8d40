// Package sse streams coordinator events to HTTP clients as Server-Sent
// Events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/events"
	"github.com/coinnation/kontext-sub005/internal/logging"
)

// Handler streams events from the EventBus to connected SSE clients.
type Handler struct {
	bus           *events.EventBus
	snapshot      func() core.Snapshot
	logger        *logging.Logger
	mu            sync.RWMutex
	clients       map[*client]struct{}
	heartbeatFreq time.Duration
}

// client represents a connected SSE client.
type client struct {
	id       string
	done     chan struct{}
	workflow string // optional filter by workflow ID
	closed   bool   // tracks if done channel is already closed
}

// Option configures a Handler.
type Option func(*Handler)

// WithSnapshot sends the current snapshot to every client right after it
// connects, so it does not have to wait for the next mutation.
func WithSnapshot(fn func() core.Snapshot) Option {
	return func(h *Handler) { h.snapshot = fn }
}

// WithLogger sets the handler logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithHeartbeat sets the interval between heartbeat comments.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) { h.heartbeatFreq = d }
}

// NewHandler creates a new SSE handler connected to the given EventBus.
func NewHandler(bus *events.EventBus, opts ...Option) *Handler {
	h := &Handler{
		bus:           bus,
		logger:        logging.NewNop(),
		clients:       make(map[*client]struct{}),
		heartbeatFreq: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler. Query parameters: project and workflow
// filter by id, types takes a comma-separated list of event types.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	q := r.URL.Query()
	projectID := q.Get("project")
	types := splitTypes(q.Get("types"))
	c := &client{
		id:       uuid.NewString(),
		done:     make(chan struct{}),
		workflow: q.Get("workflow"),
	}

	h.addClient(c)
	defer h.removeClient(c)

	eventCh := h.bus.SubscribeForProject(projectID, types...)
	defer h.bus.Unsubscribe(eventCh)

	h.logger.Debug("sse client connected", "client_id", c.id, "project_id", projectID)
	h.sendEvent(w, flusher, "connected", map[string]string{
		"client_id": c.id,
		"project":   projectID,
		"workflow":  c.workflow,
	})
	if h.snapshot != nil && projectID == "" && wants(types, events.TypeSnapshot) {
		h.sendEvent(w, flusher, events.TypeSnapshot, events.NewSnapshotEvent(h.snapshot(), time.Now()))
	}

	heartbeat := time.NewTicker(h.heartbeatFreq)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-heartbeat.C:
			h.sendComment(w, flusher, "heartbeat")
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if c.workflow != "" && event.WorkflowID() != c.workflow {
				continue
			}
			h.sendEvent(w, flusher, event.EventType(), event)
		}
	}
}

func splitTypes(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func wants(types []string, t string) bool {
	if len(types) == 0 {
		return true
	}
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// sendEvent sends a typed SSE event.
func (h *Handler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal SSE data", "event_type", eventType, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, jsonData)
	flusher.Flush()
}

// sendComment sends an SSE comment (used for heartbeats).
func (h *Handler) sendComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	fmt.Fprintf(w, ": %s\n\n", comment)
	flusher.Flush()
}

func (h *Handler) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Handler) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// ClientCount returns the number of connected clients.
func (h *Handler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown disconnects all clients.
func (h *Handler) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		if !c.closed {
			c.closed = true
			close(c.done)
		}
	}
	h.clients = make(map[*client]struct{})
	return nil
}
