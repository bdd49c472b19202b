package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dunamismax/sceneforge/internal/bus"
	"github.com/dunamismax/sceneforge/internal/logger"
	"github.com/google/uuid"
)

const (
	DefaultHeartbeat = 15 * time.Second
	outboundBuffer   = 16
)

// Event is a bus message relayed to a connection. Payload is forwarded as
// published.
type Event struct {
	Channel string
	Payload []byte
}

type Connection struct {
	ID       uuid.UUID
	Outbound chan Event

	jobs      map[string]bool
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// Hub is the process-local multimap from job id to interested connections.
// Every API instance runs its own hub fed from the shared bus, so a
// connection id is only meaningful to the instance holding the stream.
type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	connections   map[uuid.UUID]*Connection
	subscriptions map[string]map[*Connection]bool
	heartbeat     time.Duration
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:           log.With("component", "GatewayHub"),
		connections:   make(map[uuid.UUID]*Connection),
		subscriptions: make(map[string]map[*Connection]bool),
		heartbeat:     DefaultHeartbeat,
	}
}

func (h *Hub) WithHeartbeat(interval time.Duration) *Hub {
	if interval > 0 {
		h.heartbeat = interval
	}
	return h
}

func (h *Hub) NewConnection() *Connection {
	conn := &Connection{
		ID:       uuid.New(),
		Outbound: make(chan Event, outboundBuffer),
		jobs:     make(map[string]bool),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.connections[conn.ID] = conn
	h.mu.Unlock()
	return conn
}

// Lookup finds an open connection by the id announced on its stream.
func (h *Hub) Lookup(connID string) (*Connection, bool) {
	parsed, err := uuid.Parse(connID)
	if err != nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.connections[parsed]
	return conn, ok
}

// Subscribe adds jobID to the connection's interests. It reports false when
// the connection is already closed.
func (h *Hub) Subscribe(conn *Connection, jobID string) bool {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.closed {
		return false
	}
	conn.jobs[jobID] = true
	conns, ok := h.subscriptions[jobID]
	if !ok {
		conns = make(map[*Connection]bool)
		h.subscriptions[jobID] = conns
	}
	conns[conn] = true
	h.log.Debug("connection subscribed", "conn_id", conn.ID, "job_id", jobID)
	return true
}

func (h *Hub) Unsubscribe(conn *Connection, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(conn.jobs, jobID)
	h.removeLocked(conn, jobID)
	h.log.Debug("connection unsubscribed", "conn_id", conn.ID, "job_id", jobID)
}

// Disconnect drops the connection from every job it followed and stops its
// stream. Safe to call more than once.
func (h *Hub) Disconnect(conn *Connection) {
	h.mu.Lock()
	for jobID := range conn.jobs {
		h.removeLocked(conn, jobID)
	}
	conn.jobs = make(map[string]bool)
	conn.closed = true
	delete(h.connections, conn.ID)
	h.mu.Unlock()

	conn.closeOnce.Do(func() { close(conn.done) })
	h.log.Debug("connection closed", "conn_id", conn.ID)
}

func (h *Hub) removeLocked(conn *Connection, jobID string) {
	conns, ok := h.subscriptions[jobID]
	if !ok {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.subscriptions, jobID)
	}
}

// Subscribers reports how many connections follow jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[jobID])
}

// Dispatch forwards a bus message to every connection following its job.
// Slow connections drop messages rather than block the bus.
func (h *Hub) Dispatch(channel string, payload []byte) {
	var envelope struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.JobID == "" {
		h.log.Warn("dropping bus message without job id", "channel", channel)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	event := Event{Channel: channel, Payload: payload}
	for conn := range h.subscriptions[envelope.JobID] {
		select {
		case conn.Outbound <- event:
		default:
			h.log.Warn("dropping event; outbound buffer full", "conn_id", conn.ID, "job_id", envelope.JobID)
		}
	}
}

// Run feeds the hub from the bus until ctx is done.
func (h *Hub) Run(ctx context.Context, sub bus.Subscriber) error {
	if err := sub.Subscribe(ctx, h.Dispatch, bus.ChannelJobProgress, bus.ChannelJobComplete); err != nil {
		return fmt.Errorf("subscribe gateway: %w", err)
	}
	h.log.Info("gateway listening", "channels", []string{bus.ChannelJobProgress, bus.ChannelJobComplete})
	return nil
}

// ServeSSE streams the connection's events until the client goes away or
// the connection is disconnected. The caller subscribes the connection
// before and disconnects it after.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, conn *Connection) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Connection-ID", conn.ID.String())
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, ": connected %s\n\n", conn.ID)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event := <-conn.Outbound:
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Channel, event.Payload)
			flusher.Flush()
		}
	}
}
