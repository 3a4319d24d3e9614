// Package events pushes periodic status snapshots to server-sent event
// subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/kinect-multiplexer/internal/stream"
)

// StatusSource produces the document broadcast to subscribers.
type StatusSource interface {
	Status() stream.Status
}

// Snapshot is one event payload.
type Snapshot struct {
	Sequence  uint64        `json:"sequence"`
	Timestamp int64         `json:"timestamp"`
	Status    stream.Status `json:"status"`
}

// Feed broadcasts status snapshots to connected SSE clients.
type Feed struct {
	source   StatusSource
	interval time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	sequence uint64
	clients  map[*sseClient]bool
}

// sseClient represents a connected SSE subscriber.
type sseClient struct {
	remote string
	dataCh chan []byte
}

// NewFeed creates a feed publishing every interval.
func NewFeed(source StatusSource, interval time.Duration, logger *zap.Logger) *Feed {
	if interval <= 0 {
		interval = time.Second
	}
	return &Feed{
		source:   source,
		interval: interval,
		logger:   logger,
		clients:  make(map[*sseClient]bool),
	}
}

// Run starts the periodic broadcast loop.
func (f *Feed) Run(ctx context.Context) {
	f.logger.Info("status feed starting", zap.Duration("interval", f.interval))

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("status feed stopping")
			return
		case <-ticker.C:
			f.broadcastToAll()
		}
	}
}

// Subscribers returns the number of connected clients.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// HandleSSE handles the SSE endpoint for subscribers.
func (f *Feed) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client := &sseClient{
		remote: r.RemoteAddr,
		dataCh: make(chan []byte, 10),
	}

	f.addClient(client)
	defer f.removeClient(client)

	f.logger.Debug("status subscriber connected", zap.String("remote_addr", r.RemoteAddr))

	snapshot, err := f.formatEvent("snapshot", f.next())
	if err != nil {
		f.logger.Error("failed to encode snapshot", zap.Error(err))
		return
	}
	if _, err := w.Write(snapshot); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			f.logger.Debug("status subscriber disconnected", zap.String("remote_addr", r.RemoteAddr))
			return
		case eventData := <-client.dataCh:
			if _, err := w.Write(eventData); err != nil {
				f.logger.Debug("failed to write to subscriber", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func (f *Feed) addClient(client *sseClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[client] = true
}

func (f *Feed) removeClient(client *sseClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, client)
}

func (f *Feed) next() *Snapshot {
	f.mu.Lock()
	f.sequence++
	seq := f.sequence
	f.mu.Unlock()

	return &Snapshot{
		Sequence:  seq,
		Timestamp: time.Now().UnixMilli(),
		Status:    f.source.Status(),
	}
}

func (f *Feed) broadcastToAll() {
	f.mu.RLock()
	clients := make([]*sseClient, 0, len(f.clients))
	for client := range f.clients {
		clients = append(clients, client)
	}
	f.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	// Every subscriber sees the same snapshot.
	eventData, err := f.formatEvent("status", f.next())
	if err != nil {
		f.logger.Error("failed to encode status", zap.Error(err))
		return
	}

	for _, client := range clients {
		select {
		case client.dataCh <- eventData:
		default:
			// Channel full, client is slow
			f.logger.Debug("subscriber channel full, dropping status",
				zap.String("remote_addr", client.remote),
			)
		}
	}
}

func (f *Feed) formatEvent(eventType string, s *Snapshot) ([]byte, error) {
	jsonData, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\nid: %d\ndata: %s\n\n", eventType, s.Sequence, jsonData)), nil
}
