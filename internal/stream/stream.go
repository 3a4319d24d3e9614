package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dgnsrekt/kinect-multiplexer/internal/frame"
)

// ErrStreamFull is returned by Acquire when the stream is at capacity.
var ErrStreamFull = errors.New("stream at client capacity")

// Stats are bookkeeping counters; nothing reads them to make decisions.
type Stats struct {
	framesCaptured atomic.Uint64
	framesSent     atomic.Uint64
	clients        atomic.Int64
	failures       atomic.Uint64

	mu        sync.RWMutex
	lastError string
	lastFrame time.Time
}

func (s *Stats) frameCaptured() {
	s.framesCaptured.Add(1)
	s.mu.Lock()
	s.lastFrame = time.Now()
	s.lastError = ""
	s.mu.Unlock()
}

func (s *Stats) captureFailed(err error) {
	s.failures.Add(1)
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// StatsSnapshot is a copy of the counters.
type StatsSnapshot struct {
	FramesCaptured   uint64
	FramesSent       uint64
	ClientsConnected int64
	CaptureFailures  uint64
	LastError        string
	LastFrameAt      time.Time
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatsSnapshot{
		FramesCaptured:   s.framesCaptured.Load(),
		FramesSent:       s.framesSent.Load(),
		ClientsConnected: s.clients.Load(),
		CaptureFailures:  s.failures.Load(),
		LastError:        s.lastError,
		LastFrameAt:      s.lastFrame,
	}
}

// SessionInfo describes one connected consumer.
type SessionInfo struct {
	ID          string    `json:"id"`
	Transport   string    `json:"transport"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	FramesSent  uint64    `json:"frames_sent"`
}

// Member is a session registered with a stream.
type Member interface {
	Info() SessionInfo
}

// Stream is one logical, independently switchable feed.
type Stream struct {
	ID         string
	Slot       *frame.Slot
	Controller *Controller
	Stats      *Stats

	loop     *CaptureLoop
	capacity *semaphore.Weighted

	mu      sync.RWMutex
	members map[Member]struct{}
}

// Acquire reserves a client slot. It fails fast when the stream is full.
func (s *Stream) Acquire() error {
	if s.capacity == nil {
		return nil
	}
	if !s.capacity.TryAcquire(1) {
		return ErrStreamFull
	}
	return nil
}

// Release returns a slot reserved with Acquire.
func (s *Stream) Release() {
	if s.capacity != nil {
		s.capacity.Release(1)
	}
}

// Join registers a session for client-count bookkeeping.
func (s *Stream) Join(m Member) {
	s.mu.Lock()
	s.members[m] = struct{}{}
	s.mu.Unlock()
	s.Stats.clients.Add(1)
}

// Leave unregisters a session. Calling it twice is harmless.
func (s *Stream) Leave(m Member) {
	s.mu.Lock()
	_, ok := s.members[m]
	delete(s.members, m)
	s.mu.Unlock()
	if ok {
		s.Stats.clients.Add(-1)
	}
}

// FrameSent counts one delivered frame.
func (s *Stream) FrameSent() {
	s.Stats.framesSent.Add(1)
}

// Sessions lists the registered sessions.
func (s *Stream) Sessions() []SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionInfo, 0, len(s.members))
	for m := range s.members {
		out = append(out, m.Info())
	}
	return out
}
