// Package frame holds the latest-frame slot shared between one capture loop
// and any number of broadcast sessions.
package frame

import (
	"context"
	"sync"
	"time"
)

// Frame is one published payload. Payload is shared by reference between
// readers and must not be modified after Publish.
type Frame struct {
	Payload    []byte
	Version    uint64
	CapturedAt time.Time
}

// Empty reports whether the frame carries no payload.
func (f Frame) Empty() bool {
	return f.Version == 0
}

// Slot keeps only the most recent frame. Version 0 means nothing has been
// published yet; real versions start at 1.
//
// Publish must only be called by the owning capture loop. Read may be called
// from any number of goroutines.
type Slot struct {
	mu      sync.RWMutex
	current Frame
	// changed is closed and replaced on every publish.
	changed chan struct{}
}

// NewSlot creates an empty slot.
func NewSlot() *Slot {
	return &Slot{changed: make(chan struct{})}
}

// Publish replaces the payload and advances the version. It never blocks on
// readers.
func (s *Slot) Publish(payload []byte) uint64 {
	s.mu.Lock()
	s.current = Frame{
		Payload:    payload,
		Version:    s.current.Version + 1,
		CapturedAt: time.Now(),
	}
	version := s.current.Version
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
	return version
}

// Latest returns the current frame without waiting.
func (s *Slot) Latest() Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Version returns the current version.
func (s *Slot) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Version
}

// Read returns the current frame as soon as its version differs from since.
// It waits up to timeout for a publish and returns ok=false on timeout or
// when ctx is done.
func (s *Slot) Read(ctx context.Context, since uint64, timeout time.Duration) (Frame, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.RLock()
		current := s.current
		changed := s.changed
		s.mu.RUnlock()

		if current.Version != since && !current.Empty() {
			return current, true
		}

		select {
		case <-changed:
		case <-timer.C:
			return Frame{}, false
		case <-ctx.Done():
			return Frame{}, false
		}
	}
}
