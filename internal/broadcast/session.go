// Package broadcast pushes frames from a stream's slot to one consumer.
package broadcast

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/kinect-multiplexer/internal/stream"
)

// StartPolicy selects the first frame a new session delivers.
type StartPolicy string

const (
	// StartLatest delivers the frame already in the slot, if any.
	StartLatest StartPolicy = "latest"
	// StartNext waits for the first frame published after the session starts.
	StartNext StartPolicy = "next"
)

// ParseStartPolicy parses a configured policy name.
func ParseStartPolicy(s string) (StartPolicy, error) {
	switch p := StartPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case StartLatest, StartNext:
		return p, nil
	case "":
		return StartLatest, nil
	default:
		return "", fmt.Errorf("unknown start policy %q (valid: latest, next)", s)
	}
}

// State is the lifecycle position of a session.
type State int32

const (
	StateAccepted State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Writer frames payloads for one transport.
type Writer interface {
	// Transport names the framing, e.g. "tcp" or "multipart".
	Transport() string
	// Preamble is written once before the first frame.
	Preamble() error
	// WriteFrame writes one frame. An error ends the session.
	WriteFrame(f Frame) error
}

// Config tunes session polling.
type Config struct {
	PollTimeout time.Duration
	Start       StartPolicy
}

// DefaultConfig matches the original one second poll.
func DefaultConfig() Config {
	return Config{PollTimeout: time.Second, Start: StartLatest}
}

// Session delivers the frames of one stream to one consumer.
type Session struct {
	id          string
	remote      string
	connectedAt time.Time
	stream      *stream.Stream
	writer      Writer
	cfg         Config
	logger      *zap.Logger

	state         atomic.Int32
	lastDelivered atomic.Uint64
	framesSent    atomic.Uint64
}

// NewSession creates a session in the accepted state.
func NewSession(st *stream.Stream, w Writer, remote string, cfg Config, logger *zap.Logger) *Session {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	id := uuid.New().String()
	return &Session{
		id:          id,
		remote:      remote,
		connectedAt: time.Now(),
		stream:      st,
		writer:      w,
		cfg:         cfg,
		logger: logger.With(
			zap.String("session", id),
			zap.String("stream", st.ID),
			zap.String("transport", w.Transport()),
			zap.String("remote", remote),
		),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// LastDelivered returns the version of the last frame written.
func (s *Session) LastDelivered() uint64 { return s.lastDelivered.Load() }

// FramesSent returns how many frames were written.
func (s *Session) FramesSent() uint64 { return s.framesSent.Load() }

// Info implements stream.Member.
func (s *Session) Info() stream.SessionInfo {
	return stream.SessionInfo{
		ID:          s.id,
		Transport:   s.writer.Transport(),
		Remote:      s.remote,
		ConnectedAt: s.connectedAt,
		FramesSent:  s.framesSent.Load(),
	}
}

// Run streams until ctx is cancelled or a write fails. A cancelled context
// is a normal close and returns nil.
func (s *Session) Run(ctx context.Context) error {
	s.stream.Join(s)
	defer func() {
		s.stream.Leave(s)
		s.state.Store(int32(StateClosed))
		s.logger.Info("session closed", zap.Uint64("frames_sent", s.framesSent.Load()))
	}()

	s.state.Store(int32(StateStreaming))
	s.logger.Info("session streaming", zap.String("start", string(s.cfg.Start)))

	if err := s.writer.Preamble(); err != nil {
		return fmt.Errorf("write preamble: %w", err)
	}

	var last uint64
	if s.cfg.Start == StartNext {
		last = s.stream.Slot.Version()
	}

	for {
		f, ok := s.stream.Slot.Read(ctx, last, s.cfg.PollTimeout)
		if ctx.Err() != nil {
			return nil
		}
		if !ok || f.Version <= last {
			continue
		}

		if err := s.writer.WriteFrame(Frame{Stream: s.stream.ID, Frame: f}); err != nil {
			s.logger.Debug("write failed", zap.Uint64("version", f.Version), zap.Error(err))
			return fmt.Errorf("write frame %d: %w", f.Version, err)
		}

		last = f.Version
		s.lastDelivered.Store(last)
		s.framesSent.Add(1)
		s.stream.FrameSent()
	}
}
