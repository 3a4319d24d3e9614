package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dgnsrekt/kinect-multiplexer/internal/device"
	"github.com/dgnsrekt/kinect-multiplexer/internal/frame"
	"github.com/dgnsrekt/kinect-multiplexer/internal/render"
)

// ErrUnknownStream is returned when a stream id is not configured.
var ErrUnknownStream = errors.New("unknown stream")

// Spec describes one logical stream to build.
type Spec struct {
	ID         string
	Source     device.Source
	Params     Params
	MaxClients int
}

// Manager owns every logical stream and its capture loop.
type Manager struct {
	streams   map[string]*Stream
	order     []string
	startedAt time.Time
	logger    *zap.Logger
}

// NewManager builds the streams described by specs. Each stream gets its own
// slot, controller and capture loop so failures stay isolated per stream.
func NewManager(
	specs []Spec,
	driver device.Driver,
	pipeline *render.Pipeline,
	cfg CaptureConfig,
	alerter Alerter,
	logger *zap.Logger,
) (*Manager, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no streams configured")
	}

	m := &Manager{
		streams:   make(map[string]*Stream, len(specs)),
		startedAt: time.Now(),
		logger:    logger,
	}

	for _, spec := range specs {
		if _, dup := m.streams[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate stream id %q", spec.ID)
		}

		ctrl, err := NewController(spec.Source, spec.Params)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", spec.ID, err)
		}

		s := &Stream{
			ID:         spec.ID,
			Slot:       frame.NewSlot(),
			Controller: ctrl,
			Stats:      &Stats{},
			members:    make(map[Member]struct{}),
		}
		if spec.MaxClients > 0 {
			s.capacity = semaphore.NewWeighted(int64(spec.MaxClients))
		}
		s.loop = NewCaptureLoop(spec.ID, driver, pipeline, s.Slot, ctrl, s.Stats, cfg, alerter, logger.Named("capture"))

		m.streams[spec.ID] = s
		m.order = append(m.order, spec.ID)
	}

	return m, nil
}

// Run starts every capture loop and blocks until ctx is cancelled and all
// loops have stopped.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range m.order {
		s := m.streams[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop.Run(ctx)
		}()
	}
	wg.Wait()
}

// IDs returns stream ids in configuration order.
func (m *Manager) IDs() []string {
	return append([]string(nil), m.order...)
}

// Default returns the first configured stream id.
func (m *Manager) Default() string {
	return m.order[0]
}

// Get resolves a stream by id.
func (m *Manager) Get(id string) (*Stream, error) {
	s, ok := m.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, id)
	}
	return s, nil
}

// SwitchSource requests a source change on stream id.
func (m *Manager) SwitchSource(id string, source device.Source) (bool, error) {
	s, err := m.Get(id)
	if err != nil {
		return false, err
	}
	changed, err := s.Controller.RequestSourceChange(source)
	if err != nil {
		return false, err
	}
	m.logger.Info("source change requested",
		zap.String("stream", id),
		zap.String("source", string(source)),
		zap.Bool("changed", changed),
	)
	return changed, nil
}

// UpdateParams requests a parameter change on stream id.
func (m *Manager) UpdateParams(id string, u ParamUpdate) (bool, error) {
	s, err := m.Get(id)
	if err != nil {
		return false, err
	}
	changed, err := s.Controller.RequestParamChange(u)
	if err != nil {
		return false, err
	}
	m.logger.Info("parameter change requested",
		zap.String("stream", id),
		zap.String("params", u.Describe()),
		zap.Bool("changed", changed),
	)
	return changed, nil
}

// Retune requests the source and parameters of every known stream in specs.
// Streams are neither added nor removed; unknown ids are reported in the
// returned error after the known ones have been applied.
func (m *Manager) Retune(specs []Spec) error {
	var errs []error
	for _, spec := range specs {
		if _, err := m.Get(spec.ID); err != nil {
			errs = append(errs, fmt.Errorf("stream %s: restart required to add streams", spec.ID))
			continue
		}
		q, sc, p := spec.Params.Quality, spec.Params.Scale, spec.Params.Preset
		// Params first so a source switch picks them up in the same change.
		if _, err := m.UpdateParams(spec.ID, ParamUpdate{Quality: &q, Scale: &sc, Preset: &p}); err != nil {
			errs = append(errs, fmt.Errorf("stream %s: %w", spec.ID, err))
			continue
		}
		if _, err := m.SwitchSource(spec.ID, spec.Source); err != nil {
			errs = append(errs, fmt.Errorf("stream %s: %w", spec.ID, err))
		}
	}
	return errors.Join(errs...)
}

// StreamStatus reports one logical stream.
type StreamStatus struct {
	Source           string        `json:"source"`
	Resolution       string        `json:"resolution"`
	JPEGQuality      int           `json:"jpeg_quality"`
	ScaleFactor      float64       `json:"scale_factor"`
	PicamPreset      string        `json:"picam_preset"`
	SwitchPending    bool          `json:"switch_pending"`
	Version          uint64        `json:"version"`
	FramesCaptured   uint64        `json:"frames_captured"`
	FramesSent       uint64        `json:"frames_sent"`
	ClientsConnected int64         `json:"clients_connected"`
	CaptureFailures  uint64        `json:"capture_failures"`
	LastError        string        `json:"last_error,omitempty"`
	LastFrameAt      *time.Time    `json:"last_frame_at,omitempty"`
	Sessions         []SessionInfo `json:"sessions,omitempty"`
}

// Status is the document served by the status endpoint.
type Status struct {
	Streams       map[string]StreamStatus `json:"streams"`
	Order         []string                `json:"order"`
	Sources       []string                `json:"sources"`
	Presets       []string                `json:"presets"`
	UptimeSeconds float64                 `json:"uptime_seconds"`
}

// StatusOf reports a single stream.
func (s *Stream) StatusOf() StreamStatus {
	mode := s.Controller.Snapshot()
	stats := s.Stats.Snapshot()
	res := render.OutputResolution(mode.Source, mode.Params.Preset, mode.Params.Scale)

	sessions := s.Sessions()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})

	st := StreamStatus{
		Source:           string(mode.Source),
		Resolution:       res.String(),
		JPEGQuality:      mode.Params.Quality,
		ScaleFactor:      mode.Params.Scale,
		PicamPreset:      mode.Params.Preset,
		SwitchPending:    mode.Pending,
		Version:          s.Slot.Version(),
		FramesCaptured:   stats.FramesCaptured,
		FramesSent:       stats.FramesSent,
		ClientsConnected: stats.ClientsConnected,
		CaptureFailures:  stats.CaptureFailures,
		LastError:        stats.LastError,
		Sessions:         sessions,
	}
	if !stats.LastFrameAt.IsZero() {
		t := stats.LastFrameAt
		st.LastFrameAt = &t
	}
	return st
}

// Status reports every stream. Values may be slightly stale.
func (m *Manager) Status() Status {
	st := Status{
		Streams:       make(map[string]StreamStatus, len(m.streams)),
		Order:         m.IDs(),
		Presets:       device.PresetNames(),
		UptimeSeconds: time.Since(m.startedAt).Seconds(),
	}
	for _, s := range device.Sources {
		st.Sources = append(st.Sources, string(s))
	}
	for id, s := range m.streams {
		st.Streams[id] = s.StatusOf()
	}
	return st
}
