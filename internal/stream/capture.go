package stream

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/kinect-multiplexer/internal/device"
	"github.com/dgnsrekt/kinect-multiplexer/internal/frame"
	"github.com/dgnsrekt/kinect-multiplexer/internal/render"
)

// CaptureConfig tunes a capture loop.
type CaptureConfig struct {
	// SettleDelay is the pause after a hardware reconfiguration.
	SettleDelay time.Duration
	// RetryBackoff is the pause after a failed open or read.
	RetryBackoff time.Duration
	// MaxFPS caps the capture rate; zero disables pacing.
	MaxFPS int
	// ReopenAfter closes and reopens the device after this many
	// consecutive read failures; zero disables reopening.
	ReopenAfter int
	// AlertAfter sends a source-down alert after this many consecutive
	// failures; zero disables alerts.
	AlertAfter int
}

// DefaultCaptureConfig returns the timings used by the original streamer.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SettleDelay:  500 * time.Millisecond,
		RetryBackoff: time.Second,
		MaxFPS:       30,
		ReopenAfter:  5,
		AlertAfter:   10,
	}
}

// Alerter is told when a capture source stops and resumes producing frames.
type Alerter interface {
	SourceDown(ctx context.Context, stream, source string, failures int, cause error) error
	SourceRecovered(ctx context.Context, stream, source string, downtime time.Duration) error
}

// CaptureLoop pulls frames from the active device and publishes them.
type CaptureLoop struct {
	id       string
	driver   device.Driver
	pipeline *render.Pipeline
	slot     *frame.Slot
	ctrl     *Controller
	stats    *Stats
	cfg      CaptureConfig
	limiter  *rate.Limiter
	alerter  Alerter
	logger   *zap.Logger

	dev     device.Device
	devMode Change
	want    *Change

	failures  int
	downSince time.Time
	alerted   bool
}

// NewCaptureLoop wires a loop for one logical stream.
func NewCaptureLoop(
	id string,
	driver device.Driver,
	pipeline *render.Pipeline,
	slot *frame.Slot,
	ctrl *Controller,
	stats *Stats,
	cfg CaptureConfig,
	alerter Alerter,
	logger *zap.Logger,
) *CaptureLoop {
	var limiter *rate.Limiter
	if cfg.MaxFPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxFPS), 1)
	}
	return &CaptureLoop{
		id:       id,
		driver:   driver,
		pipeline: pipeline,
		slot:     slot,
		ctrl:     ctrl,
		stats:    stats,
		cfg:      cfg,
		limiter:  limiter,
		alerter:  alerter,
		logger:   logger.With(zap.String("stream", id)),
	}
}

// Run captures until ctx is cancelled. Failures never escape the loop.
func (l *CaptureLoop) Run(ctx context.Context) {
	l.logger.Info("capture loop started")
	defer func() {
		l.closeDevice()
		l.logger.Info("capture loop stopped")
	}()

	for ctx.Err() == nil {
		l.step(ctx)
	}
}

// step runs one capture iteration.
func (l *CaptureLoop) step(ctx context.Context) {
	if ch, ok := l.ctrl.Take(); ok {
		l.logger.Info("applying mode change",
			zap.String("source", string(ch.Source)),
			zap.Int("quality", ch.Params.Quality),
			zap.Float64("scale", ch.Params.Scale),
			zap.String("preset", ch.Params.Preset),
			zap.Bool("reopen", ch.Reopen),
		)
		if !ch.Reopen && l.dev != nil {
			l.devMode = ch
			l.ctrl.Commit(ch)
			return
		}
		l.closeDevice()
		l.want = &ch
	}

	if l.dev == nil {
		if err := l.open(ctx); err != nil {
			l.fail(ctx, fmt.Errorf("open device: %w", err))
			return
		}
		if l.want != nil {
			l.ctrl.Commit(*l.want)
			l.want = nil
			l.sleep(ctx, l.cfg.SettleDelay)
			return
		}
	}

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return
		}
	}

	raw, err := l.read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.fail(ctx, fmt.Errorf("read frame: %w", err))
		if l.cfg.ReopenAfter > 0 && l.failures%l.cfg.ReopenAfter == 0 {
			l.logger.Warn("reopening device after repeated failures", zap.Int("failures", l.failures))
			l.closeDevice()
		}
		return
	}

	payload, err := l.pipeline.Render(raw, render.Options{
		Quality: l.devMode.Params.Quality,
		Scale:   l.scaleFor(l.devMode),
	})
	if err != nil {
		l.fail(ctx, fmt.Errorf("render frame: %w", err))
		return
	}

	l.slot.Publish(payload)
	l.stats.frameCaptured()
	l.recovered(ctx)
}

// open starts the device for the wanted or active configuration.
func (l *CaptureLoop) open(ctx context.Context) error {
	mode := l.currentMode()
	if l.want != nil {
		mode = *l.want
	}
	res := device.NativeResolution(mode.Source, mode.Params.Preset)

	dev, err := l.driver.Open(ctx, mode.Source, res)
	if err != nil {
		return err
	}
	l.dev = dev
	l.devMode = mode
	l.logger.Info("device opened",
		zap.String("source", string(mode.Source)),
		zap.String("resolution", res.String()),
	)
	return nil
}

func (l *CaptureLoop) currentMode() Change {
	m := l.ctrl.Snapshot()
	return Change{Source: m.Source, Params: m.Params}
}

// read isolates driver panics so they count as ordinary failures.
func (l *CaptureLoop) read(ctx context.Context) (raw *device.RawFrame, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver panic: %v", r)
		}
	}()
	return l.dev.Read(ctx)
}

func (l *CaptureLoop) scaleFor(mode Change) float64 {
	if !mode.Source.Kinect() {
		return 1
	}
	return mode.Params.Scale
}

func (l *CaptureLoop) closeDevice() {
	if l.dev == nil {
		return
	}
	if err := l.dev.Close(); err != nil {
		l.logger.Warn("failed to close device", zap.Error(err))
	}
	l.dev = nil
}

func (l *CaptureLoop) fail(ctx context.Context, err error) {
	l.failures++
	l.stats.captureFailed(err)
	if l.failures == 1 {
		l.downSince = time.Now()
	}

	l.logger.Warn("capture failed",
		zap.Int("failures", l.failures),
		zap.Duration("backoff", l.cfg.RetryBackoff),
		zap.Error(err),
	)

	if l.alerter != nil && l.cfg.AlertAfter > 0 && l.failures == l.cfg.AlertAfter {
		l.alerted = true
		source := string(l.currentMode().Source)
		failures := l.failures
		go func() {
			if err := l.alerter.SourceDown(context.WithoutCancel(ctx), l.id, source, failures, err); err != nil {
				l.logger.Debug("source down alert not sent", zap.Error(err))
			}
		}()
	}

	l.sleep(ctx, l.cfg.RetryBackoff)
}

func (l *CaptureLoop) recovered(ctx context.Context) {
	if l.failures == 0 {
		return
	}
	downtime := time.Since(l.downSince)
	l.logger.Info("capture recovered",
		zap.Int("failures", l.failures),
		zap.Duration("downtime", downtime),
	)
	if l.alerted && l.alerter != nil {
		source := string(l.devMode.Source)
		go func() {
			if err := l.alerter.SourceRecovered(context.WithoutCancel(ctx), l.id, source, downtime); err != nil {
				l.logger.Debug("recovery alert not sent", zap.Error(err))
			}
		}()
	}
	l.failures = 0
	l.alerted = false
}

func (l *CaptureLoop) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
