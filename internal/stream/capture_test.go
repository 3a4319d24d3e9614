package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dgnsrekt/kinect-multiplexer/internal/device"
	"github.com/dgnsrekt/kinect-multiplexer/internal/frame"
	"github.com/dgnsrekt/kinect-multiplexer/internal/render"
)

var errSensor = errors.New("sensor timeout")

// fakeDriver hands out tiny devices whose failures are scripted.
type fakeDriver struct {
	mu         sync.Mutex
	opens      []device.Source
	openFails  int
	readFails  int
	readPanics int
	closed     int
}

func (d *fakeDriver) Open(_ context.Context, source device.Source, _ device.Resolution) (device.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openFails > 0 {
		d.openFails--
		return nil, errors.New("no such device")
	}
	d.opens = append(d.opens, source)
	return &fakeDevice{driver: d, source: source}, nil
}

func (d *fakeDriver) Opens() []device.Source {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]device.Source(nil), d.opens...)
}

func (d *fakeDriver) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeDevice struct {
	driver *fakeDriver
	source device.Source
	tick   int
}

func (f *fakeDevice) Read(ctx context.Context) (*device.RawFrame, error) {
	f.driver.mu.Lock()
	switch {
	case f.driver.readPanics > 0:
		f.driver.readPanics--
		f.driver.mu.Unlock()
		panic("usb transfer aborted")
	case f.driver.readFails > 0:
		f.driver.readFails--
		f.driver.mu.Unlock()
		return nil, errSensor
	}
	f.driver.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	f.tick++
	return device.Pattern(f.source, device.Resolution{Width: 8, Height: 6}, f.tick), nil
}

func (f *fakeDevice) Close() error {
	f.driver.mu.Lock()
	f.driver.closed++
	f.driver.mu.Unlock()
	return nil
}

type alertCall struct {
	kind     string
	source   string
	failures int
}

type recordingAlerter struct {
	calls chan alertCall
}

func (a *recordingAlerter) SourceDown(_ context.Context, _, source string, failures int, _ error) error {
	a.calls <- alertCall{kind: "down", source: source, failures: failures}
	return nil
}

func (a *recordingAlerter) SourceRecovered(_ context.Context, _, source string, _ time.Duration) error {
	a.calls <- alertCall{kind: "recovered", source: source}
	return nil
}

type loopFixture struct {
	slot   *frame.Slot
	ctrl   *Controller
	stats  *Stats
	driver *fakeDriver
	done   chan struct{}
	cancel context.CancelFunc
}

func startLoop(t *testing.T, driver *fakeDriver, cfg CaptureConfig, alerter Alerter) *loopFixture {
	t.Helper()

	ctrl, err := NewController(device.SourceKinectRGB, DefaultParams())
	require.NoError(t, err)

	f := &loopFixture{
		slot:   frame.NewSlot(),
		ctrl:   ctrl,
		stats:  &Stats{},
		driver: driver,
		done:   make(chan struct{}),
	}
	loop := NewCaptureLoop("main", driver, render.NewPipeline(render.JPEGEncoder{}), f.slot, ctrl, f.stats, cfg, alerter, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		defer close(f.done)
		loop.Run(ctx)
	}()
	t.Cleanup(f.stop)
	return f
}

func (f *loopFixture) stop() {
	f.cancel()
	<-f.done
}

func fastConfig() CaptureConfig {
	return CaptureConfig{RetryBackoff: time.Millisecond}
}

func TestCaptureLoop_PublishesFrames(t *testing.T) {
	f := startLoop(t, &fakeDriver{}, fastConfig(), nil)

	require.Eventually(t, func() bool { return f.slot.Version() >= 3 }, 2*time.Second, 5*time.Millisecond)

	latest := f.slot.Latest()
	assert.NotEmpty(t, latest.Payload)
	assert.Equal(t, []byte{0xFF, 0xD8}, latest.Payload[:2], "payload must be a JPEG")
	assert.GreaterOrEqual(t, f.stats.Snapshot().FramesCaptured, uint64(3))
}

func TestCaptureLoop_StopsAndClosesDevice(t *testing.T) {
	driver := &fakeDriver{}
	f := startLoop(t, driver, fastConfig(), nil)

	require.Eventually(t, func() bool { return f.slot.Version() >= 1 }, 2*time.Second, 5*time.Millisecond)
	f.stop()

	assert.Equal(t, 1, driver.Closed())
}

func TestCaptureLoop_SourceSwitchAppliedOnce(t *testing.T) {
	driver := &fakeDriver{}
	f := startLoop(t, driver, fastConfig(), nil)

	require.Eventually(t, func() bool { return f.slot.Version() >= 1 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		_, err := f.ctrl.RequestSourceChange(device.SourceKinectIR)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		m := f.ctrl.Snapshot()
		return m.Source == device.SourceKinectIR && !m.Pending
	}, 2*time.Second, 5*time.Millisecond)

	v := f.slot.Version()
	require.Eventually(t, func() bool { return f.slot.Version() > v+2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []device.Source{device.SourceKinectRGB, device.SourceKinectIR}, driver.Opens())
}

func TestCaptureLoop_NoPublishDuringSettle(t *testing.T) {
	cfg := fastConfig()
	cfg.SettleDelay = 400 * time.Millisecond
	f := startLoop(t, &fakeDriver{}, cfg, nil)

	// Initial open has nothing to settle.
	require.Eventually(t, func() bool { return f.slot.Version() >= 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := f.ctrl.RequestSourceChange(device.SourceKinectDepth)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.ctrl.Snapshot().Source == device.SourceKinectDepth
	}, 2*time.Second, 2*time.Millisecond)

	v := f.slot.Version()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, v, f.slot.Version(), "no frame may be published while the device settles")

	require.Eventually(t, func() bool { return f.slot.Version() > v }, 2*time.Second, 5*time.Millisecond)
}

func TestCaptureLoop_ParamChangeWithoutReopen(t *testing.T) {
	driver := &fakeDriver{}
	f := startLoop(t, driver, fastConfig(), nil)

	require.Eventually(t, func() bool { return f.slot.Version() >= 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := f.ctrl.RequestParamChange(ParamUpdate{Quality: ptr(20), Scale: ptr(0.5)})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m := f.ctrl.Snapshot()
		return m.Params.Quality == 20 && !m.Pending
	}, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, driver.Opens(), 1)
}

func TestCaptureLoop_RecoversFromReadFailures(t *testing.T) {
	driver := &fakeDriver{readFails: 3}
	cfg := fastConfig()
	cfg.ReopenAfter = 2
	f := startLoop(t, driver, cfg, nil)

	require.Eventually(t, func() bool { return f.slot.Version() >= 2 }, 2*time.Second, 5*time.Millisecond)

	stats := f.stats.Snapshot()
	assert.Equal(t, uint64(3), stats.CaptureFailures)
	assert.Empty(t, stats.LastError, "a successful frame clears the last error")
	assert.Len(t, driver.Opens(), 2, "device reopened once after two consecutive failures")
}

func TestCaptureLoop_DriverPanicIsAFailure(t *testing.T) {
	driver := &fakeDriver{readPanics: 1}
	f := startLoop(t, driver, fastConfig(), nil)

	require.Eventually(t, func() bool { return f.slot.Version() >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), f.stats.Snapshot().CaptureFailures)
}

func TestCaptureLoop_RetriesFailedOpen(t *testing.T) {
	driver := &fakeDriver{openFails: 2}
	f := startLoop(t, driver, fastConfig(), nil)

	require.Eventually(t, func() bool { return f.slot.Version() >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), f.stats.Snapshot().CaptureFailures)
}

func TestCaptureLoop_FailedSwitchStaysPending(t *testing.T) {
	driver := &fakeDriver{}
	cfg := fastConfig()
	cfg.RetryBackoff = 20 * time.Millisecond
	f := startLoop(t, driver, cfg, nil)

	require.Eventually(t, func() bool { return f.slot.Version() >= 1 }, 2*time.Second, 5*time.Millisecond)

	driver.mu.Lock()
	driver.openFails = 3
	driver.mu.Unlock()

	_, err := f.ctrl.RequestSourceChange(device.SourceKinectIR)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.stats.Snapshot().CaptureFailures >= 1 }, 2*time.Second, 2*time.Millisecond)
	m := f.ctrl.Snapshot()
	assert.Equal(t, device.SourceKinectRGB, m.Source, "active source only moves after the device opens")
	assert.True(t, m.Pending)

	require.Eventually(t, func() bool {
		return f.ctrl.Snapshot().Source == device.SourceKinectIR
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCaptureLoop_AlertsAfterThresholdAndOnRecovery(t *testing.T) {
	alerter := &recordingAlerter{calls: make(chan alertCall, 4)}
	driver := &fakeDriver{readFails: 3}
	cfg := fastConfig()
	cfg.AlertAfter = 2
	startLoop(t, driver, cfg, alerter)

	select {
	case call := <-alerter.calls:
		assert.Equal(t, alertCall{kind: "down", source: "kinect_rgb", failures: 2}, call)
	case <-time.After(2 * time.Second):
		t.Fatal("expected source down alert")
	}

	select {
	case call := <-alerter.calls:
		assert.Equal(t, "recovered", call.kind)
	case <-time.After(2 * time.Second):
		t.Fatal("expected recovery alert")
	}
}

func TestCaptureLoop_NoRecoveryAlertBelowThreshold(t *testing.T) {
	alerter := &recordingAlerter{calls: make(chan alertCall, 4)}
	driver := &fakeDriver{readFails: 1}
	cfg := fastConfig()
	cfg.AlertAfter = 5
	f := startLoop(t, driver, cfg, alerter)

	require.Eventually(t, func() bool { return f.slot.Version() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, alerter.calls)
}
