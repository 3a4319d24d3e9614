package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/kinect-multiplexer/internal/device"
	"github.com/dgnsrekt/kinect-multiplexer/internal/render"
	"github.com/dgnsrekt/kinect-multiplexer/internal/stream"
)

// newTestStream returns a stream whose capture loop is never started, so
// tests publish into its slot directly.
func newTestStream(t *testing.T) *stream.Stream {
	t.Helper()
	m, err := stream.NewManager(
		[]stream.Spec{{ID: "main", Source: device.SourceKinectRGB, Params: stream.DefaultParams()}},
		device.NewSyntheticDriver(30),
		render.NewPipeline(render.JPEGEncoder{}),
		stream.DefaultCaptureConfig(),
		nil,
		zap.NewNop(),
	)
	require.NoError(t, err)
	s, err := m.Get("main")
	require.NoError(t, err)
	return s
}

var errPeerGone = errors.New("peer gone")

type recordWriter struct {
	mu       sync.Mutex
	versions []uint64
	failOn   int
}

func (w *recordWriter) Transport() string { return "test" }
func (w *recordWriter) Preamble() error   { return nil }

func (w *recordWriter) WriteFrame(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failOn > 0 && len(w.versions)+1 == w.failOn {
		return errPeerGone
	}
	w.versions = append(w.versions, f.Version)
	return nil
}

func (w *recordWriter) Versions() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint64(nil), w.versions...)
}

type running struct {
	session *Session
	writer  *recordWriter
	cancel  context.CancelFunc
	done    chan error
}

func startSession(t *testing.T, st *stream.Stream, cfg Config, w *recordWriter) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		session: NewSession(st, w, "127.0.0.1:50000", cfg, zap.NewNop()),
		writer:  w,
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() { r.done <- r.session.Run(ctx) }()
	t.Cleanup(cancel)
	return r
}

func testConfig() Config {
	return Config{PollTimeout: 10 * time.Millisecond, Start: StartLatest}
}

func assertStrictlyIncreasing(t *testing.T, versions []uint64) {
	t.Helper()
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1], "versions %v", versions)
	}
}

func TestParseStartPolicy(t *testing.T) {
	p, err := ParseStartPolicy("NEXT")
	require.NoError(t, err)
	assert.Equal(t, StartNext, p)

	p, err = ParseStartPolicy("")
	require.NoError(t, err)
	assert.Equal(t, StartLatest, p)

	_, err = ParseStartPolicy("oldest")
	assert.Error(t, err)
}

func TestSession_TwoSessionsSeeIncreasingVersions(t *testing.T) {
	st := newTestStream(t)
	a := startSession(t, st, testConfig(), &recordWriter{})
	b := startSession(t, st, testConfig(), &recordWriter{})

	require.Eventually(t, func() bool {
		return st.Stats.Snapshot().ClientsConnected == 2
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		st.Slot.Publish([]byte{byte(i)})
		time.Sleep(5 * time.Millisecond)
	}

	for _, r := range []*running{a, b} {
		require.Eventually(t, func() bool { return r.session.LastDelivered() == 3 }, time.Second, 5*time.Millisecond)
		versions := r.writer.Versions()
		assertStrictlyIncreasing(t, versions)
		for _, v := range versions {
			assert.True(t, v >= 1 && v <= 3)
		}
	}

	// Disconnecting one session leaves the other streaming.
	a.cancel()
	require.NoError(t, <-a.done)
	assert.Equal(t, StateClosed, a.session.State())

	st.Slot.Publish([]byte{4})
	require.Eventually(t, func() bool { return b.session.LastDelivered() == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStreaming, b.session.State())
	assert.Equal(t, int64(1), st.Stats.Snapshot().ClientsConnected)
}

func TestSession_StartNextSkipsCurrentFrame(t *testing.T) {
	st := newTestStream(t)
	for i := 0; i < 5; i++ {
		st.Slot.Publish([]byte{byte(i)})
	}

	cfg := testConfig()
	cfg.Start = StartNext
	r := startSession(t, st, cfg, &recordWriter{})

	require.Eventually(t, func() bool { return r.session.State() == StateStreaming }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.writer.Versions())

	st.Slot.Publish([]byte{6})
	require.Eventually(t, func() bool { return len(r.writer.Versions()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(6), r.writer.Versions()[0])
}

func TestSession_StartLatestDeliversCurrentFrame(t *testing.T) {
	st := newTestStream(t)
	for i := 0; i < 3; i++ {
		st.Slot.Publish([]byte{byte(i)})
	}

	r := startSession(t, st, testConfig(), &recordWriter{})
	require.Eventually(t, func() bool { return len(r.writer.Versions()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{3}, r.writer.Versions())
}

func TestSession_NoWritesWithoutFrames(t *testing.T) {
	st := newTestStream(t)
	r := startSession(t, st, testConfig(), &recordWriter{})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, r.writer.Versions())
	assert.Equal(t, StateStreaming, r.session.State())

	r.cancel()
	assert.NoError(t, <-r.done)
}

func TestSession_WriteFailureClosesSession(t *testing.T) {
	st := newTestStream(t)
	r := startSession(t, st, testConfig(), &recordWriter{failOn: 2})

	st.Slot.Publish([]byte{1})
	require.Eventually(t, func() bool { return r.session.LastDelivered() == 1 }, time.Second, 5*time.Millisecond)
	st.Slot.Publish([]byte{2})

	select {
	case err := <-r.done:
		assert.ErrorIs(t, err, errPeerGone)
	case <-time.After(time.Second):
		t.Fatal("session did not close after write failure")
	}

	assert.Equal(t, StateClosed, r.session.State())
	assert.Equal(t, uint64(1), r.session.FramesSent())
	assert.Zero(t, st.Stats.Snapshot().ClientsConnected)
	assert.Empty(t, st.Sessions())
}

func TestSession_InfoReportsProgress(t *testing.T) {
	st := newTestStream(t)
	r := startSession(t, st, testConfig(), &recordWriter{})

	st.Slot.Publish([]byte{1})
	require.Eventually(t, func() bool { return r.session.FramesSent() == 1 }, time.Second, 5*time.Millisecond)

	infos := st.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, r.session.ID(), infos[0].ID)
	assert.Equal(t, "test", infos[0].Transport)
	assert.Equal(t, uint64(1), infos[0].FramesSent)
	assert.Equal(t, uint64(1), st.Stats.Snapshot().FramesSent)
}
