package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/kinect-multiplexer/internal/device"
	"github.com/dgnsrekt/kinect-multiplexer/internal/render"
	"github.com/dgnsrekt/kinect-multiplexer/internal/stream"
)

func newTestManager(t *testing.T) *stream.Manager {
	t.Helper()
	m, err := stream.NewManager(
		[]stream.Spec{
			{ID: "main", Source: device.SourceKinectRGB, Params: stream.DefaultParams()},
			{ID: "depth", Source: device.SourceKinectDepth, Params: stream.DefaultParams()},
		},
		device.NewSyntheticDriver(30),
		render.NewPipeline(render.JPEGEncoder{}),
		stream.DefaultCaptureConfig(),
		nil,
		zap.NewNop(),
	)
	require.NoError(t, err)
	return m
}

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		kind Kind
	}{
		{"ir", KindSource},
		{"RGB", KindSource},
		{"kinect_depth", KindSource},
		{"picam", KindSource},
		{"quality 80", KindParams},
		{"scale 0.5", KindParams},
		{"res full", KindParams},
		{"stream depth", KindStream},
		{"status", KindStatus},
		{"HELP", KindHelp},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := Parse(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, cmd.Kind)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("   ")
	assert.ErrorIs(t, err, ErrEmptyCommand)

	_, err = Parse("zzz")
	var unknown *UnknownCommandError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "zzz", unknown.Word)
	assert.Contains(t, err.Error(), "rgb, ir, depth, picam")

	_, err = Parse("quality high")
	assert.ErrorContains(t, err, "quality must be an integer")

	_, err = Parse("scale")
	assert.ErrorContains(t, err, "exactly one argument")

	for _, arg := range []string{"nan", "NaN", "inf", "-Inf", "+infinity"} {
		_, err = Parse("scale " + arg)
		assert.ErrorContains(t, err, "scale must be a number", arg)
	}

	_, err = Parse("ir now")
	assert.True(t, errors.As(err, &unknown))
}

func TestCommands(t *testing.T) {
	assert.Equal(t, []string{"ir"}, Commands([]byte("ir")))
	assert.Equal(t, []string{"ir"}, Commands([]byte("  ir \r\n")))
	assert.Equal(t, []string{"ir", "quality 50"}, Commands([]byte("ir\n\nquality 50\n")))
	assert.Empty(t, Commands([]byte("\n")))
	assert.Empty(t, Commands([]byte("   ")))
}

func TestDispatcher_Execute(t *testing.T) {
	m := newTestManager(t)
	d := NewDispatcher(m, zap.NewNop())
	target := "main"

	assert.Equal(t, "OK: Already RGB (stream: main)", d.Execute(&target, "rgb"))
	assert.Equal(t, "OK: Switched to IR (stream: main)", d.Execute(&target, "ir"))
	assert.Equal(t, "OK: Already IR (stream: main)", d.Execute(&target, "IR"))

	assert.Equal(t, "OK: quality=40 (stream: main)", d.Execute(&target, "quality 40"))
	assert.Equal(t, "ERROR: quality must be 1-100, got 150", d.Execute(&target, "quality 150"))
	assert.True(t, strings.HasPrefix(d.Execute(&target, "res ultra"), "ERROR: picam_res must be one of"))

	assert.Equal(t, "OK: Controlling stream depth", d.Execute(&target, "stream depth"))
	assert.Equal(t, "depth", target)
	assert.Equal(t, "OK: Switched to IR (stream: depth)", d.Execute(&target, "ir"))

	reply := d.Execute(&target, "stream nope")
	assert.Equal(t, `ERROR: Stream "nope" not found. Available: main, depth`, reply)
	assert.Equal(t, "depth", target)

	status := d.Execute(&target, "status")
	assert.True(t, strings.HasPrefix(status, "OK: stream=depth source=kinect_depth"), status)
	assert.Contains(t, status, "pending=true")

	assert.True(t, strings.HasPrefix(d.Execute(&target, "help"), "OK: Commands: "))
}

func TestDispatcher_NonFiniteScaleLeavesStreamUntouched(t *testing.T) {
	m := newTestManager(t)
	d := NewDispatcher(m, zap.NewNop())
	target := "main"

	for _, line := range []string{"scale nan", "scale inf", "scale -inf"} {
		reply := d.Execute(&target, line)
		assert.True(t, strings.HasPrefix(reply, "ERROR: scale must be a number"), reply)
	}

	st, err := m.Get("main")
	require.NoError(t, err)
	_, ok := st.Controller.Take()
	assert.False(t, ok)

	_, err = json.Marshal(m.Status())
	assert.NoError(t, err)
}

func TestServeConn_ErrorThenValidCommand(t *testing.T) {
	m := newTestManager(t)
	d := NewDispatcher(m, zap.NewNop())

	server, client := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.ServeConn(ctx, server, "main", time.Second)
	}()

	r := bufio.NewReader(client)
	client.SetDeadline(time.Now().Add(2 * time.Second))

	_, err := client.Write([]byte("zzz"))
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "ERROR: Unknown command"), line)

	_, err = client.Write([]byte("ir\n"))
	require.NoError(t, err)
	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK: Switched to IR (stream: main)\n", line)

	st, err := m.Get("main")
	require.NoError(t, err)
	assert.True(t, st.Controller.Snapshot().Pending)

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("control session did not end after peer closed")
	}
}

func TestServeConn_ClosesOnShutdown(t *testing.T) {
	d := NewDispatcher(newTestManager(t), zap.NewNop())
	server, client := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.ServeConn(ctx, server, "main", time.Second)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("control session ignored cancellation")
	}
}
