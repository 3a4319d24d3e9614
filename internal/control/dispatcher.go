package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/kinect-multiplexer/internal/device"
	"github.com/dgnsrekt/kinect-multiplexer/internal/stream"
)

// Streams is the part of the stream manager the protocol drives.
type Streams interface {
	IDs() []string
	Get(id string) (*stream.Stream, error)
	SwitchSource(id string, source device.Source) (bool, error)
	UpdateParams(id string, u stream.ParamUpdate) (bool, error)
}

// Dispatcher executes commands against the stream manager.
type Dispatcher struct {
	streams Streams
	logger  *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(streams Streams, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{streams: streams, logger: logger}
}

// Execute runs one command line for the stream *target and returns the
// single-line reply. A stream command updates *target.
func (d *Dispatcher) Execute(target *string, line string) string {
	cmd, err := Parse(line)
	if err != nil {
		return "ERROR: " + err.Error()
	}

	switch cmd.Kind {
	case KindSource:
		changed, err := d.streams.SwitchSource(*target, cmd.Source)
		if err != nil {
			return "ERROR: " + err.Error()
		}
		if !changed {
			return fmt.Sprintf("OK: Already %s (stream: %s)", cmd.Source.Label(), *target)
		}
		return fmt.Sprintf("OK: Switched to %s (stream: %s)", cmd.Source.Label(), *target)

	case KindParams:
		if _, err := d.streams.UpdateParams(*target, cmd.Update); err != nil {
			return "ERROR: " + err.Error()
		}
		return fmt.Sprintf("OK: %s (stream: %s)", cmd.Update.Describe(), *target)

	case KindStream:
		if _, err := d.streams.Get(cmd.Stream); err != nil {
			return fmt.Sprintf("ERROR: Stream %q not found. Available: %s", cmd.Stream, strings.Join(d.streams.IDs(), ", "))
		}
		*target = cmd.Stream
		return "OK: Controlling stream " + cmd.Stream

	case KindStatus:
		st, err := d.streams.Get(*target)
		if err != nil {
			return "ERROR: " + err.Error()
		}
		s := st.StatusOf()
		return fmt.Sprintf("OK: stream=%s source=%s resolution=%s quality=%d scale=%g picam_res=%s pending=%t clients=%d version=%d",
			*target, s.Source, s.Resolution, s.JPEGQuality, s.ScaleFactor, s.PicamPreset, s.SwitchPending, s.ClientsConnected, s.Version)

	case KindHelp:
		return "OK: Commands: " + Usage()
	}

	return "ERROR: " + (&UnknownCommandError{Word: line}).Error()
}

// Commands splits one received buffer into command lines. A buffer without
// a newline is a single command.
func Commands(buf []byte) []string {
	if !bytes.ContainsAny(buf, "\r\n") {
		if s := strings.TrimSpace(string(buf)); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	for _, line := range strings.FieldsFunc(string(buf), func(r rune) bool { return r == '\n' || r == '\r' }) {
		if s := strings.TrimSpace(line); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ServeConn runs a control session on conn until the peer disconnects or
// ctx is cancelled. Malformed commands get an error reply and the session
// continues.
func (d *Dispatcher) ServeConn(ctx context.Context, conn net.Conn, defaultStream string, writeTimeout time.Duration) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	logger := d.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	logger.Info("control client connected")
	defer logger.Info("control client disconnected")

	target := defaultStream
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, line := range Commands(buf[:n]) {
				reply := d.Execute(&target, line)
				logger.Debug("control command",
					zap.String("command", line),
					zap.String("reply", reply),
				)
				if writeTimeout > 0 {
					conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				}
				if _, err := io.WriteString(conn, reply+"\n"); err != nil {
					logger.Debug("control reply failed", zap.Error(err))
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Debug("control read failed", zap.Error(err))
			}
			return
		}
	}
}
