package broadcast

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dgnsrekt/kinect-multiplexer/internal/frame"
)

// Boundary separates parts of the multipart stream.
const Boundary = "--jpgboundary"

// Frame is a slot frame tagged with the stream it came from.
type Frame struct {
	Stream string
	frame.Frame
}

// RawWriter writes payloads back to back on a TCP connection.
type RawWriter struct {
	conn         net.Conn
	writeTimeout time.Duration
}

// NewRawWriter wraps conn. A zero timeout disables write deadlines.
func NewRawWriter(conn net.Conn, writeTimeout time.Duration) *RawWriter {
	return &RawWriter{conn: conn, writeTimeout: writeTimeout}
}

func (w *RawWriter) Transport() string { return "tcp" }

func (w *RawWriter) Preamble() error { return nil }

func (w *RawWriter) WriteFrame(f Frame) error {
	if w.writeTimeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := w.conn.Write(f.Payload)
	return err
}

// MultipartWriter serves frames as multipart/x-mixed-replace.
type MultipartWriter struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	contentType  string
	writeTimeout time.Duration
}

// NewMultipartWriter wraps an HTTP response. contentType is the per-part type.
func NewMultipartWriter(w http.ResponseWriter, contentType string, writeTimeout time.Duration) *MultipartWriter {
	return &MultipartWriter{
		w:            w,
		rc:           http.NewResponseController(w),
		contentType:  contentType,
		writeTimeout: writeTimeout,
	}
}

func (w *MultipartWriter) Transport() string { return "multipart" }

func (w *MultipartWriter) Preamble() error {
	h := w.w.Header()
	h.Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Connection", "close")
	w.w.WriteHeader(http.StatusOK)
	return w.flush()
}

func (w *MultipartWriter) WriteFrame(f Frame) error {
	if w.writeTimeout > 0 {
		err := w.rc.SetWriteDeadline(time.Now().Add(w.writeTimeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.w, "%s\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n",
		Boundary, w.contentType, len(f.Payload)); err != nil {
		return err
	}
	if _, err := w.w.Write(f.Payload); err != nil {
		return err
	}
	if _, err := w.w.Write([]byte("\r\n")); err != nil {
		return err
	}
	return w.flush()
}

func (w *MultipartWriter) flush() error {
	if err := w.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
