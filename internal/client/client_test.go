package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/kinect-multiplexer/internal/stream"
)

func newTestClient(url string, retries int) *HTTPClient {
	logger, _ := zap.NewDevelopment()
	return NewClient(url, 100, 5*time.Second, 10*time.Millisecond, retries, logger)
}

func TestStatus_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("expected path /status, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stream.Status{
			Order:   []string{"main"},
			Streams: map[string]stream.StreamStatus{"main": {Source: "kinect_ir"}},
		})
	}))
	defer server.Close()

	st, err := newTestClient(server.URL, 0).Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if st.Streams["main"].Source != "kinect_ir" {
		t.Errorf("unexpected source: %s", st.Streams["main"].Source)
	}
}

func TestSwitch_SendsQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		q := r.URL.Query()
		if q.Get("source") != "ir" || q.Get("quality") != "40" || q.Get("stream") != "depth" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if q.Has("scale") || q.Has("picam_res") {
			t.Errorf("unset fields must be omitted: %s", r.URL.RawQuery)
		}
		fmt.Fprintln(w, "OK: source=ir, quality=40 (stream: depth)")
	}))
	defer server.Close()

	quality := 40
	reply, err := newTestClient(server.URL, 0).Switch(context.Background(), SwitchRequest{
		Stream:  "depth",
		Source:  "ir",
		Quality: &quality,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reply != "OK: source=ir, quality=40 (stream: depth)" {
		t.Errorf("unexpected reply: %q", reply)
	}
}

func TestSwitch_RejectedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, "ERROR: quality must be 1-100, got 150")
	}))
	defer server.Close()

	quality := 150
	_, err := newTestClient(server.URL, 3).Switch(context.Background(), SwitchRequest{Quality: &quality})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}

	if hits.Load() != 1 {
		t.Errorf("expected 1 request, got %d", hits.Load())
	}
}

func TestStatus_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(stream.Status{Order: []string{"main"}})
	}))
	defer server.Close()

	st, err := newTestClient(server.URL, 3).Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if hits.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", hits.Load())
	}
	if len(st.Order) != 1 {
		t.Errorf("unexpected order: %v", st.Order)
	}
}

func TestSnapshot_ReadsFirstPart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream/main" {
			t.Errorf("expected path /stream/main, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=--jpgboundary")
		for _, payload := range []string{"first-jpeg", "second-jpeg"} {
			fmt.Fprintf(w, "--jpgboundary\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n%s\r\n", len(payload), payload)
		}
	}))
	defer server.Close()

	var buf bytes.Buffer
	n, err := newTestClient(server.URL, 0).Snapshot(context.Background(), "main", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n != int64(len("first-jpeg")) || buf.String() != "first-jpeg" {
		t.Errorf("unexpected snapshot: %d %q", n, buf.String())
	}
}

func TestSnapshot_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `ERROR: Stream "nope" not found`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, 2).Snapshot(context.Background(), "nope", &bytes.Buffer{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshot_UnavailableRetriedThenFails(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "ERROR: stream at client capacity")
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, 2).Snapshot(context.Background(), "depth", &bytes.Buffer{})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}

	if hits.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", hits.Load())
	}
}
