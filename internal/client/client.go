// Package client talks to a running multiplexer over its HTTP API.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/kinect-multiplexer/internal/broadcast"
	"github.com/dgnsrekt/kinect-multiplexer/internal/stream"
)

// Client interface for testability
type Client interface {
	Status(ctx context.Context) (*stream.Status, error)
	Switch(ctx context.Context, req SwitchRequest) (string, error)
	Snapshot(ctx context.Context, streamID string, dest io.Writer) (int64, error)
}

type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

// SwitchRequest mirrors the /switch query parameters; empty fields are
// omitted.
type SwitchRequest struct {
	Stream   string
	Source   string
	Quality  *int
	Scale    *float64
	PicamRes string
}

func (r SwitchRequest) query() url.Values {
	q := url.Values{}
	if r.Stream != "" {
		q.Set("stream", r.Stream)
	}
	if r.Source != "" {
		q.Set("source", r.Source)
	}
	if r.Quality != nil {
		q.Set("quality", strconv.Itoa(*r.Quality))
	}
	if r.Scale != nil {
		q.Set("scale", strconv.FormatFloat(*r.Scale, 'g', -1, 64))
	}
	if r.PicamRes != "" {
		q.Set("picam_res", r.PicamRes)
	}
	return q
}

func NewClient(baseURL string, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:       10,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// Status fetches the /status document.
func (c *HTTPClient) Status(ctx context.Context) (*stream.Status, error) {
	body, err := c.get(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return nil, err
	}

	var st stream.Status
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &st, nil
}

// Switch posts a source or parameter change and returns the server's
// "OK: ..." reply.
func (c *HTTPClient) Switch(ctx context.Context, req SwitchRequest) (string, error) {
	body, err := c.get(ctx, http.MethodPost, "/switch", req.query())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// get performs a request with rate limiting and exponential backoff on
// transport errors, 429 and 5xx responses.
func (c *HTTPClient) get(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	c.logger.Debug("requesting", zap.String("method", method), zap.String("url", target))

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		// Read body before closing for error messages
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if readErr != nil {
			lastErr = readErr
			continue
		}

		if retry, err := classify(resp.StatusCode, body); err != nil {
			if !retry {
				return nil, err
			}
			lastErr = err
			continue
		}

		return body, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Snapshot copies the next JPEG served on /stream/{id} to dest.
func (c *HTTPClient) Snapshot(ctx context.Context, streamID string, dest io.Writer) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return 0, err
			}
		}

		n, retry, err := c.snapshotOnce(ctx, streamID, dest)
		if err == nil {
			return n, nil
		}
		if !retry {
			return 0, err
		}
		lastErr = err
	}

	return 0, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *HTTPClient) snapshotOnce(ctx context.Context, streamID string, dest io.Writer) (int64, bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	target := c.baseURL + "/stream/" + url.PathEscape(streamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, false, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, true, fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		retry, err := classify(resp.StatusCode, body)
		return 0, retry, err
	}

	n, err := readPart(bufio.NewReader(resp.Body), dest)
	return n, false, err
}

// readPart skips to the first boundary line and copies that part's payload.
func readPart(r *bufio.Reader, dest io.Writer) (int64, error) {
	tp := textproto.NewReader(r)
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return 0, fmt.Errorf("reading boundary: %w", err)
		}
		if line == broadcast.Boundary {
			break
		}
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return 0, fmt.Errorf("reading part header: %w", err)
	}
	size, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Length %q: %w", header.Get("Content-Length"), err)
	}

	// Stream to destination
	n, err := io.CopyN(dest, r, size)
	if err != nil {
		return n, fmt.Errorf("reading frame: %w", err)
	}
	return n, nil
}

func (c *HTTPClient) backoff(ctx context.Context, attempt int) error {
	delay := c.retryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
	c.logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// classify maps a non-2xx status to an error and whether it is worth
// retrying.
func classify(status int, body []byte) (bool, error) {
	msg := strings.TrimSpace(string(body))
	switch {
	case status >= 200 && status < 300:
		return false, nil
	case status == http.StatusNotFound:
		return false, fmt.Errorf("%w: %s", ErrNotFound, msg)
	case status == http.StatusBadRequest:
		return false, fmt.Errorf("%w: %s", ErrRejected, msg)
	case status == http.StatusServiceUnavailable:
		return true, fmt.Errorf("%w: %s", ErrUnavailable, msg)
	case status == http.StatusTooManyRequests:
		return true, ErrRateLimited
	case status >= 500:
		return true, fmt.Errorf("server error: %d", status)
	default:
		return false, fmt.Errorf("unexpected status %d: %s", status, msg)
	}
}
