package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgnsrekt/kinect-multiplexer/internal/broadcast"
	"github.com/dgnsrekt/kinect-multiplexer/internal/device"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "multiplexer.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected defaults to load, got error: %v", err)
	}

	if len(cfg.Streams) != 2 {
		t.Fatalf("expected 2 default streams, got %d", len(cfg.Streams))
	}
	if cfg.Streams[0].ID != "main" || cfg.Streams[0].RawAddr != ":5601" {
		t.Errorf("unexpected first stream: %+v", cfg.Streams[0])
	}
	if cfg.Streams[1].Source != "kinect_depth" || cfg.Streams[1].RawAddr != ":5602" {
		t.Errorf("unexpected second stream: %+v", cfg.Streams[1])
	}
	if cfg.Control.Addr != ":5603" {
		t.Errorf("expected control on :5603, got %s", cfg.Control.Addr)
	}
	if cfg.Capture.SettleDelay != 500*time.Millisecond {
		t.Errorf("expected 500ms settle delay, got %s", cfg.Capture.SettleDelay)
	}
	if cfg.Session.PollTimeout != time.Second {
		t.Errorf("expected 1s poll timeout, got %s", cfg.Session.PollTimeout)
	}
	if cfg.ControlStream() != "main" {
		t.Errorf("expected control to default to first stream, got %s", cfg.ControlStream())
	}
	if cfg.SessionSettings().Start != broadcast.StartLatest {
		t.Errorf("expected latest start policy, got %s", cfg.SessionSettings().Start)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MULTIPLEXER_LOG_LEVEL", "debug")
	t.Setenv("MULTIPLEXER_CAPTURE_SETTLE_DELAY", "250ms")
	t.Setenv("MULTIPLEXER_SESSION_START", "next")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug level from env, got %s", cfg.Log.Level)
	}
	if cfg.Capture.SettleDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms from env, got %s", cfg.Capture.SettleDelay)
	}
	if cfg.SessionSettings().Start != broadcast.StartNext {
		t.Errorf("expected next start policy, got %s", cfg.SessionSettings().Start)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
control:
  addr: "127.0.0.1:7603"
  stream: cam
http:
  listeners:
    - addr: "127.0.0.1:8081"
      stream: cam
streams:
  - id: cam
    source: picam
    quality: 85
    scale: 1.0
    picam_preset: full
    max_clients: 4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	specs, err := cfg.Specs()
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("file streams must replace the defaults, got %d", len(specs))
	}
	s := specs[0]
	if s.ID != "cam" || s.Source != device.SourcePicam || s.MaxClients != 4 {
		t.Errorf("unexpected spec: %+v", s)
	}
	if s.Params.Quality != 85 || s.Params.Preset != "full" {
		t.Errorf("unexpected params: %+v", s.Params)
	}
	if cfg.ControlStream() != "cam" {
		t.Errorf("expected control stream cam, got %s", cfg.ControlStream())
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestWatcherRequiresFile(t *testing.T) {
	if _, err := NewWatcher(""); err != ErrNoConfigFile {
		t.Fatalf("expected ErrNoConfigFile, got %v", err)
	}
}

func TestWatcherReloadsTuning(t *testing.T) {
	base := `
control:
  addr: "127.0.0.1:7603"
http:
  enabled: false
streams:
  - id: main
    source: kinect_rgb
    quality: %d
    scale: 1.0
    picam_preset: high
`
	path := writeConfig(t, sprintf(base, 70))

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if w.File() != path {
		t.Errorf("expected watcher on %s, got %s", path, w.File())
	}

	changes := make(chan *Config, 4)
	w.Start(func(c *Config) { changes <- c }, func(err error) { t.Logf("reload error: %v", err) })

	if err := os.WriteFile(path, []byte(sprintf(base, 40)), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Streams[0].Quality == 40 {
				return
			}
		case <-deadline:
			t.Fatal("config change was not delivered")
		}
	}
}
