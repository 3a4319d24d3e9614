package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/dgnsrekt/kinect-multiplexer/internal/broadcast"
	"github.com/dgnsrekt/kinect-multiplexer/internal/device"
	"github.com/dgnsrekt/kinect-multiplexer/internal/notify"
	"github.com/dgnsrekt/kinect-multiplexer/internal/stream"
)

// ErrNoConfigFile is returned by Watch when no file was loaded.
var ErrNoConfigFile = errors.New("no config file in use")

type Config struct {
	Log     LogConfig      `mapstructure:"log"`
	Capture CaptureConfig  `mapstructure:"capture"`
	Session SessionConfig  `mapstructure:"session"`
	Device  DeviceConfig   `mapstructure:"device"`
	Control ControlConfig  `mapstructure:"control"`
	HTTP    HTTPConfig     `mapstructure:"http"`
	Events  EventsConfig   `mapstructure:"events"`
	Streams []StreamConfig `mapstructure:"streams"`
	Notify  notify.Config  `mapstructure:"notify"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type CaptureConfig struct {
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxFPS       int           `mapstructure:"max_fps"`
	ReopenAfter  int           `mapstructure:"reopen_after"`
	AlertAfter   int           `mapstructure:"alert_after"`
}

type SessionConfig struct {
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Start        string        `mapstructure:"start"`
}

type DeviceConfig struct {
	Driver string `mapstructure:"driver"`
	FPS    int    `mapstructure:"fps"`
}

type ControlConfig struct {
	Addr   string `mapstructure:"addr"`
	Stream string `mapstructure:"stream"`
}

type HTTPConfig struct {
	Enabled   bool             `mapstructure:"enabled"`
	Listeners []ListenerConfig `mapstructure:"listeners"`
}

type ListenerConfig struct {
	Addr   string `mapstructure:"addr"`
	Stream string `mapstructure:"stream"`
}

type EventsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type StreamConfig struct {
	ID          string  `mapstructure:"id"`
	Source      string  `mapstructure:"source"`
	Quality     int     `mapstructure:"quality"`
	Scale       float64 `mapstructure:"scale"`
	PicamPreset string  `mapstructure:"picam_preset"`
	RawAddr     string  `mapstructure:"raw_addr"`
	MaxClients  int     `mapstructure:"max_clients"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("capture.settle_delay", "500ms")
	v.SetDefault("capture.retry_backoff", "1s")
	v.SetDefault("capture.max_fps", 30)
	v.SetDefault("capture.reopen_after", 5)
	v.SetDefault("capture.alert_after", 10)
	v.SetDefault("session.poll_timeout", "1s")
	v.SetDefault("session.write_timeout", "5s")
	v.SetDefault("session.start", string(broadcast.StartLatest))
	v.SetDefault("device.driver", "synthetic")
	v.SetDefault("device.fps", 30)
	v.SetDefault("control.addr", ":5603")
	v.SetDefault("control.stream", "")
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.listeners", []map[string]any{
		{"addr": ":8080", "stream": "main"},
	})
	v.SetDefault("events.interval", "1s")
	v.SetDefault("streams", []map[string]any{
		{"id": "main", "source": "kinect_rgb", "quality": 70, "scale": 1.0, "picam_preset": device.DefaultPreset, "raw_addr": ":5601"},
		{"id": "depth", "source": "kinect_depth", "quality": 70, "scale": 1.0, "picam_preset": device.DefaultPreset, "raw_addr": ":5602"},
	})

	n := notify.DefaultConfig()
	v.SetDefault("notify.enabled", n.Enabled)
	v.SetDefault("notify.server", n.Server)
	v.SetDefault("notify.topic", n.Topic)
	v.SetDefault("notify.priority", n.Priority)
	v.SetDefault("notify.tags", n.Tags)
	v.SetDefault("notify.token", n.Token)
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix("MULTIPLEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("multiplexer")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Load reads defaults, the config file and MULTIPLEXER_* environment
// variables, in increasing order of precedence.
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watcher reloads the configuration file when it changes.
type Watcher struct {
	v *viper.Viper
}

// NewWatcher prepares a watcher for the same file Load would read.
func NewWatcher(configPath string) (*Watcher, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return nil, ErrNoConfigFile
	}
	return &Watcher{v: v}, nil
}

// File returns the watched path.
func (w *Watcher) File() string {
	return w.v.ConfigFileUsed()
}

// Start begins watching. onChange receives every valid configuration and
// onError every change that fails to decode or validate.
func (w *Watcher) Start(onChange func(*Config), onError func(error)) {
	w.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(w.v)
		if err != nil {
			onError(err)
			return
		}
		onChange(cfg)
	})
	w.v.WatchConfig()
}

// CaptureSettings converts to the capture loop settings.
func (c *Config) CaptureSettings() stream.CaptureConfig {
	return stream.CaptureConfig{
		SettleDelay:  c.Capture.SettleDelay,
		RetryBackoff: c.Capture.RetryBackoff,
		MaxFPS:       c.Capture.MaxFPS,
		ReopenAfter:  c.Capture.ReopenAfter,
		AlertAfter:   c.Capture.AlertAfter,
	}
}

// SessionSettings converts to the broadcast session settings.
func (c *Config) SessionSettings() broadcast.Config {
	start, _ := broadcast.ParseStartPolicy(c.Session.Start)
	return broadcast.Config{PollTimeout: c.Session.PollTimeout, Start: start}
}

// Specs converts the stream list into manager specs.
func (c *Config) Specs() ([]stream.Spec, error) {
	specs := make([]stream.Spec, 0, len(c.Streams))
	for _, sc := range c.Streams {
		source, err := device.ParseSource(sc.Source)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", sc.ID, err)
		}
		specs = append(specs, stream.Spec{
			ID:         sc.ID,
			Source:     source,
			Params:     sc.Params(),
			MaxClients: sc.MaxClients,
		})
	}
	return specs, nil
}

// Params returns the stream's tuning.
func (sc StreamConfig) Params() stream.Params {
	return stream.Params{Quality: sc.Quality, Scale: sc.Scale, Preset: sc.PicamPreset}
}

// ControlStream is the stream control sessions start on.
func (c *Config) ControlStream() string {
	if c.Control.Stream != "" {
		return c.Control.Stream
	}
	return c.Streams[0].ID
}
