package config

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/kinect-multiplexer/internal/broadcast"
	"github.com/dgnsrekt/kinect-multiplexer/internal/device"
	"github.com/dgnsrekt/kinect-multiplexer/internal/stream"
)

// Drivers lists the accepted device.driver values.
var Drivers = []string{"synthetic"}

// InvalidField represents one rejected configuration key
type InvalidField struct {
	Key     string
	Problem string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	InvalidFields  []InvalidField
	InvalidStreams []InvalidField
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.InvalidFields) > 0 || len(e.InvalidStreams) > 0
}

func (e *ValidationErrors) field(key, format string, args ...any) {
	e.InvalidFields = append(e.InvalidFields, InvalidField{Key: key, Problem: fmt.Sprintf(format, args...)})
}

func (e *ValidationErrors) stream(key, format string, args ...any) {
	e.InvalidStreams = append(e.InvalidStreams, InvalidField{Key: key, Problem: fmt.Sprintf(format, args...)})
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")

	if len(e.InvalidFields) > 0 {
		sb.WriteString("\nInvalid settings:\n")
		for _, f := range e.InvalidFields {
			sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Key, f.Problem))
		}
	}

	if len(e.InvalidStreams) > 0 {
		sb.WriteString("\nInvalid streams:\n")
		for _, f := range e.InvalidStreams {
			sb.WriteString(fmt.Sprintf("  - %s: %s\n", f.Key, f.Problem))
		}
		sb.WriteString(fmt.Sprintf("\nValid sources: %s\n", validSourcesList()))
	}

	return sb.String()
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs.field("log.level", "unknown level %q", c.Log.Level)
	}

	if c.Capture.SettleDelay < 0 {
		errs.field("capture.settle_delay", "must be >= 0")
	}
	if c.Capture.RetryBackoff <= 0 {
		errs.field("capture.retry_backoff", "must be > 0")
	}
	if c.Capture.MaxFPS < 0 {
		errs.field("capture.max_fps", "must be >= 0")
	}
	if c.Capture.ReopenAfter < 0 {
		errs.field("capture.reopen_after", "must be >= 0")
	}
	if c.Capture.AlertAfter < 0 {
		errs.field("capture.alert_after", "must be >= 0")
	}

	if c.Session.PollTimeout <= 0 {
		errs.field("session.poll_timeout", "must be > 0")
	}
	if c.Session.WriteTimeout < 0 {
		errs.field("session.write_timeout", "must be >= 0")
	}
	if _, err := broadcast.ParseStartPolicy(c.Session.Start); err != nil {
		errs.field("session.start", "%v", err)
	}

	if !validDriver(c.Device.Driver) {
		errs.field("device.driver", "unknown driver %q (valid: %s)", c.Device.Driver, strings.Join(Drivers, ", "))
	}

	if c.Events.Interval < 0 {
		errs.field("events.interval", "must be >= 0")
	}

	if err := c.Notify.Validate(); err != nil {
		errs.field("notify", "%v", err)
	}

	ids := validateStreams(errs, c.Streams)

	if c.Control.Stream != "" && !ids[c.Control.Stream] {
		errs.field("control.stream", "unknown stream %q", c.Control.Stream)
	}
	for i, l := range c.HTTP.Listeners {
		if l.Addr == "" {
			errs.field(fmt.Sprintf("http.listeners[%d].addr", i), "is required")
		}
		if l.Stream != "" && !ids[l.Stream] {
			errs.field(fmt.Sprintf("http.listeners[%d].stream", i), "unknown stream %q", l.Stream)
		}
	}

	validateAddrs(errs, c)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateStreams(errs *ValidationErrors, streams []StreamConfig) map[string]bool {
	ids := make(map[string]bool, len(streams))
	if len(streams) == 0 {
		errs.stream("streams", "at least one stream is required")
		return ids
	}

	for i, sc := range streams {
		key := fmt.Sprintf("streams[%d]", i)
		if sc.ID == "" {
			errs.stream(key+".id", "is required")
		} else if ids[sc.ID] {
			errs.stream(key+".id", "duplicate stream id %q", sc.ID)
		}
		ids[sc.ID] = true

		if _, err := device.ParseSource(sc.Source); err != nil {
			errs.stream(key+".source", "unknown source %q", sc.Source)
		}

		p := sc.Params()
		update := stream.ParamUpdate{Quality: &p.Quality, Scale: &p.Scale, Preset: &p.Preset}
		if err := update.Validate(); err != nil {
			errs.stream(key, "%v", err)
		}

		if sc.MaxClients < 0 {
			errs.stream(key+".max_clients", "must be >= 0")
		}
	}
	return ids
}

// validateAddrs rejects two acceptors on the same address.
func validateAddrs(errs *ValidationErrors, c *Config) {
	seen := make(map[string]string)
	claim := func(addr, key string) {
		if addr == "" {
			return
		}
		if prev, ok := seen[addr]; ok {
			errs.field(key, "address %s already used by %s", addr, prev)
			return
		}
		seen[addr] = key
	}

	claim(c.Control.Addr, "control.addr")
	for i, sc := range c.Streams {
		claim(sc.RawAddr, fmt.Sprintf("streams[%d].raw_addr", i))
	}
	if c.HTTP.Enabled {
		for i, l := range c.HTTP.Listeners {
			claim(l.Addr, fmt.Sprintf("http.listeners[%d].addr", i))
		}
	}
}

func validDriver(name string) bool {
	for _, d := range Drivers {
		if d == name {
			return true
		}
	}
	return false
}

func validSourcesList() string {
	names := make([]string, 0, len(device.Sources))
	for _, s := range device.Sources {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}
