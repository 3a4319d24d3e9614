package stream

import (
	"fmt"
	"sync"

	"github.com/dgnsrekt/kinect-multiplexer/internal/device"
)

// Change is a configuration the capture loop must apply.
type Change struct {
	Source device.Source
	Params Params
	// Reopen is set when the hardware must be reconfigured.
	Reopen bool
}

// Mode is a point-in-time view of a controller.
type Mode struct {
	Source  device.Source
	Params  Params
	Pending bool
}

// Controller serializes source and parameter requests for one stream.
//
// Control paths only write the pending fields. The capture loop takes the
// pending change under the same mutex, reconfigures the device, then commits
// the active fields. A request made while a change is in flight compares
// against that in-flight target, so the same change is never applied twice.
type Controller struct {
	mu sync.Mutex

	activeSource device.Source
	activeParams Params

	pendingSource *device.Source
	pendingParams *Params

	applying *Change
}

// NewController creates a controller with an initial active configuration.
func NewController(source device.Source, params Params) (*Controller, error) {
	if !source.Valid() {
		return nil, fmt.Errorf("%w: %q", device.ErrUnknownSource, source)
	}
	update := ParamUpdate{Quality: &params.Quality, Scale: &params.Scale, Preset: &params.Preset}
	if err := update.Validate(); err != nil {
		return nil, err
	}
	return &Controller{activeSource: source, activeParams: params}, nil
}

// targetLocked returns the configuration the stream is heading to.
func (c *Controller) targetLocked() (device.Source, Params) {
	source, params := c.activeSource, c.activeParams
	if c.applying != nil {
		source, params = c.applying.Source, c.applying.Params
	}
	if c.pendingSource != nil {
		source = *c.pendingSource
	}
	if c.pendingParams != nil {
		params = *c.pendingParams
	}
	return source, params
}

// RequestSourceChange records source as pending. It returns false without
// marking anything when the stream is already on, or heading to, source.
func (c *Controller) RequestSourceChange(source device.Source) (bool, error) {
	if !source.Valid() {
		return false, fmt.Errorf("%w: %q", device.ErrUnknownSource, source)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	target, _ := c.targetLocked()
	if target == source {
		return false, nil
	}

	if source == c.activeSource && c.applying == nil {
		c.pendingSource = nil
		return true, nil
	}

	s := source
	c.pendingSource = &s
	return true, nil
}

// RequestParamChange validates every field of u and records the merged
// parameters as pending. An invalid field rejects the whole request.
func (c *Controller) RequestParamChange(u ParamUpdate) (bool, error) {
	if err := u.Validate(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, target := c.targetLocked()
	next := u.Apply(target)
	if next == target {
		return false, nil
	}

	if next == c.activeParams && c.applying == nil {
		c.pendingParams = nil
		return true, nil
	}

	c.pendingParams = &next
	return true, nil
}

// Take removes the pending change, if any, and marks it in flight.
// Only the capture loop calls Take.
func (c *Controller) Take() (Change, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingSource == nil && c.pendingParams == nil {
		return Change{}, false
	}

	source, params := c.targetLocked()
	// Compared with what the device currently runs.
	base := c.activeSource
	baseParams := c.activeParams
	if c.applying != nil {
		base = c.applying.Source
		baseParams = c.applying.Params
	}

	ch := Change{
		Source: source,
		Params: params,
		Reopen: source != base || (source.UsesPreset() && params.Preset != baseParams.Preset),
	}
	if c.applying != nil && c.applying.Reopen {
		ch.Reopen = true
	}

	c.pendingSource = nil
	c.pendingParams = nil
	c.applying = &ch
	return ch, true
}

// Commit makes ch the active configuration once the device runs it.
func (c *Controller) Commit(ch Change) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.activeSource = ch.Source
	c.activeParams = ch.Params
	if c.applying != nil && *c.applying == ch {
		c.applying = nil
	}
}

// InFlight returns the change taken but not yet committed.
func (c *Controller) InFlight() (Change, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.applying == nil {
		return Change{}, false
	}
	return *c.applying, true
}

// Snapshot returns the active configuration.
func (c *Controller) Snapshot() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Mode{
		Source:  c.activeSource,
		Params:  c.activeParams,
		Pending: c.pendingSource != nil || c.pendingParams != nil || c.applying != nil,
	}
}
