package device

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/nerrad567/hwm-core/internal/driver"
)

// Handle is the manager-owned wrapper around one driver instance. Other
// packages borrow handles; they never own the driver.
//
// Reservation is tracked per pipeline: an exclusive device can be held by
// one pipeline at a time, a concurrent-use device by any number.
type Handle struct {
	spec Spec
	drv  driver.Driver

	mu       sync.Mutex
	override driver.Status // administrative status; "" means none
	holders  map[string]struct{}
	removed  bool
	notify   func(id string, status driver.Status)
}

func newHandle(spec Spec, drv driver.Driver) *Handle {
	spec.Settings = spec.Settings.Clone()
	return &Handle{spec: spec, drv: drv, holders: make(map[string]struct{})}
}

// ID returns the immutable device ID.
func (h *Handle) ID() string { return h.spec.ID }

// Kind returns the driver type tag.
func (h *Handle) Kind() string { return h.spec.Driver }

// AllowsConcurrentUse reports whether the device may be in several active
// pipelines.
func (h *Handle) AllowsConcurrentUse() bool { return h.spec.AllowConcurrentUse }

// Driver returns the underlying driver for capability assertions.
func (h *Handle) Driver() driver.Driver { return h.drv }

// Status derives the device status from the administrative override, the
// driver's own report and the reservation count.
func (h *Handle) Status() driver.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked()
}

func (h *Handle) statusLocked() driver.Status {
	ds := h.drv.Status()
	switch {
	case h.override == driver.StatusFaulted || ds == driver.StatusFaulted:
		return driver.StatusFaulted
	case h.override == driver.StatusUninitialized || ds == driver.StatusUninitialized:
		return driver.StatusUninitialized
	case len(h.holders) > 0 || ds == driver.StatusBusy:
		return driver.StatusBusy
	default:
		return driver.StatusReady
	}
}

// Execute forwards a command to the driver. A faulted device is refused
// without touching the driver, and a driver panic is returned as an error.
func (h *Handle) Execute(ctx context.Context, verb string, args driver.Args) (res driver.Result, err error) {
	if h.Status() == driver.StatusFaulted {
		return nil, fmt.Errorf("%w: device %s is faulted", driver.ErrDeviceUnavailable, h.spec.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("%w: driver panic on %s: %v", driver.ErrCommandFailed, verb, r)
		}
	}()
	return h.drv.Execute(ctx, verb, args)
}

// WriteStream forwards session input to a driver implementing
// driver.StreamWriter. Returns ErrStreamUnsupported for other drivers.
func (h *Handle) WriteStream(ctx context.Context, data []byte) (err error) {
	w, ok := h.drv.(driver.StreamWriter)
	if !ok {
		return fmt.Errorf("%w: device %s (%s)", ErrStreamUnsupported, h.spec.ID, h.spec.Driver)
	}
	if h.Status() == driver.StatusFaulted {
		return fmt.Errorf("%w: device %s is faulted", driver.ErrDeviceUnavailable, h.spec.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: driver panic on stream write: %v", driver.ErrCommandFailed, r)
		}
	}()
	return w.WriteStream(ctx, data)
}

// Services returns the services the driver offers, if any.
func (h *Handle) Services() []driver.Service {
	if p, ok := h.drv.(driver.ServiceProvider); ok {
		return p.Services()
	}
	return nil
}

// Reserve marks the device as held by pipelineID. Reserving twice for the
// same pipeline is a no-op.
func (h *Handle) Reserve(pipelineID string) error {
	h.mu.Lock()
	if h.removed {
		h.mu.Unlock()
		return fmt.Errorf("%w: device %s was removed", ErrNotFound, h.spec.ID)
	}
	if _, held := h.holders[pipelineID]; held {
		h.mu.Unlock()
		return nil
	}
	if len(h.holders) > 0 && !h.spec.AllowConcurrentUse {
		holder := h.holderLocked()
		h.mu.Unlock()
		return fmt.Errorf("%w: device %s is reserved by pipeline %s", ErrDeviceInUse, h.spec.ID, holder)
	}
	h.holders[pipelineID] = struct{}{}
	status, notify := h.statusLocked(), h.notify
	h.mu.Unlock()

	if notify != nil {
		notify(h.spec.ID, status)
	}
	return nil
}

// Release drops pipelineID's reservation. Releasing a reservation that is
// not held is a no-op.
func (h *Handle) Release(pipelineID string) {
	h.mu.Lock()
	if _, held := h.holders[pipelineID]; !held {
		h.mu.Unlock()
		return
	}
	delete(h.holders, pipelineID)
	status, notify := h.statusLocked(), h.notify
	h.mu.Unlock()

	if notify != nil {
		notify(h.spec.ID, status)
	}
}

// ReservedBy lists the pipelines holding the device, sorted.
func (h *Handle) ReservedBy() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.holders))
	for id := range h.holders {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Reserved reports whether any pipeline holds the device.
func (h *Handle) Reserved() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.holders) > 0
}

// markRemoved retires an unreserved handle so later Reserve calls fail.
func (h *Handle) markRemoved() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.holders) > 0 {
		return fmt.Errorf("%w: device %s is reserved by %s", ErrDeviceInUse, h.spec.ID, h.holderLocked())
	}
	h.removed = true
	return nil
}

func (h *Handle) holderLocked() string {
	keys := make([]string, 0, len(h.holders))
	for id := range h.holders {
		keys = append(keys, id)
	}
	return slices.Min(keys)
}

func (h *Handle) setOverride(s driver.Status) driver.Status {
	h.mu.Lock()
	h.override = s
	status := h.statusLocked()
	h.mu.Unlock()
	return status
}

// State returns the driver's state report merged with the device status.
func (h *Handle) State() map[string]any {
	state := map[string]any{}
	if r, ok := h.drv.(driver.StateReporter); ok && h.Status() != driver.StatusFaulted {
		for k, v := range r.State() {
			state[k] = v
		}
	}
	state["status"] = string(h.Status())
	return state
}

// Info returns an externally visible snapshot.
func (h *Handle) Info() Info {
	return Info{
		ID:                 h.spec.ID,
		Driver:             h.spec.Driver,
		Description:        h.spec.Description,
		Status:             h.Status(),
		AllowConcurrentUse: h.spec.AllowConcurrentUse,
		ReservedBy:         h.ReservedBy(),
	}
}
