package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/hwm-core/internal/driver"
)

// defaultShutdownConcurrency bounds parallel driver shutdowns.
const defaultShutdownConcurrency = 8

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// StatusObserver is told whenever a device's status may have changed.
type StatusObserver func(deviceID string, status driver.Status)

// Manager owns every configured device and its driver instance.
//
// All public methods are thread-safe.
type Manager struct {
	registry *driver.Registry

	mu       sync.RWMutex
	devices  map[string]*Handle
	pending  map[string]struct{} // IDs whose driver is still initialising
	sink     driver.TelemetrySink
	output   driver.OutputSink
	observer StatusObserver
	logger   Logger

	shutdownConcurrency int
}

// NewManager creates a manager that builds drivers from registry.
func NewManager(registry *driver.Registry) *Manager {
	return &Manager{
		registry:            registry,
		devices:             make(map[string]*Handle),
		pending:             make(map[string]struct{}),
		logger:              noopLogger{},
		shutdownConcurrency: defaultShutdownConcurrency,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetTelemetrySink sets where driver telemetry is relayed. Drivers
// registered earlier pick up the new sink too.
func (m *Manager) SetTelemetrySink(sink driver.TelemetrySink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// SetOutputSink sets where device output streams are relayed.
func (m *Manager) SetOutputSink(sink driver.OutputSink) {
	m.mu.Lock()
	m.output = sink
	m.mu.Unlock()
}

// WriteOutput implements driver.OutputSink by forwarding to the configured
// sink. Output arriving with no sink set is dropped.
func (m *Manager) WriteOutput(deviceID string, data []byte) {
	m.mu.RLock()
	sink := m.output
	m.mu.RUnlock()
	if sink != nil {
		sink.WriteOutput(deviceID, data)
	}
}

// SetStatusObserver sets a callback for device status changes.
func (m *Manager) SetStatusObserver(obs StatusObserver) {
	m.mu.Lock()
	m.observer = obs
	m.mu.Unlock()
}

// PublishTelemetry implements driver.TelemetrySink by forwarding to the
// configured sink.
func (m *Manager) PublishTelemetry(deviceID, stream string, datum any) {
	m.mu.RLock()
	sink := m.sink
	m.mu.RUnlock()
	if sink != nil {
		sink.PublishTelemetry(deviceID, stream, datum)
	}
}

func (m *Manager) notify(deviceID string, status driver.Status) {
	m.mu.RLock()
	obs := m.observer
	m.mu.RUnlock()
	if obs != nil {
		obs(deviceID, status)
	}
}

// Register creates the driver named by spec.Driver, initialises it and
// adds the device.
//
// A driver that fails to initialise is still registered, as faulted, and
// the returned error wraps ErrDriverInit; the ID is returned either way so
// operators can see the device.
func (m *Manager) Register(ctx context.Context, spec Spec) (string, error) {
	if err := ValidateSpec(spec); err != nil {
		return "", err
	}
	drv, err := m.registry.New(spec.Driver)
	if err != nil {
		return "", fmt.Errorf("%w: device %s: %w", ErrInvalidDriver, spec.ID, err)
	}
	return m.RegisterDriver(ctx, spec, drv)
}

// RegisterDriver adds a device backed by an already constructed driver.
// spec.Driver is kept as a label.
func (m *Manager) RegisterDriver(ctx context.Context, spec Spec, drv driver.Driver) (string, error) {
	if err := ValidateSpec(spec); err != nil {
		return "", err
	}
	if drv == nil {
		return "", fmt.Errorf("%w: device %s has a nil driver", ErrInvalidDriver, spec.ID)
	}

	m.mu.Lock()
	_, exists := m.devices[spec.ID]
	_, initialising := m.pending[spec.ID]
	if exists || initialising {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, spec.ID)
	}
	m.pending[spec.ID] = struct{}{}
	m.mu.Unlock()

	h := newHandle(spec, drv)
	h.notify = m.notify
	if emitter, ok := drv.(driver.TelemetryEmitter); ok {
		emitter.SetTelemetrySink(spec.ID, m)
	}
	if emitter, ok := drv.(driver.OutputEmitter); ok {
		emitter.SetOutputSink(spec.ID, m)
	}

	initErr := initialize(ctx, drv, h.spec.Settings.Clone())
	if initErr != nil {
		h.setOverride(driver.StatusFaulted)
	}

	m.mu.Lock()
	delete(m.pending, spec.ID)
	m.devices[spec.ID] = h
	m.mu.Unlock()

	m.notify(spec.ID, h.Status())
	if initErr != nil {
		m.logger.Error("device initialization failed", "device_id", spec.ID, "driver", spec.Driver, "error", initErr)
		return spec.ID, fmt.Errorf("%w: device %s: %w", ErrDriverInit, spec.ID, initErr)
	}
	m.logger.Info("device registered", "device_id", spec.ID, "driver", spec.Driver)
	return spec.ID, nil
}

// initialize runs drv.Initialize, turning a panic into an error.
func initialize(ctx context.Context, drv driver.Driver, settings driver.Settings) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", driver.ErrInitFailed, r)
		}
	}()
	return drv.Initialize(ctx, settings)
}

// LoadAll registers every spec in order, continuing past failures.
// The returned error joins every per-device failure.
func (m *Manager) LoadAll(ctx context.Context, specs []Spec) error {
	var errs []error
	for _, spec := range specs {
		if _, err := m.Register(ctx, spec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns the handle for id.
func (m *Manager) Get(id string) (*Handle, error) {
	m.mu.RLock()
	h, ok := m.devices[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h, nil
}

// List returns a snapshot of every device, sorted by ID.
func (m *Manager) List() []Info {
	handles := m.handles()
	out := make([]Info, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Info())
	}
	return out
}

func (m *Manager) handles() []*Handle {
	m.mu.RLock()
	out := make([]*Handle, 0, len(m.devices))
	for _, h := range m.devices {
		out = append(out, h)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// SetStatus applies an administrative status. Faulted and uninitialized
// take the device out of service; ready clears the override. Busy is
// derived from reservations and cannot be set.
func (m *Manager) SetStatus(id string, status driver.Status) error {
	h, err := m.Get(id)
	if err != nil {
		return err
	}

	var override driver.Status
	switch status {
	case driver.StatusFaulted, driver.StatusUninitialized:
		override = status
	case driver.StatusReady:
		override = ""
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	effective := h.setOverride(override)
	m.logger.Info("device status set", "device_id", id, "requested", status, "effective", effective)
	m.notify(id, effective)
	return nil
}

// Remove shuts a device down and forgets it. Reserved devices cannot be removed.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	h, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	// A pipeline may hold a handle it fetched earlier; once marked, the
	// handle can no longer be reserved.
	if err := h.markRemoved(); err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.devices, id)
	m.mu.Unlock()

	if err := shutdown(ctx, h.drv); err != nil {
		return fmt.Errorf("shutting down device %s: %w", id, err)
	}
	m.logger.Info("device removed", "device_id", id)
	return nil
}

// ShutdownAll shuts every driver down concurrently. Every driver gets its
// Shutdown call even when others fail or panic; failures are joined.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	handles := m.handles()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(m.shutdownConcurrency)

	for _, h := range handles {
		g.Go(func() error {
			if err := shutdown(ctx, h.drv); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("device %s: %w", h.ID(), err))
				mu.Unlock()
				m.logger.Warn("device shutdown failed", "device_id", h.ID(), "error", err)
			}
			m.notify(h.ID(), h.Status())
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines never return errors

	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	if len(errs) > 0 {
		return fmt.Errorf("shutting down %d of %d devices failed: %w", len(errs), len(handles), errors.Join(errs...))
	}
	m.logger.Info("all devices shut down", "count", len(handles))
	return nil
}

// Scoped runs fn and shuts every device down afterwards, on every exit
// path including a panic in fn. Shutdown failures are joined to fn's error.
func (m *Manager) Scoped(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		// Shutdown must not be skipped because ctx was cancelled.
		shutdownErr := m.ShutdownAll(context.WithoutCancel(ctx))
		if r := recover(); r != nil {
			panic(r)
		}
		err = errors.Join(err, shutdownErr)
	}()
	return fn(ctx)
}

func shutdown(ctx context.Context, drv driver.Driver) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during shutdown: %v", r)
		}
	}()
	return drv.Shutdown(ctx)
}
