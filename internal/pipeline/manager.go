package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/hwm-core/internal/device"
	"github.com/nerrad567/hwm-core/internal/driver"
)

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

// Devices is what the pipeline manager needs from the device manager.
type Devices interface {
	Get(id string) (*device.Handle, error)
}

// Observer is told about every pipeline status change. It is called with
// the manager lock held and must not block or call back into the Manager.
type Observer func(p Pipeline)

// Manager builds, activates and tears down pipelines.
//
// Build, Rebuild, Teardown, Activate and Deactivate are serialised by one
// lock so a device can never be reserved by two active pipelines, even
// while chains over the same devices are built or torn down concurrently.
type Manager struct {
	devices Devices
	logger  Logger
	now     func() time.Time

	mu        sync.Mutex
	pipelines map[string]*Pipeline
	services  map[string]*serviceTable
	observer  Observer
	relay     OutputRelay
}

// NewManager creates a pipeline manager over the given devices.
func NewManager(devices Devices) *Manager {
	return &Manager{
		devices:   devices,
		logger:    noopLogger{},
		now:       time.Now,
		pipelines: make(map[string]*Pipeline),
		services:  make(map[string]*serviceTable),
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetObserver registers the status change callback.
func (m *Manager) SetObserver(obs Observer) {
	m.mu.Lock()
	m.observer = obs
	m.mu.Unlock()
}

// Build validates spec and adds an inactive pipeline. It returns the
// pipeline ID, generated when spec.ID is empty.
//
// Returns ErrEmptyTopology, ErrCyclicTopology (a device repeated in the
// chain), ErrUnknownDevice, ErrDeviceAlreadyBound (a member is reserved by
// an active pipeline and is not concurrent-use), ErrDuplicatePipeline or
// ErrInvalidPipeline.
func (m *Manager) Build(_ context.Context, spec Spec) (string, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pipelines[spec.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicatePipeline, spec.ID)
	}
	if err := m.validateLocked(spec); err != nil {
		return "", err
	}
	spec = spec.withDefaults()

	table, err := m.collectServicesLocked(spec)
	if err != nil {
		return "", err
	}

	p := &Pipeline{
		ID:          spec.ID,
		Description: spec.Description,
		Devices:     append([]string(nil), spec.Devices...),
		Setup:       append([]SetupCommand(nil), spec.Setup...),
		Input:       spec.Input,
		Output:      spec.Output,
		Services:    table.infos(),
		Status:      StatusInactive,
		CreatedAt:   m.now().UTC(),
	}
	m.pipelines[p.ID] = p
	m.services[p.ID] = table
	m.logger.Info("pipeline built", "pipeline_id", p.ID, "devices", p.Devices)
	return p.ID, nil
}

// BuildAll builds every spec in order, continuing past failures.
func (m *Manager) BuildAll(ctx context.Context, specs []Spec) error {
	var errs []error
	for _, spec := range specs {
		if _, err := m.Build(ctx, spec); err != nil {
			errs = append(errs, fmt.Errorf("pipeline %s: %w", spec.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Rebuild replaces the topology of an existing inactive pipeline.
// Returns ErrPipelineBusy while it is active.
func (m *Manager) Rebuild(_ context.Context, spec Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[spec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, spec.ID)
	}
	if p.Active() {
		return fmt.Errorf("%w: pipeline %s is active", ErrPipelineBusy, spec.ID)
	}
	if err := m.validateLocked(spec); err != nil {
		return err
	}
	spec = spec.withDefaults()

	table, err := m.collectServicesLocked(spec)
	if err != nil {
		return err
	}

	p.Description = spec.Description
	p.Devices = append([]string(nil), spec.Devices...)
	p.Setup = append([]SetupCommand(nil), spec.Setup...)
	p.Input = spec.Input
	p.Output = spec.Output
	p.Services = table.infos()
	m.services[p.ID] = table
	p.Status = StatusInactive
	p.LastError = ""
	m.notifyLocked(p)
	m.logger.Info("pipeline rebuilt", "pipeline_id", p.ID, "devices", p.Devices)
	return nil
}

func (m *Manager) validateLocked(spec Spec) error {
	if err := device.ValidateID(spec.ID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPipeline, err)
	}
	if len(spec.Devices) == 0 {
		return fmt.Errorf("%w: pipeline %s", ErrEmptyTopology, spec.ID)
	}

	seen := make(map[string]bool, len(spec.Devices))
	for _, id := range spec.Devices {
		if seen[id] {
			return fmt.Errorf("%w: device %s appears more than once in pipeline %s", ErrCyclicTopology, id, spec.ID)
		}
		seen[id] = true

		h, err := m.devices.Get(id)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
		}
		if !h.AllowsConcurrentUse() {
			if holders := h.ReservedBy(); len(holders) > 0 {
				return fmt.Errorf("%w: device %s is in active pipeline %s", ErrDeviceAlreadyBound, id, holders[0])
			}
		}
	}

	if spec.Input != "" && !seen[spec.Input] {
		return fmt.Errorf("%w: input device %q", ErrDeviceNotInPipeline, spec.Input)
	}
	if spec.Output != "" && !seen[spec.Output] {
		return fmt.Errorf("%w: output device %q", ErrDeviceNotInPipeline, spec.Output)
	}

	for i, c := range spec.Setup {
		if c.Command == "" {
			return fmt.Errorf("%w: setup command %d has no command", ErrInvalidPipeline, i)
		}
		if !seen[c.DeviceID] {
			return fmt.Errorf("%w: setup command %d targets %q", ErrDeviceNotInPipeline, i, c.DeviceID)
		}
		if c.DelayMS < 0 {
			return fmt.Errorf("%w: setup command %d has a negative delay", ErrInvalidPipeline, i)
		}
	}
	return nil
}

// Activate reserves every member device and marks the pipeline active.
// Activating an active pipeline is a no-op.
//
// Activation is all or nothing: if a member is reserved elsewhere
// (ErrDeviceAlreadyBound) or faulted (driver.ErrDeviceUnavailable), the
// reservations already taken are released. A faulted member leaves the
// pipeline in StatusError.
func (m *Manager) Activate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	if p.Active() {
		return nil
	}

	reserved := make([]*device.Handle, 0, len(p.Devices))
	rollback := func() {
		for _, h := range reserved {
			h.Release(id)
		}
	}

	for _, devID := range p.Devices {
		h, err := m.devices.Get(devID)
		if err != nil {
			rollback()
			return fmt.Errorf("%w: %s", ErrUnknownDevice, devID)
		}
		if h.Status() == driver.StatusFaulted {
			rollback()
			p.Status = StatusError
			p.LastError = fmt.Sprintf("device %s is faulted", devID)
			m.notifyLocked(p)
			return fmt.Errorf("activating pipeline %s: %w: device %s is faulted", id, driver.ErrDeviceUnavailable, devID)
		}
		if err := h.Reserve(id); err != nil {
			rollback()
			switch {
			case errors.Is(err, device.ErrDeviceInUse):
				return fmt.Errorf("%w: %w", ErrDeviceAlreadyBound, err)
			case errors.Is(err, device.ErrNotFound):
				return fmt.Errorf("%w: %w", ErrUnknownDevice, err)
			}
			return err
		}
		reserved = append(reserved, h)
	}

	now := m.now().UTC()
	p.Status = StatusActive
	p.LastError = ""
	p.ActivatedAt = &now
	m.notifyLocked(p)
	m.logger.Info("pipeline activated", "pipeline_id", id)
	return nil
}

// Deactivate releases the member reservations. Deactivating an inactive
// pipeline is a no-op.
func (m *Manager) Deactivate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	if !p.Active() {
		return nil
	}

	for _, devID := range p.Devices {
		// A device removed while reserved cannot happen: device.Manager
		// refuses to remove reserved devices.
		if h, err := m.devices.Get(devID); err == nil {
			h.Release(id)
		}
	}
	p.Status = StatusInactive
	p.ActivatedAt = nil
	p.ActiveServices = nil
	if t := m.services[id]; t != nil {
		t.selected = nil
	}
	m.notifyLocked(p)
	m.logger.Info("pipeline deactivated", "pipeline_id", id)
	return nil
}

// Teardown removes an inactive pipeline. Returns ErrPipelineBusy while it
// is active.
func (m *Manager) Teardown(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	if p.Active() {
		return fmt.Errorf("%w: pipeline %s is active", ErrPipelineBusy, id)
	}
	delete(m.pipelines, id)
	delete(m.services, id)
	m.logger.Info("pipeline torn down", "pipeline_id", id)
	return nil
}

// Get returns a copy of the pipeline.
func (m *Manager) Get(id string) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	return p.clone(), nil
}

// Exists reports whether id names a built pipeline.
func (m *Manager) Exists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pipelines[id]
	return ok
}

// List returns copies of every pipeline sorted by ID.
func (m *Manager) List() []Pipeline {
	m.mu.Lock()
	out := make([]Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		out = append(out, *p.clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BoundPipeline returns the active pipeline holding deviceID. For a
// concurrent-use device held by several pipelines the lowest ID is returned.
func (m *Manager) BoundPipeline(deviceID string) (string, bool) {
	h, err := m.devices.Get(deviceID)
	if err != nil {
		return "", false
	}
	holders := h.ReservedBy()
	if len(holders) == 0 {
		return "", false
	}
	return holders[0], true
}

// Member returns the handle for deviceID if it belongs to pipeline id.
func (m *Manager) Member(id, deviceID string) (*device.Handle, error) {
	m.mu.Lock()
	p, ok := m.pipelines[id]
	member := ok && p.HasDevice(deviceID)
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	if !member {
		return nil, fmt.Errorf("%w: device %s, pipeline %s", ErrDeviceNotInPipeline, deviceID, id)
	}
	return m.devices.Get(deviceID)
}

func (m *Manager) notifyLocked(p *Pipeline) {
	if m.observer != nil {
		m.observer(*p.clone())
	}
}
