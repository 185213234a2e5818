package pipeline

import (
	"fmt"
	"maps"
	"sort"

	"github.com/nerrad567/hwm-core/internal/driver"
)

// serviceTable holds the services offered inside one pipeline, by type
// then ID, and the ones chosen by the running session.
type serviceTable struct {
	byType   map[string]map[string]registeredService
	selected map[string]driver.Service
}

type registeredService struct {
	svc      driver.Service
	deviceID string
}

func newServiceTable() *serviceTable {
	return &serviceTable{byType: make(map[string]map[string]registeredService)}
}

func (t *serviceTable) add(svc driver.Service, deviceID string) error {
	if svc == nil || svc.ServiceID() == "" || svc.ServiceType() == "" {
		return fmt.Errorf("%w: service needs an id and a type", ErrInvalidService)
	}
	typ, id := svc.ServiceType(), svc.ServiceID()
	ids := t.byType[typ]
	if ids == nil {
		ids = make(map[string]registeredService)
		t.byType[typ] = ids
	}
	if _, exists := ids[id]; exists {
		return fmt.Errorf("%w: %s/%s", ErrServiceAlreadyRegistered, typ, id)
	}
	ids[id] = registeredService{svc: svc, deviceID: deviceID}
	return nil
}

// resolve maps a session's type -> ID selection onto registered services.
func (t *serviceTable) resolve(active map[string]string) (map[string]driver.Service, error) {
	out := make(map[string]driver.Service, len(active))
	for typ, id := range active {
		ids, ok := t.byType[typ]
		if !ok {
			return nil, fmt.Errorf("%w: no service of type %q", ErrServiceInvalid, typ)
		}
		rs, ok := ids[id]
		if !ok {
			return nil, fmt.Errorf("%w: no %s service %q", ErrServiceInvalid, typ, id)
		}
		out[typ] = rs.svc
	}
	return out, nil
}

func (t *serviceTable) infos() []ServiceInfo {
	var out []ServiceInfo
	for typ, ids := range t.byType {
		for id, rs := range ids {
			out = append(out, ServiceInfo{ID: id, Type: typ, DeviceID: rs.deviceID})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// collectServicesLocked registers the services offered by every member
// driver and hands the manager to members that consume services.
func (m *Manager) collectServicesLocked(spec Spec) (*serviceTable, error) {
	table := newServiceTable()
	for _, devID := range spec.Devices {
		h, err := m.devices.Get(devID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, devID)
		}
		for _, svc := range h.Services() {
			if err := table.add(svc, devID); err != nil {
				return nil, fmt.Errorf("pipeline %s: device %s: %w", spec.ID, devID, err)
			}
		}
		if user, ok := h.Driver().(driver.ServiceUser); ok {
			user.SetServiceLocator(m)
		}
	}
	return table, nil
}

// RegisterService adds a service to a pipeline. Services offered by
// member drivers are registered when the pipeline is built; a Rebuild
// collects them again and drops services added here.
//
// Returns ErrPipelineNotFound, ErrInvalidService or
// ErrServiceAlreadyRegistered.
func (m *Manager) RegisterService(pipelineID string, svc driver.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[pipelineID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineID)
	}
	table := m.services[pipelineID]
	if err := table.add(svc, ""); err != nil {
		return err
	}
	p.Services = table.infos()
	return nil
}

// ValidateServices checks that the pipeline offers every type -> ID pair
// in active. Returns ErrPipelineNotFound or ErrServiceInvalid.
func (m *Manager) ValidateServices(pipelineID string, active map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pipelines[pipelineID]; !ok {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineID)
	}
	_, err := m.services[pipelineID].resolve(active)
	return err
}

// SelectServices makes the services chosen by the session starting on an
// active pipeline loadable until the pipeline is deactivated.
//
// Returns ErrPipelineNotFound, ErrPipelineNotActive or ErrServiceInvalid;
// on error the previous selection is kept.
func (m *Manager) SelectServices(pipelineID string, active map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[pipelineID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineID)
	}
	if !p.Active() {
		return fmt.Errorf("%w: %s", ErrPipelineNotActive, pipelineID)
	}
	table := m.services[pipelineID]
	selected, err := table.resolve(active)
	if err != nil {
		return err
	}
	table.selected = selected
	if len(active) == 0 && len(p.ActiveServices) == 0 {
		return nil
	}
	p.ActiveServices = maps.Clone(active)
	if len(active) == 0 {
		p.ActiveServices = nil
	}
	m.notifyLocked(p)
	return nil
}

// LoadService implements driver.ServiceLocator. It returns the service of
// serviceType selected by the session running on the pipeline, or
// ErrServiceTypeNotFound.
func (m *Manager) LoadService(pipelineID, serviceType string) (driver.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pipelines[pipelineID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, pipelineID)
	}
	svc, ok := m.services[pipelineID].selected[serviceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s on pipeline %s", ErrServiceTypeNotFound, serviceType, pipelineID)
	}
	return svc, nil
}

var _ driver.ServiceLocator = (*Manager)(nil)
