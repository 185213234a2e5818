// Package fake provides an in-memory driver that records every call.
//
// It backs the "fake" driver type so a station can run without hardware,
// and gives tests a device whose failures can be scripted.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nerrad567/hwm-core/internal/driver"
)

// Kind is the driver type tag for the fake driver.
const Kind = "fake"

// Call records one Execute invocation.
type Call struct {
	Verb string
	Args driver.Args
}

// Driver is a scriptable in-memory device.
//
// Verbs with no scripted response succeed and return the arguments
// echoed back under "args". The "get_state" verb returns State().
type Driver struct {
	driver.Base

	mu          sync.Mutex
	settings    driver.Settings
	calls       []Call
	responses   map[string]driver.Result
	failures    map[string]error
	initErr     error
	shutdownErr error
	shutdowns   int
	prepared    []string
	cleanups    int
	lastVerb    string
	writes      [][]byte
	loopback    bool
	offered     []driver.Service
	declared    []driver.Service
	locator     driver.ServiceLocator
}

// New creates an uninitialised fake driver.
func New() *Driver {
	return &Driver{
		responses: make(map[string]driver.Result),
		failures:  make(map[string]error),
	}
}

// Factory returns a driver.Factory producing fresh fake drivers.
func Factory() driver.Factory {
	return func() driver.Driver { return New() }
}

// Initialize implements driver.Driver.
//
// Recognised settings:
//   - fault_on_start: leave the device faulted, for exercising recovery
//   - loopback: echo stream input back as device output
//   - services: offered services as "type:id" pairs, comma separated
func (d *Driver) Initialize(_ context.Context, settings driver.Settings) error {
	d.mu.Lock()
	initErr := d.initErr
	d.settings = settings.Clone()
	d.mu.Unlock()

	if initErr != nil {
		d.SetStatus(driver.StatusFaulted)
		return fmt.Errorf("%w: %w", driver.ErrInitFailed, initErr)
	}

	fault, err := settings.Bool("fault_on_start", false)
	if err != nil {
		return err
	}
	loopback, err := settings.Bool("loopback", false)
	if err != nil {
		return err
	}
	declared, err := settings.String("services", "")
	if err != nil {
		return err
	}
	services, err := parseServices(declared)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.loopback = loopback
	d.declared = services
	d.mu.Unlock()

	if fault {
		d.SetStatus(driver.StatusFaulted)
		return nil
	}
	d.SetStatus(driver.StatusReady)
	return nil
}

// Execute implements driver.Driver.
func (d *Driver) Execute(ctx context.Context, verb string, args driver.Args) (driver.Result, error) {
	if err := d.CheckAvailable(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.calls = append(d.calls, Call{Verb: verb, Args: args})
	d.lastVerb = verb
	failure := d.failures[verb]
	response, scripted := d.responses[verb]
	d.mu.Unlock()

	d.EmitTelemetry("commands", map[string]any{"verb": verb})

	if failure != nil {
		return nil, failure
	}
	if scripted {
		return response, nil
	}
	if verb == "get_state" {
		return driver.Result(d.State()), nil
	}
	return driver.Result{"args": map[string]any(args)}, nil
}

// Shutdown implements driver.Driver.
func (d *Driver) Shutdown(context.Context) error {
	d.mu.Lock()
	d.shutdowns++
	err := d.shutdownErr
	d.mu.Unlock()

	d.SetStatus(driver.StatusUninitialized)
	return err
}

// State implements driver.StateReporter.
func (d *Driver) State() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{
		"status":     string(d.Base.Status()),
		"calls":      len(d.calls),
		"last_verb":  d.lastVerb,
		"prepared":   len(d.prepared),
		"cleaned_up": d.cleanups,
	}
}

// PrepareForSession implements driver.SessionPreparer.
func (d *Driver) PrepareForSession(_ context.Context, pipelineID string) error {
	d.mu.Lock()
	d.prepared = append(d.prepared, pipelineID)
	d.mu.Unlock()
	return nil
}

// CleanupAfterSession implements driver.SessionCleaner.
func (d *Driver) CleanupAfterSession(context.Context) error {
	d.mu.Lock()
	d.cleanups++
	d.mu.Unlock()
	return nil
}

// WriteStream implements driver.StreamWriter. Writes are recorded and,
// with loopback enabled, emitted unchanged as output.
func (d *Driver) WriteStream(ctx context.Context, data []byte) error {
	if err := d.CheckAvailable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	failure := d.failures[StreamVerb]
	if failure == nil {
		d.writes = append(d.writes, append([]byte(nil), data...))
	}
	loopback := d.loopback
	d.mu.Unlock()

	if failure != nil {
		return failure
	}
	if loopback {
		d.EmitOutput(data)
	}
	return nil
}

// StreamVerb is the key FailOn uses to script WriteStream failures.
const StreamVerb = "stream:write"

// Services implements driver.ServiceProvider.
func (d *Driver) Services() []driver.Service {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]driver.Service, 0, len(d.offered)+len(d.declared))
	out = append(out, d.offered...)
	return append(out, d.declared...)
}

// Offer adds a service to those the device provides. Call it before the
// device joins a pipeline.
func (d *Driver) Offer(svc driver.Service) {
	d.mu.Lock()
	d.offered = append(d.offered, svc)
	d.mu.Unlock()
}

// SetServiceLocator implements driver.ServiceUser.
func (d *Driver) SetServiceLocator(locator driver.ServiceLocator) {
	d.mu.Lock()
	d.locator = locator
	d.mu.Unlock()
}

// Locator returns the service locator handed to the driver, if any.
func (d *Driver) Locator() driver.ServiceLocator {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locator
}

// Output emits data on the device's output stream as if the hardware
// had produced it.
func (d *Driver) Output(data []byte) {
	d.EmitOutput(data)
}

// Writes returns copies of the data passed to WriteStream.
func (d *Driver) Writes() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.writes))
	for i, w := range d.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

func parseServices(declared string) ([]driver.Service, error) {
	if strings.TrimSpace(declared) == "" {
		return nil, nil
	}
	var out []driver.Service
	for _, pair := range strings.Split(declared, ",") {
		typ, id, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || typ == "" || id == "" {
			return nil, fmt.Errorf("%w: services: %q is not type:id", driver.ErrInvalidSetting, pair)
		}
		out = append(out, driver.StaticService{ID: id, Type: typ})
	}
	return out, nil
}

// Respond scripts the result returned for verb.
func (d *Driver) Respond(verb string, result driver.Result) {
	d.mu.Lock()
	d.responses[verb] = result
	d.mu.Unlock()
}

// FailOn scripts an error for verb. A nil err clears it.
func (d *Driver) FailOn(verb string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, verb)
		return
	}
	d.failures[verb] = err
}

// FailInit makes the next Initialize fail with err.
func (d *Driver) FailInit(err error) {
	d.mu.Lock()
	d.initErr = err
	d.mu.Unlock()
}

// FailShutdown makes Shutdown return err.
func (d *Driver) FailShutdown(err error) {
	d.mu.Lock()
	d.shutdownErr = err
	d.mu.Unlock()
}

// Fault marks the device faulted.
func (d *Driver) Fault() {
	d.SetStatus(driver.StatusFaulted)
}

// Calls returns a copy of the recorded Execute calls.
func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallCount returns how many times verb was executed. An empty verb
// counts every call.
func (d *Driver) CallCount(verb string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if verb == "" {
		return len(d.calls)
	}
	n := 0
	for _, c := range d.calls {
		if c.Verb == verb {
			n++
		}
	}
	return n
}

// Shutdowns returns how many times Shutdown was called.
func (d *Driver) Shutdowns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdowns
}

// Prepared returns the pipeline IDs passed to PrepareForSession.
func (d *Driver) Prepared() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.prepared))
	copy(out, d.prepared)
	return out
}

// Cleanups returns how many times CleanupAfterSession was called.
func (d *Driver) Cleanups() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cleanups
}

// Settings returns the settings passed to Initialize.
func (d *Driver) Settings() driver.Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings.Clone()
}

var (
	_ driver.Driver           = (*Driver)(nil)
	_ driver.StateReporter    = (*Driver)(nil)
	_ driver.SessionPreparer  = (*Driver)(nil)
	_ driver.SessionCleaner   = (*Driver)(nil)
	_ driver.TelemetryEmitter = (*Driver)(nil)
	_ driver.StreamWriter     = (*Driver)(nil)
	_ driver.OutputEmitter    = (*Driver)(nil)
	_ driver.ServiceProvider  = (*Driver)(nil)
	_ driver.ServiceUser      = (*Driver)(nil)
)
