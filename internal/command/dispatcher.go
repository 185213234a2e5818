package command

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerrad567/hwm-core/internal/audit"
	"github.com/nerrad567/hwm-core/internal/device"
	"github.com/nerrad567/hwm-core/internal/driver"
	"github.com/nerrad567/hwm-core/internal/permission"
	"github.com/nerrad567/hwm-core/internal/pipeline"
	"github.com/nerrad567/hwm-core/internal/session"
)

// Logger defines the logging interface used by the Dispatcher.
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

// Sessions resolves the session a device command runs in.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	List(f session.Filter) []session.Session
	ActiveSession(pipelineID string) (*session.Session, bool)
}

// Pipelines resolves a device inside a pipeline and carries session data
// into it.
type Pipelines interface {
	Member(pipelineID, deviceID string) (*device.Handle, error)
	Get(id string) (*pipeline.Pipeline, error)
	Write(ctx context.Context, pipelineID string, data []byte) error
}

// Authorizer is the permission predicate consulted before every command.
type Authorizer interface {
	Authorize(userID string, target permission.Target, verb string) bool
	IgnoresSessionProtections(userID string) bool
}

// Auditor records dispatched and denied commands.
type Auditor interface {
	Create(ctx context.Context, e *audit.Entry) error
}

// Observer is told about every finished command.
type Observer interface {
	CommandCompleted(cmd *Command, resp *Response, elapsed time.Duration)
}

// Config contains dispatch limits.
type Config struct {
	// RatePerSecond limits commands per user. Zero disables limiting.
	RatePerSecond float64
	Burst         int
}

// Dispatcher authorizes commands and routes them to devices in active
// sessions or to system handlers.
//
// Commands on one pipeline run one at a time; commands on different
// pipelines never wait on each other.
type Dispatcher struct {
	sessions  Sessions
	pipelines Pipelines
	auth      Authorizer
	cfg       Config
	now       func() time.Time

	logger    Logger
	auditor   Auditor
	observers []Observer

	handlersMu sync.RWMutex
	handlers   map[string]SystemHandler

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(sessions Sessions, pipelines Pipelines, auth Authorizer, cfg Config) *Dispatcher {
	return &Dispatcher{
		sessions:  sessions,
		pipelines: pipelines,
		auth:      auth,
		cfg:       cfg,
		now:       time.Now,
		logger:    noopLogger{},
		handlers:  make(map[string]SystemHandler),
		limiters:  make(map[string]*rate.Limiter),
		locks:     make(map[string]*sync.Mutex),
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SetAuditor sets where command audit entries are written.
func (d *Dispatcher) SetAuditor(a Auditor) {
	d.auditor = a
}

// AddObserver registers an observer. Not safe to call while dispatching.
func (d *Dispatcher) AddObserver(o Observer) {
	d.observers = append(d.observers, o)
}

// RegisterHandler adds a system handler for each verb it serves.
func (d *Dispatcher) RegisterHandler(h SystemHandler) error {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	for _, verb := range h.Commands() {
		if other, ok := d.handlers[verb]; ok {
			return fmt.Errorf("%w: %q served by %s and %s", ErrDuplicateHandler, verb, other.Name(), h.Name())
		}
	}
	for _, verb := range h.Commands() {
		d.handlers[verb] = h
	}
	return nil
}

// SystemCommands lists the verbs served by system handlers, sorted.
func (d *Dispatcher) SystemCommands() []string {
	d.handlersMu.RLock()
	out := make([]string, 0, len(d.handlers))
	for verb := range d.handlers {
		out = append(out, verb)
	}
	d.handlersMu.RUnlock()
	sort.Strings(out)
	return out
}

// Dispatch runs cmd and returns its response envelope. The envelope is
// returned for failures too; the error is the same failure for callers
// that classify with errors.Is.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *Command) (*Response, error) {
	if cmd.ReceivedAt.IsZero() {
		cmd.ReceivedAt = d.now()
	}
	start := d.now()

	var (
		result driver.Result
		err    error
	)
	switch {
	case cmd.Verb == "":
		err = fmt.Errorf("%w: no command verb", ErrMalformedCommand)
	case cmd.IsSystem():
		result, err = d.dispatchSystem(ctx, cmd)
	default:
		result, err = d.dispatchDevice(ctx, cmd)
	}

	var resp *Response
	if err != nil {
		resp = ErrorResponse(cmd, err, d.now())
		d.logger.Warn("command failed",
			"command_id", cmd.ID, "verb", cmd.Verb, "device_id", cmd.DeviceID,
			"user_id", cmd.UserID, "code", resp.Error.Code, "error", err)
	} else {
		resp = okay(cmd, result, d.now())
		d.logger.Debug("command completed",
			"command_id", cmd.ID, "verb", cmd.Verb, "device_id", cmd.DeviceID, "user_id", cmd.UserID)
	}

	elapsed := d.now().Sub(start)
	for _, o := range d.observers {
		o.CommandCompleted(cmd, resp, elapsed)
	}
	return resp, err
}

func (d *Dispatcher) dispatchSystem(ctx context.Context, cmd *Command) (driver.Result, error) {
	d.handlersMu.RLock()
	h, ok := d.handlers[cmd.Verb]
	d.handlersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Verb)
	}

	target := permission.Target{SystemHandler: h.Name()}
	if !d.auth.Authorize(cmd.UserID, target, cmd.Verb) {
		d.audit(ctx, cmd, audit.ActionCommandDenied, audit.EntitySystem, h.Name(), nil)
		return nil, fmt.Errorf("%w: user %s may not run %s on %s", ErrPermissionDenied, cmd.UserID, cmd.Verb, h.Name())
	}
	if err := d.allow(cmd.UserID); err != nil {
		return nil, err
	}

	result, err := h.Handle(ctx, cmd)
	d.audit(ctx, cmd, audit.ActionCommand, audit.EntitySystem, h.Name(), err)
	if err != nil {
		return nil, fmt.Errorf("running %s on %s: %w", cmd.Verb, h.Name(), err)
	}
	return result, nil
}

func (d *Dispatcher) dispatchDevice(ctx context.Context, cmd *Command) (driver.Result, error) {
	s, err := d.resolveSession(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if s.State != session.StateActive {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, s.ID, s.State)
	}

	h, err := d.pipelines.Member(s.PipelineID, cmd.DeviceID)
	if err != nil {
		return nil, err
	}

	if s.UserID != cmd.UserID && !d.auth.IgnoresSessionProtections(cmd.UserID) {
		d.audit(ctx, cmd, audit.ActionCommandDenied, audit.EntityDevice, cmd.DeviceID, nil)
		return nil, fmt.Errorf("%w: session %s belongs to another user", ErrPermissionDenied, s.ID)
	}
	target := permission.Target{PipelineID: s.PipelineID, DeviceID: cmd.DeviceID}
	if !d.auth.Authorize(cmd.UserID, target, cmd.Verb) {
		d.audit(ctx, cmd, audit.ActionCommandDenied, audit.EntityDevice, cmd.DeviceID, nil)
		return nil, fmt.Errorf("%w: user %s may not run %s on %s", ErrPermissionDenied, cmd.UserID, cmd.Verb, cmd.DeviceID)
	}
	if err := d.allow(cmd.UserID); err != nil {
		return nil, err
	}

	lock := d.pipelineLock(s.PipelineID)
	lock.Lock()
	if err := d.checkStillActive(s, h); err != nil {
		lock.Unlock()
		return nil, err
	}
	result, err := h.Execute(ctx, cmd.Verb, driver.Args(cmd.Parameters))
	lock.Unlock()

	d.audit(ctx, cmd, audit.ActionCommand, audit.EntityDevice, cmd.DeviceID, err)
	if err != nil {
		return nil, fmt.Errorf("dispatching %s to %s (session %s, pipeline %s): %w",
			cmd.Verb, cmd.DeviceID, s.ID, s.PipelineID, err)
	}
	return result, nil
}

// checkStillActive re-checks, under the pipeline lock, that s has not
// ended since it was resolved. Another session may have taken over the
// same pipeline, or another pipeline the device.
func (d *Dispatcher) checkStillActive(s *session.Session, h *device.Handle) error {
	current, ok := d.sessions.ActiveSession(s.PipelineID)
	if !ok || current.ID != s.ID {
		return fmt.Errorf("%w: session %s is no longer active on pipeline %s", ErrSessionNotActive, s.ID, s.PipelineID)
	}
	if !slices.Contains(h.ReservedBy(), s.PipelineID) {
		return fmt.Errorf("%w: session %s: pipeline %s no longer holds %s",
			ErrSessionNotActive, s.ID, s.PipelineID, h.ID())
	}
	return nil
}

// resolveSession finds the named session, or when none is named the
// user's active session whose pipeline holds the device.
func (d *Dispatcher) resolveSession(ctx context.Context, cmd *Command) (*session.Session, error) {
	if cmd.SessionID != "" {
		return d.sessions.Get(ctx, cmd.SessionID)
	}
	active := d.sessions.List(session.Filter{UserID: cmd.UserID, States: []session.State{session.StateActive}})
	for i := range active {
		if _, err := d.pipelines.Member(active[i].PipelineID, cmd.DeviceID); err == nil {
			return &active[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no active session of user %s includes device %s",
		session.ErrSessionNotFound, cmd.UserID, cmd.DeviceID)
}

func (d *Dispatcher) allow(userID string) error {
	if d.cfg.RatePerSecond <= 0 {
		return nil
	}
	d.limitersMu.Lock()
	lim, ok := d.limiters[userID]
	if !ok {
		burst := max(d.cfg.Burst, 1)
		lim = rate.NewLimiter(rate.Limit(d.cfg.RatePerSecond), burst)
		d.limiters[userID] = lim
	}
	d.limitersMu.Unlock()

	if !lim.AllowN(d.now(), 1) {
		return fmt.Errorf("%w: user %s", ErrRateLimited, userID)
	}
	return nil
}

func (d *Dispatcher) pipelineLock(pipelineID string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	l, ok := d.locks[pipelineID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[pipelineID] = l
	}
	return l
}

func (d *Dispatcher) audit(ctx context.Context, cmd *Command, action, entityType, entityID string, cmdErr error) {
	if d.auditor == nil {
		return
	}
	details := map[string]any{
		"command_id": cmd.ID,
		"verb":       cmd.Verb,
	}
	if cmd.SessionID != "" {
		details["session_id"] = cmd.SessionID
	}
	if len(cmd.Parameters) > 0 {
		details["parameters"] = cmd.Parameters
	}
	if cmdErr != nil {
		details["error"] = cmdErr.Error()
	}
	entry := &audit.Entry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     cmd.UserID,
		Source:     cmd.Source,
		Details:    details,
	}
	if entry.Source == "" {
		entry.Source = "internal"
	}
	if err := d.auditor.Create(context.WithoutCancel(ctx), entry); err != nil {
		d.logger.Error("writing audit entry failed", "command_id", cmd.ID, "error", err)
	}
}
