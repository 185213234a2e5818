package session

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/hwm-core/internal/pipeline"
)

// Default coordinator settings.
const (
	DefaultTickInterval = time.Second
	DefaultHookTimeout  = 30 * time.Second
	DefaultRetention    = time.Hour
)

// Logger defines the logging interface used by the Coordinator.
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

// Pipelines is what the coordinator needs from the pipeline manager.
type Pipelines interface {
	Exists(id string) bool
	Activate(id string) error
	Deactivate(id string) error
	ValidateServices(id string, services map[string]string) error
	SelectServices(id string, services map[string]string) error
	PrepareSession(ctx context.Context, id string) (pipeline.SetupReport, error)
	CleanupSession(ctx context.Context, id string) error
}

// Config holds coordinator settings. Zero values take the defaults.
type Config struct {
	// TickInterval is the promotion cadence used by Run.
	TickInterval time.Duration

	// HookTimeout bounds each session setup or cleanup run.
	HookTimeout time.Duration

	// Retention is how long finished sessions stay in memory. Older ones
	// are still available from the repository. Negative keeps them forever.
	Retention time.Duration

	Clock Clock
}

// TickResult counts the transitions made by one Tick.
type TickResult struct {
	Activated int
	Completed int
	Cancelled int
}

// Coordinator owns the schedule: every session, and per pipeline the
// scheduled and active sessions ordered by start time.
//
// Every read-modify-write of the schedule runs under one mutex, so two
// overlapping requests can never both pass the overlap check. Driver
// hooks, event sinks and persistence run after the mutex is released.
//
// Lock order: Coordinator.mu, then the pipeline manager, then device
// handles.
type Coordinator struct {
	pipelines Pipelines
	clock     Clock
	cfg       Config
	logger    Logger
	repo      Repository
	sinks     []EventSink
	streams   []StreamSink

	mu       sync.Mutex
	sessions map[string]*Session
	schedule map[string][]*Session

	// tickMu keeps ticks, and therefore their hooks, from overlapping.
	tickMu sync.Mutex
}

// NewCoordinator creates a coordinator over the given pipelines.
func NewCoordinator(pipelines Pipelines, cfg Config) *Coordinator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = DefaultHookTimeout
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	return &Coordinator{
		pipelines: pipelines,
		clock:     cfg.Clock,
		cfg:       cfg,
		logger:    noopLogger{},
		sessions:  make(map[string]*Session),
		schedule:  make(map[string][]*Session),
	}
}

// SetLogger sets the logger for the coordinator.
func (c *Coordinator) SetLogger(logger Logger) {
	c.logger = logger
}

// SetRepository sets the archive every change is written to.
func (c *Coordinator) SetRepository(repo Repository) {
	c.repo = repo
}

// AddSink registers an event sink. Sinks must be added before the
// coordinator is used.
func (c *Coordinator) AddSink(sink EventSink) {
	c.sinks = append(c.sinks, sink)
}

// change is a committed transition waiting to be published.
type change struct {
	session  Session
	previous State
}

type hookKind int

const (
	hookPrepare hookKind = iota
	hookCleanup
)

type hook struct {
	kind       hookKind
	sessionID  string
	pipelineID string
}

// Submit validates a request and creates a pending session. The window
// must satisfy start < end and start >= now, otherwise ErrInvalidInterval.
// A service selection the pipeline does not offer fails with
// ErrInvalidRequest wrapping pipeline.ErrServiceInvalid.
func (c *Coordinator) Submit(ctx context.Context, userID, pipelineID string, iv Interval, opts ...RequestOption) (*Session, error) {
	var changes []change
	c.mu.Lock()
	s, err := c.submitLocked(userID, pipelineID, iv, opts, &changes)
	c.mu.Unlock()

	c.publish(ctx, changes)
	return s, err
}

// Commit places a pending session. If its window overlaps a scheduled or
// active session on the same pipeline the session is rejected and the
// error wraps ErrResourceConflict; the schedule is left unchanged. The
// rejected session is returned alongside the error.
func (c *Coordinator) Commit(ctx context.Context, sessionID string) (*Session, error) {
	var changes []change
	c.mu.Lock()
	s, err := c.commitLocked(sessionID, &changes)
	c.mu.Unlock()

	c.publish(ctx, changes)
	return s, err
}

// Request submits and commits in one critical section. Among overlapping
// requests the first to commit wins.
func (c *Coordinator) Request(ctx context.Context, userID, pipelineID string, iv Interval, opts ...RequestOption) (*Session, error) {
	var changes []change
	c.mu.Lock()
	s, err := c.submitLocked(userID, pipelineID, iv, opts, &changes)
	if err == nil {
		s, err = c.commitLocked(s.ID, &changes)
	}
	c.mu.Unlock()

	c.publish(ctx, changes)
	return s, err
}

func (c *Coordinator) submitLocked(userID, pipelineID string, iv Interval, opts []RequestOption, changes *[]change) (*Session, error) {
	now := c.clock.Now()
	switch {
	case userID == "":
		return nil, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	case pipelineID == "":
		return nil, fmt.Errorf("%w: pipeline is required", ErrInvalidRequest)
	case !iv.Start.Before(iv.End):
		return nil, fmt.Errorf("%w: %s: start must be before end", ErrInvalidInterval, iv)
	case iv.Start.Before(now):
		return nil, fmt.Errorf("%w: %s starts in the past", ErrInvalidInterval, iv)
	case !c.pipelines.Exists(pipelineID):
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, pipelineID)
	}

	s := &Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		PipelineID: pipelineID,
		Interval:   iv,
		State:      StatePending,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.Services) > 0 {
		if err := c.pipelines.ValidateServices(pipelineID, s.Services); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	c.sessions[s.ID] = s
	*changes = append(*changes, change{session: *s.clone()})
	return s.clone(), nil
}

func (c *Coordinator) commitLocked(sessionID string, changes *[]change) (*Session, error) {
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.State != StatePending {
		return s.clone(), fmt.Errorf("%w: session %s is %s, not pending", ErrInvalidTransition, sessionID, s.State)
	}

	idx, conflict := c.placeLocked(s.PipelineID, s.Interval)
	if conflict != nil {
		c.transitionLocked(s, StateRejected, ReasonResourceConflict, changes)
		c.logger.Info("session rejected",
			"session_id", s.ID,
			"pipeline_id", s.PipelineID,
			"conflicts_with", conflict.ID,
		)
		return s.clone(), fmt.Errorf("%w: %s on pipeline %s overlaps session %s %s",
			ErrResourceConflict, s.Interval, s.PipelineID, conflict.ID, conflict.Interval)
	}

	c.transitionLocked(s, StateScheduled, "", changes)
	c.insertLocked(s, idx)
	c.logger.Info("session scheduled",
		"session_id", s.ID,
		"user_id", s.UserID,
		"pipeline_id", s.PipelineID,
		"start", s.Interval.Start,
		"end", s.Interval.End,
	)
	return s.clone(), nil
}

// placeLocked finds where iv belongs in the pipeline's schedule and the
// session it would overlap, if any.
//
// The schedule never overlaps, so ordered by start it is also ordered by
// end, and only the neighbours of the insertion point can overlap iv.
func (c *Coordinator) placeLocked(pipelineID string, iv Interval) (int, *Session) {
	list := c.schedule[pipelineID]
	idx := sort.Search(len(list), func(i int) bool {
		return !list[i].Interval.Start.Before(iv.Start)
	})
	if idx > 0 && list[idx-1].Interval.Overlaps(iv) {
		return idx, list[idx-1]
	}
	if idx < len(list) && list[idx].Interval.Overlaps(iv) {
		return idx, list[idx]
	}
	return idx, nil
}

func (c *Coordinator) insertLocked(s *Session, idx int) {
	c.schedule[s.PipelineID] = slices.Insert(c.schedule[s.PipelineID], idx, s)
}

func (c *Coordinator) unscheduleLocked(s *Session) {
	list := c.schedule[s.PipelineID]
	if i := slices.Index(list, s); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	if len(list) == 0 {
		delete(c.schedule, s.PipelineID)
		return
	}
	c.schedule[s.PipelineID] = list
}

// transitionLocked moves s to state to. Callers check the edge is legal.
func (c *Coordinator) transitionLocked(s *Session, to State, reason string, changes *[]change) {
	now := c.clock.Now()
	prev := s.State
	s.State = to
	if reason != "" {
		s.Reason = reason
	}
	s.Version++
	s.UpdatedAt = now
	switch to {
	case StateActive:
		s.ActivatedAt = &now
	case StateCompleted, StateCancelled, StateRejected:
		s.CompletedAt = &now
	}
	*changes = append(*changes, change{session: *s.clone(), previous: prev})
}

// Cancel cancels a pending or scheduled session. Cancelling any other
// session fails with ErrInvalidTransition and changes nothing.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) (*Session, error) {
	var changes []change
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if !CanTransition(s.State, StateCancelled) {
		cp := s.clone()
		c.mu.Unlock()
		return cp, fmt.Errorf("%w: cannot cancel %s session %s", ErrInvalidTransition, cp.State, sessionID)
	}
	if s.State == StateScheduled {
		c.unscheduleLocked(s)
	}
	c.transitionLocked(s, StateCancelled, ReasonUserCancelled, &changes)
	cp := s.clone()
	c.mu.Unlock()

	c.logger.Info("session cancelled", "session_id", sessionID, "pipeline_id", cp.PipelineID)
	c.publish(ctx, changes)
	return cp, nil
}

// Get returns a copy of the session. Sessions no longer held in memory
// are looked up in the repository.
func (c *Coordinator) Get(ctx context.Context, sessionID string) (*Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	var cp *Session
	if ok {
		cp = s.clone()
	}
	c.mu.Unlock()

	if ok {
		return cp, nil
	}
	if c.repo != nil {
		return c.repo.Get(ctx, sessionID)
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
}

// List returns the in-memory sessions matching f, ordered by start time.
func (c *Coordinator) List(f Filter) []Session {
	c.mu.Lock()
	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		if f.matches(s) {
			out = append(out, *s.clone())
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Interval.Start.Equal(out[j].Interval.Start) {
			return out[i].Interval.Start.Before(out[j].Interval.Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Schedule returns the scheduled and active sessions on a pipeline in
// start order.
func (c *Coordinator) Schedule(pipelineID string) []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.schedule[pipelineID]
	out := make([]Session, len(list))
	for i, s := range list {
		out[i] = *s.clone()
	}
	return out
}

// ActiveSession returns the session currently active on a pipeline.
func (c *Coordinator) ActiveSession(pipelineID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.schedule[pipelineID] {
		if s.State == StateActive {
			return s.clone(), true
		}
	}
	return nil, false
}

// Tick advances the schedule to the clock's current time. It is
// idempotent: a second Tick at the same instant changes nothing.
//
// Completions run before activations so back-to-back sessions hand the
// pipeline over within one tick. A session whose pipeline cannot be
// activated is cancelled with ReasonActivationFailed. A session whose
// whole window passed before it could be activated is activated and
// completed in the same tick, skipping its setup.
func (c *Coordinator) Tick(ctx context.Context) TickResult {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	var (
		res     TickResult
		changes []change
		hooks   []hook
	)

	c.mu.Lock()
	now := c.clock.Now()
	pipelineIDs := make([]string, 0, len(c.schedule))
	for id := range c.schedule {
		pipelineIDs = append(pipelineIDs, id)
	}
	sort.Strings(pipelineIDs)

	for _, pid := range pipelineIDs {
		for _, s := range slices.Clone(c.schedule[pid]) {
			if s.State == StateActive && !now.Before(s.Interval.End) {
				c.completeLocked(s, "", &changes)
				hooks = append(hooks, hook{kind: hookCleanup, sessionID: s.ID, pipelineID: pid})
				res.Completed++
			}
		}
	}

	for _, pid := range pipelineIDs {
		for _, s := range slices.Clone(c.schedule[pid]) {
			if now.Before(s.Interval.Start) {
				break
			}
			if s.State != StateScheduled {
				continue
			}

			if err := c.activateLocked(s); err != nil {
				c.logger.Warn("session activation failed",
					"session_id", s.ID,
					"pipeline_id", pid,
					"error", err,
				)
				c.unscheduleLocked(s)
				c.transitionLocked(s, StateCancelled, ReasonActivationFailed, &changes)
				res.Cancelled++
				continue
			}
			c.transitionLocked(s, StateActive, "", &changes)
			res.Activated++
			c.logger.Info("session activated", "session_id", s.ID, "user_id", s.UserID, "pipeline_id", pid)

			if !now.Before(s.Interval.End) {
				c.logger.Warn("session window elapsed before activation", "session_id", s.ID, "pipeline_id", pid)
				c.completeLocked(s, ReasonWindowElapsed, &changes)
				res.Completed++
				continue
			}
			hooks = append(hooks, hook{kind: hookPrepare, sessionID: s.ID, pipelineID: pid})
		}
	}

	c.pruneLocked(now)
	c.mu.Unlock()

	c.publish(ctx, changes)
	c.runHooks(ctx, hooks)
	return res
}

// activateLocked activates the session's pipeline and applies its service
// selection, releasing the pipeline again if the selection fails.
func (c *Coordinator) activateLocked(s *Session) error {
	if err := c.pipelines.Activate(s.PipelineID); err != nil {
		return err
	}
	if err := c.pipelines.SelectServices(s.PipelineID, s.Services); err != nil {
		if derr := c.pipelines.Deactivate(s.PipelineID); derr != nil {
			c.logger.Error("pipeline deactivation failed", "pipeline_id", s.PipelineID, "error", derr)
		}
		return err
	}
	return nil
}

func (c *Coordinator) completeLocked(s *Session, reason string, changes *[]change) {
	if err := c.pipelines.Deactivate(s.PipelineID); err != nil {
		c.logger.Error("pipeline deactivation failed",
			"session_id", s.ID,
			"pipeline_id", s.PipelineID,
			"error", err,
		)
	}
	c.unscheduleLocked(s)
	c.transitionLocked(s, StateCompleted, reason, changes)
	c.logger.Info("session completed", "session_id", s.ID, "pipeline_id", s.PipelineID)
}

// pruneLocked drops finished sessions older than the retention window.
func (c *Coordinator) pruneLocked(now time.Time) {
	if c.cfg.Retention < 0 {
		return
	}
	cutoff := now.Add(-c.cfg.Retention)
	for id, s := range c.sessions {
		if s.State.Terminal() && s.UpdatedAt.Before(cutoff) {
			delete(c.sessions, id)
		}
	}
}

// runHooks runs session setup and cleanup in order, outside the schedule
// lock. Setup failures are recorded on the session; they do not end it.
func (c *Coordinator) runHooks(ctx context.Context, hooks []hook) {
	for _, h := range hooks {
		hctx, cancel := context.WithTimeout(ctx, c.cfg.HookTimeout)
		switch h.kind {
		case hookCleanup:
			if err := c.pipelines.CleanupSession(hctx, h.pipelineID); err != nil {
				c.logger.Warn("session cleanup failed", "session_id", h.sessionID, "pipeline_id", h.pipelineID, "error", err)
			}
		case hookPrepare:
			if _, err := c.pipelines.PrepareSession(hctx, h.pipelineID); err != nil {
				c.logger.Warn("session setup failed", "session_id", h.sessionID, "pipeline_id", h.pipelineID, "error", err)
				c.recordSetupError(ctx, h.sessionID, err)
			}
		}
		cancel()
	}
}

func (c *Coordinator) recordSetupError(ctx context.Context, sessionID string, err error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	s.SetupError = err.Error()
	s.Version++
	s.UpdatedAt = c.clock.Now()
	ch := change{session: *s.clone(), previous: s.State}
	c.mu.Unlock()

	c.publish(ctx, []change{ch})
}

// publish archives and announces committed changes. It runs even if ctx
// is cancelled: the changes have already happened.
func (c *Coordinator) publish(ctx context.Context, changes []change) {
	if len(changes) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, ch := range changes {
		if c.repo != nil {
			if err := c.repo.Save(ctx, &ch.session); err != nil {
				c.logger.Error("archiving session failed", "session_id", ch.session.ID, "error", err)
			}
		}
		ev := Event{Session: ch.session, Previous: ch.previous, Time: ch.session.UpdatedAt}
		for _, sink := range c.sinks {
			sink.SessionChanged(ctx, ev)
		}
	}
}

// Run ticks every TickInterval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	c.logger.Info("session coordinator started", "tick_interval", c.cfg.TickInterval)
	c.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("session coordinator stopped")
			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}
