package session

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// State is a session's position in its lifecycle:
//
//	pending -> scheduled -> active -> completed
//	pending -> rejected
//	pending | scheduled -> cancelled
type State string

const (
	StatePending   State = "pending"
	StateScheduled State = "scheduled"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateRejected  State = "rejected"
)

var transitions = map[State][]State{
	StatePending:   {StateScheduled, StateRejected, StateCancelled},
	StateScheduled: {StateActive, StateCancelled},
	StateActive:    {StateCompleted},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateRejected
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateScheduled, StateActive, StateCompleted, StateCancelled, StateRejected:
		return true
	}
	return false
}

// holdsPipeline reports whether a session in state s takes part in
// conflict detection.
func (s State) holdsPipeline() bool {
	return s == StateScheduled || s == StateActive
}

// Reasons recorded on sessions that end without completing normally.
const (
	ReasonResourceConflict = "resource_conflict"
	ReasonUserCancelled    = "cancelled_by_user"
	ReasonActivationFailed = "activation_failed"
	ReasonWindowElapsed    = "window_elapsed"
	ReasonPipelineRemoved  = "pipeline_removed"
	ReasonInterrupted      = "interrupted"
)

// Interval is a closed-open time window [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether the two closed-open intervals share any instant.
// Adjacent intervals ([10,20) and [20,30)) do not overlap.
func (iv Interval) Overlaps(o Interval) bool {
	return iv.Start.Before(o.End) && o.Start.Before(iv.End)
}

// Contains reports whether t falls inside the interval.
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Duration returns End - Start.
func (iv Interval) Duration() time.Duration { return iv.End.Sub(iv.Start) }

func (iv Interval) String() string {
	return fmt.Sprintf("[%s, %s)", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
}

// Session is a user's time-bounded claim on a pipeline.
type Session struct {
	ID         string   `json:"id"`
	UserID     string   `json:"user_id"`
	PipelineID string   `json:"pipeline_id"`
	Interval   Interval `json:"interval"`
	State      State    `json:"state"`

	// Services selects, by service type, the pipeline services the
	// session uses while active.
	Services map[string]string `json:"services,omitempty"`

	// Reason explains rejected and cancelled sessions, and completions
	// that did not run their full window.
	Reason string `json:"reason,omitempty"`

	// SetupError is set when pipeline setup failed after activation.
	SetupError string `json:"setup_error,omitempty"`

	// Version increases on every transition; the archive never
	// overwrites a newer version with an older one.
	Version int `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Services = maps.Clone(s.Services)
	if s.ActivatedAt != nil {
		t := *s.ActivatedAt
		cp.ActivatedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// RequestOption customises a session request.
type RequestOption func(*Session)

// WithServices selects pipeline services by type for the session. The
// selection is checked against the pipeline when the request is made and
// applied when the session activates.
func WithServices(services map[string]string) RequestOption {
	return func(s *Session) {
		if len(services) > 0 {
			s.Services = maps.Clone(services)
		}
	}
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	UserID     string
	PipelineID string
	States     []State
}

func (f Filter) matches(s *Session) bool {
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.PipelineID != "" && s.PipelineID != f.PipelineID {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, s.State) {
		return false
	}
	return true
}
