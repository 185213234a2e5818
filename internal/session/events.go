package session

import (
	"context"
	"time"
)

// Event describes one session change. Previous is empty when the session
// was created, and equal to Session.State when only details changed (for
// example a setup failure recorded on an active session).
type Event struct {
	Session  Session   `json:"session"`
	Previous State     `json:"previous,omitempty"`
	Time     time.Time `json:"time"`
}

// Type returns the event name used on the wire, e.g. "session.active".
func (e Event) Type() string {
	if e.Previous == e.Session.State {
		return "session.updated"
	}
	return "session." + string(e.Session.State)
}

// EventSink receives session changes after they are committed. Sinks are
// called outside the schedule lock, in commit order per caller.
type EventSink interface {
	SessionChanged(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event)

// SessionChanged implements EventSink.
func (f EventSinkFunc) SessionChanged(ctx context.Context, ev Event) { f(ctx, ev) }
