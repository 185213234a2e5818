package session

import (
	"context"
	"fmt"
	"sort"
)

// Recover reloads the non-terminal sessions archived by a previous run.
// It must be called before Run and before any request is accepted.
//
//   - pending sessions are committed again and may be rejected;
//   - scheduled sessions are re-placed; one that now conflicts is cancelled;
//   - active sessions re-activate their pipeline and are set up again, or
//     complete as interrupted when that fails.
//
// Sessions whose pipeline no longer exists end with ReasonPipelineRemoved.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	if c.repo == nil {
		return 0, nil
	}
	stored, err := c.repo.List(ctx, Filter{States: []State{StatePending, StateScheduled, StateActive}}, 0)
	if err != nil {
		return 0, fmt.Errorf("loading sessions: %w", err)
	}

	// Active first so they keep their pipelines, then by start.
	sort.SliceStable(stored, func(i, j int) bool {
		ai, aj := stored[i].State == StateActive, stored[j].State == StateActive
		if ai != aj {
			return ai
		}
		return stored[i].Interval.Start.Before(stored[j].Interval.Start)
	})

	var (
		changes []change
		hooks   []hook
	)
	c.mu.Lock()
	for i := range stored {
		s := stored[i].clone()
		if _, exists := c.sessions[s.ID]; exists {
			continue
		}
		c.sessions[s.ID] = s

		if !c.pipelines.Exists(s.PipelineID) {
			to := StateCancelled
			if s.State == StateActive {
				to = StateCompleted
			}
			c.transitionLocked(s, to, ReasonPipelineRemoved, &changes)
			continue
		}

		switch s.State {
		case StatePending:
			_, _ = c.commitLocked(s.ID, &changes) //nolint:errcheck // a conflict is recorded as rejection
		case StateScheduled:
			idx, conflict := c.placeLocked(s.PipelineID, s.Interval)
			if conflict != nil {
				c.transitionLocked(s, StateCancelled, ReasonResourceConflict, &changes)
				continue
			}
			c.insertLocked(s, idx)
		case StateActive:
			if err := c.activateLocked(s); err != nil {
				c.logger.Warn("recovered session could not re-activate", "session_id", s.ID, "error", err)
				c.transitionLocked(s, StateCompleted, ReasonInterrupted, &changes)
				continue
			}
			idx, _ := c.placeLocked(s.PipelineID, s.Interval)
			c.insertLocked(s, idx)
			hooks = append(hooks, hook{kind: hookPrepare, sessionID: s.ID, pipelineID: s.PipelineID})
		}
	}
	c.mu.Unlock()

	c.logger.Info("sessions recovered", "count", len(stored), "transitions", len(changes))
	c.publish(ctx, changes)
	c.runHooks(ctx, hooks)
	return len(stored), nil
}
