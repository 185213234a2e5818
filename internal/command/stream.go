package command

import (
	"context"
	"fmt"

	"github.com/nerrad567/hwm-core/internal/audit"
	"github.com/nerrad567/hwm-core/internal/permission"
	"github.com/nerrad567/hwm-core/internal/session"
)

// StreamVerb is the verb a permission rule grants to allow writing
// session data to a pipeline's input device.
const StreamVerb = "write_stream"

// WriteStream sends data from userID into the input device of the
// pipeline held by an active session.
//
// The checks match a device command: the session must be active and owned
// by the user (unless the user ignores session protections), and the user
// needs StreamVerb on the input device. Writes on one pipeline are
// serialised with its commands.
func (d *Dispatcher) WriteStream(ctx context.Context, userID, sessionID string, data []byte) error {
	s, err := d.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.State != session.StateActive {
		return fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, s.ID, s.State)
	}

	p, err := d.pipelines.Get(s.PipelineID)
	if err != nil {
		return err
	}
	cmd := &Command{UserID: userID, SessionID: s.ID, DeviceID: p.Input, Verb: StreamVerb, Source: "stream"}

	if s.UserID != userID && !d.auth.IgnoresSessionProtections(userID) {
		d.audit(ctx, cmd, audit.ActionCommandDenied, audit.EntityDevice, p.Input, nil)
		return fmt.Errorf("%w: session %s belongs to another user", ErrPermissionDenied, s.ID)
	}
	if !d.auth.Authorize(userID, permission.Target{PipelineID: s.PipelineID, DeviceID: p.Input}, StreamVerb) {
		d.audit(ctx, cmd, audit.ActionCommandDenied, audit.EntityDevice, p.Input, nil)
		return fmt.Errorf("%w: user %s may not write to %s", ErrPermissionDenied, userID, p.Input)
	}

	h, err := d.pipelines.Member(s.PipelineID, p.Input)
	if err != nil {
		return err
	}

	lock := d.pipelineLock(s.PipelineID)
	lock.Lock()
	defer lock.Unlock()
	if err := d.checkStillActive(s, h); err != nil {
		return err
	}
	if err := d.pipelines.Write(ctx, s.PipelineID, data); err != nil {
		return fmt.Errorf("session %s: %w", s.ID, err)
	}
	return nil
}
