package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/hwm-core/internal/device"
	"github.com/nerrad567/hwm-core/internal/driver"
)

// maxSetupTime bounds the hooks and setup commands run when a session
// starts. A hung driver must not hold the session in limbo.
const maxSetupTime = 60 * time.Second

// SetupFailure records one failed setup command.
type SetupFailure struct {
	Index    int    `json:"index"`
	DeviceID string `json:"device_id"`
	Command  string `json:"command"`
	Error    string `json:"error"`
}

// SetupReport summarises a PrepareSession run.
type SetupReport struct {
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	Aborted   bool           `json:"aborted"`
	Failures  []SetupFailure `json:"failures,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// PrepareSession readies an active pipeline for a session: every member
// driver that implements driver.SessionPreparer is told about the session,
// then the pipeline's setup commands run.
//
// It is called without any scheduling lock held. Hook errors are joined;
// a failing setup command without ContinueOnError stops the remaining
// groups and wraps ErrSetupFailed.
func (m *Manager) PrepareSession(ctx context.Context, id string) (SetupReport, error) {
	ctx, cancel := context.WithTimeout(ctx, maxSetupTime)
	defer cancel()

	p, handles, err := m.members(id)
	if err != nil {
		return SetupReport{}, err
	}

	var errs []error
	for _, h := range handles {
		if prep, ok := h.Driver().(driver.SessionPreparer); ok {
			if err := prep.PrepareForSession(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("preparing device %s: %w", h.ID(), err))
			}
		}
	}

	report := m.runSetup(ctx, p, handles)
	if report.Aborted {
		errs = append(errs, setupError(id, report))
	}

	m.logger.Info("pipeline session setup complete",
		"pipeline_id", id,
		"completed", report.Completed,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, errors.Join(errs...)
}

// CleanupSession calls CleanupAfterSession on every member driver that
// implements driver.SessionCleaner. Every driver is called; errors are joined.
func (m *Manager) CleanupSession(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, maxSetupTime)
	defer cancel()

	_, handles, err := m.members(id)
	if err != nil {
		return err
	}

	var errs []error
	for _, h := range handles {
		if c, ok := h.Driver().(driver.SessionCleaner); ok {
			if err := c.CleanupAfterSession(ctx); err != nil {
				errs = append(errs, fmt.Errorf("cleaning up device %s: %w", h.ID(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// setupError names every failed command, in declaration order.
func setupError(id string, report SetupReport) error {
	failures := slices.Clone(report.Failures)
	slices.SortFunc(failures, func(a, b SetupFailure) int { return a.Index - b.Index })

	causes := make([]string, 0, len(failures))
	for _, f := range failures {
		causes = append(causes, fmt.Sprintf("%s %s: %s", f.DeviceID, f.Command, f.Error))
	}
	return fmt.Errorf("%w: pipeline %s: %d failed, %d skipped: %s",
		ErrSetupFailed, id, report.Failed, report.Skipped, strings.Join(causes, "; "))
}

func (m *Manager) members(id string) (*Pipeline, map[string]*device.Handle, error) {
	p, err := m.Get(id)
	if err != nil {
		return nil, nil, err
	}
	handles := make(map[string]*device.Handle, len(p.Devices))
	for _, devID := range p.Devices {
		h, err := m.devices.Get(devID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownDevice, devID)
		}
		handles[devID] = h
	}
	return p, handles, nil
}

// runSetup executes the setup commands group by group. Commands inside a
// group run concurrently; groups run in order.
func (m *Manager) runSetup(ctx context.Context, p *Pipeline, handles map[string]*device.Handle) SetupReport {
	started := time.Now()
	var report SetupReport

	offset := 0
	for _, group := range groupSetup(p.Setup) {
		if report.Aborted || ctx.Err() != nil {
			report.Skipped += len(group)
			offset += len(group)
			continue
		}

		failures := m.runGroup(ctx, p.ID, handles, group, offset)
		report.Completed += len(group) - len(failures)
		report.Failed += len(failures)
		report.Failures = append(report.Failures, failures...)

		for _, f := range failures {
			if !p.Setup[f.Index].ContinueOnError {
				report.Aborted = true
				break
			}
		}
		offset += len(group)
	}

	report.Duration = time.Since(started)
	return report
}

func (m *Manager) runGroup(ctx context.Context, pipelineID string, handles map[string]*device.Handle, group []SetupCommand, offset int) []SetupFailure {
	var (
		mu       sync.Mutex
		failures []SetupFailure
		wg       sync.WaitGroup
	)

	for i, c := range group {
		wg.Add(1)
		go func(idx int, c SetupCommand) {
			defer wg.Done()
			if err := runCommand(ctx, handles[c.DeviceID], c); err != nil {
				m.logger.Warn("setup command failed",
					"pipeline_id", pipelineID,
					"device_id", c.DeviceID,
					"command", c.Command,
					"error", err,
				)
				mu.Lock()
				failures = append(failures, SetupFailure{
					Index:    idx,
					DeviceID: c.DeviceID,
					Command:  c.Command,
					Error:    err.Error(),
				})
				mu.Unlock()
			}
		}(offset+i, c)
	}

	wg.Wait()
	return failures
}

func runCommand(ctx context.Context, h *device.Handle, c SetupCommand) error {
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, c.DeviceID)
	}
	if c.DelayMS > 0 {
		select {
		case <-time.After(time.Duration(c.DelayMS) * time.Millisecond):
		case <-ctx.Done():
			return fmt.Errorf("setup command delayed: %w", ctx.Err())
		}
	}
	_, err := h.Execute(ctx, c.Command, driver.Args(c.Parameters))
	return err
}

// groupSetup splits commands into sequential groups. The first command
// always starts a group; Parallel commands join the current group.
//
//	[A, B(parallel), C(parallel), D]  ->  [[A, B, C], [D]]
func groupSetup(cmds []SetupCommand) [][]SetupCommand {
	if len(cmds) == 0 {
		return nil
	}

	var groups [][]SetupCommand
	current := []SetupCommand{cmds[0]}
	for _, c := range cmds[1:] {
		if c.Parallel {
			current = append(current, c)
		} else {
			groups = append(groups, current)
			current = []SetupCommand{c}
		}
	}
	return append(groups, current)
}
