package drivertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hwm-core/internal/driver"
)

// Options describes how to exercise a driver under test.
type Options struct {
	// Settings are passed to Initialize.
	Settings driver.Settings

	// Verb is a command the driver must accept once ready.
	Verb string
	Args driver.Args

	// UnknownVerbOK skips the unknown-verb check for drivers that accept
	// arbitrary verbs.
	UnknownVerbOK bool

	// Timeout bounds each driver call. Defaults to 5s.
	Timeout time.Duration
}

// concurrentCallers is how many goroutines hammer Execute at once.
const concurrentCallers = 8

// RunConformance checks that drivers produced by newDriver honour the
// lifecycle every driver must follow:
//
//   - a new driver reports uninitialized and refuses commands
//   - Initialize moves it to ready and Verb succeeds
//   - unknown verbs fail (unless UnknownVerbOK)
//   - concurrent Execute calls are safe
//   - Shutdown is repeatable and leaves the driver refusing commands
//   - a faulted driver refuses commands with ErrDeviceUnavailable
func RunConformance(t *testing.T, newDriver driver.Factory, opts Options) {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}

	ready := func(t *testing.T) (driver.Driver, context.Context) {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
		t.Cleanup(cancel)
		d := newDriver()
		if err := d.Initialize(ctx, opts.Settings.Clone()); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
		t.Cleanup(func() { _ = d.Shutdown(context.Background()) }) //nolint:errcheck // test cleanup
		return d, ctx
	}

	t.Run("starts uninitialized", func(t *testing.T) {
		d := newDriver()
		if got := d.Status(); got != driver.StatusUninitialized {
			t.Errorf("Status() = %q, want %q", got, driver.StatusUninitialized)
		}
		_, err := d.Execute(context.Background(), opts.Verb, opts.Args)
		if !errors.Is(err, driver.ErrDeviceUnavailable) {
			t.Errorf("Execute() before Initialize error = %v, want ErrDeviceUnavailable", err)
		}
	})

	t.Run("initialize makes ready", func(t *testing.T) {
		d, ctx := ready(t)
		if got := d.Status(); got != driver.StatusReady {
			t.Errorf("Status() = %q, want %q", got, driver.StatusReady)
		}
		if _, err := d.Execute(ctx, opts.Verb, opts.Args); err != nil {
			t.Errorf("Execute(%q) error = %v", opts.Verb, err)
		}
	})

	if !opts.UnknownVerbOK {
		t.Run("unknown verb fails", func(t *testing.T) {
			d, ctx := ready(t)
			_, err := d.Execute(ctx, "no_such_verb_xyzzy", nil)
			if err == nil {
				t.Error("Execute() of unknown verb succeeded")
			}
		})
	}

	t.Run("concurrent execute", func(t *testing.T) {
		d, ctx := ready(t)
		var wg sync.WaitGroup
		errs := make(chan error, concurrentCallers)
		for range concurrentCallers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := d.Execute(ctx, opts.Verb, opts.Args); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("concurrent Execute() error = %v", err)
		}
	})

	t.Run("shutdown is repeatable", func(t *testing.T) {
		d, ctx := ready(t)
		if err := d.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown() error = %v", err)
		}
		if err := d.Shutdown(ctx); err != nil {
			t.Errorf("second Shutdown() error = %v", err)
		}
		if _, err := d.Execute(ctx, opts.Verb, opts.Args); !errors.Is(err, driver.ErrDeviceUnavailable) {
			t.Errorf("Execute() after Shutdown error = %v, want ErrDeviceUnavailable", err)
		}
	})

	t.Run("faulted refuses commands", func(t *testing.T) {
		d, ctx := ready(t)
		setter, ok := d.(interface{ SetStatus(driver.Status) })
		if !ok {
			t.Skip("driver does not expose SetStatus")
		}
		setter.SetStatus(driver.StatusFaulted)
		if _, err := d.Execute(ctx, opts.Verb, opts.Args); !errors.Is(err, driver.ErrDeviceUnavailable) {
			t.Errorf("Execute() on faulted device error = %v, want ErrDeviceUnavailable", err)
		}
	})
}
