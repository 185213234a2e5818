// Package session schedules time-bounded, conflict-free access to
// pipelines.
//
// The Coordinator owns the schedule. Requests are validated, checked for
// overlap against the scheduled and active sessions on the same pipeline
// using closed-open intervals, and either scheduled or rejected; the first
// request to commit wins. A periodic Tick activates sessions whose window
// has opened and completes those whose window has closed, reserving and
// releasing the pipeline's devices as it goes.
//
// Every transition is archived through a Repository and announced to the
// registered EventSinks after the schedule lock is released.
package session
