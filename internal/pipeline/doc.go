// Package pipeline composes devices into ordered signal chains and tracks
// which chains currently hold their devices.
//
// A pipeline is built inactive. Activate reserves every member device on
// its handle; a device that does not allow concurrent use can be reserved
// by one active pipeline at a time. Deactivate releases the reservations,
// and only inactive pipelines can be torn down or rebuilt.
//
// When a session starts on an active pipeline, PrepareSession runs the
// drivers' session hooks and the pipeline's setup commands; CleanupSession
// undoes driver state when it ends.
package pipeline
