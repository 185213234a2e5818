package session

// StreamSink receives the output of the pipeline an active session holds.
// It is called on the producing driver's goroutine and must not block.
type StreamSink interface {
	SessionOutput(s Session, data []byte)
}

// AddStreamSink registers a stream sink. Sinks must be added before the
// coordinator is used.
func (c *Coordinator) AddStreamSink(sink StreamSink) {
	c.streams = append(c.streams, sink)
}

// PipelineOutput implements pipeline.OutputRelay. Output from a pipeline
// with no active session is dropped.
func (c *Coordinator) PipelineOutput(pipelineID string, data []byte) {
	s, ok := c.ActiveSession(pipelineID)
	if !ok {
		c.logger.Debug("pipeline output without active session dropped", "pipeline_id", pipelineID, "bytes", len(data))
		return
	}
	for _, sink := range c.streams {
		sink.SessionOutput(*s, data)
	}
}
