// Package logging provides structured logging for HWM Core.
//
// It wraps log/slog so every component logs the same way:
//
//   - JSON output for production, text for development
//   - Default fields (service, version) on every entry
//   - Level-based filtering (debug, info, warn, error)
//   - Optional rotating file output (lumberjack)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "file"     # stdout, stderr, file
//	  file:
//	    path: "/var/log/hwm/hwm.log"
//	    max_size: 50     # megabytes
//	    max_backups: 5
//	    max_age: 28      # days
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	defer logger.Close()
//	logger.Info("session scheduled", "session_id", s.ID, "pipeline_id", s.PipelineID)
//
// Never log secrets, tokens or operator passwords.
package logging
