// Package log captures server events for later analysis.
//
// It is separate from operational logging (slog). Events record what
// happened to each client: registrations, presence transitions, request
// outcomes and notifications. They form a machine-readable trace that the
// lwm2m-log tool can view, filter and summarize.
//
// # Basic Usage
//
//	// For development: log to console via slog
//	cfg.EventLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to a binary file
//	cfg.EventLogger, _ = log.NewFileLogger("/var/log/lwm2m/server.llog")
//
//	// Both
//	cfg.EventLogger = log.NewMultiLogger(console, file)
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with integer keys, one
// item per event, conventionally with a .llog extension.
package log
