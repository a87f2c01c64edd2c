/*
Package log provides structured logging for Burrow using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: false,
	})

Component loggers:

	poolLog := log.WithComponent("pool")
	poolLog.Info().Int("workers", 4).Msg("Workers started")

	workerLog := log.WithWorkerID("vm0-data")
	workerLog.Error().Err(err).Msg("Trial failed")

The default output is stderr in console format; benchmark progress on stdout
stays machine-readable. Severity conventions across Burrow: DEBUG for RPC and
lifecycle tracing, INFO for progress, WARN for artifact-collection errors that
do not abort a trial, ERROR for trial failures.
*/
package log
