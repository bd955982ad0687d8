/*
Package log provides structured logging for Burrow built on zerolog.

Initialize once at startup, then derive component loggers:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("session")
	logger.Info().Str("session_id", id).Msg("session created")

Console output (human-readable, RFC3339 timestamps) is the default;
JSONOutput switches to newline-delimited JSON for log shippers.
*/
package log
