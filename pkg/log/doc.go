/*
Package log provides structured logging for Switchboard using zerolog.

The package wraps zerolog behind a small global logger with
component-scoped children and a handful of shorthand helpers. Output is
JSON by default; console format is available for interactive use.

# Usage

Initialize once at startup:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Then take scoped child loggers close to where work happens:

	logger := log.WithComponent("broker")
	logger.Info().Str("message_id", id).Msg("message submitted")

	log.WithAgent("frontend").Warn().Msg("rate limited")

The With* helpers attach the standard correlation fields (component,
agent_id) so log lines from one flow can be joined after the fact;
packages add their own message_id and vote_id fields per event.

Levels are debug, info, warn, error; anything below the configured level
is dropped at the zerolog layer before formatting.
*/
package log
