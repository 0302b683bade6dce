/*
Package log provides structured logging for Sophia using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initialize once at environment open, then derive child loggers per component:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("planner")
	logger.Info().Str("store", "orders").Msg("Checkpoint scheduled")

Long-lived subsystems (WAL, planner, worker pool, recovery) hold a child
logger tagged with their component name. Per-store and per-node work adds
the store / node_id fields via WithStore and WithNode so a single grep
isolates the history of one node across compactions.

Hot paths (record codec, comparators, iterators) do not log.
*/
package log
