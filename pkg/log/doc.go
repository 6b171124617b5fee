/*
Package log provides structured logging for scansched using zerolog.

The package wraps a single global zerolog.Logger. Every scheduler component
derives a child logger from it so log lines carry the component, workload
group, scan context or task they belong to.

# Usage

Initializing the Logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component Loggers:

	logger := log.WithComponent("scanner-scheduler")
	logger.Info().Int("local_threads", 48).Msg("scanner scheduler initialized")

	groupLog := log.WithGroup("etl")
	groupLog.Warn().Msg("dropping queued scan tasks")

Until Init is called the global Logger writes JSON to stderr, so library users
that never configure logging still see errors.

# Log Levels

  - debug: per-task dispatch and resubmission
  - info: scheduler lifecycle (init, start, stop)
  - warn: rejected submissions, cancelled tasks
  - error: scanner failures, recovered panics
*/
package log
