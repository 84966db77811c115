// Package logging provides a process-wide structured logger.
//
// The package wraps [log/slog] and exposes a single global logger instance
// that is initialized once and then retrieved via GetLogger. All subsystems
// obtain a logger through this package rather than constructing their own
// slog.Logger values, so that log level and output destination are
// controlled from a single place.
//
// # Initialisation
//
// Call Init (or InitDefault for sensible defaults) once at program startup,
// before any goroutines that might call GetLogger are spawned:
//
//	if err := logging.Init(logging.Config{Level: logging.LevelDebug, Format: "json"}); err != nil {
//	    log.Fatal(err)
//	}
//
// InitDefault writes WARN-level text logs to stderr, which keeps library
// users quiet unless they opt in.
//
// # Context helpers
//
//	log := logging.WithTx(tid)            // adds tx_id field
//	log := logging.WithRecord(id)         // adds record field
//	log := logging.WithLock(tid, id)      // adds tx_id, record, component=lock
package logging
