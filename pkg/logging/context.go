package logging

import (
	"log/slog"

	"entitytx/pkg/primitives"
)

// WithTx creates a logger with transaction context.
//
// Example:
//
//	log := logging.WithTx(tid)
//	log.Debug("buffered write", "record", id)
func WithTx(tid *primitives.TransactionID) *slog.Logger {
	if tid == nil {
		return GetLogger()
	}
	return GetLogger().With("tx_id", tid.ID())
}

// WithRecord creates a logger with record context.
func WithRecord(id primitives.RecordID) *slog.Logger {
	return GetLogger().With("record", id.String())
}

// WithTxRecord creates a logger with both transaction and record context.
//
// Example:
//
//	log := logging.WithTxRecord(tid, id)
//	log.Info("read", "version", v, "mode", mode)
func WithTxRecord(tid *primitives.TransactionID, id primitives.RecordID) *slog.Logger {
	return WithTx(tid).With("record", id.String())
}

// WithLock creates a logger with lock context.
// Useful for lock manager operations.
//
// Example:
//
//	log := logging.WithLock(tid, id)
//	log.Debug("lock granted", "mode", "WRITE")
func WithLock(tid *primitives.TransactionID, id primitives.RecordID) *slog.Logger {
	return WithTxRecord(tid, id).With("component", "lock")
}

// WithComponent creates a logger with component/subsystem context.
//
// Example:
//
//	log := logging.WithComponent("cache")
//	log.Info("component initialized")
func WithComponent(component string) *slog.Logger {
	return GetLogger().With("component", component)
}

// WithError creates a logger with error context.
func WithError(err error) *slog.Logger {
	return GetLogger().With("error", err.Error())
}
