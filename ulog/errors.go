package ulog

import "github.com/pkg/errors"

var (
	// ErrLogFileClosed is returned on reads/writes to a closed log file.
	ErrLogFileClosed = errors.New("log file has been closed")

	// ErrLogFileExists is returned when attempting to create a log file that
	// already exists.
	ErrLogFileExists = errors.New("log file already exists")

	// ErrEntryNotFound is returned when a positional lookup cannot find a
	// specific record.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrCorruptRecord is returned when a record fails its checksum or its
	// length does not fit within the file. During recovery a corrupt record,
	// wherever it sits in a log, is counted as an error and ends the replay
	// of that log; the records before it are still applied.
	ErrCorruptRecord = errors.New("corrupt log record")

	// ErrUnknownOpCode is returned when a record's op code is not one of the
	// known values. This indicates a future or garbled log format.
	ErrUnknownOpCode = errors.New("unknown log record op code")

	// ErrInvalidState is returned when the update log or a partial-update
	// chain is found in a state that should be unreachable, e.g. a chain hop
	// that is neither ADD nor IN_PLACE_UPDATE.
	ErrInvalidState = errors.New("invalid state")

	// ErrServiceUnavailable is returned when UpdateLocks cannot acquire the
	// requested side of the lock within its configured timeout.
	ErrServiceUnavailable = errors.New("service unavailable: update lock timeout")

	// ErrUpdateLogClosed is returned from public UpdateLog operations once the
	// log has been closed.
	ErrUpdateLogClosed = errors.New("update log has been closed")

	// ErrBadConfig is returned from Open/NewUpdateLog when the supplied
	// Options are invalid, e.g. a Dir that escapes the shard instance
	// directory.
	ErrBadConfig = errors.New("invalid update log configuration")

	// ErrWrongState is returned when a state-machine transition is requested
	// from a state that does not permit it.
	ErrWrongState = errors.New("update log is not in a state that permits this operation")
)
