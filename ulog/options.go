package ulog

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// SyncLevel controls how aggressively an appended record is made durable.
// The zero value is not a valid level: it means "unset" so that
// Options.setDefaults can distinguish a caller who never set SyncLevel from
// one who explicitly chose SyncNone.
type SyncLevel int

const (
	syncLevelUnset SyncLevel = iota
	// SyncNone writes each record to the file with no fsync and does not
	// count it as flushed; durability across a crash is not guaranteed.
	SyncNone
	// SyncFlush guarantees the write is visible to later readers of the same
	// file handle but does not guarantee it survives a crash.
	SyncFlush
	// SyncFsync blocks the caller until the write is durable on disk.
	SyncFsync
)

func (l SyncLevel) String() string {
	switch l {
	case SyncNone:
		return "NONE"
	case SyncFlush:
		return "FLUSH"
	case SyncFsync:
		return "FSYNC"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultNumRecordsToKeep  = 100
	defaultMaxNumLogsToKeep  = 10
	defaultDocLockTimeoutMs  = 0
	oldDeletesCapacity       = 1000
	dbqCapacity              = 100
)

// Options configures a new UpdateLog. All fields are optional; zero values
// fall back to the defaults noted below.
type Options struct {
	// Dir is the directory holding the log files. A relative path is resolved
	// against ShardInstanceDir and must not escape it.
	Dir string

	// ShardInstanceDir is the directory Dir is resolved against when Dir is
	// relative. If empty, Dir is used as-is (and must be absolute, or purely
	// relative to the process working directory).
	ShardInstanceDir string

	// SyncLevel controls durability of appends. Default SyncFlush.
	SyncLevel SyncLevel

	// NumRecordsToKeep is the target number of historical records retained
	// across old logs for peer sync / RecentUpdates. Default 100.
	NumRecordsToKeep int

	// MaxNumLogsToKeep is a hard cap on the number of retired log files kept
	// around regardless of NumRecordsToKeep. Default 10.
	MaxNumLogsToKeep int

	// DocLockTimeoutMs bounds how long UpdateLocks waits to acquire either
	// side of the lock. 0 means no timeout (formerly
	// versionBucketLockTimeoutMs).
	DocLockTimeoutMs int

	// NumVersionBuckets is accepted for backward compatibility and logged as
	// obsolete; it has no effect.
	NumVersionBuckets int

	Logger Logger
}

func (o *Options) setDefaults() {
	if o.SyncLevel == syncLevelUnset {
		o.SyncLevel = SyncFlush
	}
	if o.NumRecordsToKeep <= 0 {
		o.NumRecordsToKeep = defaultNumRecordsToKeep
	}
	if o.MaxNumLogsToKeep <= 0 {
		o.MaxNumLogsToKeep = defaultMaxNumLogsToKeep
	}
	if o.Logger == nil {
		o.Logger = NewLogger()
	}
}

// resolveDir resolves Dir against ShardInstanceDir (when Dir is relative) and
// rejects paths that escape it.
func (o *Options) resolveDir() (string, error) {
	if o.Dir == "" {
		return "", errors.Wrap(ErrBadConfig, "dir is empty")
	}
	if filepath.IsAbs(o.Dir) {
		return filepath.Clean(o.Dir), nil
	}
	base := o.ShardInstanceDir
	if base == "" {
		return filepath.Clean(o.Dir), nil
	}
	base = filepath.Clean(base)
	joined := filepath.Clean(filepath.Join(base, o.Dir))
	rel, err := filepath.Rel(base, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrBadConfig, "dir %q escapes shard instance directory %q", o.Dir, base)
	}
	return joined, nil
}
