package ulog

import (
	"io"
	"os"
)

// DumpRecords opens the log file at path read-write (matching every other
// LogFile open in this package) and invokes fn for each well-formed record in
// append order. It returns nil at EOF and stops with the read error at the
// first corrupt record, after fn has seen every record before it. It exists
// for standalone inspection tools (cmd/ulogtool) that have no other way to
// reach the unexported LogFile type.
func DumpRecords(path string, fn func(offset int64, rec *LogRecord) error) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	lf, err := newLogFile(path, 0, false, false, SyncNone)
	if err != nil {
		return err
	}
	defer lf.Decref()

	r := lf.ForwardReader(0)
	for {
		rec, off, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(off, rec); err != nil {
			return err
		}
	}
}
