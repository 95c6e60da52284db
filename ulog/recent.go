package ulog

import "io"

// RecentUpdates is the read-side peer-sync view: a scoped, increffed
// snapshot of every reachable log, reverse-read until enough distinct
// versions have been collected to satisfy NumRecordsToKeep.
type RecentUpdates struct {
	logs             []*LogFile
	numRecordsToKeep int

	updateList []*LogRecord // every mutation record encountered, in reverse (newest-first) order
	deleteList []*LogRecord
	dbqList    []*LogRecord

	byVersion      map[int64]*LogRecord // keyed by |version|
	bufferVersions map[int64]bool       // |version|s that originated in the buffer sub-log

	closed bool
}

// NewRecentUpdates snapshots ul's reachable logs (buffer, active, prev, then
// old logs newest-first) under the monitor. Callers must call Update to
// populate it and Close when done, releasing the snapshot's refcounts.
func NewRecentUpdates(ul *UpdateLog) *RecentUpdates {
	return &RecentUpdates{
		logs:             ul.logSnapshot(),
		numRecordsToKeep: ul.opts.NumRecordsToKeep,
		byVersion:        make(map[int64]*LogRecord),
		bufferVersions:   make(map[int64]bool),
	}
}

// Update reverse-reads each snapshotted log, newest log first, until
// numRecordsToKeep distinct versions (by |version|) have been collected or
// every log is exhausted.
func (ru *RecentUpdates) Update() error {
	seen := make(map[int64]bool, ru.numRecordsToKeep)
	for _, lf := range ru.logs {
		rr, err := lf.ReverseReader()
		if err != nil {
			return err
		}
		for {
			rec, _, err := rr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				// A corrupt record encountered walking backward: stop this log,
				// continue with the next one in the snapshot.
				break
			}
			if rec.OpCode() == OpCommit {
				continue
			}
			v := absVersion(rec.Version)
			if seen[v] {
				continue
			}
			seen[v] = true
			if lf.IsBuffer() {
				ru.bufferVersions[v] = true
			}
			ru.updateList = append(ru.updateList, rec)
			ru.byVersion[v] = rec
			switch rec.OpCode() {
			case OpDelete:
				ru.deleteList = append(ru.deleteList, rec)
			case OpDeleteByQuery:
				ru.dbqList = append(ru.dbqList, rec)
			}
			if len(seen) >= ru.numRecordsToKeep {
				return nil
			}
		}
	}
	return nil
}

// GetVersions returns up to n versions from updateList, newest-encountered
// first, whose |version| does not exceed |maxVersion|, deduplicated.
func (ru *RecentUpdates) GetVersions(n int, maxVersion int64) []int64 {
	limit := absVersion(maxVersion)
	seen := make(map[int64]bool, n)
	var out []int64
	for _, rec := range ru.updateList {
		v := absVersion(rec.Version)
		if v > limit || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, rec.Version)
		if len(out) >= n {
			break
		}
	}
	return out
}

// Lookup returns the record for the given version (sign-insensitive), if it
// was collected into the snapshot.
func (ru *RecentUpdates) Lookup(version int64) (*LogRecord, bool) {
	rec, ok := ru.byVersion[absVersion(version)]
	return rec, ok
}

// IsFromBuffer reports whether version was seen in the buffer sub-log, so
// callers reconciling committed history can filter buffered-but-not-yet-
// applied versions back out.
func (ru *RecentUpdates) IsFromBuffer(version int64) bool {
	return ru.bufferVersions[absVersion(version)]
}

// GetDeleteByQuery returns DBQ entries strictly newer than afterVersion,
// skipping any |version| already present in seen.
func (ru *RecentUpdates) GetDeleteByQuery(afterVersion int64, seen map[int64]bool) []DBQEntry {
	after := absVersion(afterVersion)
	var out []DBQEntry
	for _, rec := range ru.dbqList {
		v := absVersion(rec.Version)
		if v <= after {
			continue
		}
		if seen != nil && seen[v] {
			continue
		}
		out = append(out, DBQEntry{Query: rec.Query, Version: v})
	}
	return out
}

// Close releases the snapshot's refcounts. Idempotent.
func (ru *RecentUpdates) Close() error {
	if ru.closed {
		return nil
	}
	ru.closed = true
	releaseSnapshot(ru.logs)
	return nil
}
