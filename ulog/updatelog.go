package ulog

import (
	"container/list"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize/english"
	"github.com/pkg/errors"
)

// State is the update log's numeric lifecycle state. Values are stable and
// exposed as a metric.
type State int32

const (
	StateReplaying        State = 0
	StateBuffering        State = 1
	StateApplyingBuffered State = 2
	StateActive           State = 3
)

func (s State) String() string {
	switch s {
	case StateReplaying:
		return "REPLAYING"
	case StateBuffering:
		return "BUFFERING"
	case StateApplyingBuffered:
		return "APPLYING_BUFFERED"
	case StateActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// AddCommand carries the parameters of a document add/in-place-update.
type AddCommand struct {
	ID      []byte
	Doc     []byte // serialized document (JSON), required unless InPlaceUpdate
	Version int64

	InPlaceUpdate bool
	// PrevOffset/PrevVersion identify the chain hop this update supersedes.
	// For a live (non-replay) in-place update, leave both zero: Add probes
	// current/prev/prev2 for the existing entry and fills them in. For a
	// replayed record, the Replayer sets both from the decoded record.
	PrevOffset  int64
	PrevVersion int64

	Buffering bool // route to the buffer sub-log instead of the active log

	// Replay marks this command as originating from the Replayer: the
	// command is not re-appended to the active log. RecordOffset/SourceLog
	// identify where the record actually lives instead.
	Replay       bool
	RecordOffset int64
	SourceLog    *LogFile
}

// DeleteCommand carries the parameters of a delete-by-id.
type DeleteCommand struct {
	ID           []byte
	Version      int64
	Buffering    bool
	Replay       bool
	RecordOffset int64
	SourceLog    *LogFile
}

// DeleteByQueryCommand carries the parameters of a delete-by-query.
type DeleteByQueryCommand struct {
	Query             string
	Version           int64
	IgnoreIndexWriter bool
	Replay            bool
	RecordOffset      int64
	SourceLog         *LogFile
}

// RecoveryInfo summarizes the outcome of a replay (startup crash-replay, or
// applying buffered updates).
type RecoveryInfo struct {
	Adds            int64
	Deletes         int64
	DeleteByQueries int64
	Errors          int64
	Failed          bool
	StartOffset     int64

	LatencyP50 time.Duration
	LatencyP99 time.Duration
}

func (r *RecoveryInfo) String() string {
	return english.Plural(int(r.Adds), "add", "") + ", " +
		english.Plural(int(r.Deletes), "delete", "") + ", " +
		english.Plural(int(r.DeleteByQueries), "deleteByQuery", "") + ", " +
		english.Plural(int(r.Errors), "error", "")
}

// ApplyResult is the outcome of ApplyPartialUpdates.
type ApplyResult int

const (
	// ApplyDone means outDoc now holds the fully merged document.
	ApplyDone ApplyResult = 0
	// ApplyNotFound means no evidence of the document was found anywhere in
	// the tracked logs.
	ApplyNotFound ApplyResult = -1
	// ApplyFallback means the chain walked off the end of every tracked log;
	// the caller should consult the real index at the returned offset's
	// corresponding version instead.
	ApplyFallback ApplyResult = 1
)

// UpdateLog is the public façade of the package: it manages log rotation,
// the three-generation KeyIndex, the buffered-updates sub-log, and the
// REPLAYING/BUFFERING/APPLYING_BUFFERED/ACTIVE state machine. All
// state-mutating operations are serialized on mu.
type UpdateLog struct {
	mu sync.Mutex

	opts   Options
	dir    string
	logger Logger

	writer IndexWriter

	nextID int64

	tlog       *LogFile
	prevTlog   *LogFile
	bufferTlog *LogFile
	oldLogs    *list.List // of *LogFile, oldest at Front

	current *KeyIndex
	prev    *KeyIndex
	prev2   *KeyIndex

	oldDeletes *OldDeletes
	dbq        *DBQList

	state State

	locks *UpdateLocks

	metrics *Metrics

	existingBufferLogAtStartup bool

	closed bool
}

// NewUpdateLog performs phase-one (static configuration) initialization: it
// resolves and creates the log directory and scans it for existing log
// files, but does not yet bind to an index writer.
func NewUpdateLog(opts Options) (*UpdateLog, error) {
	opts.setDefaults()
	dir, err := opts.resolveDir()
	if err != nil {
		return nil, err
	}
	if opts.NumVersionBuckets != 0 {
		opts.Logger.Warnf("ulog: numVersionBuckets is obsolete and has no effect")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create update log directory failed")
	}

	ul := &UpdateLog{
		opts:       opts,
		dir:        dir,
		logger:     opts.Logger,
		oldLogs:    list.New(),
		current:    newKeyIndex(),
		prev:       newKeyIndex(),
		prev2:      newKeyIndex(),
		oldDeletes: newOldDeletes(oldDeletesCapacity),
		dbq:        newDBQList(dbqCapacity),
		locks:      NewUpdateLocks(),
		state:      StateReplaying,
	}
	if err := ul.scanDir(); err != nil {
		return nil, err
	}
	return ul, nil
}

// Init binds the update log to an index writer: phase two of the two-phase
// shard-open lifecycle. The update log is still in REPLAYING afterwards;
// callers follow this with RecoverFromLog, which replays any uncommitted
// logs found at open time and moves the state to ACTIVE.
func (ul *UpdateLog) Init(writer IndexWriter, metrics *Metrics) {
	ul.mu.Lock()
	defer ul.mu.Unlock()
	ul.writer = writer
	ul.metrics = metrics
	if ul.metrics != nil {
		ul.metrics.HandlerStartTime.Add(float64(nowUnix()))
	}
}

// scanDir discovers existing tlog.* and buffer.tlog.* files, in ascending
// creation order, and populates oldLogs / bufferTlog / nextID accordingly.
// The last (highest-id) tlog becomes the active tlog only if it does not end
// with a COMMIT record; every other discovered tlog goes to oldLogs, and
// RecoverFromLog replays those of them that do not end with a COMMIT.
func (ul *UpdateLog) scanDir() error {
	entries, err := os.ReadDir(ul.dir)
	if err != nil {
		return errors.Wrap(err, "read update log directory failed")
	}
	var tlogIDs []int64
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "tlog.") {
			idStr := strings.TrimPrefix(name, "tlog.")
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				continue
			}
			tlogIDs = append(tlogIDs, id)
		} else if strings.HasPrefix(name, "buffer.tlog.") {
			ul.existingBufferLogAtStartup = true
		}
	}
	sort.Slice(tlogIDs, func(i, j int) bool { return tlogIDs[i] < tlogIDs[j] })

	for i, id := range tlogIDs {
		lf, err := newLogFile(logFilePath(ul.dir, id), id, false, false, ul.opts.SyncLevel)
		if err != nil {
			return err
		}
		if id >= ul.nextID {
			ul.nextID = id + 1
		}
		isLast := i == len(tlogIDs)-1
		sealed, _ := lf.EndsWithCommit()
		if isLast && !sealed {
			ul.tlog = lf
		} else {
			ul.oldLogs.PushBack(lf)
		}
	}
	ul.trimOldLogsLocked()

	if ul.existingBufferLogAtStartup {
		ul.logger.Warnf("ulog: found a buffer tlog at startup; a previous recovery did not complete, peer-sync optimizations are suppressed")
	}
	return nil
}

// ExistingBufferLogAtStartup reports whether a buffer.tlog.* file was present
// when the update log was opened, signalling an incomplete prior recovery.
func (ul *UpdateLog) ExistingBufferLogAtStartup() bool {
	ul.mu.Lock()
	defer ul.mu.Unlock()
	return ul.existingBufferLogAtStartup
}

// State returns the current lifecycle state.
func (ul *UpdateLog) State() State {
	ul.mu.Lock()
	defer ul.mu.Unlock()
	return ul.state
}

// Metrics returns a plain-value snapshot of the current metrics, or the zero
// value if Init was never called with a non-nil Metrics.
func (ul *UpdateLog) Metrics() MetricsSnapshot {
	ul.mu.Lock()
	m := ul.metrics
	ul.mu.Unlock()
	if m == nil {
		return MetricsSnapshot{}
	}
	return m.snapshot()
}

func (ul *UpdateLog) setStateLocked(s State) {
	ul.state = s
	if ul.metrics != nil {
		ul.metrics.State.Set(float64(s))
	}
}

// docLockTimeout returns the configured UpdateLocks timeout as a
// time.Duration, 0 meaning wait forever.
func (ul *UpdateLog) docLockTimeout() time.Duration {
	if ul.opts.DocLockTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(ul.opts.DocLockTimeoutMs) * time.Millisecond
}

// ensureActiveTlogLocked lazily creates the active tlog on first use. Caller
// must hold mu.
func (ul *UpdateLog) ensureActiveTlogLocked() (*LogFile, error) {
	if ul.tlog != nil {
		return ul.tlog, nil
	}
	id := ul.nextID
	ul.nextID++
	var lf *LogFile
	var err error
	for {
		lf, err = newLogFile(logFilePath(ul.dir, id), id, false, true, ul.opts.SyncLevel)
		if err == nil {
			break
		}
		if errors.Is(err, ErrLogFileExists) {
			// A duplicate filename on rotation has been observed in practice
			// (directory-listing lag); retry with a fresh id rather than
			// aborting.
			id = ul.nextID
			ul.nextID++
			continue
		}
		return nil, err
	}
	ul.tlog = lf
	return lf, nil
}

func (ul *UpdateLog) ensureBufferTlogLocked() (*LogFile, error) {
	if ul.bufferTlog != nil {
		return ul.bufferTlog, nil
	}
	lf, err := newLogFile(bufferFilePath(ul.dir, nowUnixNano()), -1, true, true, ul.opts.SyncLevel)
	if err != nil {
		return nil, err
	}
	ul.bufferTlog = lf
	return lf, nil
}

// probePrevOffsetLocked looks up id across current/prev/prev2, returning the
// entry's offset or -1 if not found anywhere live.
func (ul *UpdateLog) probePrevOffsetLocked(id []byte) (int64, int64) {
	for _, gen := range [3]*KeyIndex{ul.current, ul.prev, ul.prev2} {
		if e, ok := gen.Get(id); ok {
			return e.Offset, e.Version
		}
	}
	return -1, -1
}

// Add appends an ADD (or IN_PLACE_UPDATE) record and indexes it. clearCaches
// forces a new real-time searcher and wipes all three KeyIndex generations,
// used when the writer changed index state out-of-band
// (IndexWriter.IsReloaded()). Non-replay calls take the read side of
// ul.locks for their duration, so a concurrent state transition can carve out
// a quiescent window by taking the write side; replayed commands skip this,
// since they run under the Replayer's own exclusion and, during a replay
// finishing phase, the write side is already held by the same call chain.
func (ul *UpdateLog) Add(cmd *AddCommand, clearCaches bool) error {
	if !cmd.Replay {
		release, err := ul.locks.AcquireRead(ul.docLockTimeout())
		if err != nil {
			return err
		}
		defer release()
	}
	ul.mu.Lock()
	defer ul.mu.Unlock()
	if ul.closed {
		return ErrUpdateLogClosed
	}

	if cmd.Buffering {
		buf, err := ul.ensureBufferTlogLocked()
		if err != nil {
			return err
		}
		rec := ul.buildAddRecord(cmd)
		if _, err := buf.Append(rec); err != nil {
			return err
		}
		if ul.metrics != nil {
			ul.metrics.BufferedOpCount.Inc()
		}
		return nil
	}

	if cmd.InPlaceUpdate && !cmd.Replay {
		off, version := ul.probePrevOffsetLocked(cmd.ID)
		cmd.PrevOffset = off
		if cmd.PrevVersion == 0 {
			cmd.PrevVersion = version
		}
	}

	var (
		log    *LogFile
		offset int64
		err    error
	)
	rec := ul.buildAddRecord(cmd)
	if !cmd.Replay {
		log, err = ul.ensureActiveTlogLocked()
		if err != nil {
			return err
		}
		offset, err = log.Append(rec)
		if err != nil {
			return err
		}
	} else {
		log = cmd.SourceLog
		offset = cmd.RecordOffset
	}

	prevOff := int64(-1)
	if cmd.InPlaceUpdate {
		prevOff = cmd.PrevOffset
	}
	ul.current.Put(cmd.ID, KeyIndexEntry{Log: log, Offset: offset, Version: cmd.Version, PrevOffset: prevOff})

	if clearCaches {
		if err := ul.openSearcherAndClearCachesLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (ul *UpdateLog) buildAddRecord(cmd *AddCommand) *LogRecord {
	if cmd.InPlaceUpdate {
		return NewInPlaceUpdateRecord(cmd.Version, cmd.ID, cmd.Doc, cmd.PrevOffset, cmd.PrevVersion)
	}
	return NewAddRecord(cmd.Version, cmd.ID, cmd.Doc)
}

// Delete appends a DELETE record, indexes a tombstone entry, and records the
// delete in OldDeletes so the version survives generation rotation.
// Non-replay calls take the read side of ul.locks, as Add does.
func (ul *UpdateLog) Delete(cmd *DeleteCommand) error {
	if !cmd.Replay {
		release, err := ul.locks.AcquireRead(ul.docLockTimeout())
		if err != nil {
			return err
		}
		defer release()
	}
	ul.mu.Lock()
	defer ul.mu.Unlock()
	if ul.closed {
		return ErrUpdateLogClosed
	}

	if cmd.Buffering {
		buf, err := ul.ensureBufferTlogLocked()
		if err != nil {
			return err
		}
		if _, err := buf.Append(NewDeleteRecord(cmd.Version, cmd.ID)); err != nil {
			return err
		}
		if ul.metrics != nil {
			ul.metrics.BufferedOpCount.Inc()
		}
		return nil
	}

	var (
		log    *LogFile
		offset int64
		err    error
	)
	if !cmd.Replay {
		log, err = ul.ensureActiveTlogLocked()
		if err != nil {
			return err
		}
		offset, err = log.Append(NewDeleteRecord(cmd.Version, cmd.ID))
		if err != nil {
			return err
		}
	} else {
		log = cmd.SourceLog
		offset = cmd.RecordOffset
	}

	ul.current.Put(cmd.ID, KeyIndexEntry{Log: log, Offset: offset, Version: cmd.Version, PrevOffset: -1})
	ul.oldDeletes.Put(cmd.ID, absVersion(cmd.Version))
	return nil
}

// DeleteByQuery appends a DELETE_BY_QUERY record. Unless IgnoreIndexWriter is
// set, it opens a new real-time searcher and clears every KeyIndex
// generation, because a query can touch ids the log has no way to enumerate.
// Non-replay calls take the read side of ul.locks, as Add does.
func (ul *UpdateLog) DeleteByQuery(cmd *DeleteByQueryCommand) error {
	if !cmd.Replay {
		release, err := ul.locks.AcquireRead(ul.docLockTimeout())
		if err != nil {
			return err
		}
		defer release()
	}
	ul.mu.Lock()
	defer ul.mu.Unlock()
	if ul.closed {
		return ErrUpdateLogClosed
	}

	if !cmd.Replay {
		log, err := ul.ensureActiveTlogLocked()
		if err != nil {
			return err
		}
		if _, err := log.Append(NewDeleteByQueryRecord(cmd.Version, cmd.Query)); err != nil {
			return err
		}
	}

	if !cmd.IgnoreIndexWriter {
		if err := ul.openSearcherAndClearCachesLocked(); err != nil {
			return err
		}
	}
	ul.dbq.Insert(cmd.Query, cmd.Version)
	return nil
}

func (ul *UpdateLog) openSearcherAndClearCachesLocked() error {
	if ul.writer != nil {
		s, err := ul.writer.OpenNewSearcher(true, true)
		if err != nil {
			return err
		}
		if s != nil {
			_ = s.Close()
		}
	}
	ul.current = newKeyIndex()
	ul.prev = newKeyIndex()
	ul.prev2 = newKeyIndex()
	return nil
}

// PreCommit rotates the KeyIndex generations and transfers the active tlog to
// prevTlog, ready for PostCommit to cap it. If a stale prevTlog exists (a
// previous PreCommit never saw its PostCommit), it is forced to completion
// first.
func (ul *UpdateLog) PreCommit(cmd CommitCommand) error {
	ul.mu.Lock()
	defer ul.mu.Unlock()
	if ul.closed {
		return ErrUpdateLogClosed
	}
	if cmd.SoftCommit {
		ul.prev2 = ul.prev
		ul.prev = ul.current
		ul.current = newKeyIndex()
		return nil
	}
	if ul.prevTlog != nil {
		if err := ul.finishCommitLocked(); err != nil {
			return err
		}
	}
	ul.prev2 = ul.prev
	ul.prev = ul.current
	ul.current = newKeyIndex()
	ul.prevTlog = ul.tlog
	ul.tlog = nil
	return nil
}

// PostCommit caps prevTlog with a COMMIT record, demotes it into the old-logs
// deque, and trims retention.
func (ul *UpdateLog) PostCommit(cmd CommitCommand) error {
	ul.mu.Lock()
	defer ul.mu.Unlock()
	if ul.closed {
		return ErrUpdateLogClosed
	}
	if cmd.SoftCommit {
		ul.prev = newKeyIndex()
		ul.prev2 = newKeyIndex()
		return nil
	}
	return ul.finishCommitLocked()
}

func (ul *UpdateLog) finishCommitLocked() error {
	if ul.prevTlog == nil {
		return nil
	}
	if _, err := ul.prevTlog.Append(NewCommitRecord(0)); err != nil {
		return err
	}
	ul.oldLogs.PushBack(ul.prevTlog)
	ul.prevTlog = nil
	ul.trimOldLogsLocked()
	ul.writeCheckpointLocked()
	return nil
}

// approxBytesPerRecord converts NumRecordsToKeep, a record count, into a byte
// budget for trimOldLogsLocked. A LogFile discovered on disk at startup
// carries no record count of its own -- only a byte position -- and
// re-parsing every retained log to count records on every commit would be
// wasteful, so bytes stand in as a monotone proxy for "has enough history".
const approxBytesPerRecord = 256

// trimOldLogsLocked enforces the retention rule: keep old logs until either
// (a) the byte budget the remaining (fewer) logs would hold still satisfies
// NumRecordsToKeep, or (b) MaxNumLogsToKeep is exceeded. The oldest logs are
// evicted first: delete-on-close is set and the deque's reference dropped, so
// the file is closed and removed once no RecentUpdates snapshot or in-flight
// lookup still holds a reference. KeyIndex entries hold no reference, so a
// lookup through an entry whose log was evicted finds nothing.
func (ul *UpdateLog) trimOldLogsLocked() {
	targetBytes := int64(ul.opts.NumRecordsToKeep) * approxBytesPerRecord
	for ul.oldLogs.Len() > 0 {
		overCap := ul.oldLogs.Len() > ul.opts.MaxNumLogsToKeep
		front := ul.oldLogs.Front().Value.(*LogFile)
		satisfiedByFewer := ul.totalOldLogBytesLocked()-front.Position() >= targetBytes
		if !overCap && !satisfiedByFewer {
			return
		}
		ul.evictOldestLocked()
		if ul.metrics != nil {
			ul.metrics.OpsCopyOverOldUpdates.Inc()
		}
	}
}

// totalOldLogBytesLocked sums Position() across every retained old log.
func (ul *UpdateLog) totalOldLogBytesLocked() int64 {
	var total int64
	for e := ul.oldLogs.Front(); e != nil; e = e.Next() {
		total += e.Value.(*LogFile).Position()
	}
	return total
}

func (ul *UpdateLog) evictOldestLocked() {
	front := ul.oldLogs.Front()
	if front == nil {
		return
	}
	lf := front.Value.(*LogFile)
	ul.oldLogs.Remove(front)
	lf.SetDeleteOnClose(true)
	_ = lf.Decref()
}

// PreSoftCommit and PostSoftCommit are thin, explicit aliases of
// PreCommit/PostCommit with CommitCommand{SoftCommit: true}, kept as distinct
// methods because callers name them separately.
func (ul *UpdateLog) PreSoftCommit() error  { return ul.PreCommit(CommitCommand{SoftCommit: true}) }
func (ul *UpdateLog) PostSoftCommit() error { return ul.PostCommit(CommitCommand{SoftCommit: true}) }

// Lookup scans current->prev->prev2 for id and, if found, returns the
// deserialized record. The backing log is increfed before the monitor is
// released and decreffed after the positional read, since returning under
// lock would hold the write path hostage.
func (ul *UpdateLog) Lookup(id []byte) (*LogRecord, error) {
	ul.mu.Lock()
	e, ok := ul.findEntryLocked(id)
	if !ok {
		ul.mu.Unlock()
		return nil, nil
	}
	log := e.Log
	if !log.TryIncref() {
		ul.mu.Unlock()
		return nil, nil
	}
	ul.mu.Unlock()
	defer log.Decref()

	rec, err := log.Read(e.Offset)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (ul *UpdateLog) findEntryLocked(id []byte) (KeyIndexEntry, bool) {
	for _, gen := range [3]*KeyIndex{ul.current, ul.prev, ul.prev2} {
		if e, ok := gen.Get(id); ok {
			return e, true
		}
	}
	return KeyIndexEntry{}, false
}

// LookupVersion returns the most recent version known for id, falling back to
// the real index and then OldDeletes. found is false only when no evidence
// exists anywhere.
func (ul *UpdateLog) LookupVersion(id []byte) (version int64, found bool, err error) {
	ul.mu.Lock()
	if e, ok := ul.findEntryLocked(id); ok {
		ul.mu.Unlock()
		return e.Version, true, nil
	}
	writer := ul.writer
	ul.mu.Unlock()

	if writer != nil {
		if v, ok, err := writer.GetVersionFromIndex(id); err != nil {
			return 0, false, err
		} else if ok {
			return v, true, nil
		}
	}
	if v, ok := ul.oldDeletes.Get(id); ok {
		return -v, true, nil
	}
	return 0, false, nil
}

// ApplyPartialUpdates walks the in-place-update chain starting at
// (prevOffset, prevVersion), merging fields missing from outDoc at each hop.
func (ul *UpdateLog) ApplyPartialUpdates(id []byte, prevOffset, prevVersion int64, fields []string, outDoc map[string]interface{}) (ApplyResult, int64, error) {
	candidates := ul.logSnapshot()
	defer releaseSnapshot(candidates)

	for prevOffset != -1 {
		rec, foundLog, err := findRecordAt(candidates, prevOffset, prevVersion)
		if err != nil {
			return 0, 0, err
		}
		if foundLog == nil {
			// The chain has rotated out of every tracked log; hand the last
			// known hop back to the caller so it can consult the real index.
			return ApplyFallback, prevOffset, nil
		}
		switch {
		case rec.OpCode() == OpAdd && !rec.IsInPlaceUpdate():
			if err := mergeMissingFields(outDoc, rec); err != nil {
				return 0, 0, err
			}
			return ApplyDone, 0, nil
		case rec.OpCode() == OpAdd && rec.IsInPlaceUpdate():
			if err := mergeMissingFields(outDoc, rec); err != nil {
				return 0, 0, err
			}
			if fields != nil && hasAllFields(outDoc, fields) {
				return ApplyDone, 0, nil
			}
			prevOffset = rec.PrevOffset
			prevVersion = rec.PrevVersion
		default:
			return 0, 0, ErrInvalidState
		}
	}
	return ApplyNotFound, -1, nil
}

func hasAllFields(doc map[string]interface{}, fields []string) bool {
	for _, f := range fields {
		if _, ok := doc[f]; !ok {
			return false
		}
	}
	return true
}

func mergeMissingFields(outDoc map[string]interface{}, rec *LogRecord) error {
	hop, err := rec.DocFields()
	if err != nil {
		return err
	}
	for k, v := range hop {
		if _, ok := outDoc[k]; !ok {
			outDoc[k] = v
		}
	}
	return nil
}

// findRecordAt probes candidates (most-recent-first) for a record at offset
// whose version matches want; a mismatch at the same offset (possible across
// a rotation boundary) falls through to the next candidate rather than
// failing outright.
func findRecordAt(candidates []*LogFile, offset, want int64) (*LogRecord, *LogFile, error) {
	for _, lf := range candidates {
		rec, err := lf.Read(offset)
		if err != nil {
			continue
		}
		if rec.Version == want {
			return rec, lf, nil
		}
	}
	return nil, nil, nil
}

// logSnapshot returns, under the monitor, an increffed snapshot of every log
// currently reachable: [bufferTlog?, tlog?, prevTlog?, *oldLogs], newest
// first. It backs both ApplyPartialUpdates and RecentUpdates.
func (ul *UpdateLog) logSnapshot() []*LogFile {
	ul.mu.Lock()
	defer ul.mu.Unlock()
	var out []*LogFile
	add := func(lf *LogFile) {
		if lf != nil && lf.TryIncref() {
			out = append(out, lf)
		}
	}
	add(ul.bufferTlog)
	add(ul.tlog)
	add(ul.prevTlog)
	for e := ul.oldLogs.Back(); e != nil; e = e.Prev() {
		add(e.Value.(*LogFile))
	}
	return out
}

func releaseSnapshot(logs []*LogFile) {
	for _, lf := range logs {
		_ = lf.Decref()
	}
}

// BufferUpdates transitions ACTIVE -> BUFFERING: subsequent Add/Delete calls
// marked Buffering route to the buffer sub-log instead of the index. The
// transition runs under the write side of ul.locks so it waits for any
// Add/Delete/DeleteByQuery already in flight to finish, and blocks new ones
// until the flip completes.
func (ul *UpdateLog) BufferUpdates() error {
	if err := ul.locks.BlockUpdates(ul.docLockTimeout()); err != nil {
		return err
	}
	defer ul.locks.UnblockUpdates()

	ul.mu.Lock()
	defer ul.mu.Unlock()
	if ul.state != StateActive {
		return errors.Wrapf(ErrWrongState, "cannot buffer updates from state %s", ul.state)
	}
	ul.setStateLocked(StateBuffering)
	return nil
}

// DropBufferedUpdates transitions BUFFERING -> ACTIVE, discarding the buffer
// sub-log without applying it (used when a leader-failover buffering window
// is abandoned, e.g. the snapshot recovery it was covering for failed). Runs
// under the write side of ul.locks, as BufferUpdates does.
func (ul *UpdateLog) DropBufferedUpdates() error {
	if err := ul.locks.BlockUpdates(ul.docLockTimeout()); err != nil {
		return err
	}
	defer ul.locks.UnblockUpdates()

	ul.mu.Lock()
	defer ul.mu.Unlock()
	if ul.state != StateBuffering {
		return errors.Wrapf(ErrWrongState, "cannot drop buffered updates from state %s", ul.state)
	}
	if ul.bufferTlog != nil {
		ul.bufferTlog.SetDeleteOnClose(true)
		_ = ul.bufferTlog.Decref()
		ul.bufferTlog = nil
	}
	ul.setStateLocked(StateActive)
	return nil
}

// RecoverFromLog replays every retained old log discovered at startup that
// does not end with a COMMIT record, followed by any uncommitted tail in the
// active tlog, through the normal ingest path, then transitions REPLAYING ->
// ACTIVE. The update log starts in REPLAYING, so this must run once even when
// no logs were found at startup. It is a no-op if the state is not REPLAYING
// (recovery already ran).
func (ul *UpdateLog) RecoverFromLog() (*RecoveryInfo, error) {
	ul.mu.Lock()
	if ul.state != StateReplaying {
		ul.mu.Unlock()
		return &RecoveryInfo{}, nil
	}
	logs, tail := ul.snapshotStartupReplayTargetsLocked()
	ul.mu.Unlock()
	defer releaseSnapshot(logs)

	if ul.metrics != nil {
		var bytes int64
		for _, lf := range logs {
			bytes += lf.Position()
		}
		ul.metrics.RemainingReplayLogCount.Set(float64(len(logs)))
		ul.metrics.RemainingReplayByteCount.Set(float64(bytes))
	}

	replayer := newReplayer(ul)
	info, err := replayer.replayStale(logs)

	if ul.metrics != nil {
		ul.metrics.RemainingReplayLogCount.Set(0)
		ul.metrics.RemainingReplayByteCount.Set(0)
	}

	// The transition back to ACTIVE runs under the write side of ul.locks,
	// carving a quiescent window so it cannot race a concurrent Add/Delete/
	// DeleteByQuery call observing the state mid-flip.
	if blockErr := ul.locks.BlockUpdates(ul.docLockTimeout()); blockErr != nil {
		info.Failed = true
		if err == nil {
			err = blockErr
		}
		return info, err
	}
	ul.mu.Lock()
	// The active tlog's uncommitted tail, if any, was just replayed and
	// capped with a COMMIT like every other stale log; retire it into
	// oldLogs so the next write lazily starts a fresh, unsealed tlog, so the
	// next startup replays nothing.
	if tail != nil && ul.tlog == tail {
		ul.oldLogs.PushBack(ul.tlog)
		ul.tlog = nil
		ul.trimOldLogsLocked()
	}
	ul.setStateLocked(StateActive)
	ul.mu.Unlock()
	ul.locks.UnblockUpdates()
	if ul.metrics != nil {
		ul.metrics.OpsReplay.Add(float64(info.Adds + info.Deletes + info.DeleteByQueries))
	}
	return info, err
}

// snapshotStartupReplayTargetsLocked returns, increffed, every log discovered
// at startup that may hold updates not yet reflected in the real index,
// oldest first: the retained old logs that do not end with a COMMIT record
// followed by the active tlog if scanDir found it unsealed. Logs already
// capped with a COMMIT are skipped, so a log capped by an earlier recovery is
// not replayed again. tail aliases the last element of logs when present, so
// the caller can tell whether it needs retiring afterward.
func (ul *UpdateLog) snapshotStartupReplayTargetsLocked() (logs []*LogFile, tail *LogFile) {
	for e := ul.oldLogs.Front(); e != nil; e = e.Next() {
		lf := e.Value.(*LogFile)
		if lf.Sealed() {
			continue
		}
		if lf.TryIncref() {
			logs = append(logs, lf)
		}
	}
	if ul.tlog != nil && ul.tlog.TryIncref() {
		tail = ul.tlog
		logs = append(logs, tail)
	}
	return logs, tail
}

// ApplyBufferedUpdates transitions BUFFERING -> APPLYING_BUFFERED -> ACTIVE,
// draining the buffer sub-log through the normal ingest path with
// activeLog=true finishing-phase semantics. The entry and exit state flips
// each run under their own brief write-side ul.locks window; the drain
// itself is left unwrapped because replayer.replayActive acquires that same
// write side internally for its own finishing phase, and the lock is not
// reentrant.
func (ul *UpdateLog) ApplyBufferedUpdates() (*RecoveryInfo, error) {
	if err := ul.locks.BlockUpdates(ul.docLockTimeout()); err != nil {
		return &RecoveryInfo{Failed: true}, err
	}
	ul.mu.Lock()
	if ul.state != StateBuffering {
		ul.mu.Unlock()
		ul.locks.UnblockUpdates()
		return nil, errors.Wrapf(ErrWrongState, "cannot apply buffered updates from state %s", ul.state)
	}
	ul.setStateLocked(StateApplyingBuffered)
	buf := ul.bufferTlog
	ul.bufferTlog = nil
	ul.mu.Unlock()
	ul.locks.UnblockUpdates()

	if buf == nil {
		if err := ul.locks.BlockUpdates(ul.docLockTimeout()); err != nil {
			return &RecoveryInfo{Failed: true}, err
		}
		ul.mu.Lock()
		ul.setStateLocked(StateActive)
		ul.mu.Unlock()
		ul.locks.UnblockUpdates()
		return &RecoveryInfo{}, nil
	}
	defer buf.Decref()

	replayer := newReplayer(ul)
	info, err := replayer.replayActive(buf)

	if blockErr := ul.locks.BlockUpdates(ul.docLockTimeout()); blockErr != nil {
		info.Failed = true
		if err == nil {
			err = blockErr
		}
		return info, err
	}
	ul.mu.Lock()
	ul.setStateLocked(StateActive)
	ul.mu.Unlock()
	ul.locks.UnblockUpdates()
	if ul.metrics != nil {
		ul.metrics.OpsApplyingBuffered.Add(float64(info.Adds + info.Deletes + info.DeleteByQueries))
	}
	return info, err
}

// Close closes every log file the update log still references. It is
// idempotent.
func (ul *UpdateLog) Close() error {
	ul.mu.Lock()
	defer ul.mu.Unlock()
	if ul.closed {
		return nil
	}
	ul.closed = true
	var first error
	dec := func(lf *LogFile) {
		if lf == nil {
			return
		}
		if err := lf.Decref(); err != nil && first == nil {
			first = err
		}
	}
	dec(ul.tlog)
	dec(ul.prevTlog)
	dec(ul.bufferTlog)
	n := ul.oldLogs.Len()
	for e := ul.oldLogs.Front(); e != nil; e = e.Next() {
		dec(e.Value.(*LogFile))
	}
	ul.logger.Infof("ulog: closed %s", english.Plural(n+boolToInt(ul.tlog != nil)+boolToInt(ul.prevTlog != nil)+boolToInt(ul.bufferTlog != nil), "open log file", ""))
	return first
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
