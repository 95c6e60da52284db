package ulog

import (
	"hash/fnv"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/pkg/errors"
)

// replayWorkerCount is the size of the hash-partitioned worker pool commands
// are dispatched to during replay: commands for the same id always land on
// the same worker and so run in order; commands for different ids may run
// concurrently.
const replayWorkerCount = 8

// replayer drains one or more log files through the normal ingest path,
// reconstructing the commands a record encodes and dispatching them through
// UpdateLog.Add/Delete/DeleteByQuery exactly as a live caller would, flagged
// Replay so they are indexed but not re-appended. It exists only for the
// lifetime of a single RecoverFromLog/ApplyBufferedUpdates call.
type replayer struct {
	ul *UpdateLog

	workers    []chan func()
	shutdownWG sync.WaitGroup
	inflight   sync.WaitGroup

	histMu sync.Mutex
	hist   *hdrhistogram.Histogram

	aborted int32 // atomic bool, set once a command reports ErrServiceUnavailable
}

func newReplayer(ul *UpdateLog) *replayer {
	r := &replayer{
		ul:   ul,
		hist: hdrhistogram.New(1, int64(30*time.Second), 3),
	}
	r.workers = make([]chan func(), replayWorkerCount)
	for i := range r.workers {
		ch := make(chan func(), 64)
		r.workers[i] = ch
		r.shutdownWG.Add(1)
		go func(ch chan func()) {
			defer r.shutdownWG.Done()
			for job := range ch {
				job()
			}
		}(ch)
	}
	return r
}

func (r *replayer) partition(id []byte) int {
	h := fnv.New32a()
	h.Write(id)
	return int(h.Sum32() % uint32(len(r.workers)))
}

// dispatch enqueues fn on the worker assigned to id and returns immediately.
// Callers must quiesce before relying on fn having run.
func (r *replayer) dispatch(id []byte, fn func()) {
	r.inflight.Add(1)
	idx := r.partition(id)
	r.workers[idx] <- func() {
		defer r.inflight.Done()
		fn()
	}
}

// quiesce blocks until every dispatched job so far has completed: the
// pending-task counter must reach zero before a DELETE_BY_QUERY can safely
// run inline.
func (r *replayer) quiesce() { r.inflight.Wait() }

func (r *replayer) shutdown() {
	for _, ch := range r.workers {
		close(ch)
	}
	r.shutdownWG.Wait()
}

func (r *replayer) recordLatency(d time.Duration) {
	r.histMu.Lock()
	_ = r.hist.RecordValue(d.Nanoseconds())
	r.histMu.Unlock()
}

func (r *replayer) latencies() (p50, p99 time.Duration) {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	return time.Duration(r.hist.ValueAtQuantile(50)), time.Duration(r.hist.ValueAtQuantile(99))
}

func (r *replayer) isAborted() bool { return atomic.LoadInt32(&r.aborted) != 0 }
func (r *replayer) abort()          { atomic.StoreInt32(&r.aborted, 1) }

// windowEntry is one ADD/DELETE record pending dispatch, with its offset in
// the source log.
type windowEntry struct {
	rec *LogRecord
	off int64
}

// readWindow scans lf forward from start up to (and including, as the
// returned boundary) the next DELETE_BY_QUERY or COMMIT record, or to EOF,
// whichever comes first. The collected ADD/DELETE entries are sorted by id
// (stable, ties broken by original order) so that same-id commands dispatch
// to the same worker in their original relative order while different ids
// may be handed out for parallel execution -- the ulog analogue of
// LogFile.SortedReader, scoped to one replay window instead of a whole file
// so DELETE_BY_QUERY boundaries stay in their correct relative position.
func (r *replayer) readWindow(lf *LogFile, start int64) (entries []windowEntry, boundary *LogRecord, next int64, err error) {
	fr := lf.ForwardReader(start)
	for {
		rec, off, rerr := fr.Next()
		if rerr == io.EOF {
			sortWindow(entries)
			return entries, nil, fr.Offset(), io.EOF
		}
		if rerr != nil {
			sortWindow(entries)
			return entries, nil, fr.Offset(), rerr
		}
		switch rec.OpCode() {
		case OpAdd, OpDelete:
			entries = append(entries, windowEntry{rec: rec, off: off})
		case OpDeleteByQuery, OpCommit:
			sortWindow(entries)
			return entries, rec, fr.Offset(), nil
		}
	}
}

func sortWindow(entries []windowEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return string(entries[i].rec.ID) < string(entries[j].rec.ID)
	})
}

// dispatchApply enqueues rec's command reconstruction and application on the
// worker assigned to its id.
func (r *replayer) dispatchApply(lf *LogFile, rec *LogRecord, off int64, info *RecoveryInfo) {
	id := rec.ID
	r.dispatch(id, func() {
		if r.isAborted() {
			return
		}
		start := time.Now()
		var err error
		switch rec.OpCode() {
		case OpAdd:
			err = r.ul.Add(&AddCommand{
				ID:            rec.ID,
				Doc:           rec.Doc,
				Version:       rec.Version,
				InPlaceUpdate: rec.IsInPlaceUpdate(),
				PrevOffset:    rec.PrevOffset,
				PrevVersion:   rec.PrevVersion,
				Replay:        true,
				RecordOffset:  off,
				SourceLog:     lf,
			}, false)
		case OpDelete:
			err = r.ul.Delete(&DeleteCommand{
				ID:           rec.ID,
				Version:      rec.Version,
				Replay:       true,
				RecordOffset: off,
				SourceLog:    lf,
			})
		default:
			return
		}
		r.recordLatency(time.Since(start))
		if err != nil {
			if errors.Is(err, ErrServiceUnavailable) {
				r.abort()
				return
			}
			atomic.AddInt64(&info.Errors, 1)
			r.ul.logger.Warnf("ulog: replay error at offset %d: %v", off, err)
			return
		}
		switch rec.OpCode() {
		case OpAdd:
			atomic.AddInt64(&info.Adds, 1)
		case OpDelete:
			atomic.AddInt64(&info.Deletes, 1)
		}
	})
}

// drainTo reads lf from *off up to its current end, dispatching ADD/DELETE
// commands and running any DELETE_BY_QUERY inline once the window preceding
// it has quiesced, advancing *off as it goes. It returns once it hits EOF
// (leaving *off at the EOF position, so a later call resumes from there) or
// ErrServiceUnavailable if a command latches that failure.
func (r *replayer) drainTo(lf *LogFile, off *int64, info *RecoveryInfo) error {
	for {
		entries, boundary, next, werr := r.readWindow(lf, *off)
		for _, e := range entries {
			r.dispatchApply(lf, e.rec, e.off, info)
		}
		r.quiesce()
		if r.isAborted() {
			return ErrServiceUnavailable
		}
		*off = next
		if werr != nil && werr != io.EOF {
			// Corrupt record: counted, this log's stream stops here.
			atomic.AddInt64(&info.Errors, 1)
			return nil
		}
		if boundary == nil {
			return nil // EOF: nothing further available right now
		}
		if boundary.OpCode() == OpDeleteByQuery {
			err := r.ul.DeleteByQuery(&DeleteByQueryCommand{
				Query:   boundary.Query,
				Version: boundary.Version,
				Replay:  true,
			})
			if err != nil {
				if errors.Is(err, ErrServiceUnavailable) {
					return err
				}
				atomic.AddInt64(&info.Errors, 1)
			} else {
				atomic.AddInt64(&info.DeleteByQueries, 1)
			}
		}
		// boundary was DBQ or COMMIT; keep draining past it.
	}
}

// replayOneLog drains lf from the start and, if capIfMissing and the log
// does not already end with a COMMIT, appends one so the next startup does
// not replay it again.
func (r *replayer) replayOneLog(lf *LogFile, info *RecoveryInfo, capIfMissing bool) error {
	off := int64(0)
	if err := r.drainTo(lf, &off, info); err != nil {
		return err
	}
	if capIfMissing {
		sealed, err := lf.EndsWithCommit()
		if err != nil {
			return err
		}
		if !sealed {
			if _, err := lf.Append(NewCommitRecord(0)); err != nil {
				return err
			}
		}
	}
	return nil
}

// replayStale drains every log in logs, oldest first, capping each with a
// synthetic COMMIT if it does not already end with one -- including the
// active tlog's uncommitted tail, if logs' last element is one: the caller
// retires that log afterward and starts a fresh tlog for future writes, so
// capping it here is what gives a second startup nothing left to replay.
func (r *replayer) replayStale(logs []*LogFile) (*RecoveryInfo, error) {
	info := &RecoveryInfo{}
	defer r.shutdown()
	for _, lf := range logs {
		if err := r.replayOneLog(lf, info, true); err != nil {
			info.Failed = true
			return info, err
		}
	}
	info.LatencyP50, info.LatencyP99 = r.latencies()
	return info, nil
}

// replayActive drains buf (the buffer sub-log) to its first EOF, then blocks
// new updates and drains once more to catch anything appended in the race
// between that EOF and the lock.
func (r *replayer) replayActive(buf *LogFile) (*RecoveryInfo, error) {
	info := &RecoveryInfo{}
	defer r.shutdown()

	off := int64(0)
	if err := r.drainTo(buf, &off, info); err != nil {
		info.Failed = true
		return info, err
	}

	if err := r.ul.locks.BlockUpdates(r.ul.docLockTimeout()); err != nil {
		info.Failed = true
		return info, err
	}
	defer r.ul.locks.UnblockUpdates()

	if err := r.drainTo(buf, &off, info); err != nil {
		info.Failed = true
		return info, err
	}

	info.LatencyP50, info.LatencyP99 = r.latencies()
	return info, nil
}
