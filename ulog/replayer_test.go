package ulog

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type noopWriter struct{}

func (noopWriter) Commit(CommitCommand) error                            { return nil }
func (noopWriter) OpenNewSearcher(bool, bool) (Searcher, error)           { return nil, nil }
func (noopWriter) GetVersionFromIndex(id []byte) (int64, bool, error)     { return 0, false, nil }
func (noopWriter) IsPersistent() bool                                    { return true }
func (noopWriter) IsReloaded() bool                                      { return false }

func newReplayTestLog(t *testing.T, opts Options) *UpdateLog {
	t.Helper()
	opts.Dir = t.TempDir()
	ul, err := NewUpdateLog(opts)
	require.NoError(t, err)
	ul.Init(noopWriter{}, nil)
	t.Cleanup(func() { _ = ul.Close() })
	return ul
}

// TestReplaySameIDOrderingSurvivesWorkerPartitioning writes several versions
// of the same id to an uncommitted tlog; because replay dispatches by id to a
// single worker, the final KeyIndex entry must reflect the last one written,
// not an arbitrary interleaving.
func TestReplaySameIDOrderingSurvivesWorkerPartitioning(t *testing.T) {
	dir := t.TempDir()
	ul1, err := NewUpdateLog(Options{Dir: dir})
	require.NoError(t, err)
	ul1.Init(noopWriter{}, nil)
	_, err = ul1.RecoverFromLog()
	require.NoError(t, err)
	for v := int64(1); v <= 5; v++ {
		require.NoError(t, ul1.Add(&AddCommand{ID: []byte("a"), Doc: []byte(`{}`), Version: v}, false))
	}
	require.NoError(t, ul1.Close())

	ul2, err := NewUpdateLog(Options{Dir: dir})
	require.NoError(t, err)
	ul2.Init(noopWriter{}, nil)
	defer ul2.Close()
	info, err := ul2.RecoverFromLog()
	require.NoError(t, err)
	require.False(t, info.Failed)
	require.EqualValues(t, 5, info.Adds)

	version, found, err := ul2.LookupVersion([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(5), version)
}

// TestReplayDeleteByQueryClearsPriorAdds confirms a DBQ encountered mid-replay
// still clears the KeyIndex the way a live DeleteByQuery call does, and that
// records appended after it in the same log are still correctly replayed.
func TestReplayDeleteByQueryClearsPriorAdds(t *testing.T) {
	dir := t.TempDir()
	ul1, err := NewUpdateLog(Options{Dir: dir})
	require.NoError(t, err)
	ul1.Init(noopWriter{}, nil)
	_, err = ul1.RecoverFromLog()
	require.NoError(t, err)
	require.NoError(t, ul1.Add(&AddCommand{ID: []byte("a"), Doc: []byte(`{}`), Version: 1}, false))
	require.NoError(t, ul1.Add(&AddCommand{ID: []byte("b"), Doc: []byte(`{}`), Version: 2}, false))
	require.NoError(t, ul1.DeleteByQuery(&DeleteByQueryCommand{Query: "x:y", Version: 3}))
	require.NoError(t, ul1.Add(&AddCommand{ID: []byte("c"), Doc: []byte(`{}`), Version: 4}, false))
	require.NoError(t, ul1.Close())

	ul2, err := NewUpdateLog(Options{Dir: dir})
	require.NoError(t, err)
	ul2.Init(noopWriter{}, nil)
	defer ul2.Close()
	info, err := ul2.RecoverFromLog()
	require.NoError(t, err)
	require.False(t, info.Failed)
	require.EqualValues(t, 1, info.DeleteByQueries)

	rec, err := ul2.Lookup([]byte("a"))
	require.NoError(t, err)
	require.Nil(t, rec, "adds preceding the DBQ should not survive the KeyIndex clear")

	rec, err = ul2.Lookup([]byte("c"))
	require.NoError(t, err)
	require.NotNil(t, rec, "adds following the DBQ should still be replayed")
}

// TestReplayCountsCorruptTrailingRecordButKeepsEarlierData simulates a
// truncated write (e.g. a crash mid-append) by appending an unparsable
// length-prefixed chunk directly to the raw file, bypassing LogFile.Append.
func TestReplayCountsCorruptTrailingRecordButKeepsEarlierData(t *testing.T) {
	dir := t.TempDir()
	ul1, err := NewUpdateLog(Options{Dir: dir})
	require.NoError(t, err)
	ul1.Init(noopWriter{}, nil)
	_, err = ul1.RecoverFromLog()
	require.NoError(t, err)
	require.NoError(t, ul1.Add(&AddCommand{ID: []byte("a"), Doc: []byte(`{}`), Version: 1}, false))
	path := ul1.tlog.Path()
	require.NoError(t, ul1.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	// Claims a 100-byte payload follows but supplies none: a truncated tail.
	_, err = f.Write([]byte{0, 0, 0, 100})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ul2, err := NewUpdateLog(Options{Dir: dir})
	require.NoError(t, err)
	ul2.Init(noopWriter{}, nil)
	defer ul2.Close()
	info, err := ul2.RecoverFromLog()
	require.NoError(t, err)
	require.False(t, info.Failed)
	require.GreaterOrEqual(t, info.Errors, int64(1))

	rec, err := ul2.Lookup([]byte("a"))
	require.NoError(t, err)
	require.NotNil(t, rec, "the valid record preceding the corrupt tail should still be indexed")
}

// TestApplyBufferedUpdatesAbortsOnLockTimeout exercises the
// ErrServiceUnavailable abort path: a reader holding the document lock past
// the configured timeout must cause ApplyBufferedUpdates to fail instead of
// blocking forever.
func TestApplyBufferedUpdatesAbortsOnLockTimeout(t *testing.T) {
	ul := newReplayTestLog(t, Options{DocLockTimeoutMs: 20})
	_, err := ul.RecoverFromLog()
	require.NoError(t, err)
	require.NoError(t, ul.BufferUpdates())
	require.NoError(t, ul.Add(&AddCommand{ID: []byte("a"), Doc: []byte(`{}`), Version: 1, Buffering: true}, false))

	release, err := ul.locks.AcquireRead(0)
	require.NoError(t, err)
	defer release()

	info, err := ul.ApplyBufferedUpdates()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.NotNil(t, info)
	require.True(t, info.Failed)
}

func TestReplayerPartitionIsStablePerID(t *testing.T) {
	r := newReplayer(&UpdateLog{})
	defer r.shutdown()
	idx1 := r.partition([]byte("same-id"))
	idx2 := r.partition([]byte("same-id"))
	require.Equal(t, idx1, idx2)
}

func TestReplayerQuiesceWaitsForDispatchedWork(t *testing.T) {
	r := newReplayer(&UpdateLog{})
	defer r.shutdown()
	done := make(chan struct{})
	r.dispatch([]byte("a"), func() {
		time.Sleep(10 * time.Millisecond)
		close(done)
	})
	r.quiesce()
	select {
	case <-done:
	default:
		t.Fatal("quiesce returned before dispatched work completed")
	}
}
