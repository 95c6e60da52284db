package ulog_test

import (
	"testing"

	"github.com/renatoh/ulog/internal/indexwriter"
	"github.com/renatoh/ulog/ulog"
	"github.com/stretchr/testify/require"
)

func TestRecentUpdatesCollectsAcrossCommitRotation(t *testing.T) {
	dir := t.TempDir()
	ul, err := ulog.NewUpdateLog(ulog.Options{Dir: dir, NumRecordsToKeep: 10})
	require.NoError(t, err)
	ul.Init(indexwriter.New(), nil)
	_, err = ul.RecoverFromLog()
	require.NoError(t, err)
	defer ul.Close()

	require.NoError(t, ul.Add(&ulog.AddCommand{ID: []byte("a"), Doc: []byte(`{}`), Version: 1}, false))
	require.NoError(t, ul.Add(&ulog.AddCommand{ID: []byte("b"), Doc: []byte(`{}`), Version: 2}, false))

	require.NoError(t, ul.PreCommit(ulog.CommitCommand{}))
	require.NoError(t, ul.PostCommit(ulog.CommitCommand{}))

	require.NoError(t, ul.Add(&ulog.AddCommand{ID: []byte("c"), Doc: []byte(`{}`), Version: 3}, false))
	require.NoError(t, ul.Delete(&ulog.DeleteCommand{ID: []byte("a"), Version: -4}))

	ru := ulog.NewRecentUpdates(ul)
	require.NoError(t, ru.Update())
	defer ru.Close()

	versions := ru.GetVersions(10, 100)
	require.ElementsMatch(t, []int64{-4, 3, 2, 1}, versions)

	rec, ok := ru.Lookup(3)
	require.True(t, ok)
	require.Equal(t, []byte("c"), rec.ID)

	_, ok = ru.Lookup(999)
	require.False(t, ok)
}

func TestRecentUpdatesGetVersionsRespectsMaxVersionAndLimit(t *testing.T) {
	ul, _ := newTestUpdateLog(t)
	require.NoError(t, ul.Add(&ulog.AddCommand{ID: []byte("a"), Doc: []byte(`{}`), Version: 1}, false))
	require.NoError(t, ul.Add(&ulog.AddCommand{ID: []byte("b"), Doc: []byte(`{}`), Version: 2}, false))
	require.NoError(t, ul.Add(&ulog.AddCommand{ID: []byte("c"), Doc: []byte(`{}`), Version: 3}, false))

	ru := ulog.NewRecentUpdates(ul)
	require.NoError(t, ru.Update())
	defer ru.Close()

	versions := ru.GetVersions(10, 2)
	require.ElementsMatch(t, []int64{1, 2}, versions)

	limited := ru.GetVersions(1, 100)
	require.Len(t, limited, 1)
}

func TestRecentUpdatesDeleteByQuery(t *testing.T) {
	ul, _ := newTestUpdateLog(t)
	require.NoError(t, ul.DeleteByQuery(&ulog.DeleteByQueryCommand{Query: "stale:true", Version: 5}))
	require.NoError(t, ul.DeleteByQuery(&ulog.DeleteByQueryCommand{Query: "stale:false", Version: 6}))

	ru := ulog.NewRecentUpdates(ul)
	require.NoError(t, ru.Update())
	defer ru.Close()

	all := ru.GetDeleteByQuery(0, nil)
	require.Len(t, all, 2)

	filtered := ru.GetDeleteByQuery(5, nil)
	require.Len(t, filtered, 1)
	require.Equal(t, "stale:false", filtered[0].Query)

	seen := map[int64]bool{6: true}
	withSeen := ru.GetDeleteByQuery(0, seen)
	require.Len(t, withSeen, 1)
	require.Equal(t, "stale:true", withSeen[0].Query)
}

func TestRecentUpdatesIsFromBuffer(t *testing.T) {
	ul, _ := newTestUpdateLog(t)
	require.NoError(t, ul.Add(&ulog.AddCommand{ID: []byte("b"), Doc: []byte(`{}`), Version: 8}, false))
	require.NoError(t, ul.BufferUpdates())
	require.NoError(t, ul.Add(&ulog.AddCommand{ID: []byte("a"), Doc: []byte(`{}`), Version: 7, Buffering: true}, false))

	// Snapshot while still BUFFERING: the buffer sub-log is still live and
	// reachable, so its records surface as IsFromBuffer before being applied.
	ru := ulog.NewRecentUpdates(ul)
	require.NoError(t, ru.Update())
	defer ru.Close()

	require.True(t, ru.IsFromBuffer(7))
	require.False(t, ru.IsFromBuffer(8))

	require.NoError(t, ul.DropBufferedUpdates())
}

func TestRecentUpdatesCloseIsIdempotent(t *testing.T) {
	ul, _ := newTestUpdateLog(t)
	ru := ulog.NewRecentUpdates(ul)
	require.NoError(t, ru.Update())
	require.NoError(t, ru.Close())
	require.NoError(t, ru.Close())
}
