package ulog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyIndexPutGet(t *testing.T) {
	ki := newKeyIndex()
	_, ok := ki.Get([]byte("a"))
	require.False(t, ok)

	ki.Put([]byte("a"), KeyIndexEntry{Offset: 10, Version: 1, PrevOffset: -1})
	e, ok := ki.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, int64(10), e.Offset)
	require.Equal(t, 1, ki.Len())
}

func TestOldDeletesEvictsByInsertionOrder(t *testing.T) {
	od := newOldDeletes(2)
	od.Put([]byte("a"), 1)
	od.Put([]byte("b"), 2)
	od.Put([]byte("c"), 3)

	_, ok := od.Get([]byte("a"))
	require.False(t, ok, "oldest entry should have been evicted")
	v, ok := od.Get([]byte("b"))
	require.True(t, ok)
	require.Equal(t, int64(2), v)
	v, ok = od.Get([]byte("c"))
	require.True(t, ok)
	require.Equal(t, int64(3), v)
	require.Equal(t, 2, od.Len())
}

func TestOldDeletesReinsertMovesToBack(t *testing.T) {
	od := newOldDeletes(2)
	od.Put([]byte("a"), 1)
	od.Put([]byte("b"), 2)
	od.Put([]byte("a"), 5) // re-insert: moves "a" to back, "b" becomes oldest
	od.Put([]byte("c"), 3)

	_, ok := od.Get([]byte("b"))
	require.False(t, ok)
	v, ok := od.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, int64(5), v)
}

func TestDBQListOrderingDedupAndCap(t *testing.T) {
	dq := newDBQList(2)
	dq.Insert("q1", 10)
	dq.Insert("q2", 20)
	dq.Insert("q2", 20) // duplicate, no-op
	dq.Insert("q3", 5)  // would be at the back, dropped by cap

	snap := dq.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "q2", snap[0].Query)
	require.Equal(t, int64(20), snap[0].Version)
	require.Equal(t, "q1", snap[1].Query)
}

func TestDBQListInsertUsesAbsoluteVersion(t *testing.T) {
	dq := newDBQList(10)
	dq.Insert("q", -7)
	snap := dq.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, int64(7), snap[0].Version)
}

func TestAbsVersion(t *testing.T) {
	require.Equal(t, int64(5), absVersion(5))
	require.Equal(t, int64(5), absVersion(-5))
	require.Equal(t, int64(0), absVersion(0))
}

func TestKeyIndexConcurrentAccess(t *testing.T) {
	ki := newKeyIndex()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			id := []byte(fmt.Sprintf("id-%d", i))
			ki.Put(id, KeyIndexEntry{Offset: int64(i), Version: int64(i)})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	require.Equal(t, 8, ki.Len())
}
