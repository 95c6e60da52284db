package ulog

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLogFile(t *testing.T) *LogFile {
	t.Helper()
	dir := t.TempDir()
	lf, err := newLogFile(filepath.Join(dir, "tlog.0000000000000000001"), 1, false, true, SyncFlush)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lf.Decref() })
	return lf
}

func TestLogFileAppendAndRead(t *testing.T) {
	lf := newTestLogFile(t)
	off1, err := lf.Append(NewAddRecord(1, []byte("a"), []byte(`{"x":1}`)))
	require.NoError(t, err)
	require.Equal(t, int64(0), off1)

	off2, err := lf.Append(NewDeleteRecord(-2, []byte("b")))
	require.NoError(t, err)
	require.Greater(t, off2, off1)

	rec1, err := lf.Read(off1)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), rec1.ID)

	rec2, err := lf.Read(off2)
	require.NoError(t, err)
	require.Equal(t, OpDelete, rec2.OpCode())
}

func TestLogFileSealsOnCommit(t *testing.T) {
	lf := newTestLogFile(t)
	_, err := lf.Append(NewAddRecord(1, []byte("a"), []byte(`{}`)))
	require.NoError(t, err)
	require.False(t, lf.Sealed())

	_, err = lf.Append(NewCommitRecord(0))
	require.NoError(t, err)
	require.True(t, lf.Sealed())

	_, err = lf.Append(NewAddRecord(2, []byte("b"), []byte(`{}`)))
	require.ErrorIs(t, err, ErrLogFileClosed)
}

func TestLogFileEndsWithCommit(t *testing.T) {
	lf := newTestLogFile(t)
	ends, err := lf.EndsWithCommit()
	require.NoError(t, err)
	require.False(t, ends)

	_, err = lf.Append(NewAddRecord(1, []byte("a"), []byte(`{}`)))
	require.NoError(t, err)
	ends, err = lf.EndsWithCommit()
	require.NoError(t, err)
	require.False(t, ends)

	_, err = lf.Append(NewCommitRecord(0))
	require.NoError(t, err)
	ends, err = lf.EndsWithCommit()
	require.NoError(t, err)
	require.True(t, ends)
}

func TestLogFileForwardReader(t *testing.T) {
	lf := newTestLogFile(t)
	for i := 0; i < 3; i++ {
		_, err := lf.Append(NewAddRecord(int64(i), []byte{byte('a' + i)}, []byte(`{}`)))
		require.NoError(t, err)
	}
	r := lf.ForwardReader(0)
	var ids []string
	for {
		rec, _, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ids = append(ids, string(rec.ID))
	}
	require.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestLogFileReverseReader(t *testing.T) {
	lf := newTestLogFile(t)
	for i := 0; i < 3; i++ {
		_, err := lf.Append(NewAddRecord(int64(i), []byte{byte('a' + i)}, []byte(`{}`)))
		require.NoError(t, err)
	}
	rr, err := lf.ReverseReader()
	require.NoError(t, err)
	var ids []string
	for {
		rec, _, err := rr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ids = append(ids, string(rec.ID))
	}
	require.Equal(t, []string{"c", "b", "a"}, ids)
}

func TestLogFileSortedReader(t *testing.T) {
	lf := newTestLogFile(t)
	order := []string{"c", "a", "b"}
	for i, id := range order {
		_, err := lf.Append(NewAddRecord(int64(i), []byte(id), []byte(`{}`)))
		require.NoError(t, err)
	}
	sr, err := lf.SortedReader(0)
	require.NoError(t, err)
	var ids []string
	for {
		rec, _, err := sr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ids = append(ids, string(rec.ID))
	}
	require.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestLogFileWaitForData(t *testing.T) {
	lf := newTestLogFile(t)
	ch := lf.WaitForData("waiter", 0)
	select {
	case <-ch:
		t.Fatal("should not be ready before any data is appended")
	default:
	}
	_, err := lf.Append(NewAddRecord(1, []byte("a"), []byte(`{}`)))
	require.NoError(t, err)
	select {
	case <-ch:
	default:
		t.Fatal("expected WaitForData channel to close after append")
	}
}

func TestLogFileRefcount(t *testing.T) {
	dir := t.TempDir()
	lf, err := newLogFile(filepath.Join(dir, "tlog.0000000000000000001"), 1, false, true, SyncFlush)
	require.NoError(t, err)

	require.True(t, lf.TryIncref())
	require.NoError(t, lf.Decref())
	require.NoError(t, lf.Decref())

	require.False(t, lf.TryIncref())
	_, err = lf.Read(0)
	require.ErrorIs(t, err, ErrLogFileClosed)
}

func TestLogFileDeleteOnClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tlog.0000000000000000001")
	lf, err := newLogFile(path, 1, false, true, SyncFlush)
	require.NoError(t, err)
	lf.SetDeleteOnClose(true)
	require.NoError(t, lf.Decref())
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestNewLogFileRejectsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tlog.0000000000000000001")
	lf, err := newLogFile(path, 1, false, true, SyncFlush)
	require.NoError(t, err)
	defer lf.Decref()

	_, err = newLogFile(path, 1, false, true, SyncFlush)
	require.ErrorIs(t, err, ErrLogFileExists)
}
