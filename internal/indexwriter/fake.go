// Package indexwriter provides an in-memory stand-in for the real search
// index's commit/searcher boundary, used by tests and cmd/ulogtool to run
// the update log without a real index attached.
package indexwriter

import (
	"sync"

	"github.com/renatoh/ulog/ulog"
)

// Fake is a minimal ulog.IndexWriter: it tracks per-id versions explicitly
// Indexed into it, and counts commits, but does no actual document storage.
type Fake struct {
	mu sync.Mutex

	versions map[string]int64

	hardCommits int
	softCommits int

	persistent bool
	reloaded   bool
}

// New returns a Fake that reports itself as persistent.
func New() *Fake {
	return &Fake{versions: make(map[string]int64), persistent: true}
}

type fakeSearcher struct{}

func (fakeSearcher) Close() error { return nil }

// Commit records whether a hard or soft commit was requested.
func (f *Fake) Commit(cmd ulog.CommitCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cmd.SoftCommit {
		f.softCommits++
	} else {
		f.hardCommits++
	}
	return nil
}

// OpenNewSearcher always succeeds with a no-op searcher.
func (f *Fake) OpenNewSearcher(openReader, realtime bool) (ulog.Searcher, error) {
	return fakeSearcher{}, nil
}

// GetVersionFromIndex returns the version last recorded via Index, if any.
func (f *Fake) GetVersionFromIndex(id []byte) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[string(id)]
	return v, ok, nil
}

// IsPersistent reports the persistent flag, true by default.
func (f *Fake) IsPersistent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persistent
}

// IsReloaded reports and clears the one-shot reloaded flag set by
// SetReloaded, mirroring a real index's "just restored from snapshot" signal.
func (f *Fake) IsReloaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.reloaded
	f.reloaded = false
	return r
}

// Index simulates the real index absorbing id at version, as a hard commit
// would. Tests call this to make LookupVersion's index fallback observable.
func (f *Fake) Index(id []byte, version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[string(id)] = version
}

// SetReloaded arms (or disarms) the one-shot IsReloaded signal.
func (f *Fake) SetReloaded(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloaded = v
}

// SetPersistent overrides the persistent flag.
func (f *Fake) SetPersistent(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persistent = v
}

// Commits returns the hard and soft commit counts observed so far.
func (f *Fake) Commits() (hard, soft int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hardCommits, f.softCommits
}
