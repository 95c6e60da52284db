package ulog

// Searcher is a handle on a point-in-time, near-real-time view of the index.
// The update log never inspects it beyond closing it; the real type lives
// with the index writer, out of scope for this package.
type Searcher interface {
	Close() error
}

// CommitCommand carries the parameters of a hard or soft commit through to
// the index writer boundary.
type CommitCommand struct {
	SoftCommit   bool
	WaitSearcher bool
}

// IndexWriter is the narrow boundary UpdateLog depends on for the parts of
// commit/search it does not own. The ulog never writes to the index
// directly; it only calls through this interface.
type IndexWriter interface {
	// Commit applies a hard or soft commit to the underlying index.
	Commit(cmd CommitCommand) error

	// OpenNewSearcher opens a new (optionally real-time, optionally backed by
	// an open reader) searcher reflecting the index's current state.
	OpenNewSearcher(openReader, realtime bool) (Searcher, error)

	// GetVersionFromIndex returns the version recorded for id in the real
	// index, if any.
	GetVersionFromIndex(id []byte) (version int64, found bool, err error)

	// IsPersistent reports whether the index durably persists documents
	// independent of the update log (affects whether replay is required).
	IsPersistent() bool

	// IsReloaded reports whether the index was just reloaded from a snapshot
	// out-of-band. UpdateLog does not call it itself; a caller that sees it
	// return true passes clearCaches=true to Add.
	IsReloaded() bool
}
