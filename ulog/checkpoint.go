package ulog

import (
	"bytes"
	"encoding/json"
	"path/filepath"

	natomic "github.com/natefinch/atomic"
)

const checkpointFileName = ".ulog-meta"

// checkpointState is the small metadata record atomically written on every
// hard commit: a crash must never be able to observe a half-written
// metadata file.
type checkpointState struct {
	ActiveLogID int64 `json:"active_log_id"`
}

func (ul *UpdateLog) checkpointPath() string {
	return filepath.Join(ul.dir, checkpointFileName)
}

// writeCheckpointLocked records the id of the active tlog at the moment the
// commit finishes, or -1 when none is open: PreCommit clears the active tlog
// and the next one is only created by the next write, so a plain
// PreCommit/PostCommit pair records -1. Best-effort: a failure here only degrades a
// future diagnostic read of the checkpoint, never correctness, since scanDir
// derives everything it needs directly from the directory listing.
func (ul *UpdateLog) writeCheckpointLocked() {
	id := int64(-1)
	if ul.tlog != nil {
		id = ul.tlog.ID()
	}
	data, err := json.Marshal(checkpointState{ActiveLogID: id})
	if err != nil {
		return
	}
	if err := natomic.WriteFile(ul.checkpointPath(), bytes.NewReader(data)); err != nil {
		ul.logger.Warnf("ulog: checkpoint write failed: %v", err)
	}
}
