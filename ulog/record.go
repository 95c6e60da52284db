package ulog

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// Op codes occupy the low 4 bits of the flags byte.
const (
	OpAdd           byte = 1
	OpDelete        byte = 2
	OpDeleteByQuery byte = 3
	OpCommit        byte = 4
)

// FlagInPlaceUpdate is bit 3 of the flags byte. It combines with OpAdd to
// mark a record as an in-place (partial) update rather than a full document.
const FlagInPlaceUpdate byte = 1 << 3

const opCodeMask = 0x0F

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// LogRecord is a single appended transaction-log entry.
type LogRecord struct {
	Flags   byte
	Version int64

	// PrevOffset/PrevVersion are only meaningful when Flags has
	// FlagInPlaceUpdate set; they point at the previous hop in the
	// partial-update chain.
	PrevOffset  int64
	PrevVersion int64

	ID    []byte // ADD, DELETE
	Doc   []byte // ADD (serialized document, JSON)
	Query string // DELETE_BY_QUERY
}

// OpCode returns the low 4 bits of Flags.
func (r *LogRecord) OpCode() byte { return r.Flags & opCodeMask }

// IsInPlaceUpdate reports whether this record carries a partial update.
func (r *LogRecord) IsInPlaceUpdate() bool { return r.Flags&FlagInPlaceUpdate != 0 }

// IsTombstone reports whether the version encodes a delete.
func (r *LogRecord) IsTombstone() bool { return r.Version < 0 }

// DocFields unmarshals Doc into a string-keyed map for merge purposes. It
// returns an empty, non-nil map if Doc is empty.
func (r *LogRecord) DocFields() (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(r.Doc) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Doc, &out); err != nil {
		return nil, errors.Wrap(err, "decode document body")
	}
	return out, nil
}

// NewAddRecord builds a LogRecord for a full document add.
func NewAddRecord(version int64, id, doc []byte) *LogRecord {
	return &LogRecord{Flags: OpAdd, Version: version, ID: id, Doc: doc, PrevOffset: -1, PrevVersion: -1}
}

// NewInPlaceUpdateRecord builds a LogRecord for a partial update chained off
// (prevOffset, prevVersion).
func NewInPlaceUpdateRecord(version int64, id, doc []byte, prevOffset, prevVersion int64) *LogRecord {
	return &LogRecord{
		Flags:       OpAdd | FlagInPlaceUpdate,
		Version:     version,
		ID:          id,
		Doc:         doc,
		PrevOffset:  prevOffset,
		PrevVersion: prevVersion,
	}
}

// NewDeleteRecord builds a LogRecord for a delete-by-id. Version should be
// negative (the tombstone sentinel).
func NewDeleteRecord(version int64, id []byte) *LogRecord {
	return &LogRecord{Flags: OpDelete, Version: version, ID: id, PrevOffset: -1, PrevVersion: -1}
}

// NewDeleteByQueryRecord builds a LogRecord for a delete-by-query.
func NewDeleteByQueryRecord(version int64, query string) *LogRecord {
	return &LogRecord{Flags: OpDeleteByQuery, Version: version, Query: query, PrevOffset: -1, PrevVersion: -1}
}

// NewCommitRecord builds the no-payload COMMIT record that caps a log file.
func NewCommitRecord(version int64) *LogRecord {
	return &LogRecord{Flags: OpCommit, Version: version, PrevOffset: -1, PrevVersion: -1}
}

// encode serializes r as: [flags(1)][version(8)][prevOffset(8) prevVersion(8)
// iff in-place update][body]. This is the "payload" that encodeFramed wraps
// with a length prefix and trailing checksum.
func (r *LogRecord) encode() []byte {
	size := 1 + 8
	inPlace := r.IsInPlaceUpdate()
	if inPlace {
		size += 16
	}
	var body []byte
	switch r.OpCode() {
	case OpAdd:
		// ADD (and IN_PLACE_UPDATE) carry the id ahead of the document body
		// so the Replayer's per-id worker pool and KeyIndex insertion can
		// recover it without parsing the serialized document.
		size += 2
		body = append(append([]byte{}, r.ID...), r.Doc...)
	case OpDelete:
		body = r.ID
	case OpDeleteByQuery:
		body = []byte(r.Query)
	case OpCommit:
		body = nil
	}
	buf := make([]byte, size+len(body))
	buf[0] = r.Flags
	binary.BigEndian.PutUint64(buf[1:9], uint64(r.Version))
	off := 9
	if inPlace {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(r.PrevOffset))
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(r.PrevVersion))
		off += 16
	}
	if r.OpCode() == OpAdd {
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(r.ID)))
		off += 2
	}
	copy(buf[off:], body)
	return buf
}

// decodeRecord parses the payload produced by encode.
func decodeRecord(payload []byte) (*LogRecord, error) {
	if len(payload) < 9 {
		return nil, errors.Wrap(ErrCorruptRecord, "payload too short for header")
	}
	r := &LogRecord{
		Flags:       payload[0],
		Version:     int64(binary.BigEndian.Uint64(payload[1:9])),
		PrevOffset:  -1,
		PrevVersion: -1,
	}
	off := 9
	if r.IsInPlaceUpdate() {
		if len(payload) < off+16 {
			return nil, errors.Wrap(ErrCorruptRecord, "payload too short for in-place header")
		}
		r.PrevOffset = int64(binary.BigEndian.Uint64(payload[off : off+8]))
		r.PrevVersion = int64(binary.BigEndian.Uint64(payload[off+8 : off+16]))
		off += 16
	}
	switch r.OpCode() {
	case OpAdd:
		if len(payload) < off+2 {
			return nil, errors.Wrap(ErrCorruptRecord, "payload too short for id length")
		}
		idLen := int(binary.BigEndian.Uint16(payload[off : off+2]))
		off += 2
		if len(payload) < off+idLen {
			return nil, errors.Wrap(ErrCorruptRecord, "payload too short for id")
		}
		r.ID = payload[off : off+idLen]
		r.Doc = payload[off+idLen:]
	case OpDelete:
		r.ID = payload[off:]
	case OpDeleteByQuery:
		r.Query = string(payload[off:])
	case OpCommit:
		// no payload
	default:
		return nil, ErrUnknownOpCode
	}
	return r, nil
}

// encodeFramed wraps an encoded payload with a 4-byte big-endian length
// prefix and a trailing CRC32C (Castagnoli) checksum over the payload, so a
// reader can learn the payload size from the header and fetch it with two
// ReadAt calls.
func (r *LogRecord) encodeFramed() []byte {
	payload := r.encode()
	buf := make([]byte, 4+len(payload)+4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:4+len(payload)], payload)
	binary.BigEndian.PutUint32(buf[4+len(payload):], crc32.Checksum(payload, crc32cTable))
	return buf
}

// frameLength returns the total on-disk size of the framed record.
func (r *LogRecord) frameLength() int64 {
	return int64(4 + len(r.encode()) + 4)
}

// readFramedRecord reads one length-prefixed, checksummed record starting at
// off using readAt. It returns the decoded record, the offset of the next
// record, and an error. io.EOF is returned (unwrapped) when off is exactly at
// the end of the readable data. ErrCorruptRecord wraps io.ErrUnexpectedEOF
// style truncation so callers can distinguish "no more data" from "data is
// broken".
func readFramedRecord(readAt func(p []byte, off int64) (int, error), off int64) (*LogRecord, int64, error) {
	lenBuf := make([]byte, 4)
	n, err := readAt(lenBuf, off)
	if n == 0 && (err == io.EOF || err == nil) {
		return nil, off, io.EOF
	}
	if err != nil && err != io.EOF {
		return nil, off, err
	}
	if n < 4 {
		return nil, off, errors.Wrap(ErrCorruptRecord, "truncated length prefix")
	}
	length := binary.BigEndian.Uint32(lenBuf)
	payload := make([]byte, length)
	if length > 0 {
		n, err = readAt(payload, off+4)
		if err != nil && err != io.EOF {
			return nil, off, err
		}
		if n != int(length) {
			return nil, off, errors.Wrap(ErrCorruptRecord, "truncated payload")
		}
	}
	crcBuf := make([]byte, 4)
	n, err = readAt(crcBuf, off+4+int64(length))
	if err != nil && err != io.EOF {
		return nil, off, err
	}
	if n != 4 {
		return nil, off, errors.Wrap(ErrCorruptRecord, "truncated checksum")
	}
	want := binary.BigEndian.Uint32(crcBuf)
	if got := crc32.Checksum(payload, crc32cTable); got != want {
		return nil, off, errors.Wrap(ErrCorruptRecord, "checksum mismatch")
	}
	rec, err := decodeRecord(payload)
	if err != nil {
		return nil, off, err
	}
	return rec, off + 4 + int64(length) + 4, nil
}
