package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// RecordLengthSize is the size of the length prefix of a data record.
	RecordLengthSize = 4

	// RecordHeaderSize is the fixed part of a record payload: CRC32C(4) + ID(8).
	RecordHeaderSize = 12

	// MaxRecordSize bounds a single record payload so a corrupt length prefix
	// cannot trigger a huge allocation.
	MaxRecordSize = 1 << 30
)

// ErrTornRecord indicates a record that was only partially written or whose
// checksum does not match. Readers treat it as the logical end of a file.
var ErrTornRecord = errors.New("format: torn or corrupt record")

// Record is a single queue item stored in a data file.
//
// Binary format (little-endian):
//
//	[Length:4][CRC32C:4][ID:8][Item:N]
//
// Length counts everything after the length field. The CRC covers ID and Item.
type Record struct {
	// ID identifies the record within its store; ids increase with every append
	ID uint64

	// Item is the serialized queue item
	Item []byte
}

// EncodedSize returns the number of bytes the record occupies on disk.
func (r *Record) EncodedSize() int {
	return RecordLengthSize + RecordHeaderSize + len(r.Item)
}

// Marshal encodes the record with its length prefix and checksum.
func (r *Record) Marshal() []byte {
	buf := make([]byte, r.EncodedSize())

	binary.LittleEndian.PutUint32(buf[0:4], uint32(RecordHeaderSize+len(r.Item))) //nolint:gosec // G115: bounded by MaxRecordSize
	binary.LittleEndian.PutUint64(buf[8:16], r.ID)
	copy(buf[16:], r.Item)

	binary.LittleEndian.PutUint32(buf[4:8], ComputeCRC32C(buf[8:]))
	return buf
}

// ReadRecord decodes the next record from r.
//
// Returns io.EOF when r is exhausted exactly at a record boundary, and
// ErrTornRecord when the data ends mid-record or fails its checksum.
func ReadRecord(r io.Reader) (*Record, error) {
	var lenBuf [RecordLengthSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTornRecord
		}
		return nil, fmt.Errorf("failed to read record length: %w", err)
	}

	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length < RecordHeaderSize || length > MaxRecordSize {
		return nil, fmt.Errorf("%w: invalid length %d", ErrTornRecord, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrTornRecord
		}
		return nil, fmt.Errorf("failed to read record data: %w", err)
	}

	stored := binary.LittleEndian.Uint32(buf[0:4])
	if computed := ComputeCRC32C(buf[4:]); stored != computed {
		return nil, fmt.Errorf("%w: crc stored=%08x computed=%08x", ErrTornRecord, stored, computed)
	}

	rec := &Record{ID: binary.LittleEndian.Uint64(buf[4:12])}
	if len(buf) > RecordHeaderSize {
		rec.Item = buf[RecordHeaderSize:]
	}
	return rec, nil
}

// ReadRecordAt decodes the record starting at off.
func ReadRecordAt(ra io.ReaderAt, off int64) (*Record, error) {
	return ReadRecord(io.NewSectionReader(ra, off, 1<<62))
}
