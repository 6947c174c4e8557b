package format

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
)

// JournalOp identifies the kind of a journal entry.
type JournalOp uint8

// Journal entry kinds
const (
	JournalOffer   JournalOp = 1 // Item appended to a queue
	JournalPoll    JournalOp = 2 // Item removed from a queue
	JournalCommit  JournalOp = 3 // All preceding entries of the transaction are committed
	JournalApplied JournalOp = 4 // Committed mutations reached the queue stores
)

// String returns the string representation of the operation.
func (op JournalOp) String() string {
	switch op {
	case JournalOffer:
		return "OFFER"
	case JournalPoll:
		return "POLL"
	case JournalCommit:
		return "COMMIT"
	case JournalApplied:
		return "APPLIED"
	default:
		return fmt.Sprintf("JournalOp(%d)", uint8(op))
	}
}

// journalFixedSize: CRC(4) + Op(1) + TxID(16) + NameLen(2) + RecordID(8)
const journalFixedSize = 31

// JournalEntry is one record of the transaction journal.
//
// Binary format (little-endian):
//
//	[Length:4][CRC32C:4][Op:1][TxID:16][NameLen:2][Name:N][RecordID:8][Item:M]
//
// Length counts everything after the length field. The CRC covers every byte after itself.
type JournalEntry struct {
	Op       JournalOp
	TxID     uuid.UUID
	Queue    string
	RecordID uint64
	Item     []byte
}

// Marshal encodes the entry with its length prefix and checksum.
func (e *JournalEntry) Marshal() ([]byte, error) {
	if len(e.Queue) > math.MaxUint16 {
		return nil, fmt.Errorf("queue name too long for journal: %d bytes", len(e.Queue))
	}

	bodyLen := journalFixedSize + len(e.Queue) + len(e.Item)
	if bodyLen > MaxRecordSize {
		return nil, fmt.Errorf("journal entry too large: %d bytes", bodyLen)
	}

	buf := make([]byte, 4+bodyLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(bodyLen)) //nolint:gosec // G115: checked above

	off := 8
	buf[off] = byte(e.Op)
	off++
	copy(buf[off:off+16], e.TxID[:])
	off += 16
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.Queue))) //nolint:gosec // G115: checked above
	off += 2
	copy(buf[off:], e.Queue)
	off += len(e.Queue)
	binary.LittleEndian.PutUint64(buf[off:], e.RecordID)
	off += 8
	copy(buf[off:], e.Item)

	binary.LittleEndian.PutUint32(buf[4:8], ComputeCRC32C(buf[8:]))
	return buf, nil
}

// ReadJournalEntry decodes the next entry from r.
//
// Returns io.EOF at a clean end and ErrTornRecord for a partial or corrupt entry.
func ReadJournalEntry(r io.Reader) (*JournalEntry, int, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, 0, ErrTornRecord
		}
		return nil, 0, fmt.Errorf("failed to read journal entry length: %w", err)
	}

	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length < journalFixedSize || length > MaxRecordSize {
		return nil, 0, fmt.Errorf("%w: invalid journal entry length %d", ErrTornRecord, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, ErrTornRecord
		}
		return nil, 0, fmt.Errorf("failed to read journal entry: %w", err)
	}

	if !VerifyCRC32C(buf[4:], binary.LittleEndian.Uint32(buf[0:4])) {
		return nil, 0, fmt.Errorf("%w: journal entry checksum mismatch", ErrTornRecord)
	}

	e := &JournalEntry{Op: JournalOp(buf[4])}
	copy(e.TxID[:], buf[5:21])

	nameLen := int(binary.LittleEndian.Uint16(buf[21:23]))
	if journalFixedSize+nameLen > len(buf) {
		return nil, 0, fmt.Errorf("%w: journal queue name overflows entry", ErrTornRecord)
	}
	off := 23
	e.Queue = string(buf[off : off+nameLen])
	off += nameLen
	e.RecordID = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	if off < len(buf) {
		e.Item = buf[off:]
	}

	if e.Op < JournalOffer || e.Op > JournalApplied {
		return nil, 0, fmt.Errorf("%w: unknown journal op %d", ErrTornRecord, e.Op)
	}

	return e, 4 + int(length), nil
}
