package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// ControlMagic identifies a control file ("TXQC").
	ControlMagic uint32 = 0x54585143

	// ControlVersion is the current control file format version.
	ControlVersion uint16 = 1

	// controlFixedSize: Magic(4) + Version(2) + ReadFile(1) + WriteFile(1) +
	// ReadOffset(8) + WriteOffset(8) + NextID(8) + RemovedCount(4)
	controlFixedSize = 36

	// maxRemovedAhead bounds the removed-ahead list read from disk.
	maxRemovedAhead = 1 << 20
)

// ErrCorrupted indicates a file whose contents fail validation.
var ErrCorrupted = errors.New("format: data corrupted")

// Control records the state of a dual-file store.
//
// Binary format (little-endian):
//
//	[Magic:4][Version:2][ReadFile:1][WriteFile:1][ReadOffset:8][WriteOffset:8]
//	[NextID:8][RemovedCount:4][RemovedID:8]*RemovedCount[CRC32C:4]
//
// Updates are written to a temporary file, fsynced and renamed over the
// previous control file, so a crash leaves either the old or the new state.
type Control struct {
	// ReadFile is the data file (0 or 1) holding the oldest live record
	ReadFile uint8

	// WriteFile is the data file (0 or 1) receiving appends
	WriteFile uint8

	// ReadOffset is the position of the first live record in ReadFile
	ReadOffset uint64

	// WriteOffset is the append position in WriteFile at the time of the last update.
	// Records may exist beyond it; readers scan forward.
	WriteOffset uint64

	// NextID is a lower bound for the next record id
	NextID uint64

	// RemovedAhead lists ids removed out of order, located past ReadOffset
	RemovedAhead []uint64
}

// Validate checks that the control state is internally consistent.
func (c *Control) Validate() error {
	if c.ReadFile > 1 || c.WriteFile > 1 {
		return fmt.Errorf("invalid file ids: read=%d write=%d", c.ReadFile, c.WriteFile)
	}
	if c.ReadFile == c.WriteFile && c.ReadOffset > c.WriteOffset {
		return fmt.Errorf("read offset (%d) > write offset (%d)", c.ReadOffset, c.WriteOffset)
	}
	return nil
}

// Marshal encodes the control state with its trailing checksum.
func (c *Control) Marshal() []byte {
	buf := make([]byte, controlFixedSize+8*len(c.RemovedAhead)+4)

	binary.LittleEndian.PutUint32(buf[0:4], ControlMagic)
	binary.LittleEndian.PutUint16(buf[4:6], ControlVersion)
	buf[6] = c.ReadFile
	buf[7] = c.WriteFile
	binary.LittleEndian.PutUint64(buf[8:16], c.ReadOffset)
	binary.LittleEndian.PutUint64(buf[16:24], c.WriteOffset)
	binary.LittleEndian.PutUint64(buf[24:32], c.NextID)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(c.RemovedAhead))) //nolint:gosec // G115: bounded list

	off := controlFixedSize
	for _, id := range c.RemovedAhead {
		binary.LittleEndian.PutUint64(buf[off:], id)
		off += 8
	}

	binary.LittleEndian.PutUint32(buf[off:], ComputeCRC32C(buf[:off]))
	return buf
}

// UnmarshalControl decodes and validates a control file image.
func UnmarshalControl(data []byte) (*Control, error) {
	if len(data) < controlFixedSize+4 {
		return nil, fmt.Errorf("%w: control file too short (%d bytes)", ErrCorrupted, len(data))
	}

	crcOff := len(data) - 4
	if !VerifyCRC32C(data[:crcOff], binary.LittleEndian.Uint32(data[crcOff:])) {
		return nil, fmt.Errorf("%w: control file checksum mismatch", ErrCorrupted)
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != ControlMagic {
		return nil, fmt.Errorf("%w: bad control magic %08x", ErrCorrupted, magic)
	}
	if version := binary.LittleEndian.Uint16(data[4:6]); version != ControlVersion {
		return nil, fmt.Errorf("%w: unsupported control version %d", ErrCorrupted, version)
	}

	count := binary.LittleEndian.Uint32(data[32:36])
	if count > maxRemovedAhead || controlFixedSize+8*int(count) != crcOff {
		return nil, fmt.Errorf("%w: removed list length %d does not match file size", ErrCorrupted, count)
	}

	c := &Control{
		ReadFile:    data[6],
		WriteFile:   data[7],
		ReadOffset:  binary.LittleEndian.Uint64(data[8:16]),
		WriteOffset: binary.LittleEndian.Uint64(data[16:24]),
		NextID:      binary.LittleEndian.Uint64(data[24:32]),
	}
	if count > 0 {
		c.RemovedAhead = make([]uint64, count)
		for i := range c.RemovedAhead {
			off := controlFixedSize + 8*i
			c.RemovedAhead[i] = binary.LittleEndian.Uint64(data[off : off+8])
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return c, nil
}

// ReadControl reads and validates the control file at path.
// A missing file is reported with an error matching os.ErrNotExist.
func ReadControl(path string) (*Control, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is derived from the working directory
	if err != nil {
		return nil, fmt.Errorf("failed to read control file: %w", err)
	}
	return UnmarshalControl(data)
}

// WriteControl atomically replaces the control file at path.
//
// Process:
//  1. Write to temporary file (.tmp)
//  2. Fsync temporary file
//  3. Atomic rename to final path
//  4. Fsync directory (ensures rename is durable)
func WriteControl(path string, c *Control) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid control state: %w", err)
	}
	return WriteFileAtomic(path, c.Marshal())
}

// WriteFileAtomic writes data to path through a temporary file and rename.
func WriteFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644) //nolint:gosec // G304: path is derived from the working directory
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}

	_ = f.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	if err := SyncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

// SyncDir fsyncs a directory so that renames and creations inside it are durable.
func SyncDir(path string) error {
	d, err := os.Open(path) //nolint:gosec // G304: path is derived from the working directory
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	return d.Sync()
}
