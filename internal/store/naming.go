package store

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

const (
	// DataFilePrefix names the two rotating data files: data.0 and data.1
	DataFilePrefix = "data."

	// ControlFileName is the name of the control file inside a queue directory
	ControlFileName = "control"

	// QueuesDirName is the directory under the working directory holding one
	// subdirectory per persistent queue
	QueuesDirName = "queues"

	// maxDirNameLength keeps escaped names well under common file system limits
	maxDirNameLength = 120

	// shortenedPrefixLength is the escaped prefix kept for long names, leaving
	// room for '~' and the hex SHA-256
	shortenedPrefixLength = maxDirNameLength - 1 - 2*sha256.Size
)

// SanitizeName maps an arbitrary queue name to a file system safe identifier.
//
// ASCII letters, digits, '-' and '_' are kept; every other byte is written as
// %XX. The mapping is injective, so distinct names never share a directory.
// Escaped names longer than 120 bytes are shortened to a 55 byte prefix, '~'
// and the hex SHA-256 of the original name, 120 bytes at most. '~' never appears in an escaped name,
// so shortened names cannot collide with unshortened ones.
func SanitizeName(name string) string {
	const hexDigits = "0123456789ABCDEF"

	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isSafeByte(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0F])
	}

	escaped := b.String()
	if escaped == "" {
		// The empty name still needs a directory of its own.
		return "%"
	}
	if len(escaped) <= maxDirNameLength {
		return escaped
	}

	sum := sha256.Sum256([]byte(name))
	prefix := escaped[:shortenedPrefixLength]
	// Do not cut an escape sequence in half.
	if i := strings.LastIndexByte(prefix, '%'); i >= shortenedPrefixLength-2 {
		prefix = prefix[:i]
	}
	return prefix + "~" + hex.EncodeToString(sum[:])
}

func isSafeByte(c byte) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_'
}

// QueueDir returns the directory holding the files of a persistent queue.
func QueueDir(workDir, name string) string {
	return filepath.Join(workDir, QueuesDirName, SanitizeName(name))
}

// DataFileName returns the file name of data file 0 or 1.
func DataFileName(id uint8) string {
	if id == 0 {
		return DataFilePrefix + "0"
	}
	return DataFilePrefix + "1"
}

// DesanitizeName reverses SanitizeName. It reports false for shortened names
// and for directory names SanitizeName cannot produce.
func DesanitizeName(dir string) (string, bool) {
	if dir == "%" {
		return "", true
	}
	if strings.IndexByte(dir, '~') >= 0 {
		return "", false
	}

	var b strings.Builder
	b.Grow(len(dir))
	for i := 0; i < len(dir); i++ {
		c := dir[i]
		if isSafeByte(c) {
			b.WriteByte(c)
			continue
		}
		if c != '%' || i+2 >= len(dir) {
			return "", false
		}
		v, err := hex.DecodeString(dir[i+1 : i+3])
		if err != nil {
			return "", false
		}
		b.WriteByte(v[0])
		i += 2
	}
	return b.String(), true
}
