package util

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// Checksum utilities for log integrity validation
// Uses CRC32 (IEEE polynomial) for fast checksum computation

var (
	// crc32Table is precomputed for better performance
	crc32Table = crc32.MakeTable(crc32.IEEE)
)

// TailPrefix starts the terminator line that closes every log entry.
const TailPrefix = "#"

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// FormatTail renders the terminator line for the checksummed part of an
// entry, without the trailing newline. Format: #<8 hex digits>
func FormatTail(body []byte) string {
	return fmt.Sprintf("%s%08x", TailPrefix, ComputeChecksum(body))
}

// ParseTail extracts the checksum from a terminator line. The second return
// is false if the line is not a terminator.
func ParseTail(line string) (uint32, bool) {
	if !strings.HasPrefix(line, TailPrefix) || len(line) != len(TailPrefix)+8 {
		return 0, false
	}
	v, err := strconv.ParseUint(line[len(TailPrefix):], 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
