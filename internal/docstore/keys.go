package docstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// KeySeparator joins key segments.
const KeySeparator = ":"

// PositionWidth is the zero-padded width of encoded positions; lexicographic order of the
// encoded form equals numeric order for every position below 10^PositionWidth.
const PositionWidth = 6

const maxPosition = 999999

// JoinKey builds a composite key from segments.
func JoinKey(segments ...string) string {
	return strings.Join(segments, KeySeparator)
}

// EncodePosition renders a position as a fixed-width decimal string.
func EncodePosition(position int) string {
	return fmt.Sprintf("%0*d", PositionWidth, position)
}

// DecodePosition parses an encoded position.
func DecodePosition(encoded string) (int, error) {
	if len(encoded) != PositionWidth {
		return 0, fmt.Errorf("encoded position %q: want %d digits", encoded, PositionWidth)
	}
	return strconv.Atoi(encoded)
}

// TimestampSortKey renders t as 13-digit unix milliseconds so prefix scans are chronological.
func TimestampSortKey(t time.Time) string {
	return fmt.Sprintf("%013d", t.UnixMilli())
}

// lastSegment returns the part of key after the final separator.
func lastSegment(key string) string {
	if idx := strings.LastIndex(key, KeySeparator); idx >= 0 {
		return key[idx+len(KeySeparator):]
	}
	return key
}
