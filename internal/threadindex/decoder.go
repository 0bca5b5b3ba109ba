// Package threadindex decodes the Outlook conversation-index blob carried on
// Exchange messages. The header pins the thread's root timestamp and GUID;
// each subsequent 5-byte block is one reply, so the block count doubles as a
// reply-count hint.
package threadindex

import (
	"encoding/base64"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

const (
	headerLen     = 22
	childBlockLen = 5
)

// filetimeEpoch is 1601-01-01 UTC, the origin of FILETIME ticks.
var filetimeEpoch = time.Date(1601, time.January, 1, 0, 0, 0, 0, time.UTC)

// Child is one reply block: a time delta from the header timestamp plus a
// disambiguating increment for replies landing in the same tick window.
type Child struct {
	DeltaTicks uint32
	Increment  uint8
}

// Index is the decoded conversation index. The zero value means the input
// could not be decoded.
type Index struct {
	Timestamp  time.Time
	GUID       string
	Children   []Child
	ReplyCount int
}

// Decode parses a base64 conversation index. It never fails: malformed input
// (bad base64, fewer than 22 bytes) yields the zero Index, and a trailing
// partial child block is ignored.
func Decode(b64 string) Index {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Index{}
	}
	if len(raw) < headerLen {
		return Index{}
	}

	// Byte 0 is reserved. Bytes 1-5 hold the high 5 bytes of a FILETIME;
	// left-pad to 8 and read big-endian.
	var ft [8]byte
	copy(ft[:5], raw[1:6])
	ticks := binary.BigEndian.Uint64(ft[:])
	ts := filetimeEpoch.Add(time.Duration(ticks) * 100 * time.Nanosecond)

	guid, err := uuid.FromBytes(raw[6:22])
	if err != nil {
		return Index{}
	}

	var children []Child
	for off := headerLen; off+childBlockLen <= len(raw); off += childBlockLen {
		children = append(children, Child{
			DeltaTicks: binary.BigEndian.Uint32(raw[off : off+4]),
			Increment:  raw[off+4],
		})
	}

	return Index{
		Timestamp:  ts,
		GUID:       guid.String(),
		Children:   children,
		ReplyCount: len(children),
	}
}
