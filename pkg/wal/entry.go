package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Frame layout: crc32c(4) | bodyLen(4) | kindLen(1) | kind | data.
// The checksum covers everything after itself.
const (
	frameHeader = 8
	maxKindLen  = 255
	maxBodyLen  = 64 << 20
)

var (
	// ErrCorrupt reports a frame whose checksum or lengths do not match.
	ErrCorrupt = errors.New("wal: corrupt frame")

	errPartial = errors.New("wal: partial frame")
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

// Entry is one record in the log. Offset is the byte position of the frame
// and is filled in on Append and Replay.
type Entry struct {
	Kind   string
	Data   []byte
	Offset int64
}

func encodeFrame(e Entry) ([]byte, error) {
	if e.Kind == "" || len(e.Kind) > maxKindLen {
		return nil, fmt.Errorf("wal: invalid kind %q", e.Kind)
	}
	body := 1 + len(e.Kind) + len(e.Data)
	if body > maxBodyLen {
		return nil, fmt.Errorf("wal: entry too large (%d bytes)", body)
	}
	buf := make([]byte, frameHeader+body)
	binary.BigEndian.PutUint32(buf[4:8], uint32(body))
	buf[8] = byte(len(e.Kind))
	copy(buf[9:], e.Kind)
	copy(buf[9+len(e.Kind):], e.Data)
	binary.BigEndian.PutUint32(buf[0:4], crc32.Checksum(buf[4:], castagnoli))
	return buf, nil
}

// decodeFrame parses the frame at the start of buf and returns the entry
// plus the frame size. A short buffer yields errPartial.
func decodeFrame(buf []byte) (Entry, int, error) {
	if len(buf) < frameHeader {
		return Entry{}, 0, errPartial
	}
	body := int(binary.BigEndian.Uint32(buf[4:8]))
	if body < 2 || body > maxBodyLen {
		return Entry{}, 0, ErrCorrupt
	}
	if len(buf) < frameHeader+body {
		return Entry{}, 0, errPartial
	}
	frame := buf[:frameHeader+body]
	if binary.BigEndian.Uint32(frame[0:4]) != crc32.Checksum(frame[4:], castagnoli) {
		return Entry{}, 0, ErrCorrupt
	}
	kindLen := int(frame[8])
	if kindLen == 0 || 1+kindLen > body {
		return Entry{}, 0, ErrCorrupt
	}
	data := make([]byte, body-1-kindLen)
	copy(data, frame[9+kindLen:])
	return Entry{Kind: string(frame[9 : 9+kindLen]), Data: data}, len(frame), nil
}
