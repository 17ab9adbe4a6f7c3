// Package block implements the on-flash record framing described in
// spec.md §4.2 and §6: a tag-identified header followed by its payload,
// with a two-bit validity state machine that can only move forward by
// clearing bits (1→0), never by setting them.
//
// The wire layout extends spec.md §6's documented header
// (tag_len:u8 | tag | data_len:u32le | valid_flags:u16) with one checksum
// byte, resolving the open "header checksum?" question in spec.md §9 the
// way original_source/src/fs/mod.rs does: a CRC-8 computed over the header
// with the validity bits pinned to zero, so the checksum is unaffected by
// the block's own state transitions.
package block

import (
	"encoding/binary"
	"fmt"

	"github.com/anssi-fr/flashkernel/internal/errs"
)

// MaxTagLen is the largest tag length the format can carry (spec.md §3).
const MaxTagLen = 32

// Align is the byte alignment blocks and their header must start on.
const Align = 4

const (
	flagStillValid   = 1 << 0
	flagNotYetValid  = 1 << 1
	flagsReservedHi  = 0xFF // upper byte of valid_flags is unused, held at 0xFF
	flagsUnwritten   = 0xFF // lower byte before anything is cleared
)

// State is one of the three points in a block header's validity lifecycle.
type State int

const (
	// Erased means the scanner found unwritten (all 0xFF) space: the
	// rest of the sector is free.
	Erased State = iota
	// NotYetValid means the header is committed but the payload is not
	// (or the publish bit has not been cleared yet).
	NotYetValid
	// Valid means this is the block a lookup should return.
	Valid
	// Invalid means this block has been retired.
	Invalid
	// Corrupt means the header failed to parse (length fields pointing
	// past the sector, or an impossible flag combination); the scanner
	// must stop and presume the remainder of the sector is free space.
	Corrupt
)

// Header is the decoded form of a block's on-flash prefix.
type Header struct {
	TagLen  byte
	Tag     []byte
	DataLen uint32

	StillValid  bool
	NotYetValid bool

	CRC byte
}

// HeaderSize returns the encoded header size (excluding payload) for a tag
// of the given length.
func HeaderSize(tagLen int) int {
	return 1 + tagLen + 4 + 2 + 1
}

// PaddedSize rounds n up to the block alignment.
func PaddedSize(n int) int {
	return (n + Align - 1) &^ (Align - 1)
}

func crc8(data []byte) byte {
	// CRC-8/ATM (poly 0x07, init 0x00, no reflect) — a small, well known
	// polynomial adequate for catching torn writes, not an adversary.
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func checksumInput(tagLen byte, tag []byte, dataLen uint32) []byte {
	buf := make([]byte, 1+len(tag)+4+2)
	buf[0] = tagLen
	copy(buf[1:], tag)
	binary.LittleEndian.PutUint32(buf[1+len(tag):], dataLen)
	// valid_flags pinned to zero for checksum purposes, regardless of the
	// block's actual current state.
	buf[1+len(tag)+4] = 0
	buf[1+len(tag)+5] = 0
	return buf
}

// EncodeFresh encodes the header for a brand-new block: both validity bits
// in their initial (unset, i.e. bit=1) state, a non-yet-committed block
// that the scanner will treat as NotYetValid.
func EncodeFresh(tag []byte, dataLen uint32) ([]byte, error) {
	if len(tag) == 0 || len(tag) > MaxTagLen {
		return nil, errs.New(errs.InvalidArgument, "tag length %d out of range 1..%d", len(tag), MaxTagLen)
	}
	buf := make([]byte, HeaderSize(len(tag)))
	buf[0] = byte(len(tag))
	copy(buf[1:], tag)
	binary.LittleEndian.PutUint32(buf[1+len(tag):], dataLen)
	buf[1+len(tag)+4] = flagsUnwritten
	buf[1+len(tag)+5] = flagsReservedHi
	buf[1+len(tag)+6] = crc8(checksumInput(byte(len(tag)), tag, dataLen))
	return buf, nil
}

// PublishOffset returns the offset, relative to the start of the header,
// of the byte that must be reprogrammed to clear not_yet_valid.
func PublishOffset(tagLen int) int {
	return 1 + tagLen + 4
}

// RetireOffset returns the offset, relative to the start of the header, of
// the same flags byte used to clear still_valid (it is the same byte as
// PublishOffset — both bits live in the low flags byte).
func RetireOffset(tagLen int) int {
	return PublishOffset(tagLen)
}

// PublishByte is the value to program over the flags byte to transition
// NotYetValid → Valid.
func PublishByte() byte { return flagsUnwritten &^ flagNotYetValid }

// RetireByte is the value to program over the flags byte to transition
// Valid → Invalid. It clears still_valid without attempting to re-set
// not_yet_valid, which a 1→0-only device could not do anyway.
func RetireByte() byte { return PublishByte() &^ flagStillValid }

// Decode parses one header starting at buf[0], returning the header, its
// validity state, and the total on-flash size (header+padded payload) it
// occupies. State is Erased or Corrupt when no valid Header is returned.
func Decode(buf []byte) (Header, State, int) {
	if len(buf) < 1 {
		return Header{}, Corrupt, 0
	}
	tagLen := buf[0]
	if tagLen == 0xFF {
		return Header{}, Erased, 0
	}
	if tagLen == 0 || int(tagLen) > MaxTagLen {
		return Header{}, Corrupt, 0
	}
	hdrSize := HeaderSize(int(tagLen))
	if len(buf) < hdrSize {
		return Header{}, Corrupt, 0
	}
	tag := make([]byte, tagLen)
	copy(tag, buf[1:1+tagLen])
	dataLen := binary.LittleEndian.Uint32(buf[1+int(tagLen):])
	if dataLen == 0xFFFFFFFF {
		return Header{}, Corrupt, 0
	}
	flagsLo := buf[1+int(tagLen)+4]
	crc := buf[1+int(tagLen)+6]

	h := Header{
		TagLen:      tagLen,
		Tag:         tag,
		DataLen:     dataLen,
		NotYetValid: flagsLo&flagNotYetValid != 0,
		StillValid:  flagsLo&flagStillValid != 0,
		CRC:         crc,
	}

	wantCRC := crc8(checksumInput(tagLen, tag, dataLen))
	if crc != wantCRC {
		return h, Corrupt, 0
	}

	total := PaddedSize(hdrSize + int(dataLen))
	if total < 0 || total > len(buf) {
		return h, Corrupt, 0
	}

	switch {
	case h.NotYetValid && h.StillValid:
		return h, NotYetValid, total
	case !h.NotYetValid && h.StillValid:
		return h, Valid, total
	case !h.NotYetValid && !h.StillValid:
		return h, Invalid, total
	default:
		// still_valid cleared while not_yet_valid is still set: the block
		// was retired without ever being published, which the
		// monotonicity invariant (I2) rules out.
		return h, Corrupt, 0
	}
}

// Record is one header+state+location yielded by Scan.
type Record struct {
	Header Header
	State  State
	// Offset is the byte offset of the header within the sector.
	Offset int
	// PayloadOffset is the byte offset of the payload within the sector.
	PayloadOffset int
	// Size is the total on-flash size (header + padded payload).
	Size int
}

// Scan walks sectorData from the start, yielding one Record per block
// until it reaches erased space or a corrupt header — at which point, per
// spec.md §4.2's scan rule, the rest of the sector is presumed free and
// scanning stops.
func Scan(sectorData []byte, yield func(Record) bool) {
	offset := 0
	for offset < len(sectorData) {
		h, state, size := Decode(sectorData[offset:])
		if state == Erased || state == Corrupt {
			return
		}
		rec := Record{
			Header:        h,
			State:         state,
			Offset:        offset,
			PayloadOffset: offset + HeaderSize(int(h.TagLen)),
			Size:          size,
		}
		if !yield(rec) {
			return
		}
		offset += size
	}
}

// FreeTail returns the byte offset at which the first erased (0xFF
// tag_len byte) header would begin, i.e. the start of free space, by
// scanning sectorData. Returns len(sectorData) if the scan finds no free
// space before the end (the sector is full or the last header is
// corrupt — callers should treat a corrupt tail the same as full, since
// nothing more can safely be appended there).
func FreeTail(sectorData []byte) int {
	offset := 0
	for offset < len(sectorData) {
		_, state, size := Decode(sectorData[offset:])
		if state == Erased {
			return offset
		}
		if state == Corrupt {
			return len(sectorData)
		}
		offset += size
	}
	return offset
}

func (s State) String() string {
	switch s {
	case Erased:
		return "erased"
	case NotYetValid:
		return "not-yet-valid"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Corrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("block.State(%d)", int(s))
	}
}
