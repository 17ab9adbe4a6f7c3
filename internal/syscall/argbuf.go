package syscall

import (
	"encoding/binary"

	"github.com/anssi-fr/flashkernel/internal/errs"
)

// ArgBuf is the fixed-size scratch region spec.md §4.6 describes: a
// word-aligned byte buffer in shared RW carrying a 4-byte little-endian
// length prefix followed by payload bytes, grounded on
// original_source/src/argbuf.rs's get_argbuf_len/argbuf_buf layout.
type ArgBuf struct {
	buf []byte
}

// NewArgBuf allocates an ArgBuf of the given total size (length prefix
// included), as the link-time-sized region mpu.DefaultArgBufSize names.
func NewArgBuf(size int) *ArgBuf {
	if size < 4 {
		size = 4
	}
	return &ArgBuf{buf: make([]byte, size)}
}

// Size returns the buffer's total capacity, including the length prefix.
func (a *ArgBuf) Size() int { return len(a.buf) }

// Capacity returns the largest payload the buffer can hold.
func (a *ArgBuf) Capacity() int { return len(a.buf) - 4 }

func (a *ArgBuf) length() int { return int(binary.LittleEndian.Uint32(a.buf[:4])) }

func (a *ArgBuf) setLength(n int) { binary.LittleEndian.PutUint32(a.buf[:4], uint32(n)) }

// Payload returns the buffer's current content without clearing it —
// the read half of a syscall handler's own request/response exchange,
// as opposed to the userland-facing Get below.
func (a *ArgBuf) Payload() []byte {
	n := a.length()
	out := make([]byte, n)
	copy(out, a.buf[4:4+n])
	return out
}

// SetPayload overwrites the buffer's content in place, without the
// zero-and-reset side effect Get below performs — used by a syscall
// handler to write its response for the caller to retrieve.
func (a *ArgBuf) SetPayload(data []byte) error {
	if len(data) > a.Capacity() {
		return errs.New(errs.InvalidArgument, "argument buffer overflow: %d bytes, capacity %d", len(data), a.Capacity())
	}
	copy(a.buf[4:], data)
	a.setLength(len(data))
	return nil
}

// Set is the userland side of original_source's set_argbuf: stage data
// into the buffer ahead of a syscall that reads it as a request.
func (a *ArgBuf) Set(data []byte) error {
	return a.SetPayload(data)
}

// Get is the userland side of original_source's get_argbuf: drain the
// buffer's current content (a syscall's response) and zero it, so the
// next request starts from a clean slate.
func (a *ArgBuf) Get() []byte {
	out := a.Payload()
	for i := 4; i < 4+len(out); i++ {
		a.buf[i] = 0
	}
	a.setLength(0)
	return out
}
