package fs

import (
	"k8s.io/klog/v2"

	"github.com/anssi-fr/flashkernel/internal/errs"
	"github.com/anssi-fr/flashkernel/internal/flash"
)

// EditAt overwrites tag's payload at byte offset off with value in place
// when every changed bit is a legal 1→0 clear (spec.md §4.3's
// random-access write rule, grounded on original_source/src/fs/mod.rs's
// edit_at: try the cheap in-place patch first, fall back to a full
// read-modify-write rewrite otherwise, which itself produces a fresh
// Valid block and retires the old one exactly like Write).
func (fs *FileSystem) EditAt(tag []byte, off int, value []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, ok := fs.index[tagKey(tag)]
	if !ok {
		return errs.New(errs.NotFound, "tag %x not found", tag)
	}
	if off < 0 || off+len(value) > e.dataLen {
		return errs.New(errs.InvalidArgument, "offset %d, len %d out of range for %d-byte file", off, len(value), e.dataLen)
	}

	current := make([]byte, len(value))
	if err := fs.device.Read(e.sector, e.payloadOffset+off, current); err != nil {
		return flash.DeviceErr("reading tag %x for in-place edit: %v", tag, err)
	}

	if canClearInPlace(current, value) {
		if err := fs.device.Write(e.sector, e.payloadOffset+off, value); err != nil {
			return flash.DeviceErr("editing tag %x in place: %v", tag, err)
		}
		return nil
	}

	klog.V(2).Infof("fs: edit at tag %x offset %d requires a 0→1 transition, rewriting whole file", tag, off)
	full := make([]byte, e.dataLen)
	if err := fs.device.Read(e.sector, e.payloadOffset, full); err != nil {
		return flash.DeviceErr("reading tag %x for rewrite: %v", tag, err)
	}
	copy(full[off:off+len(value)], value)
	return fs.writeLocked(tag, full)
}

// canClearInPlace reports whether writing want over current is reachable
// by 1→0 bit clears alone, for every byte of the span.
func canClearInPlace(current, want []byte) bool {
	for i := range want {
		if !flash.WouldClearIsLegal(current[i], want[i]) {
			return false
		}
	}
	return true
}
