// Package fs implements the log-structured, tag-addressed file system of
// spec.md §4.3: an in-RAM tag→location index rebuilt by scanning flash on
// every boot, append-only block commits via internal/block, and
// defragmentation when a sector runs out of trailing free space.
//
// Grounded on original_source/src/fs/mod.rs's FileSystem type: the same
// "don't store a hashmap on disk, rebuild it in RAM" design, the same
// defrag-sector reservation, and the same tie-break rule for a tag with
// two Valid blocks after an interrupted write (keep whichever is later in
// scan order, retire the rest).
package fs

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/anssi-fr/flashkernel/internal/block"
	"github.com/anssi-fr/flashkernel/internal/errs"
	"github.com/anssi-fr/flashkernel/internal/flash"
	"github.com/anssi-fr/flashkernel/internal/metrics"
)

// entry is the in-RAM index record for one tag (spec.md §3, "in-RAM
// index: mapping from tag → (sector id, byte offset of header, payload
// length)").
type entry struct {
	sector        int
	headerOffset  int
	payloadOffset int
	dataLen       int
}

// FileSystem is the kernel-owned singleton described in spec.md §9: single
// writer, lifetime bounded by Init/Drop. It is not safe for concurrent use
// — spec.md §5 guarantees there is never more than one caller.
type FileSystem struct {
	mu sync.Mutex

	device  flash.Device
	sectors []int // physical sector indices this FS instance owns, in priority order
	defrag  int   // position within sectors that is reserved for staging compaction copies

	index map[string]entry

	nextFree   []int // per-sector free-tail offset, parallel to sectors
	validBytes []int // per-sector bytes still claimed by a Valid block, parallel to sectors

	metrics *metrics.Registry
}

// New constructs a FileSystem over device, using sectors (physical sector
// indices) as its storage pool, with sectors[defragPos] reserved as the
// defragmentation staging sector on first use. Init must be called before
// any other operation; Init rediscovers the current defrag sector from
// flash content on every call, so defragPos only matters the first time a
// given device is initialized (or when every pool sector happens to be
// blank) — after a defragmentation pass has rotated the role elsewhere, a
// stale defragPos passed to a later New for the same device is harmless.
func New(device flash.Device, sectors []int, defragPos int, reg *metrics.Registry) (*FileSystem, error) {
	if defragPos < 0 || defragPos >= len(sectors) {
		return nil, errs.New(errs.InvalidArgument, "defrag sector position %d out of range [0,%d)", defragPos, len(sectors))
	}
	if reg == nil {
		reg = metrics.NewUnregistered()
	}
	return &FileSystem{
		device:  device,
		sectors: append([]int{}, sectors...),
		defrag:  defragPos,
		metrics: reg,
	}, nil
}

func tagKey(tag []byte) string { return string(tag) }

// Init scans every non-defrag sector, rebuilds the in-RAM index, resolves
// any duplicate-tag ambiguity left by an interrupted write (I2, §4.3's
// overwrite policy tie-break), finishes a pending transaction if a Valid
// metablock is found, and verifies the on-flash superblock (writing one on
// virgin flash).
func (fs *FileSystem) Init() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.index = make(map[string]entry)
	fs.nextFree = make([]int, len(fs.sectors))
	fs.validBytes = make([]int, len(fs.sectors))

	defrag, err := fs.discoverDefragSector()
	if err != nil {
		return err
	}
	fs.defrag = defrag

	for pos, sector := range fs.sectors {
		if pos == fs.defrag {
			continue
		}
		if err := fs.scanSector(pos, sector); err != nil {
			return err
		}
	}

	if err := fs.finishPendingTransaction(); err != nil {
		return err
	}
	if err := fs.ensureSuperblock(); err != nil {
		return err
	}
	fs.metrics.IndexSize.Set(float64(len(fs.index)))
	klog.V(1).Infof("fs: init complete, %d tags, defrag sector=%d", len(fs.index), fs.sectors[fs.defrag])
	return nil
}

// discoverDefragSector finds which pool position currently plays the
// reserved defrag role, independent of the defragPos the caller passed
// to New: defragmentSector (defrag.go) rotates the role onto whichever
// sector it has just erased, so which physical sector holds the moved
// data and which one is reserved changes over the filesystem's lifetime
// and must be rediscoverable from flash content alone on every boot.
//
// In steady state exactly one pool sector is entirely blank (the
// reserved one — the write path never commits to it). A crash that
// interrupted a defrag pass before the victim sector was erased leaves
// every sector non-blank (the victim still holds its original data, the
// reserved sector holds a partial staged copy); in that case the role
// has not moved yet, so the constructor's defragPos is still correct and
// is kept as a tie-break default.
func (fs *FileSystem) discoverDefragSector() (int, error) {
	var blank []int
	for pos, sector := range fs.sectors {
		buf := make([]byte, fs.device.SectorSize(sector))
		if err := fs.device.Read(sector, 0, buf); err != nil {
			return 0, flash.DeviceErr("reading sector %d to locate the defrag sector: %v", sector, err)
		}
		if block.FreeTail(buf) == 0 {
			blank = append(blank, pos)
		}
	}
	for _, pos := range blank {
		if pos == fs.defrag {
			return pos, nil
		}
	}
	if len(blank) > 0 {
		return blank[0], nil
	}
	return fs.defrag, nil
}

func (fs *FileSystem) scanSector(pos, sector int) error {
	buf := make([]byte, fs.device.SectorSize(sector))
	if err := fs.device.Read(sector, 0, buf); err != nil {
		return flash.DeviceErr("scanning sector %d: %v", sector, err)
	}

	end := 0
	block.Scan(buf, func(rec block.Record) bool {
		end = rec.Offset + rec.Size
		if rec.State != block.Valid {
			return true
		}
		key := tagKey(rec.Header.Tag)
		newEntry := entry{sector: sector, headerOffset: rec.Offset, payloadOffset: rec.PayloadOffset, dataLen: int(rec.Header.DataLen)}
		if old, ok := fs.index[key]; ok {
			// Two Valid blocks for the same tag: keep whichever is later
			// in scan order (this one, since scanning is append-order
			// within a sector and sectors are walked in fixed order),
			// retire the other (spec.md §4.3 overwrite-policy tie-break).
			klog.V(1).Infof("fs: duplicate valid block for tag %x, retiring older copy at sector %d offset %d", rec.Header.Tag, old.sector, old.headerOffset)
			if err := fs.retireAt(old.sector, old.headerOffset, len(rec.Header.Tag)); err != nil {
				klog.Warningf("fs: failed to retire superseded block: %v", err)
			} else {
				fs.validBytes[fs.posOf(old.sector)] -= blockLen(len(rec.Header.Tag), old.dataLen)
			}
		}
		fs.index[key] = newEntry
		fs.validBytes[pos] += rec.Size
		return true
	})
	fs.nextFree[pos] = end
	return nil
}

func (fs *FileSystem) posOf(sector int) int {
	for i, s := range fs.sectors {
		if s == sector {
			return i
		}
	}
	return -1
}

// Drop discards the in-RAM index without touching flash (spec.md §4.3).
func (fs *FileSystem) Drop() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.index = nil
	fs.nextFree = nil
	fs.validBytes = nil
}

// retireAt clears still_valid on the header at (sector, headerOffset),
// whose tag is tagLen bytes long.
func (fs *FileSystem) retireAt(sector, headerOffset, tagLen int) error {
	off := headerOffset + block.RetireOffset(tagLen)
	if err := fs.device.Write(sector, off, []byte{block.RetireByte()}); err != nil {
		return flash.DeviceErr("retiring block at sector %d offset %d: %v", sector, off, err)
	}
	fs.metrics.BlockRetires.Inc()
	return nil
}

// blockLen returns the total on-flash size of a block with the given tag
// and payload lengths.
func blockLen(tagLen, dataLen int) int {
	return block.PaddedSize(block.HeaderSize(tagLen) + dataLen)
}

// isAvailable reports whether sector pos has room for a block of the given
// size without pushing its valid-byte total above what the defrag sector
// could stage (original_source/src/fs/mod.rs's is_available: a sector may
// never hold more valid data than the defrag sector can receive).
func (fs *FileSystem) isAvailable(pos, size int, tag []byte) bool {
	sector := fs.sectors[pos]
	if fs.nextFree[pos]+size > fs.device.SectorSize(sector) {
		return false
	}
	defragCapacity := fs.device.SectorSize(fs.sectors[fs.defrag])
	projected := fs.validBytes[pos] + size
	if old, ok := fs.index[tagKey(tag)]; ok && fs.posOf(old.sector) == pos {
		projected -= blockLen(len(tag), old.dataLen)
	}
	return projected <= defragCapacity
}

// availableSector returns the position, within fs.sectors, of a non-defrag
// sector with room for size bytes while keeping tag's old block accounted
// for (see isAvailable).
func (fs *FileSystem) availableSector(size int, tag []byte) (int, bool) {
	for pos := range fs.sectors {
		if pos == fs.defrag {
			continue
		}
		if fs.isAvailable(pos, size, tag) {
			return pos, true
		}
	}
	return 0, false
}

// commit appends a fresh, fully-published block for tag/data at sector
// position pos, the Block Layer commit algorithm of spec.md §4.2: append
// NotYetValid header+payload, then clear not_yet_valid once fully written.
func (fs *FileSystem) commit(pos int, tag, data []byte) (entry, error) {
	sector := fs.sectors[pos]
	hdr, err := block.EncodeFresh(tag, uint32(len(data)))
	if err != nil {
		return entry{}, err
	}
	offset := fs.nextFree[pos]
	size := blockLen(len(tag), len(data))

	buf := make([]byte, size)
	copy(buf, hdr)
	copy(buf[len(hdr):], data)
	// Padding bytes, and any bytes beyond data_len within the last
	// 4-byte word, are left at 0xFF (spec.md §6): freshly erased sectors
	// already read as 0xFF, so there is nothing to do for padding.

	if err := fs.device.Write(sector, offset, buf[:len(hdr)+len(data)]); err != nil {
		return entry{}, flash.DeviceErr("committing block for tag %x: %v", tag, err)
	}

	// Promote NotYetValid → Valid now that the payload is durable.
	pubOff := offset + block.PublishOffset(len(tag))
	if err := fs.device.Write(sector, pubOff, []byte{block.PublishByte()}); err != nil {
		return entry{}, flash.DeviceErr("publishing block for tag %x: %v", tag, err)
	}
	fs.metrics.BlockCommits.Inc()

	fs.nextFree[pos] += size
	fs.validBytes[pos] += size
	return entry{sector: sector, headerOffset: offset, payloadOffset: offset + len(hdr), dataLen: len(data)}, nil
}

// Exists reports whether tag is present in the index.
func (fs *FileSystem) Exists(tag []byte) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.index[tagKey(tag)]
	return ok
}

// Length returns the payload length of tag.
func (fs *FileSystem) Length(tag []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.index[tagKey(tag)]
	if !ok {
		return 0, errs.New(errs.NotFound, "tag %x not found", tag)
	}
	return e.dataLen, nil
}

// Read copies min(len(dst), length(tag)) bytes of tag's payload into dst,
// returning the number of bytes copied.
func (fs *FileSystem) Read(tag []byte, dst []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.index[tagKey(tag)]
	if !ok {
		return 0, errs.New(errs.NotFound, "tag %x not found", tag)
	}
	n := e.dataLen
	if n > len(dst) {
		n = len(dst)
	}
	if err := fs.device.Read(e.sector, e.payloadOffset, dst[:n]); err != nil {
		return 0, flash.DeviceErr("reading tag %x: %v", tag, err)
	}
	return n, nil
}

// ReadInPlace returns tag's payload as a slice aliasing flash storage when
// the underlying device supports it (flash.InPlaceDevice), falling back to
// a copy otherwise.
func (fs *FileSystem) ReadInPlace(tag []byte) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.index[tagKey(tag)]
	if !ok {
		return nil, errs.New(errs.NotFound, "tag %x not found", tag)
	}
	if ip, ok := fs.device.(flash.InPlaceDevice); ok {
		b, err := ip.ReadInPlace(e.sector, e.payloadOffset, e.dataLen)
		if err != nil {
			return nil, flash.DeviceErr("reading tag %x in place: %v", tag, err)
		}
		return b, nil
	}
	dst := make([]byte, e.dataLen)
	if err := fs.device.Read(e.sector, e.payloadOffset, dst); err != nil {
		return nil, flash.DeviceErr("reading tag %x: %v", tag, err)
	}
	return dst, nil
}

// Write commits a fresh block for tag/data, defragmenting as needed to
// find space, then retires the previous Valid block for the same tag if
// one existed (spec.md §4.3's overwrite policy).
func (fs *FileSystem) Write(tag, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.writeLocked(tag, data)
}

func (fs *FileSystem) writeLocked(tag, data []byte) error {
	if len(tag) == 0 || len(tag) > block.MaxTagLen {
		return errs.New(errs.InvalidArgument, "tag length %d out of range 1..%d", len(tag), block.MaxTagLen)
	}
	size := blockLen(len(tag), len(data))

	pos, ok := fs.availableSector(size, tag)
	if !ok {
		if err := fs.defragmentUntilAvailable(size, tag); err != nil {
			return err
		}
		pos, ok = fs.availableSector(size, tag)
		if !ok {
			return errs.New(errs.NoSpace, "no sector has room for a %d-byte block even after defragmentation", size)
		}
	}

	old, hadOld := fs.index[tagKey(tag)]
	newEntry, err := fs.commit(pos, tag, data)
	if err != nil {
		return err
	}
	fs.index[tagKey(tag)] = newEntry
	if hadOld {
		if err := fs.retireAt(old.sector, old.headerOffset, len(tag)); err != nil {
			return err
		}
		fs.validBytes[fs.posOf(old.sector)] -= blockLen(len(tag), old.dataLen)
	}
	fs.metrics.IndexSize.Set(float64(len(fs.index)))
	return nil
}

// Erase retires tag's Valid block and removes it from the index.
func (fs *FileSystem) Erase(tag []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.index[tagKey(tag)]
	if !ok {
		return errs.New(errs.NotFound, "tag %x not found", tag)
	}
	if err := fs.retireAt(e.sector, e.headerOffset, len(tag)); err != nil {
		return err
	}
	fs.validBytes[fs.posOf(e.sector)] -= blockLen(len(tag), e.dataLen)
	delete(fs.index, tagKey(tag))
	fs.metrics.IndexSize.Set(float64(len(fs.index)))
	return nil
}
