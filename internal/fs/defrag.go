package fs

import (
	"k8s.io/klog/v2"

	"github.com/anssi-fr/flashkernel/internal/block"
	"github.com/anssi-fr/flashkernel/internal/errs"
	"github.com/anssi-fr/flashkernel/internal/flash"
)

// defragmentUntilAvailable defragments sectors, least space-efficient
// first, until one has room for a fresh block of size bytes, or there is
// nothing left to try (spec.md §4.3's defragmentation algorithm).
//
// Victim priority follows original_source/src/fs/mod.rs's write(): sectors
// are ranked by next_block/valid_size (lowest valid-data ratio defragments
// first, since it has the most garbage to reclaim); a sector holding no
// valid data at all ranks ahead of every other, and sectors with no
// garbage (nextFree == validBytes) are skipped, since defragmenting them
// would recover nothing.
func (fs *FileSystem) defragmentUntilAvailable(size int, tag []byte) error {
	candidates := fs.rankedDefragCandidates()
	for _, pos := range candidates {
		if err := fs.defragmentSector(pos); err != nil {
			return err
		}
		if _, ok := fs.availableSector(size, tag); ok {
			return nil
		}
	}
	return nil // caller re-checks availability and reports NoSpace itself
}

// rankedDefragCandidates returns non-defrag sector positions with
// reclaimable garbage (nextFree > validBytes), ordered worst-ratio-first.
func (fs *FileSystem) rankedDefragCandidates() []int {
	var out []int
	for pos := range fs.sectors {
		if pos == fs.defrag {
			continue
		}
		if fs.nextFree[pos] > fs.validBytes[pos] {
			out = append(out, pos)
		}
	}
	// Insertion sort by ratio next_block/valid_size, highest (most garbage)
	// first (ties keep position order) — the candidate list is always small
	// (bounded by the hardware's sector count), so O(n²) is fine.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && fs.worseThan(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// worseThan reports whether sector a has more reclaimable garbage than b
// (a higher next_block/valid_size ratio), so it should be defragmented
// first.
func (fs *FileSystem) worseThan(a, b int) bool {
	if fs.validBytes[a] == 0 {
		return true
	}
	if fs.validBytes[b] == 0 {
		return false
	}
	// Cross-multiply to avoid floating point: next[a]/valid[a] > next[b]/valid[b]
	return fs.nextFree[a]*fs.validBytes[b] > fs.nextFree[b]*fs.validBytes[a]
}

// defragmentSector compacts sector position pos by copying every Valid
// block it holds into the reserved defrag sector, erasing pos, and then
// rotating the defrag role onto the now-empty pos. The sector that
// received the staged copies keeps them permanently and rejoins the
// regular pool; it is never copied a second time.
//
// This is the interruption-safe shape spec.md §4.3 describes: at every
// point up to and including the rotation, each moved tag has exactly one
// surviving Valid copy that Init's scan will find. A crash before pos is
// erased leaves the original Valid still sitting in pos, untouched, and
// at most a redundant duplicate in the defrag sector — never the other
// way around, so the original is never the copy that goes missing. A
// crash after pos is erased leaves the moved blocks permanently in what
// was the defrag sector and an erased, empty pos; fs.defrag itself does
// not survive a reboot (it is just a field on this in-memory instance),
// so Init's discoverDefragSector rediscovers the rotated role from flash
// content alone — whichever pool sector is found entirely blank — rather
// than trusting a possibly-stale defragPos from the caller.
func (fs *FileSystem) defragmentSector(pos int) error {
	sector := fs.sectors[pos]
	defragPos := fs.defrag
	defragSector := fs.sectors[defragPos]
	klog.V(1).Infof("fs: defragmenting sector %d into staging sector %d", sector, defragSector)
	fs.metrics.DefragRuns.Inc()

	if _, err := fs.copyValidBlocks(sector, defragPos); err != nil {
		return err
	}
	copiedBytes := fs.validBytes[pos]

	if err := fs.device.Erase(sector); err != nil {
		return flash.DeviceErr("erasing sector %d during defrag: %v", sector, err)
	}
	fs.nextFree[pos] = 0
	fs.validBytes[pos] = 0
	fs.metrics.DefragBytes.Add(float64(copiedBytes))

	// Rotate: pos is now an erased sector with nothing on it, exactly
	// what the defrag role requires. The old defrag sector keeps the
	// data it just received and becomes a regular member of the pool.
	fs.defrag = pos
	return nil
}

// copyValidBlocks scans fromSector and re-commits every Valid block it
// finds into sector position toPos, updating the index to point at the
// new location. It returns the tags it moved.
func (fs *FileSystem) copyValidBlocks(fromSector, toPos int) ([][]byte, error) {
	buf := make([]byte, fs.device.SectorSize(fromSector))
	if err := fs.device.Read(fromSector, 0, buf); err != nil {
		return nil, flash.DeviceErr("reading sector %d for defrag: %v", fromSector, err)
	}

	var moved [][]byte
	var copyErr error
	block.Scan(buf, func(rec block.Record) bool {
		if rec.State != block.Valid {
			return true
		}
		data := make([]byte, rec.Header.DataLen)
		copy(data, buf[rec.PayloadOffset:rec.PayloadOffset+int(rec.Header.DataLen)])

		size := blockLen(len(rec.Header.Tag), len(data))
		if fs.nextFree[toPos]+size > fs.device.SectorSize(fs.sectors[toPos]) {
			copyErr = errs.New(errs.NoSpace, "defrag staging sector too small to hold all valid blocks")
			return false
		}
		newEntry, err := fs.commit(toPos, rec.Header.Tag, data)
		if err != nil {
			copyErr = err
			return false
		}
		fs.index[tagKey(rec.Header.Tag)] = newEntry
		moved = append(moved, rec.Header.Tag)
		return true
	})
	return moved, copyErr
}
