package fs

import (
	"sort"

	"k8s.io/klog/v2"

	"github.com/anssi-fr/flashkernel/internal/block"
	"github.com/anssi-fr/flashkernel/internal/errs"
)

// metablockTag identifies the transaction metablock described in spec.md
// §4.3. It is a reserved single byte distinct from every domain
// internal/pathname derives (0x00–0x03), so a transaction can never
// collide with a caller-chosen tag.
var metablockTag = []byte{0xFE}

// encodeMembers serializes a list of tags as a sequence of
// (len:u8, tag:u8[len]) entries, sorted for determinism so the same
// member set always produces identical metablock bytes.
func encodeMembers(tags [][]byte) []byte {
	sorted := append([][]byte{}, tags...)
	sort.Slice(sorted, func(i, j int) bool { return string(sorted[i]) < string(sorted[j]) })
	var buf []byte
	for _, t := range sorted {
		buf = append(buf, byte(len(t)))
		buf = append(buf, t...)
	}
	return buf
}

// WriteTransaction atomically commits a batch of tag/data pairs following
// spec.md §4.3's transaction metablock design:
//  1. commit every member's new block to Valid (old versions left alone)
//  2-3. commit the metablock (itself a single atomic NotYetValid→Valid
//     block) listing every member tag
//  4. retire the old version of every member tag
//  5. retire the metablock
//
// If the kernel crashes before step 3, the metablock never becomes Valid
// and init's generic duplicate-tag tie-break is the only recovery that
// runs: some members may already show their new value, others not — the
// same per-tag guarantee ordinary Write gives, with no stronger
// cross-tag atomicity promised for an incomplete transaction. Once the
// metablock is Valid, Init finishes the transaction it left in progress:
// that per-tag tie-break has already happened during its own scan, and
// Init need only retire the metablock to restore the invariant that no
// file is named by a metablock tag.
func (fs *FileSystem) WriteTransaction(members map[string][]byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if len(members) == 0 {
		return errs.New(errs.InvalidArgument, "transaction has no members")
	}

	tags := make([][]byte, 0, len(members))
	olds := make(map[string]entry, len(members))
	for k := range members {
		tag := []byte(k)
		if len(tag) == 0 || len(tag) > block.MaxTagLen {
			return errs.New(errs.InvalidArgument, "tag length %d out of range 1..%d", len(tag), block.MaxTagLen)
		}
		tags = append(tags, tag)
		if old, ok := fs.index[k]; ok {
			olds[k] = old
		}
	}

	// Step 1: commit every member's new block, without retiring the old
	// one yet.
	for _, tag := range tags {
		if err := fs.commitMemberLocked(tag, members[tagKey(tag)]); err != nil {
			return err
		}
	}

	// Steps 2-3: commit the metablock listing every member.
	payload := encodeMembers(tags)
	if err := fs.writeLocked(metablockTag, payload); err != nil {
		return err
	}

	// Step 4: retire every member's old block, now that the transaction
	// is durably committed.
	for k, old := range olds {
		if err := fs.retireAt(old.sector, old.headerOffset, len(k)); err != nil {
			return err
		}
		fs.validBytes[fs.posOf(old.sector)] -= blockLen(len(k), old.dataLen)
	}

	// Step 5: retire the metablock itself.
	meta, ok := fs.index[tagKey(metablockTag)]
	if ok {
		if err := fs.retireAt(meta.sector, meta.headerOffset, len(metablockTag)); err != nil {
			return err
		}
		fs.validBytes[fs.posOf(meta.sector)] -= blockLen(len(metablockTag), meta.dataLen)
		delete(fs.index, tagKey(metablockTag))
	}

	klog.V(1).Infof("fs: committed transaction over %d members", len(tags))
	return nil
}

// commitMemberLocked writes tag's new block without retiring any existing
// Valid block for the same tag — the deferred-retirement half of
// WriteTransaction's step 1. fs.mu is already held.
func (fs *FileSystem) commitMemberLocked(tag, data []byte) error {
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
	newEntry, err := fs.commit(pos, tag, data)
	if err != nil {
		return err
	}
	fs.index[tagKey(tag)] = newEntry
	return nil
}

// finishPendingTransaction implements the resume-at-step-4 recovery rule:
// if the scan just performed by Init found a Valid metablock, the scan's
// own generic tie-break already resolved every member tag to its latest
// version, so the only remaining work is to retire the metablock.
func (fs *FileSystem) finishPendingTransaction() error {
	meta, ok := fs.index[tagKey(metablockTag)]
	if !ok {
		return nil
	}
	klog.V(1).Infof("fs: resuming interrupted transaction, retiring metablock")
	if err := fs.retireAt(meta.sector, meta.headerOffset, len(metablockTag)); err != nil {
		return err
	}
	fs.validBytes[fs.posOf(meta.sector)] -= blockLen(len(metablockTag), meta.dataLen)
	delete(fs.index, tagKey(metablockTag))
	return nil
}

