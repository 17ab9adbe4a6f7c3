package fs

import (
	"bytes"
	"testing"

	"github.com/anssi-fr/flashkernel/internal/block"
	"github.com/anssi-fr/flashkernel/internal/flash/memdevice"
)

func newTestFS(t *testing.T, numSectors, sectorSize int) (*FileSystem, *memdevice.Device) {
	t.Helper()
	dev := memdevice.NewUniform(numSectors, sectorSize)
	sectors := make([]int, numSectors)
	for i := range sectors {
		sectors[i] = i
	}
	f, err := New(dev, sectors, numSectors-1, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return f, dev
}

func TestInitWritesSuperblockOnVirginFlash(t *testing.T) {
	f, _ := newTestFS(t, 3, 128)
	if !f.Exists(superblockTag) {
		t.Fatal("expected superblock tag to exist after Init")
	}
}

func TestReinitVerifiesExistingSuperblock(t *testing.T) {
	dev := memdevice.NewUniform(3, 128)
	sectors := []int{0, 1, 2}
	f1, err := New(dev, sectors, 2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f1.Init(); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	f1.Drop()

	f2, err := New(dev, sectors, 2, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f2.Init(); err != nil {
		t.Fatalf("second Init against same device: %v", err)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	f, _ := newTestFS(t, 3, 128)
	tag := []byte{0x02, 0x01, 0x05}
	want := []byte("hello flash")
	if err := f.Write(tag, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(want))
	n, err := f.Read(tag, got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(want) || !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got[:n], want)
	}
}

func TestReadInPlaceAliasesDevice(t *testing.T) {
	f, _ := newTestFS(t, 3, 128)
	tag := []byte{0x02, 0x01, 0x06}
	if err := f.Write(tag, []byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	view, err := f.ReadInPlace(tag)
	if err != nil {
		t.Fatalf("ReadInPlace: %v", err)
	}
	if string(view) != "abc" {
		t.Fatalf("got %q, want %q", view, "abc")
	}
}

func TestOverwriteRetiresOldBlock(t *testing.T) {
	f, _ := newTestFS(t, 3, 128)
	tag := []byte{0x02, 0x01, 0x07}
	if err := f.Write(tag, []byte("v1")); err != nil {
		t.Fatalf("Write v1: %v", err)
	}
	if err := f.Write(tag, []byte("v2-longer")); err != nil {
		t.Fatalf("Write v2: %v", err)
	}
	got := make([]byte, 16)
	n, err := f.Read(tag, got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got[:n]) != "v2-longer" {
		t.Fatalf("got %q, want %q", got[:n], "v2-longer")
	}
}

func TestEraseRemovesTag(t *testing.T) {
	f, _ := newTestFS(t, 3, 128)
	tag := []byte{0x02, 0x01, 0x08}
	if err := f.Write(tag, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Erase(tag); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if f.Exists(tag) {
		t.Fatal("expected tag to be gone after Erase")
	}
	if _, err := f.Read(tag, make([]byte, 1)); err == nil {
		t.Fatal("expected error reading an erased tag")
	}
}

func TestReadMissingTagReturnsNotFound(t *testing.T) {
	f, _ := newTestFS(t, 3, 128)
	_, err := f.Read([]byte{0x02, 0x01, 0x09}, make([]byte, 1))
	if err == nil {
		t.Fatal("expected NotFound error")
	}
}

func TestWriteRejectsTagOutOfRange(t *testing.T) {
	f, _ := newTestFS(t, 3, 128)
	if err := f.Write(nil, []byte("x")); err == nil {
		t.Fatal("expected error for empty tag")
	}
	tooLong := make([]byte, 64)
	if err := f.Write(tooLong, []byte("x")); err == nil {
		t.Fatal("expected error for over-length tag")
	}
}

// TestDuplicateValidBlockTieBreakOnRescan models a torn write where two
// Valid blocks for the same tag exist on a re-scanned device: Init must
// keep the later one and retire the earlier one.
func TestDuplicateValidBlockTieBreakOnRescan(t *testing.T) {
	f, dev := newTestFS(t, 3, 256)
	tag := []byte{0x02, 0x01, 0x0A}
	if err := f.Write(tag, []byte("first")); err != nil {
		t.Fatalf("Write first: %v", err)
	}
	// Commit the second version directly rather than through Write, so
	// the first block is never retired and both stay Valid on flash.
	second := []byte("second")
	pos, ok := f.availableSector(blockLen(len(tag), len(second)), tag)
	if !ok {
		t.Fatal("expected an available sector for the second block")
	}
	if _, err := f.commit(pos, tag, second); err != nil {
		t.Fatalf("commit second: %v", err)
	}
	f.Drop()

	f2, err := New(dev, f.sectors, f.defrag, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f2.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	got := make([]byte, 16)
	n, err := f2.Read(tag, got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got[:n]) != "second" {
		t.Fatalf("got %q, want %q", got[:n], "second")
	}
}

func TestDefragmentationReclaimsGarbage(t *testing.T) {
	f, _ := newTestFS(t, 3, 256)
	tag := []byte{0x02, 0x01, 0x0B}
	// Fill sectors 0 and 1 with overwrites of the same tag to generate
	// garbage until a fresh write forces a defragmentation pass.
	payload := bytes.Repeat([]byte("x"), 16)
	for i := 0; i < 20; i++ {
		if err := f.Write(tag, payload); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	if f.defrag == 2 {
		t.Fatal("expected a defragmentation pass to rotate the defrag sector away from position 2")
	}
	got := make([]byte, 16)
	n, err := f.Read(tag, got)
	if err != nil {
		t.Fatalf("Read after defrag pressure: %v", err)
	}
	if !bytes.Equal(got[:n], payload) {
		t.Fatalf("got %q, want %q", got[:n], payload)
	}
}

func TestEditAtClearsBitsInPlace(t *testing.T) {
	f, _ := newTestFS(t, 3, 256)
	tag := []byte{0x02, 0x01, 0x0F}
	if err := f.Write(tag, []byte{0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.EditAt(tag, 1, []byte{0x00}); err != nil {
		t.Fatalf("EditAt: %v", err)
	}
	got := make([]byte, 4)
	if _, err := f.Read(tag, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []byte{0xFF, 0x00, 0xFF, 0xFF}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestEditAtRewritesWhenBitsWouldSet(t *testing.T) {
	f, _ := newTestFS(t, 3, 256)
	tag := []byte{0x02, 0x01, 0x10}
	if err := f.Write(tag, []byte{0x00, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.EditAt(tag, 0, []byte{0xFF}); err != nil {
		t.Fatalf("EditAt: %v", err)
	}
	got := make([]byte, 4)
	if _, err := f.Read(tag, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []byte{0xFF, 0x00, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestEditAtRejectsOutOfRangeOffset(t *testing.T) {
	f, _ := newTestFS(t, 3, 256)
	tag := []byte{0x02, 0x01, 0x11}
	if err := f.Write(tag, []byte{0xFF, 0xFF}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.EditAt(tag, 1, []byte{0x00, 0x00}); err == nil {
		t.Fatal("expected an error editing past the end of the payload")
	}
}

func TestWriteTransactionCommitsAllMembersAtomically(t *testing.T) {
	f, _ := newTestFS(t, 3, 256)
	tagA := string([]byte{0x02, 0x01, 0x0C})
	tagB := string([]byte{0x02, 0x01, 0x0D})
	members := map[string][]byte{
		tagA: []byte("alpha"),
		tagB: []byte("beta"),
	}
	if err := f.WriteTransaction(members); err != nil {
		t.Fatalf("WriteTransaction: %v", err)
	}
	for tag, want := range members {
		got := make([]byte, 16)
		n, err := f.Read([]byte(tag), got)
		if err != nil {
			t.Fatalf("Read %x: %v", tag, err)
		}
		if !bytes.Equal(got[:n], want) {
			t.Fatalf("tag %x: got %q, want %q", tag, got[:n], want)
		}
	}
	if f.Exists(metablockTag) {
		t.Fatal("expected metablock to be retired after a completed transaction")
	}
}

func TestWriteTransactionRejectsEmptyMemberSet(t *testing.T) {
	f, _ := newTestFS(t, 3, 256)
	if err := f.WriteTransaction(map[string][]byte{}); err == nil {
		t.Fatal("expected error for empty transaction")
	}
}

// TestPowerLossBeforePublishReturnsPreWriteValue models seed scenario 7 of
// spec.md §8's P4: power is lost after a new block's header and payload
// are durably programmed but before not_yet_valid is cleared. On reboot
// the new block is still NotYetValid and scanSector skips it, so Read
// must keep returning the value the tag held before the aborted write.
func TestPowerLossBeforePublishReturnsPreWriteValue(t *testing.T) {
	f, dev := newTestFS(t, 3, 256)
	tag := []byte{0x02, 0x01, 0x12}
	if err := f.Write(tag, []byte("old")); err != nil {
		t.Fatalf("Write old: %v", err)
	}

	newData := []byte("newer")
	size := blockLen(len(tag), len(newData))
	pos, ok := f.availableSector(size, tag)
	if !ok {
		t.Fatal("expected an available sector for the new block")
	}
	sector := f.sectors[pos]
	offset := f.nextFree[pos]
	pubOff := offset + block.PublishOffset(len(tag))

	// pubOff is programmed twice: once as part of the header+payload write
	// (still carrying its unwritten 0xFF value, a no-op), and again, on
	// its own, to actually clear not_yet_valid. Abort only the second
	// occurrence, so the header and payload land durably and only the
	// publish step is lost.
	seenPubOff := 0
	dev.SetWriteHook(func(s, off int) bool {
		if s == sector && off == pubOff {
			seenPubOff++
			return seenPubOff >= 2
		}
		return false
	})
	// Call commit directly rather than Write: a real power loss at this
	// instant would halt execution before the caller ever retired the
	// previous block, so the test must not run that step either.
	if _, err := f.commit(pos, tag, newData); err != nil {
		t.Fatalf("commit: %v", err)
	}
	dev.SetWriteHook(nil)
	f.Drop()

	f2, err := New(dev, f.sectors, f.defrag, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f2.Init(); err != nil {
		t.Fatalf("Init after simulated power loss: %v", err)
	}
	got := make([]byte, 16)
	n, err := f2.Read(tag, got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got[:n]) != "old" {
		t.Fatalf("got %q, want %q (the pre-write value)", got[:n], "old")
	}
}

// TestPowerLossMidDefragKeepsOriginalsReadable models power loss partway
// through defragmentSector's copy-forward phase: the victim sector still
// holds its original Valid blocks untouched, so they must survive a
// simulated reboot even though the defrag copy never finished.
func TestPowerLossMidDefragKeepsOriginalsReadable(t *testing.T) {
	f, dev := newTestFS(t, 3, 256)
	tagA := []byte{0x02, 0x01, 0x13}
	tagB := []byte{0x02, 0x01, 0x14}
	payload := bytes.Repeat([]byte("x"), 16)

	// Generate enough garbage in sector 0 that a defrag pass is needed,
	// leaving tagA's final value as the last, still-valid write there.
	for i := 0; i < 8; i++ {
		if err := f.Write(tagA, payload); err != nil {
			t.Fatalf("Write tagA %d: %v", i, err)
		}
	}
	if err := f.Write(tagB, []byte("beta")); err != nil {
		t.Fatalf("Write tagB: %v", err)
	}

	candidates := f.rankedDefragCandidates()
	if len(candidates) == 0 {
		t.Fatal("expected a defrag candidate after repeated overwrites")
	}
	victim := candidates[0]

	// Abort the instant the copy-forward phase starts writing to the
	// staging sector, and keep aborting every write after that: once
	// power is gone nothing further reaches flash. A real power loss here
	// halts execution before defragmentSector ever reaches its
	// Erase(sector) call, so the test stops at the same point rather than
	// letting it run — calling copyValidBlocks directly and never calling
	// Erase is what models a halt instead of a device that quietly drops
	// one write and then keeps going.
	defragSector := f.sectors[f.defrag]
	aborted := false
	dev.SetWriteHook(func(s, off int) bool {
		if s == defragSector {
			aborted = true
		}
		return aborted
	})
	_, _ = f.copyValidBlocks(f.sectors[victim], f.defrag) // error ignored: the hook models a halt, not a reported failure
	dev.SetWriteHook(nil)
	f.Drop()

	f2, err := New(dev, f.sectors, f.defrag, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f2.Init(); err != nil {
		t.Fatalf("Init after simulated power loss mid-defrag: %v", err)
	}
	got := make([]byte, 16)
	n, err := f2.Read(tagA, got)
	if err != nil {
		t.Fatalf("Read tagA: %v", err)
	}
	if !bytes.Equal(got[:n], payload) {
		t.Fatalf("tagA: got %q, want %q", got[:n], payload)
	}
	n, err = f2.Read(tagB, got)
	if err != nil {
		t.Fatalf("Read tagB: %v", err)
	}
	if string(got[:n]) != "beta" {
		t.Fatalf("tagB: got %q, want %q", got[:n], "beta")
	}
}

// TestInterruptedTransactionMetablockIsRetiredOnInit models a crash right
// after the metablock became Valid (step 3) but before step 5 retired it:
// the next Init must finish the job and remove the metablock tag.
func TestInterruptedTransactionMetablockIsRetiredOnInit(t *testing.T) {
	f, dev := newTestFS(t, 3, 256)
	tagA := []byte{0x02, 0x01, 0x0E}
	if err := f.commitMemberLocked(tagA, []byte("gamma")); err != nil {
		t.Fatalf("commitMemberLocked: %v", err)
	}
	payload := encodeMembers([][]byte{tagA})
	if err := f.writeLocked(metablockTag, payload); err != nil {
		t.Fatalf("writing metablock: %v", err)
	}
	f.Drop()

	f2, err := New(dev, f.sectors, f.defrag, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f2.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if f2.Exists(metablockTag) {
		t.Fatal("expected metablock to be retired by recovery")
	}
	got := make([]byte, 16)
	n, err := f2.Read(tagA, got)
	if err != nil {
		t.Fatalf("Read recovered member: %v", err)
	}
	if string(got[:n]) != "gamma" {
		t.Fatalf("got %q, want %q", got[:n], "gamma")
	}
}
