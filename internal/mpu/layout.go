package mpu

import "github.com/anssi-fr/flashkernel/internal/errs"

// MaxHardwareRegions is the typical ARMv7-M MPU region budget named in
// spec.md §3.
const MaxHardwareRegions = 8

// nextPow2 returns the smallest power of two >= n (or MinSize, whichever
// is larger) — the rounding spec.md §6 requires of every region size.
func nextPow2(n uint32) uint32 {
	if n < MinSize {
		n = MinSize
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Map is the link-time memory map spec.md §6 describes: the base
// addresses and sizes the linker script would otherwise compute and
// export as symbols. Sizes given here are the *requested* sizes; Build
// rounds each up to a power of two and places bases at the next
// naturally-aligned address, exactly as a linker script's ". = ALIGN(...)"
// directives would.
type Map struct {
	FlashLoaderBase, FlashLoaderSize uint32
	FlashCodeBase, FlashCodeSize     uint32

	OSStackSize, OSHeapSize uint32
	RAMBase                 uint32

	SharedROSize uint32
	SharedRWSize uint32 // includes the argument buffer

	// ContextStackSize is the size reserved for one active context's
	// private stack region (rotated into the ContextStack slot).
	ContextStackSize uint32
}

// DefaultMap is spec.md §6's default memory map.
var DefaultMap = Map{
	FlashLoaderBase: 0x08000000,
	FlashLoaderSize: 16 * 1024,
	FlashCodeBase:   0x08004000,
	FlashCodeSize:   128 * 1024,

	RAMBase:     0x20000000,
	OSStackSize: 2 * 1024,
	OSHeapSize:  2 * 1024,

	SharedROSize: 1 * 1024,
	SharedRWSize: 4 * 1024,

	ContextStackSize: 2 * 1024,
}

// align rounds addr up to a multiple of size (size must be a power of two).
func align(addr, size uint32) uint32 {
	if size == 0 {
		return addr
	}
	return (addr + size - 1) &^ (size - 1)
}

// Build lays out the static portion of the schedule (everything except
// the rotating per-context stack region, which Context managers install
// via Schedule.Regions append at enter()) from m, rounding every size up
// to a power of two and aligning every base naturally, then validates the
// result — the Go equivalent of the linker-script assertions spec.md §6
// requires ("size = 1 << ceil(log2(size))" and "base & (size-1) == 0").
func (m Map) Build() (Schedule, error) {
	osSize := nextPow2(m.OSStackSize + m.OSHeapSize)
	roSize := nextPow2(m.SharedROSize)
	rwSize := nextPow2(m.SharedRWSize)
	loaderSize := nextPow2(m.FlashLoaderSize)
	codeSize := nextPow2(m.FlashCodeSize)

	osBase := align(m.RAMBase, osSize)
	roBase := align(osBase+osSize, roSize)
	rwBase := align(roBase+roSize, rwSize)

	sched := Schedule{Regions: []Region{
		{Name: FlashLoader, Base: align(m.FlashLoaderBase, loaderSize), Size: loaderSize, Privileged: AccessRX, Unprivileged: AccessNone},
		{Name: FlashCode, Base: align(m.FlashCodeBase, codeSize), Size: codeSize, Privileged: AccessRX, Unprivileged: AccessRX},
		{Name: OSPrivate, Base: osBase, Size: osSize, Privileged: AccessRW, Unprivileged: AccessNone},
		{Name: SharedRO, Base: roBase, Size: roSize, Privileged: AccessR, Unprivileged: AccessR},
		{Name: SharedRW, Base: rwBase, Size: rwSize, Privileged: AccessRW, Unprivileged: AccessRW},
	}}

	if err := sched.Validate(MaxHardwareRegions); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// ContextStackRegion builds the rotating private-stack region for a given
// context's reserved RAM span, validating invariant I5 for it too.
func ContextStackRegion(base uint32, size uint32) (Region, error) {
	r := Region{
		Name:         ContextStack,
		Base:         base,
		Size:         nextPow2(size),
		Privileged:   AccessRW,
		Unprivileged: AccessRW,
	}
	if err := r.Validate(); err != nil {
		return Region{}, err
	}
	return r, nil
}

// ArgBufOffset is the word-aligned offset within SharedRW at which the
// argument buffer begins, leaving room at the front of the region for the
// per-context standard-library reentrancy blocks (spec.md §9).
const ArgBufOffset = 256

// DefaultArgBufSize is the link-time constant size of the argument buffer
// (spec.md §4.6).
const DefaultArgBufSize = 1024

// ValidateArgBuf checks that the argument buffer fits within the shared RW
// region after ArgBufOffset, erroring the way a linker script's size
// assertion would.
func ValidateArgBuf(sharedRWSize uint32) error {
	if ArgBufOffset%4 != 0 {
		return errs.New(errs.InvalidArgument, "argument buffer offset %d is not word-aligned", ArgBufOffset)
	}
	if uint32(ArgBufOffset+DefaultArgBufSize) > sharedRWSize {
		return errs.New(errs.InvalidArgument, "argument buffer (offset %d, size %d) does not fit shared RW region of size %d", ArgBufOffset, DefaultArgBufSize, sharedRWSize)
	}
	return nil
}
