// Package mpu models the fixed MPU region schedule of spec.md §4.4: a
// small, bounded set of (base, size, access) regions, each naturally
// aligned and power-of-two sized, that the context manager and syscall
// entry path consult on every privilege transition.
//
// Real register programming (the vendor HAL poking MPU_RBAR/MPU_RASR) is
// the excluded "vendor HAL" external collaborator from spec.md §1; this
// package owns only the region *model* — validation, the fixed schedule,
// and a host-testable Shadow that mirrors what would be programmed, which
// is exactly the split spec.md §6 draws between the core and the emulator
// harness.
package mpu

import (
	"fmt"

	"github.com/anssi-fr/flashkernel/internal/errs"
)

// Access is the permission mask granted to a region.
type Access uint8

const (
	AccessNone Access = 0
	AccessR    Access = 1 << 0
	AccessW    Access = 1 << 1
	AccessX    Access = 1 << 2

	AccessRO  = AccessR
	AccessRW  = AccessR | AccessW
	AccessRX  = AccessR | AccessX
)

func (a Access) String() string {
	s := ""
	if a&AccessR != 0 {
		s += "R"
	}
	if a&AccessW != 0 {
		s += "W"
	}
	if a&AccessX != 0 {
		s += "X"
	}
	if s == "" {
		return "-"
	}
	return s
}

// MinSize is the smallest size the hardware MPU can describe a region
// with (ARMv7-M: 32 bytes).
const MinSize = 32

// Name identifies one of the fixed regions in the spec.md §4.4 schedule.
type Name string

const (
	FlashLoader   Name = "flash-loader"
	FlashCode     Name = "flash-code"
	OSPrivate     Name = "os-private"
	SharedRO      Name = "shared-ro"
	SharedRW      Name = "shared-rw"
	ContextStack  Name = "context-stack" // rotated per active context
)

// Region is one fixed-hardware-region-index slot: a naturally aligned,
// power-of-two-sized span with separate privileged/unprivileged access
// masks, plus an optional sub-region-disable mask for packing smaller
// shapes into one hardware region (ARMv7-M SRD).
type Region struct {
	Name Name
	Base uint32
	Size uint32

	Privileged   Access
	Unprivileged Access

	// SubRegionDisable, if non-zero, disables the corresponding 1/8th
	// slices of the region (ARMv7-M SRD semantics); only legal when
	// Size >= 256.
	SubRegionDisable uint8
}

// isPow2 reports whether n is a power of two.
func isPow2(n uint32) bool { return n != 0 && n&(n-1) == 0 }

// Validate checks invariant I5 (power-of-two size, naturally aligned
// base) plus the hardware's minimum size and the SRD-requires-256-byte
// rule, mirroring the link-time asserts of spec.md §6 and the panicking
// asserts of original_source's mpu::set_unprivileged_region.
func (r Region) Validate() error {
	if !isPow2(r.Size) {
		return errs.New(errs.InvalidArgument, "region %q: size %d is not a power of two", r.Name, r.Size)
	}
	if r.Size < MinSize {
		return errs.New(errs.InvalidArgument, "region %q: size %d below MPU minimum %d", r.Name, r.Size, MinSize)
	}
	if r.Base&(r.Size-1) != 0 {
		return errs.New(errs.InvalidArgument, "region %q: base %#x is not %d-aligned", r.Name, r.Base, r.Size)
	}
	if r.SubRegionDisable != 0 && r.Size < 256 {
		return errs.New(errs.InvalidArgument, "region %q: sub-region-disable requires size >= 256, got %d", r.Name, r.Size)
	}
	if r.Unprivileged&AccessW != 0 && r.Unprivileged&AccessX != 0 {
		return errs.New(errs.InvalidArgument, "region %q: unprivileged W and X must not both be set", r.Name)
	}
	return nil
}

// Contains reports whether [off, off+size) lies entirely within r.
func (r Region) Contains(addr uint32, size uint32) bool {
	if size == 0 {
		return addr >= r.Base && addr < r.Base+r.Size
	}
	end := addr + size
	return addr >= r.Base && end >= addr && end <= r.Base+r.Size
}

// Schedule is the full fixed set of regions active at one moment — the
// static ones (loader, code, OS-private, shared RO/RW) plus whichever
// context's private stack is currently rotated into the ContextStack
// slot. Schedule.Validate is the link-time-assertion equivalent named in
// spec.md §6.
type Schedule struct {
	Regions []Region
}

// Validate validates every region and checks that the hardware region
// budget (maxRegions, typically 8) is not exceeded.
func (s Schedule) Validate(maxRegions int) error {
	if len(s.Regions) > maxRegions {
		return errs.New(errs.InvalidArgument, "schedule has %d regions, hardware budget is %d", len(s.Regions), maxRegions)
	}
	for _, r := range s.Regions {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the region with the given name, if present.
func (s Schedule) Find(name Name) (Region, bool) {
	for _, r := range s.Regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// UnprivilegedCanAccess reports whether an unprivileged access of the
// given kind to [addr, addr+size) is permitted by any region in the
// schedule — this is what syscall entry (spec.md §4.6) uses to validate
// that caller-supplied pointers lie in caller-legal regions, and what
// context enter/leave (spec.md §4.5) uses to enforce invariant I6.
func (s Schedule) UnprivilegedCanAccess(addr, size uint32, need Access) bool {
	for _, r := range s.Regions {
		if r.Contains(addr, size) && r.Unprivileged&need == need {
			return true
		}
	}
	return false
}

// String renders a region for logs.
func (r Region) String() string {
	return fmt.Sprintf("%s[%#08x+%#x priv=%s unpriv=%s]", r.Name, r.Base, r.Size, r.Privileged, r.Unprivileged)
}
