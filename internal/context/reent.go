package context

import "github.com/anssi-fr/flashkernel/internal/errs"

// ReentSize is the size, in bytes, of one context's standard-library
// reentrancy block (spec.md §9: "_impure_ptr-style" per-context state).
const ReentSize = 96

// ReentAllocator hands out fixed-size reentrancy slots from the front of
// the shared RW region. It is the "minimal bump/free-list allocator"
// spec.md §9 asks for as a documented extension point, not a general
// purpose heap — general heap allocation belongs to the excluded newlib
// shim. Slots are never reclaimed individually; a context that uninstalls
// is expected to be the last thing to ever free its slot, at which point
// a reboot (not a free-list) recovers the space, matching the observation
// in original_source/src/context.rs that "there is no deinit_contexts...
// a reboot is required for changing the context list."
type ReentAllocator struct {
	base uint32
	size uint32
	next uint32
}

// NewReentAllocator creates an allocator bump-allocating from
// [base, base+size).
func NewReentAllocator(base, size uint32) *ReentAllocator {
	return &ReentAllocator{base: base, size: size, next: base}
}

// Alloc reserves ReentSize bytes and returns their offset from base.
func (a *ReentAllocator) Alloc() (offset uint32, err error) {
	if a.next+ReentSize > a.base+a.size {
		return 0, errs.New(errs.NoSpace, "no room for another reentrancy block (base=%#x size=%d used=%d)", a.base, a.size, a.next-a.base)
	}
	offset = a.next - a.base
	a.next += ReentSize
	return offset, nil
}

// Used returns how many bytes have been handed out so far.
func (a *ReentAllocator) Used() uint32 { return a.next - a.base }
