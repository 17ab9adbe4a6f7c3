package mpu

import "sync"

// Shadow mirrors, in host-testable form, the MPU configuration that would
// be programmed into hardware registers. It is the "software model that
// traps forbidden accesses" named in spec.md §6, minus the real emulator's
// signal-based trapping of actual memory accesses (that belongs to the
// excluded external emulator harness) — tests assert directly against the
// Shadow's permission queries instead of faulting a real access.
type Shadow struct {
	mu       sync.Mutex
	schedule Schedule
}

// NewShadow creates a Shadow starting from the all-denying-for-unprivileged
// state (an empty schedule, so no unprivileged access is permitted until
// Apply installs one), matching original_source's documented Mpu::setup
// behaviour.
func NewShadow() *Shadow {
	return &Shadow{}
}

// Apply installs a new schedule as the currently active one, as if it had
// just been programmed into hardware. It validates the schedule first and
// refuses to install an invalid one.
func (s *Shadow) Apply(sched Schedule, maxRegions int) error {
	if err := sched.Validate(maxRegions); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule = sched
	return nil
}

// Current returns the currently active schedule.
func (s *Shadow) Current() Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule
}

// CheckUnprivileged reports whether an unprivileged access of kind need to
// [addr, addr+size) is currently permitted — invariant I6 checked from the
// caller's side, and the same check spec.md §4.6 requires at syscall entry
// for caller-supplied pointers.
func (s *Shadow) CheckUnprivileged(addr, size uint32, need Access) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule.UnprivilegedCanAccess(addr, size, need)
}
