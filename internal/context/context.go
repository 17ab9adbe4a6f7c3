// Package context implements the per-applet execution context manager of
// spec.md §4.5: a saved register file, a private stack region, a slot for
// the standard-library reentrancy state that must live in shared RW
// (spec.md §9), and a LIFO context stack for nested enter/leave calls.
//
// Real register save/restore is a few lines of inline assembly on the
// actual target and belongs to the excluded vendor/board layer; this
// package owns the *model* — the bookkeeping the kernel needs to decide
// which MPU schedule is active and whose turn it is to run, which is
// exactly what spec.md §4.5 describes as in scope.
package context

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/anssi-fr/flashkernel/internal/errs"
	"github.com/anssi-fr/flashkernel/internal/metrics"
	"github.com/anssi-fr/flashkernel/internal/mpu"
)

// ID identifies one execution context. Zero is always the kernel's own
// (privileged) context and is never pushed onto the context stack.
type ID uint32

// KernelID is the reserved id of the privileged kernel context.
const KernelID ID = 0

// Registers is the saved general-purpose register file captured on entry
// to privileged mode (spec.md §3: "saved_registers").
type Registers struct {
	R     [13]uint32
	SP    uint32
	LR    uint32
	PC    uint32
	PSR   uint32
}

// Context is the per-applet state spec.md §3 names: saved registers, a
// private stack region, the address of this context's reentrancy block
// inside shared RW, and the id of whichever context called into it.
type Context struct {
	ID       ID
	Regs     Registers
	Stack    mpu.Region
	ReentOff uint32 // offset within the shared RW region
	ReentLen uint32
	Parent   ID
	HasParent bool
}

// Fault describes why a context was terminated by the kernel (spec.md
// §4.5, "fault").
type Fault struct {
	Context ID
	Reason  string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("context %d faulted: %s", f.Context, f.Reason)
}

// Manager owns the set of contexts, the active MPU shadow, and the
// context stack. There is exactly one Manager per kernel instance; it is
// not safe to share across kernels, but its own methods are safe to call
// from the single kernel thread that the concurrency model (spec.md §5)
// guarantees is the only caller.
type Manager struct {
	mu       sync.Mutex
	contexts map[ID]*Context
	stack    []ID // LIFO of active (pushed) contexts; stack[len-1] is top
	current  ID
	sched    mpu.Schedule
	shadow   *mpu.Shadow
	maxRegs  int

	faulted map[ID]*Fault
	metrics *metrics.Registry
}

// NewManager creates a Manager whose static MPU regions are sched (flash
// loader, flash code, OS-private, shared RO, shared RW); per-context
// private stacks are rotated in on Enter. reg may be nil, in which case
// enter/leave/fault counts are tracked against a private, unregistered
// Registry (the same fallback internal/fs.New and internal/syscall.New
// use).
func NewManager(sched mpu.Schedule, maxRegions int, reg *metrics.Registry) *Manager {
	if reg == nil {
		reg = metrics.NewUnregistered()
	}
	return &Manager{
		contexts: make(map[ID]*Context),
		shadow:   mpu.NewShadow(),
		sched:    sched,
		maxRegs:  maxRegions,
		current:  KernelID,
		faulted:  make(map[ID]*Fault),
		metrics:  reg,
	}
}

// Register installs the static metadata for a context (its private stack
// region and reentrancy slot) so that Enter can later be called with its
// id. Must be called from privileged code before the context is ever
// entered.
func (m *Manager) Register(id ID, stack mpu.Region, reentOff, reentLen uint32) error {
	if id == KernelID {
		return errs.New(errs.InvalidArgument, "context id %d is reserved for the kernel", KernelID)
	}
	if err := stack.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.contexts[id]; exists {
		return errs.New(errs.InvalidArgument, "context %d already registered", id)
	}
	m.contexts[id] = &Context{ID: id, Stack: stack, ReentOff: reentOff, ReentLen: reentLen}
	return nil
}

// Current returns the id of the context currently executing (the callee
// of the most recent unmatched Enter), or KernelID if the stack is empty.
// The current context itself is not on the stack, which holds only the
// callers waiting to be returned to.
func (m *Manager) Current() ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Enter pushes the caller onto the context stack, reconfigures the MPU
// shadow to grant unprivileged access to exactly the regions spec.md
// §4.5 names (shared RO, shared RW, flash code, callee's private stack),
// and makes callee the current context. It enforces invariant I6 by
// construction: the schedule it builds grants unprivileged code no access
// to OS-private and never includes any other context's stack.
func (m *Manager) Enter(callee ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, ok := m.contexts[callee]
	if !ok {
		return errs.New(errs.InvalidArgument, "context %d was never registered", callee)
	}
	if f, faulted := m.faulted[callee]; faulted {
		return errs.New(errs.ContextFault, "context %d already faulted: %s", callee, f.Reason)
	}

	dynamic := append(append([]mpu.Region{}, m.sched.Regions...), ctx.Stack)
	sched := mpu.Schedule{Regions: dynamic}
	if err := m.shadow.Apply(sched, m.maxRegs); err != nil {
		return err
	}

	m.stack = append(m.stack, m.current)
	m.current = callee
	m.metrics.ContextEnters.Inc()
	return nil
}

// Leave reverses the most recent Enter: it pops the context stack,
// restores the caller's MPU configuration, and makes the caller current
// again. It is an error to call Leave with no matching Enter.
func (m *Manager) Leave() (caller ID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.stack) == 0 {
		return 0, errs.New(errs.InvalidArgument, "context stack underflow: Leave without matching Enter")
	}
	caller = m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]

	if caller == KernelID {
		// Returning to the kernel: only the static regions, with no
		// context's private stack rotated in.
		if err := m.shadow.Apply(mpu.Schedule{Regions: append([]mpu.Region{}, m.sched.Regions...)}, m.maxRegs); err != nil {
			return 0, err
		}
	} else {
		callerCtx, ok := m.contexts[caller]
		if !ok {
			return 0, errs.New(errs.IntegrityError, "context stack referred to unregistered context %d", caller)
		}
		dynamic := append(append([]mpu.Region{}, m.sched.Regions...), callerCtx.Stack)
		if err := m.shadow.Apply(mpu.Schedule{Regions: dynamic}, m.maxRegs); err != nil {
			return 0, err
		}
	}

	m.current = caller
	m.metrics.ContextLeaves.Inc()
	return caller, nil
}

// Fault terminates the given context with reason, records it so future
// Enter calls are rejected, and returns the ContextFault error the
// syscall boundary should report to the caller (spec.md §4.5, §7).
func (m *Manager) Fault(id ID, reason string) *errs.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faulted[id] = &Fault{Context: id, Reason: reason}
	m.metrics.ContextFaults.WithLabelValues(reason).Inc()
	klog.V(1).Infof("context %d faulted: %s", id, reason)
	return errs.New(errs.ContextFault, "context %d: %s", id, reason)
}

// Faulted reports whether id has previously faulted.
func (m *Manager) Faulted(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.faulted[id]
	return ok
}

// Shadow exposes the underlying MPU shadow for tests and for the syscall
// dispatcher's pointer-range validation (spec.md §4.6).
func (m *Manager) Shadow() *mpu.Shadow {
	return m.shadow
}

// Depth returns the number of contexts currently pushed on the context
// stack (0 means only the kernel is executing).
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stack)
}
