package syscall

import (
	"encoding/binary"

	"k8s.io/klog/v2"

	"github.com/anssi-fr/flashkernel/internal/block"
	"github.com/anssi-fr/flashkernel/internal/context"
	"github.com/anssi-fr/flashkernel/internal/errs"
	"github.com/anssi-fr/flashkernel/internal/fs"
	"github.com/anssi-fr/flashkernel/internal/metrics"
	"github.com/anssi-fr/flashkernel/internal/mpu"
	"github.com/anssi-fr/flashkernel/internal/pathname"
)

// Dispatcher is the privileged-side table-driven entry point spec.md
// §4.6 describes: it validates a request marshalled into an ArgBuf by
// the calling context, then forwards it to the file system, the path
// derivation helpers, or rejects it outright.
//
// Grounded on original_source/src/syscall/mod.rs's `syscall_received`:
// switch to the kernel's own heap/context, look up the handler by
// number, run it, write the result back, switch back — reshaped here
// into one table-driven method since Go has no unprivileged/privileged
// mode switch to model beyond the context.Manager's bookkeeping.
type Dispatcher struct {
	fs        *fs.FileSystem
	ctxMgr    *context.Manager
	metrics   *metrics.Registry
	installer pathname.InstallerContextID

	argBufAddr uint32
	argBufSize uint32
}

// New builds a Dispatcher. sched must already place a shared-rw region
// (mpu.SharedRW) large enough to hold the default argument buffer;
// installer is the one context id permitted to write package-list and
// capability-record tags (pathname.CanWrite).
func New(fsys *fs.FileSystem, ctxMgr *context.Manager, sched mpu.Schedule, reg *metrics.Registry, installer pathname.InstallerContextID) (*Dispatcher, error) {
	rw, ok := sched.Find(mpu.SharedRW)
	if !ok {
		return nil, errs.New(errs.InvalidArgument, "memory map has no shared-rw region")
	}
	if err := mpu.ValidateArgBuf(rw.Size); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = metrics.NewUnregistered()
	}
	return &Dispatcher{
		fs:         fsys,
		ctxMgr:     ctxMgr,
		metrics:    reg,
		installer:  installer,
		argBufAddr: rw.Base + mpu.ArgBufOffset,
		argBufSize: mpu.DefaultArgBufSize,
	}, nil
}

// NewArgBuf allocates an ArgBuf sized to match d's memory map.
func (d *Dispatcher) NewArgBuf() *ArgBuf {
	return NewArgBuf(int(d.argBufSize))
}

// Dispatch validates and executes num on behalf of ctxID, reading its
// request from argbuf and writing its response (status byte first, then
// any result data) back into argbuf. It never panics on caller
// misbehaviour: a malformed request yields a status byte, and a caller
// whose own argument buffer access would violate the MPU schedule faults
// the context instead of touching FS state (spec.md §7).
func (d *Dispatcher) Dispatch(num Number, ctxID context.ID, argbuf *ArgBuf) byte {
	d.metrics.SyscallTotal.WithLabelValues(num.String()).Inc()

	if err := d.validateCaller(ctxID, argbuf); err != nil {
		return d.fail(num, argbuf, err)
	}

	req := argbuf.Payload()
	status, resp := d.handle(num, ctxID, req)
	if status != errs.OK {
		d.metrics.SyscallErrors.WithLabelValues(num.String(), status.String()).Inc()
	}
	out := append([]byte{status.StatusByte()}, resp...)
	if err := argbuf.SetPayload(out); err != nil {
		// The handler produced more data than the buffer can hold: this
		// is a kernel bug (a handler must size its own response), not a
		// caller error, but there is nowhere safe to report it except
		// the status byte itself.
		klog.Errorf("syscall %s: response overflow: %v", num, err)
		argbuf.SetPayload([]byte{errs.IntegrityError.StatusByte()})
		return errs.IntegrityError.StatusByte()
	}
	return status.StatusByte()
}

func (d *Dispatcher) fail(num Number, argbuf *ArgBuf, err error) byte {
	kind := errs.KindOf(err)
	d.metrics.SyscallErrors.WithLabelValues(num.String(), kind.String()).Inc()
	klog.V(1).Infof("syscall %s: rejected before dispatch: %v", num, err)
	argbuf.SetPayload([]byte{kind.StatusByte()})
	return kind.StatusByte()
}

// validateCaller enforces spec.md §4.6's entry checks that are not
// specific to one syscall: the argument buffer itself must lie in a
// region the caller is currently permitted to reach. Since every
// syscall's arguments and results pass through this one buffer, checking
// its range once subsumes the "pointer ranges lie in caller-visible MPU
// regions" rule for every syscall uniformly.
func (d *Dispatcher) validateCaller(ctxID context.ID, argbuf *ArgBuf) error {
	if ctxID == context.KernelID {
		return nil
	}
	if d.ctxMgr.Faulted(ctxID) {
		return errs.New(errs.ContextFault, "context %d has already faulted", ctxID)
	}
	// spec.md §5: "the argument buffer is implicitly owned by the top
	// context" — a syscall claiming to come from anyone else is rejected
	// before the MPU schedule (which reflects only the top context) is
	// even consulted.
	if d.ctxMgr.Current() != ctxID {
		return errs.New(errs.ContextFault, "context %d issued a syscall while not the active context", ctxID)
	}
	if !d.ctxMgr.Shadow().CheckUnprivileged(d.argBufAddr, uint32(argbuf.Size()), mpu.AccessRW) {
		return d.ctxMgr.Fault(ctxID, "argument buffer unreachable under current MPU schedule")
	}
	return nil
}

// handle is the table-driven core: decode the request, run the
// operation, encode the response. FsInit and FsDrop are privileged
// bootstrap calls spec.md §6 lists in the ABI surface but which no
// unprivileged context may invoke.
func (d *Dispatcher) handle(num Number, ctxID context.ID, req []byte) (errs.Kind, []byte) {
	switch num {
	case FsInit:
		if ctxID != context.KernelID {
			return errs.InvalidArgument, nil
		}
		if err := d.fs.Init(); err != nil {
			return errs.KindOf(err), nil
		}
		return errs.OK, nil

	case FsDrop:
		if ctxID != context.KernelID {
			return errs.InvalidArgument, nil
		}
		d.fs.Drop()
		return errs.OK, nil

	case FsExists:
		tag, err := decodeTagOnly(req)
		if err != nil {
			return errs.KindOf(err), nil
		}
		if !pathname.CanRead(uint32(ctxID), tag) {
			return errs.InvalidArgument, nil
		}
		exists := d.fs.Exists(tag)
		if exists {
			return errs.OK, []byte{1}
		}
		return errs.OK, []byte{0}

	case FsLength:
		tag, err := decodeTagOnly(req)
		if err != nil {
			return errs.KindOf(err), nil
		}
		if !pathname.CanRead(uint32(ctxID), tag) {
			return errs.InvalidArgument, nil
		}
		n, err := d.fs.Length(tag)
		if err != nil {
			return errs.KindOf(err), nil
		}
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, uint32(n))
		return errs.OK, out

	case FsRead:
		tag, maxLen, err := decodeTagAndLen(req)
		if err != nil {
			return errs.KindOf(err), nil
		}
		if !pathname.CanRead(uint32(ctxID), tag) {
			return errs.InvalidArgument, nil
		}
		dst := make([]byte, maxLen)
		n, err := d.fs.Read(tag, dst)
		if err != nil {
			return errs.KindOf(err), nil
		}
		return errs.OK, dst[:n]

	case FsReadInplace:
		tag, err := decodeTagOnly(req)
		if err != nil {
			return errs.KindOf(err), nil
		}
		if !pathname.CanRead(uint32(ctxID), tag) {
			return errs.InvalidArgument, nil
		}
		data, err := d.fs.ReadInPlace(tag)
		if err != nil {
			return errs.KindOf(err), nil
		}
		return errs.OK, data

	case FsRead1bAt, FsRead2bAt, FsRead4bAt:
		tag, offset, err := decodeTagAndOffset(req)
		if err != nil {
			return errs.KindOf(err), nil
		}
		if !pathname.CanRead(uint32(ctxID), tag) {
			return errs.InvalidArgument, nil
		}
		width := widthOf(num)
		data, err := d.fs.ReadInPlace(tag)
		if err != nil {
			return errs.KindOf(err), nil
		}
		start := offset * width
		if start < 0 || start+width > len(data) {
			return errs.InvalidArgument, nil
		}
		return errs.OK, append([]byte{}, data[start:start+width]...)

	case FsWrite:
		tag, data, err := decodeTagAndData(req)
		if err != nil {
			return errs.KindOf(err), nil
		}
		if !pathname.CanWrite(uint32(ctxID), d.installer, tag) {
			return errs.InvalidArgument, nil
		}
		if err := d.fs.Write(tag, data); err != nil {
			return errs.KindOf(err), nil
		}
		return errs.OK, nil

	case FsWrite1bAt, FsWrite2bAt, FsWrite4bAt:
		tag, offset, value, err := decodeTagOffsetAndValue(req, widthOf(num))
		if err != nil {
			return errs.KindOf(err), nil
		}
		if !pathname.CanWrite(uint32(ctxID), d.installer, tag) {
			return errs.InvalidArgument, nil
		}
		if err := d.editAt(tag, offset, value); err != nil {
			return errs.KindOf(err), nil
		}
		return errs.OK, nil

	case FsErase:
		tag, err := decodeTagOnly(req)
		if err != nil {
			return errs.KindOf(err), nil
		}
		if !pathname.CanWrite(uint32(ctxID), d.installer, tag) {
			return errs.InvalidArgument, nil
		}
		if err := d.fs.Erase(tag); err != nil {
			return errs.KindOf(err), nil
		}
		return errs.OK, nil

	case SetArgBuf, GetArgBuf:
		// Handled by the caller directly via ArgBuf.Set/Get — these two
		// ABI numbers exist for table completeness (spec.md §6 names
		// them as syscalls) but the buffer they would marshal through
		// is the very buffer Dispatch already operates on.
		return errs.OK, req

	case PathPackageList:
		return errs.OK, pathname.PackageListTag()

	case PathCap:
		if len(req) != 1 {
			return errs.InvalidArgument, nil
		}
		return errs.OK, pathname.CapTag(req[0])

	case PathStatic:
		if len(req) != 2 {
			return errs.InvalidArgument, nil
		}
		return errs.OK, pathname.StaticTag(req[0], req[1])

	case PathAppletField:
		if len(req) != 4 {
			return errs.InvalidArgument, nil
		}
		return errs.OK, pathname.AppletFieldTag(req[0], req[1], req[2], req[3])

	default:
		return errs.InvalidArgument, nil
	}
}

// editAt performs a random-access write of len(value) bytes at offset
// offset, counted in units of len(value), within tag's payload (byte
// offset offset*len(value)): a legal in-place 1→0 bit clear when every
// changed bit only clears, otherwise a full read-modify-write rewrite
// (spec.md §4.3's random-access write rule).
func (d *Dispatcher) editAt(tag []byte, offset int, value []byte) error {
	return d.fs.EditAt(tag, offset*len(value), value)
}

func widthOf(num Number) int {
	switch num {
	case FsRead1bAt, FsWrite1bAt:
		return 1
	case FsRead2bAt, FsWrite2bAt:
		return 2
	case FsRead4bAt, FsWrite4bAt:
		return 4
	default:
		return 0
	}
}

func decodeTagOnly(req []byte) ([]byte, error) {
	tag, rest, err := decodeTag(req)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errs.New(errs.InvalidArgument, "unexpected trailing bytes after tag")
	}
	return tag, nil
}

func decodeTag(req []byte) (tag, rest []byte, err error) {
	if len(req) < 1 {
		return nil, nil, errs.New(errs.InvalidArgument, "empty syscall request")
	}
	tagLen := int(req[0])
	if tagLen == 0 || tagLen > block.MaxTagLen {
		return nil, nil, errs.New(errs.InvalidArgument, "tag length %d out of range 1..%d", tagLen, block.MaxTagLen)
	}
	if len(req) < 1+tagLen {
		return nil, nil, errs.New(errs.InvalidArgument, "request truncated before end of tag")
	}
	if err := pathname.ValidateTag(req[1 : 1+tagLen]); err != nil {
		return nil, nil, err
	}
	return req[1 : 1+tagLen], req[1+tagLen:], nil
}

func decodeTagAndLen(req []byte) (tag []byte, maxLen int, err error) {
	tag, rest, err := decodeTag(req)
	if err != nil {
		return nil, 0, err
	}
	if len(rest) != 4 {
		return nil, 0, errs.New(errs.InvalidArgument, "expected a 4-byte length field")
	}
	return tag, int(binary.LittleEndian.Uint32(rest)), nil
}

func decodeTagAndData(req []byte) (tag, data []byte, err error) {
	tag, rest, err := decodeTag(req)
	if err != nil {
		return nil, nil, err
	}
	return tag, rest, nil
}

func decodeTagAndOffset(req []byte) (tag []byte, offset int, err error) {
	tag, rest, err := decodeTag(req)
	if err != nil {
		return nil, 0, err
	}
	if len(rest) != 4 {
		return nil, 0, errs.New(errs.InvalidArgument, "expected a 4-byte offset field")
	}
	return tag, int(binary.LittleEndian.Uint32(rest)), nil
}

func decodeTagOffsetAndValue(req []byte, width int) (tag []byte, offset int, value []byte, err error) {
	tag, rest, err := decodeTag(req)
	if err != nil {
		return nil, 0, nil, err
	}
	if len(rest) != 4+width {
		return nil, 0, nil, errs.New(errs.InvalidArgument, "expected a 4-byte offset field plus a %d-byte value", width)
	}
	return tag, int(binary.LittleEndian.Uint32(rest[:4])), rest[4:], nil
}
