package syscall

import (
	"encoding/binary"
	"testing"

	"github.com/anssi-fr/flashkernel/internal/context"
	"github.com/anssi-fr/flashkernel/internal/flash/memdevice"
	"github.com/anssi-fr/flashkernel/internal/fs"
	"github.com/anssi-fr/flashkernel/internal/mpu"
	"github.com/anssi-fr/flashkernel/internal/pathname"
)

const installerCtx context.ID = 1

func newTestDispatcher(t *testing.T) (*Dispatcher, *context.Manager) {
	t.Helper()
	sched, err := mpu.DefaultMap.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	dev := memdevice.NewUniform(3, 256)
	filesys, err := fs.New(dev, []int{0, 1, 2}, 2, nil)
	if err != nil {
		t.Fatalf("fs.New: %v", err)
	}
	if err := filesys.Init(); err != nil {
		t.Fatalf("fs.Init: %v", err)
	}

	ctxMgr := context.NewManager(sched, mpu.MaxHardwareRegions, nil)
	rw, _ := sched.Find(mpu.SharedRW)
	stack1, err := mpu.ContextStackRegion(rw.Base+rw.Size, mpu.DefaultMap.ContextStackSize)
	if err != nil {
		t.Fatalf("ContextStackRegion: %v", err)
	}
	if err := ctxMgr.Register(installerCtx, stack1, 0, context.ReentSize); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := ctxMgr.Enter(installerCtx); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	d, err := New(filesys, ctxMgr, sched, nil, pathname.InstallerContextID(installerCtx))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, ctxMgr
}

func encodeTagOnly(tag []byte) []byte {
	return append([]byte{byte(len(tag))}, tag...)
}

func encodeTagAndLen(tag []byte, n int) []byte {
	out := encodeTagOnly(tag)
	lenField := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenField, uint32(n))
	return append(out, lenField...)
}

func encodeTagAndData(tag, data []byte) []byte {
	return append(encodeTagOnly(tag), data...)
}

func TestDispatchFsWriteThenFsRead(t *testing.T) {
	d, _ := newTestDispatcher(t)
	tag := pathname.StaticTag(1, 2)

	argbuf := d.NewArgBuf()
	argbuf.Set(encodeTagAndData(tag, []byte("hello")))
	status := d.Dispatch(FsWrite, installerCtx, argbuf)
	if status != 0 {
		resp := argbuf.Get()
		t.Fatalf("FsWrite status = %d, resp = %v", status, resp)
	}
	argbuf.Get()

	argbuf.Set(encodeTagAndLen(tag, 16))
	status = d.Dispatch(FsRead, installerCtx, argbuf)
	resp := argbuf.Get()
	if status != 0 {
		t.Fatalf("FsRead status = %d", status)
	}
	if string(resp[1:]) != "hello" {
		t.Fatalf("got %q, want %q", resp[1:], "hello")
	}
}

func TestDispatchFsExists(t *testing.T) {
	d, _ := newTestDispatcher(t)
	tag := pathname.StaticTag(1, 3)

	argbuf := d.NewArgBuf()
	argbuf.Set(encodeTagOnly(tag))
	d.Dispatch(FsExists, installerCtx, argbuf)
	resp := argbuf.Get()
	if resp[1] != 0 {
		t.Fatalf("expected tag to not exist yet, got %v", resp)
	}

	argbuf.Set(encodeTagAndData(tag, []byte("x")))
	d.Dispatch(FsWrite, installerCtx, argbuf)
	argbuf.Get()

	argbuf.Set(encodeTagOnly(tag))
	d.Dispatch(FsExists, installerCtx, argbuf)
	resp = argbuf.Get()
	if resp[1] != 1 {
		t.Fatalf("expected tag to exist, got %v", resp)
	}
}

func TestDispatchRejectsWriteToPackageListByNonInstaller(t *testing.T) {
	d, ctxMgr := newTestDispatcher(t)
	const otherCtx context.ID = 2
	stack, err := mpu.ContextStackRegion(0x30002000, mpu.DefaultMap.ContextStackSize)
	if err != nil {
		t.Fatalf("ContextStackRegion: %v", err)
	}
	if err := ctxMgr.Register(otherCtx, stack, 0, context.ReentSize); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := ctxMgr.Enter(otherCtx); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	tag := pathname.PackageListTag()
	argbuf := d.NewArgBuf()
	argbuf.Set(encodeTagAndData(tag, []byte("pkg-list")))
	status := d.Dispatch(FsWrite, otherCtx, argbuf)
	if status == 0 {
		t.Fatal("expected non-zero status for a non-installer writing the package list")
	}
}

func TestDispatchRandomAccessWrite(t *testing.T) {
	d, _ := newTestDispatcher(t)
	tag := pathname.StaticTag(1, 4)

	argbuf := d.NewArgBuf()
	argbuf.Set(encodeTagAndData(tag, []byte{0xFF, 0xFF, 0xFF, 0xFF}))
	d.Dispatch(FsWrite, installerCtx, argbuf)
	argbuf.Get()

	offsetAndValue := make([]byte, 5)
	binary.LittleEndian.PutUint32(offsetAndValue[:4], 1)
	offsetAndValue[4] = 0x00
	argbuf.Set(append(encodeTagOnly(tag), offsetAndValue...))
	status := d.Dispatch(FsWrite1bAt, installerCtx, argbuf)
	resp := argbuf.Get()
	if status != 0 {
		t.Fatalf("FsWrite1bAt status = %d, resp = %v", status, resp)
	}

	argbuf.Set(encodeTagAndLen(tag, 4))
	d.Dispatch(FsRead, installerCtx, argbuf)
	got := argbuf.Get()
	want := []byte{0xFF, 0x00, 0xFF, 0xFF}
	for i, b := range want {
		if got[1+i] != b {
			t.Fatalf("byte %d = %#x, want %#x", i, got[1+i], b)
		}
	}
}

func TestDispatchPathDerivation(t *testing.T) {
	d, _ := newTestDispatcher(t)
	argbuf := d.NewArgBuf()
	argbuf.Set([]byte{7})
	status := d.Dispatch(PathCap, installerCtx, argbuf)
	resp := argbuf.Get()
	if status != 0 {
		t.Fatalf("PathCap status = %d", status)
	}
	want := pathname.CapTag(7)
	if len(resp) != 1+len(want) || string(resp[1:]) != string(want) {
		t.Fatalf("got %v, want status=0 then %v", resp, want)
	}
}

func TestDispatchRejectsSyscallFromNonActiveContext(t *testing.T) {
	d, ctxMgr := newTestDispatcher(t)
	const unregisteredCtx context.ID = 99

	argbuf := d.NewArgBuf()
	argbuf.Set(encodeTagOnly(pathname.StaticTag(1, 1)))
	status := d.Dispatch(FsExists, unregisteredCtx, argbuf)
	if status == 0 {
		t.Fatal("expected a fault status for an unregistered context")
	}
	if ctxMgr.Faulted(unregisteredCtx) {
		t.Fatal("an unregistered context cannot be recorded as faulted (it was never entered)")
	}
}
