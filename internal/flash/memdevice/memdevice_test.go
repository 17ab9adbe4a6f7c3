package memdevice

import (
	"testing"

	"github.com/anssi-fr/flashkernel/internal/flash"
)

func TestReadWriteRoundTrip(t *testing.T) {
	d := NewUniform(2, 64)
	if err := d.Write(0, 4, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, 5)
	if err := d.Read(0, 4, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestWriteRejectsZeroToOne(t *testing.T) {
	d := NewUniform(1, 16)
	if err := d.Write(0, 0, []byte{0x00}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	err := d.Write(0, 0, []byte{0x01})
	if err == nil {
		t.Fatal("expected illegal transition error")
	}
	if _, ok := err.(*flash.IllegalTransition); !ok {
		t.Fatalf("got %T, want *flash.IllegalTransition", err)
	}
	if d.LastError() == nil {
		t.Fatal("expected sticky error to be set")
	}
	d.ClearError()
	if d.LastError() != nil {
		t.Fatal("ClearError did not clear")
	}
}

func TestClearingAnAlreadyClearBitIsANoop(t *testing.T) {
	d := NewUniform(1, 16)
	if err := d.Write(0, 0, []byte{0x0F}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := d.Write(0, 0, []byte{0x0F}); err != nil {
		t.Fatalf("second write (idempotent clear): %v", err)
	}
	got := make([]byte, 1)
	d.Read(0, 0, got)
	if got[0] != 0x0F {
		t.Fatalf("got %#x, want %#x", got[0], 0x0F)
	}
}

func TestEraseResetsToAllOnes(t *testing.T) {
	d := NewUniform(1, 8)
	d.Write(0, 0, []byte{0x00, 0x00})
	if err := d.Erase(0); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	got := make([]byte, 8)
	d.Read(0, 0, got)
	for i, b := range got {
		if b != 0xFF {
			t.Fatalf("byte %d = %#x, want 0xFF after erase", i, b)
		}
	}
}

func TestOutOfBounds(t *testing.T) {
	d := NewUniform(1, 8)
	if err := d.Read(0, 4, make([]byte, 8)); err == nil {
		t.Fatal("expected out of bounds error")
	}
	if err := d.Write(5, 0, []byte{0}); err == nil {
		t.Fatal("expected out of bounds sector error")
	}
}

func TestReadInPlaceAliasesLiveBytes(t *testing.T) {
	d := NewUniform(1, 16)
	d.Write(0, 0, []byte("hi"))
	view, err := d.ReadInPlace(0, 0, 2)
	if err != nil {
		t.Fatalf("ReadInPlace: %v", err)
	}
	if string(view) != "hi" {
		t.Fatalf("got %q, want %q", view, "hi")
	}
	d.Write(0, 0, []byte{0x00, 0x00})
	if view[0] != 0x00 {
		t.Fatal("ReadInPlace slice should alias live sector bytes")
	}
}

func TestWriteHookAbortsMidProgram(t *testing.T) {
	d := NewUniform(1, 8)
	d.SetWriteHook(func(sector, offset int) bool {
		return offset >= 2
	})
	if err := d.Write(0, 0, []byte{0x00, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, 4)
	d.Read(0, 0, got)
	want := []byte{0x00, 0x00, 0xFF, 0xFF}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}
